package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/publicsuffix"

	"github.com/yourorg/darkstar/internal/model"
)

const defaultResolver = "1.1.1.1:53"

// DNSAXFR asks every authoritative nameserver of the target's zone for a
// full zone transfer. Any server that answers is a finding.
type DNSAXFR struct {
	s    Settings
	mode model.Mode
}

func NewDNSAXFR(s Settings, mode model.Mode) Scanner { return &DNSAXFR{s: s, mode: mode} }

func (d *DNSAXFR) Name() string        { return "dnsaxfr" }
func (d *DNSAXFR) Conflicts() []string { return nil }

func (d *DNSAXFR) Prepare(t model.Target, opts model.Options) (*Plan, error) {
	plan := &Plan{Scanner: d.Name(), Target: t, Mode: d.mode, Timeout: d.s.timeout(d.Name(), opts)}
	if !t.IsDomain() {
		plan.Skip = "zone transfer check applies to domains only"
		return plan, nil
	}
	zone, err := publicsuffix.EffectiveTLDPlusOne(t.Value)
	if err != nil {
		plan.Skip = "no registrable domain: " + err.Error()
		return plan, nil
	}
	plan.Command = d.resolver()
	plan.Args = []string{zone}
	return plan, nil
}

func (d *DNSAXFR) resolver() string {
	if d.s.DNSResolver != "" {
		return d.s.DNSResolver
	}
	if cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(cfg.Servers) > 0 {
		return net.JoinHostPort(cfg.Servers[0], cfg.Port)
	}
	return defaultResolver
}

type axfrResult struct {
	Zone       string `json:"zone"`
	Nameserver string `json:"nameserver"`
	Records    int    `json:"records"`
}

func (d *DNSAXFR) Execute(ctx context.Context, plan *Plan) ([]model.RawFinding, error) {
	zone := dns.Fqdn(plan.Args[0])
	c := &dns.Client{Timeout: 10 * time.Second}
	q := new(dns.Msg)
	q.SetQuestion(zone, dns.TypeNS)
	resp, _, err := c.ExchangeContext(ctx, q, plan.Command)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: ns lookup: %v", ErrScannerTimeout, ctx.Err())
		}
		return nil, fmt.Errorf("%w: ns lookup %s via %s: %v", ErrScannerUnavailable, zone, plan.Command, err)
	}

	var out []model.RawFinding
	for _, rr := range resp.Answer {
		ns, ok := rr.(*dns.NS)
		if !ok {
			continue
		}
		n, err := d.transfer(ctx, zone, ns.Ns)
		if ctx.Err() != nil {
			return out, fmt.Errorf("%w: axfr: %v", ErrScannerTimeout, ctx.Err())
		}
		if err != nil {
			log.WithFields(log.Fields{"zone": zone, "ns": ns.Ns}).Debugf("axfr refused: %v", err)
			continue
		}
		if n == 0 {
			continue
		}
		b, _ := json.Marshal(axfrResult{
			Zone:       strings.TrimSuffix(zone, "."),
			Nameserver: strings.TrimSuffix(strings.ToLower(ns.Ns), "."),
			Records:    n,
		})
		out = append(out, newRaw(plan, "axfr", b))
	}
	return out, nil
}

// transferTimeouts bounds the dial and each read by what is left of ctx.
func transferTimeouts(ctx context.Context) (dial, read time.Duration) {
	dial, read = 5*time.Second, 10*time.Second
	if dl, ok := ctx.Deadline(); ok {
		left := time.Until(dl)
		if left <= 0 {
			left = time.Millisecond
		}
		dial, read = min(dial, left), min(read, left)
	}
	return dial, read
}

func (d *DNSAXFR) transfer(ctx context.Context, zone, ns string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	dial, read := transferTimeouts(ctx)
	t := &dns.Transfer{DialTimeout: dial, ReadTimeout: read}
	m := new(dns.Msg)
	m.SetAxfr(zone)
	env, err := t.In(m, net.JoinHostPort(strings.TrimSuffix(ns, "."), "53"))
	if err != nil {
		return 0, err
	}
	return countEnvelopes(ctx, env)
}

// countEnvelopes sums the records received on env. On cancellation env is
// drained in the background so the sending goroutine and its connection exit.
func countEnvelopes(ctx context.Context, env <-chan *dns.Envelope) (int, error) {
	count := 0
	for {
		select {
		case <-ctx.Done():
			go func() {
				for range env {
				}
			}()
			return count, ctx.Err()
		case e, ok := <-env:
			if !ok {
				return count, nil
			}
			if e.Error != nil {
				return count, e.Error
			}
			count += len(e.RR)
		}
	}
}

func (d *DNSAXFR) Parse(raw model.RawFinding) (*model.Finding, error) {
	var r axfrResult
	if err := json.Unmarshal(raw.Payload, &r); err != nil {
		return nil, fmt.Errorf("axfr record: %w", err)
	}
	f := &model.Finding{
		Target:     raw.Target,
		Type:       model.FindingMisconfiguration,
		Identifier: "dns-zone-transfer",
		Title:      "Nameserver " + r.Nameserver + " allows zone transfer of " + r.Zone,
		Severity:   model.SeverityHigh,
		Evidence: map[string]string{
			"zone":       r.Zone,
			"nameserver": r.Nameserver,
			"records":    strconv.Itoa(r.Records),
		},
		KeyFields: []string{"zone", "nameserver"},
		Scanners:  []string{d.Name()},
		FirstSeen: raw.Timestamp,
	}
	f.Seal()
	return f, nil
}
