package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/likexian/whois"
	whoisparser "github.com/likexian/whois-parser"
	"golang.org/x/net/publicsuffix"

	"github.com/yourorg/darkstar/internal/model"
)

const expiryWarning = 30 * 24 * time.Hour

var whoisDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05.0Z",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02-Jan-2006",
	"2006.01.02",
	"2006/01/02",
}

// Whois looks up the registrable domain of a target. Registration data is
// recorded as an asset, upcoming expiry and missing DNSSEC as
// misconfigurations.
type Whois struct {
	s      Settings
	mode   model.Mode
	lookup func(domain string) (string, error)
}

func NewWhois(s Settings, mode model.Mode) Scanner {
	return &Whois{s: s, mode: mode, lookup: func(d string) (string, error) { return whois.Whois(d) }}
}

func (w *Whois) Name() string        { return "whois" }
func (w *Whois) Conflicts() []string { return nil }

func (w *Whois) Prepare(t model.Target, opts model.Options) (*Plan, error) {
	plan := &Plan{Scanner: w.Name(), Target: t, Mode: w.mode, Timeout: w.s.timeout(w.Name(), opts)}
	if !t.IsDomain() {
		plan.Skip = "whois applies to domains only"
		return plan, nil
	}
	apex, err := publicsuffix.EffectiveTLDPlusOne(t.Value)
	if err != nil {
		plan.Skip = "no registrable domain: " + err.Error()
		return plan, nil
	}
	plan.Args = []string{apex}
	return plan, nil
}

type whoisFacts struct {
	Domain      string   `json:"domain"`
	Registrar   string   `json:"registrar,omitempty"`
	Expires     string   `json:"expires,omitempty"`
	DNSSEC      bool     `json:"dnssec"`
	NameServers []string `json:"name_servers,omitempty"`
}

func (w *Whois) Execute(ctx context.Context, plan *Plan) ([]model.RawFinding, error) {
	domain := plan.Args[0]
	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		text, err := w.lookup(domain)
		ch <- result{text, err}
	}()

	var text string
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: whois %s: %v", ErrScannerTimeout, domain, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("whois %s: %w", domain, r.err)
		}
		text = r.text
	}

	info, err := whoisparser.Parse(text)
	if err != nil {
		if errors.Is(err, whoisparser.ErrNotFoundDomain) {
			return nil, nil
		}
		return nil, fmt.Errorf("parse whois %s: %w", domain, err)
	}
	facts := whoisFacts{Domain: domain}
	if info.Domain != nil {
		facts.Expires = info.Domain.ExpirationDate
		facts.DNSSEC = info.Domain.DNSSec
		facts.NameServers = info.Domain.NameServers
	}
	if info.Registrar != nil {
		facts.Registrar = info.Registrar.Name
	}
	return whoisRecords(plan, facts)
}

func whoisRecords(plan *Plan, facts whoisFacts) ([]model.RawFinding, error) {
	b, err := json.Marshal(facts)
	if err != nil {
		return nil, err
	}
	out := []model.RawFinding{newRaw(plan, "whois-registration", b)}
	if facts.Expires != "" {
		out = append(out, newRaw(plan, "whois-expiry", b))
	}
	if !facts.DNSSEC {
		out = append(out, newRaw(plan, "whois-dnssec", b))
	}
	return out, nil
}

func parseWhoisDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range whoisDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func (w *Whois) Parse(raw model.RawFinding) (*model.Finding, error) {
	var facts whoisFacts
	if err := json.Unmarshal(raw.Payload, &facts); err != nil {
		return nil, fmt.Errorf("whois record: %w", err)
	}
	f := &model.Finding{
		Target:    raw.Target,
		Evidence:  map[string]string{"domain": facts.Domain},
		KeyFields: []string{"domain"},
		Scanners:  []string{w.Name()},
		FirstSeen: raw.Timestamp,
	}
	switch raw.Kind {
	case "whois-registration":
		f.Type = model.FindingDiscoveredAsset
		f.Identifier = "whois-registration"
		f.Title = "Registration record for " + facts.Domain
		f.Severity = model.SeverityInfo
		f.Evidence["registrar"] = facts.Registrar
		f.Evidence["expires"] = facts.Expires
		f.Evidence["name_servers"] = strings.ToLower(strings.Join(facts.NameServers, ","))

	case "whois-expiry":
		exp, ok := parseWhoisDate(facts.Expires)
		if !ok {
			return nil, fmt.Errorf("whois expiry %q: unknown date format", facts.Expires)
		}
		left := exp.Sub(raw.Timestamp)
		if left > expiryWarning {
			return nil, nil
		}
		f.Type = model.FindingMisconfiguration
		f.Identifier = "domain-expiry"
		f.Evidence["expires"] = exp.UTC().Format(time.RFC3339)
		if left <= 0 {
			f.Severity = model.SeverityHigh
			f.Title = "Domain registration has expired"
		} else {
			f.Severity = model.SeverityMedium
			f.Title = fmt.Sprintf("Domain registration expires in %d days", int(left.Hours()/24))
		}

	case "whois-dnssec":
		if facts.DNSSEC {
			return nil, nil
		}
		f.Type = model.FindingMisconfiguration
		f.Identifier = "dnssec-disabled"
		f.Title = "DNSSEC is not enabled for " + facts.Domain
		f.Severity = model.SeverityLow

	default:
		return nil, nil
	}
	f.Seal()
	return f, nil
}
