package scanner

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/yourorg/darkstar/internal/model"
)

const DefaultBruteforceTimeout = 300 * time.Second

var (
	defaultBruteServices = []string{"ssh", "ftp"}
	hydraHit             = regexp.MustCompile(`^\[(\d+)\]\[([\w-]+)\]\s+host:\s+(\S+)\s+login:\s+(\S+)\s+password:\s*(.*)$`)
)

// Bruteforce tries the configured credential lists against common services
// with hydra. Passwords never leave this package in clear text; findings
// carry their SHA-1 so breach lookups still work.
type Bruteforce struct {
	s    Settings
	mode model.Mode
}

func NewBruteforce(s Settings, mode model.Mode) Scanner { return &Bruteforce{s: s, mode: mode} }

func (b *Bruteforce) Name() string        { return "bruteforce" }
func (b *Bruteforce) Conflicts() []string { return []string{"netif"} }

func (b *Bruteforce) HardTimeout(opts model.Options) time.Duration {
	if opts.BruteforceTimeout > 0 {
		return opts.BruteforceTimeout
	}
	return DefaultBruteforceTimeout
}

func (b *Bruteforce) services() []string {
	if len(b.s.BruteforceServices) > 0 {
		return b.s.BruteforceServices
	}
	return defaultBruteServices
}

func (b *Bruteforce) Prepare(t model.Target, opts model.Options) (*Plan, error) {
	bin := b.s.HydraPath
	if bin == "" {
		bin = "hydra"
	}
	plan := &Plan{
		Scanner: b.Name(),
		Target:  t,
		Mode:    b.mode,
		Command: bin,
		Args:    b.s.extraArgs(b.Name(), opts),
		Timeout: b.s.timeout(b.Name(), opts),
	}
	if b.s.HydraUsers == "" || b.s.HydraPasswords == "" {
		plan.Skip = "no credential wordlists configured"
	}
	return plan, nil
}

func (b *Bruteforce) Execute(ctx context.Context, plan *Plan) ([]model.RawFinding, error) {
	var (
		out    []model.RawFinding
		errs   []error
		failed int
	)
	for _, svc := range b.services() {
		args := []string{"-L", b.s.HydraUsers, "-P", b.s.HydraPasswords, "-t", "4", "-f", "-I"}
		args = append(args, plan.Args...)
		args = append(args, svc+"://"+plan.Target.Value)

		svcPlan := *plan
		svcPlan.Args = args
		raws, err := collectLines(ctx, &svcPlan, "hydra-line", func(line []byte) bool {
			return hydraHit.Match(bytes.TrimSpace(line))
		})
		for _, raw := range raws {
			if r, ok := redactHit(raw); ok {
				out = append(out, r)
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, ErrScannerTimeout) || errors.Is(err, ErrScannerUnavailable) {
			return out, err
		}
		log.WithFields(log.Fields{"target": plan.Target.Value, "service": svc}).Warnf("bruteforce: %v", err)
		errs = append(errs, fmt.Errorf("%s: %w", svc, err))
		failed++
	}
	if failed == len(b.services()) {
		return out, errors.Join(errs...)
	}
	return out, nil
}

// hydraHitRecord is the stored form of a cracked login. The raw hydra line is
// dropped because it holds the password.
type hydraHitRecord struct {
	Port         string `json:"port"`
	Service      string `json:"service"`
	Host         string `json:"host"`
	Login        string `json:"login"`
	PasswordSHA1 string `json:"password_sha1"`
}

// redactHit replaces a hydra success line with a record carrying only the
// SHA-1 of the password.
func redactHit(raw model.RawFinding) (model.RawFinding, bool) {
	m := hydraHit.FindStringSubmatch(strings.TrimSpace(string(raw.Payload)))
	if m == nil {
		return raw, false
	}
	sum := sha1.Sum([]byte(m[5]))
	b, _ := json.Marshal(hydraHitRecord{
		Port:         m[1],
		Service:      m[2],
		Host:         m[3],
		Login:        m[4],
		PasswordSHA1: strings.ToUpper(hex.EncodeToString(sum[:])),
	})
	raw.Kind = "hydra-hit"
	raw.Payload = b
	return raw, true
}

func (b *Bruteforce) Parse(raw model.RawFinding) (*model.Finding, error) {
	var r hydraHitRecord
	if err := json.Unmarshal(raw.Payload, &r); err != nil {
		return nil, fmt.Errorf("hydra record: %w", err)
	}
	if r.Login == "" || r.PasswordSHA1 == "" {
		return nil, nil
	}
	f := &model.Finding{
		Target:     raw.Target,
		Type:       model.FindingCredentialExposure,
		Identifier: "weak-credentials/" + r.Service,
		Title:      fmt.Sprintf("Weak %s credentials accepted on port %s", r.Service, r.Port),
		Severity:   model.SeverityCritical,
		Evidence: map[string]string{
			"host":          r.Host,
			"port":          r.Port,
			"service":       r.Service,
			"account":       r.Login,
			"password_sha1": r.PasswordSHA1,
		},
		KeyFields: []string{"port", "service", "account"},
		Scanners:  []string{b.Name()},
		FirstSeen: raw.Timestamp,
	}
	f.Seal()
	return f, nil
}
