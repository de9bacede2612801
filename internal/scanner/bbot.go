package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/yourorg/darkstar/internal/model"
)

var bbotPresets = map[model.Mode][]string{
	model.ModePassive:       {"-f", "subdomain-enum", "-rf", "passive"},
	model.ModeNormal:        {"-f", "subdomain-enum"},
	model.ModeAggressive:    {"-p", "kitchen-sink"},
	model.ModeAttackSurface: {"-f", "subdomain-enum", "web-basic"},
}

// BBot drives the bbot recon framework and reads its NDJSON event stream.
type BBot struct {
	s    Settings
	mode model.Mode
}

func NewBBot(s Settings, mode model.Mode) Scanner { return &BBot{s: s, mode: mode} }

func (b *BBot) Name() string        { return "bbot" }
func (b *BBot) Conflicts() []string { return nil }

func (b *BBot) Prepare(t model.Target, opts model.Options) (*Plan, error) {
	bin := b.s.BBotPath
	if bin == "" {
		bin = "bbot"
	}
	args := []string{"-t", t.Value, "-y", "--silent", "--json"}
	preset, ok := bbotPresets[b.mode]
	if !ok {
		preset = bbotPresets[model.ModeNormal]
	}
	args = append(args, preset...)
	args = append(args, b.s.extraArgs(b.Name(), opts)...)
	return &Plan{
		Scanner: b.Name(),
		Target:  t,
		Mode:    b.mode,
		Command: bin,
		Args:    args,
		Timeout: b.s.timeout(b.Name(), opts),
	}, nil
}

func (b *BBot) Execute(ctx context.Context, plan *Plan) ([]model.RawFinding, error) {
	return collectLines(ctx, plan, "bbot-event", func(line []byte) bool {
		return bytes.HasPrefix(bytes.TrimSpace(line), []byte("{"))
	})
}

type bbotEvent struct {
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data"`
	Host   string          `json:"host"`
	Module string          `json:"module"`
}

type bbotVuln struct {
	Host        string `json:"host"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	URL         string `json:"url"`
}

func (b *BBot) Parse(raw model.RawFinding) (*model.Finding, error) {
	var ev bbotEvent
	if err := json.Unmarshal(raw.Payload, &ev); err != nil {
		return nil, fmt.Errorf("bbot event: %w", err)
	}
	switch ev.Type {
	case "DNS_NAME":
		var name string
		if err := json.Unmarshal(ev.Data, &name); err != nil || name == "" {
			return nil, fmt.Errorf("bbot DNS_NAME data: %q", ev.Data)
		}
		return assetFinding(b.Name(), raw.Target, name, raw.Timestamp), nil

	case "OPEN_TCP_PORT":
		var hostport string
		if err := json.Unmarshal(ev.Data, &hostport); err != nil {
			return nil, fmt.Errorf("bbot OPEN_TCP_PORT data: %w", err)
		}
		host, p, err := net.SplitHostPort(hostport)
		if err != nil {
			return nil, fmt.Errorf("bbot OPEN_TCP_PORT %q: %w", hostport, err)
		}
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("bbot OPEN_TCP_PORT %q: %w", hostport, err)
		}
		return serviceFinding(b.Name(), raw.Target, host, port, "tcp", raw.Timestamp), nil

	case "VULNERABILITY", "FINDING":
		var v bbotVuln
		if err := json.Unmarshal(ev.Data, &v); err != nil {
			return nil, fmt.Errorf("bbot %s data: %w", ev.Type, err)
		}
		if v.Host == "" {
			v.Host = ev.Host
		}
		f := &model.Finding{
			Target:    raw.Target,
			Title:     v.Description,
			Severity:  model.ParseSeverity(v.Severity),
			Evidence:  map[string]string{"host": strings.ToLower(v.Host), "url": v.URL, "description": v.Description, "module": ev.Module},
			Scanners:  []string{b.Name()},
			FirstSeen: raw.Timestamp,
		}
		if cve := cveInText.FindString(v.Description); cve != "" {
			f.Type = model.FindingCVEMatch
			f.Identifier = strings.ToUpper(cve)
			f.KeyFields = []string{"host"}
		} else {
			f.Type = model.FindingMisconfiguration
			f.Identifier = "bbot/" + ev.Module
			f.KeyFields = []string{"host", "url", "description"}
		}
		f.Seal()
		return f, nil

	case "EMAIL_ADDRESS":
		var email string
		if err := json.Unmarshal(ev.Data, &email); err != nil || email == "" {
			return nil, fmt.Errorf("bbot EMAIL_ADDRESS data: %q", ev.Data)
		}
		email = strings.ToLower(email)
		f := &model.Finding{
			Target:     raw.Target,
			Type:       model.FindingCredentialExposure,
			Identifier: "email-address",
			Title:      "Exposed e-mail address " + email,
			Severity:   model.SeverityLow,
			Evidence:   map[string]string{"account": email, "module": ev.Module},
			KeyFields:  []string{"account"},
			Scanners:   []string{b.Name()},
			FirstSeen:  raw.Timestamp,
		}
		f.Seal()
		return f, nil
	}
	return nil, nil
}
