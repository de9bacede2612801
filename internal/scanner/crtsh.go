package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/yourorg/darkstar/internal/model"
)

const defaultCrtshURL = "https://crt.sh"

// Crtsh enumerates subdomains from certificate transparency logs.
type Crtsh struct {
	s    Settings
	mode model.Mode
	hc   *http.Client
}

func NewCrtsh(s Settings, mode model.Mode) Scanner {
	return &Crtsh{s: s, mode: mode, hc: s.httpClient()}
}

func (c *Crtsh) Name() string        { return "crtsh" }
func (c *Crtsh) Conflicts() []string { return nil }

func (c *Crtsh) Prepare(t model.Target, opts model.Options) (*Plan, error) {
	base := c.s.CrtshURL
	if base == "" {
		base = defaultCrtshURL
	}
	plan := &Plan{Scanner: c.Name(), Target: t, Mode: c.mode, Command: strings.TrimRight(base, "/"), Timeout: c.s.timeout(c.Name(), opts)}
	if !t.IsDomain() {
		plan.Skip = "certificate transparency lookup applies to domains only"
	}
	return plan, nil
}

type crtshEntry struct {
	NameValue string `json:"name_value"`
}

func (c *Crtsh) Execute(ctx context.Context, plan *Plan) ([]model.RawFinding, error) {
	u := plan.Command + "/?q=" + url.QueryEscape("%."+plan.Target.Value) + "&output=json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: crt.sh: %v", ErrScannerTimeout, ctx.Err())
		}
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return nil, fmt.Errorf("%w: crt.sh: %v", ErrScannerUnavailable, err)
		}
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("crt.sh: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var entries []crtshEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("crt.sh: decode: %w", err)
	}

	suffix := "." + plan.Target.Value
	seen := map[string]struct{}{}
	var out []model.RawFinding
	for _, e := range entries {
		for _, name := range strings.Split(e.NameValue, "\n") {
			name = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(name)), "*.")
			if name == "" || (name != plan.Target.Value && !strings.HasSuffix(name, suffix)) {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, newRaw(plan, "crtsh-name", []byte(name)))
		}
	}
	return out, nil
}

func (c *Crtsh) Parse(raw model.RawFinding) (*model.Finding, error) {
	name := strings.TrimSpace(string(raw.Payload))
	if name == "" {
		return nil, nil
	}
	return assetFinding(c.Name(), raw.Target, name, raw.Timestamp), nil
}
