package scanner

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/yourorg/darkstar/internal/model"
)

// Rustscan reports open ports line by line, so a run cut short by its
// deadline still yields everything found up to that point.
type Rustscan struct {
	s    Settings
	mode model.Mode
}

func NewRustscan(s Settings, mode model.Mode) Scanner { return &Rustscan{s: s, mode: mode} }

func (r *Rustscan) Name() string        { return "rustscan" }
func (r *Rustscan) Conflicts() []string { return []string{"netif"} }

func (r *Rustscan) Prepare(t model.Target, opts model.Options) (*Plan, error) {
	bin := r.s.RustscanPath
	if bin == "" {
		bin = "rustscan"
	}
	args := []string{"-a", t.Value, "--accessible", "--scripts", "none", "--ulimit", "5000"}
	args = append(args, r.s.extraArgs(r.Name(), opts)...)
	return &Plan{
		Scanner: r.Name(),
		Target:  t,
		Mode:    r.mode,
		Command: bin,
		Args:    args,
		Timeout: r.s.timeout(r.Name(), opts),
	}, nil
}

func (r *Rustscan) Execute(ctx context.Context, plan *Plan) ([]model.RawFinding, error) {
	return collectLines(ctx, plan, "rustscan-line", func(line []byte) bool {
		return bytes.HasPrefix(bytes.TrimSpace(ansiCodes.ReplaceAll(line, nil)), []byte("Open "))
	})
}

func (r *Rustscan) Parse(raw model.RawFinding) (*model.Finding, error) {
	line := strings.TrimSpace(ansiCodes.ReplaceAllString(string(raw.Payload), ""))
	addr, ok := strings.CutPrefix(line, "Open ")
	if !ok {
		return nil, nil
	}
	ip, p, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return nil, fmt.Errorf("rustscan line %q: %w", line, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("rustscan line %q: bad port", line)
	}
	// the port belongs to the scanned target even when it was given by name
	f := serviceFinding(r.Name(), raw.Target, raw.Target, port, "tcp", raw.Timestamp)
	f.Evidence["address"] = ip
	return f, nil
}
