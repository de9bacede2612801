package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yourorg/darkstar/internal/model"
)

// Nuclei runs template scans. The WordPress variant is the same tool limited
// to the wordpress tags; both share one exclusion group since they fight over
// the same rate limits.
type Nuclei struct {
	s    Settings
	mode model.Mode
	name string
	tags []string
}

func NewNuclei(s Settings, mode model.Mode) Scanner {
	return &Nuclei{s: s, mode: mode, name: "nuclei"}
}

func NewWordPressNuclei(s Settings, mode model.Mode) Scanner {
	return &Nuclei{s: s, mode: mode, name: "nuclei-wordpress", tags: []string{"wordpress", "wp-plugin"}}
}

func (n *Nuclei) Name() string        { return n.name }
func (n *Nuclei) Conflicts() []string { return []string{"nuclei"} }

func (n *Nuclei) Prepare(t model.Target, opts model.Options) (*Plan, error) {
	bin := n.s.NucleiPath
	if bin == "" {
		bin = "nuclei"
	}
	args := []string{"-u", t.Value, "-jsonl", "-silent", "-nc", "-duc"}
	if len(n.tags) > 0 {
		args = append(args, "-tags", strings.Join(n.tags, ","))
	}
	args = append(args, n.s.extraArgs(n.Name(), opts)...)
	return &Plan{
		Scanner: n.Name(),
		Target:  t,
		Mode:    n.mode,
		Command: bin,
		Args:    args,
		Timeout: n.s.timeout(n.Name(), opts),
	}, nil
}

func (n *Nuclei) Execute(ctx context.Context, plan *Plan) ([]model.RawFinding, error) {
	return collectLines(ctx, plan, "nuclei-jsonl", func(line []byte) bool {
		return bytes.HasPrefix(bytes.TrimSpace(line), []byte("{"))
	})
}

// stringList accepts a JSON string, array of strings or null.
type stringList []string

func (s *stringList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*s = nil
		return nil
	}
	if b[0] == '"' {
		var one string
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		*s = stringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

type nucleiResult struct {
	TemplateID string `json:"template-id"`
	Info       struct {
		Name           string `json:"name"`
		Severity       string `json:"severity"`
		Classification struct {
			CVEID     stringList `json:"cve-id"`
			CVSSScore float64    `json:"cvss-score"`
		} `json:"classification"`
	} `json:"info"`
	MatcherName string `json:"matcher-name"`
	MatchedAt   string `json:"matched-at"`
	Host        string `json:"host"`
	Type        string `json:"type"`
}

func (n *Nuclei) Parse(raw model.RawFinding) (*model.Finding, error) {
	var r nucleiResult
	if err := json.Unmarshal(raw.Payload, &r); err != nil {
		return nil, fmt.Errorf("nuclei result: %w", err)
	}
	if r.TemplateID == "" {
		return nil, fmt.Errorf("nuclei result without template-id")
	}
	f := &model.Finding{
		Target:   raw.Target,
		Title:    r.Info.Name,
		Severity: model.ParseSeverity(r.Info.Severity),
		Score:    r.Info.Classification.CVSSScore,
		Evidence: map[string]string{
			"template":   r.TemplateID,
			"matched_at": r.MatchedAt,
			"matcher":    r.MatcherName,
			"host":       r.Host,
			"protocol":   r.Type,
		},
		Scanners:  []string{n.Name()},
		FirstSeen: raw.Timestamp,
	}
	var cve string
	for _, id := range r.Info.Classification.CVEID {
		if model.IsCVE(id) {
			cve = strings.ToUpper(strings.TrimSpace(id))
			break
		}
	}
	if cve != "" {
		f.Type = model.FindingCVEMatch
		f.Identifier = cve
		f.KeyFields = []string{"matched_at"}
	} else {
		f.Type = model.FindingMisconfiguration
		f.Identifier = r.TemplateID
		f.KeyFields = []string{"matched_at", "matcher"}
	}
	f.Seal()
	return f, nil
}
