package model

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
	"time"
)

type FindingType string

const (
	FindingExposedService     FindingType = "exposed-service"
	FindingCVEMatch           FindingType = "cve-match"
	FindingCredentialExposure FindingType = "credential-exposure"
	FindingMisconfiguration   FindingType = "misconfiguration"
	FindingDiscoveredAsset    FindingType = "discovered-asset"
)

var cvePattern = regexp.MustCompile(`(?i)^CVE-\d{4}-\d{4,}$`)

// IsCVE reports whether id looks like a CVE identifier.
func IsCVE(id string) bool { return cvePattern.MatchString(strings.TrimSpace(id)) }

// Finding is the tool-agnostic record. Evidence holds everything a tool
// reported; only the entries named in KeyFields take part in the
// fingerprint, so cosmetic differences between tools do not split a finding.
type Finding struct {
	Fingerprint string            `json:"fingerprint"`
	Target      string            `json:"target"`
	Type        FindingType       `json:"type"`
	Identifier  string            `json:"identifier"`
	Title       string            `json:"title,omitempty"`
	Severity    Severity          `json:"severity"`
	Score       float64           `json:"score"`
	Evidence    map[string]string `json:"evidence,omitempty"`
	KeyFields   []string          `json:"key_fields,omitempty"`
	Scanners    []string          `json:"scanners"`
	FirstSeen   time.Time         `json:"first_seen"`
	LastSeen    time.Time         `json:"last_seen"`
}

// Fingerprint hashes target, type, identifier and the selected evidence
// fields. Key order does not matter; missing keys hash as empty values.
func Fingerprint(target string, typ FindingType, identifier string, evidence map[string]string, keys []string) string {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(target))))
	h.Write([]byte{0})
	h.Write([]byte(typ))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToUpper(strings.TrimSpace(identifier))))
	prev := ""
	for i, k := range sorted {
		if i > 0 && k == prev {
			continue
		}
		prev = k
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(evidence[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Seal fills the fingerprint and any missing defaults. Parsers call it once
// the finding is populated.
func (f *Finding) Seal() {
	if f.Severity == "" {
		f.Severity = SeverityFromScore(f.Score)
	}
	if f.Score == 0 {
		f.Score = f.Severity.Score()
	}
	if f.LastSeen.IsZero() {
		f.LastSeen = f.FirstSeen
	}
	f.Fingerprint = Fingerprint(f.Target, f.Type, f.Identifier, f.Evidence, f.KeyFields)
}

// CVE returns the identifier when it is a CVE id.
func (f Finding) CVE() string {
	if IsCVE(f.Identifier) {
		return strings.ToUpper(f.Identifier)
	}
	return ""
}

// Merge folds another observation of the same fingerprint into f.
func (f *Finding) Merge(o Finding) {
	f.Scanners = unionSorted(f.Scanners, o.Scanners)
	if !o.FirstSeen.IsZero() && (f.FirstSeen.IsZero() || o.FirstSeen.Before(f.FirstSeen)) {
		f.FirstSeen = o.FirstSeen
	}
	if o.LastSeen.After(f.LastSeen) {
		f.LastSeen = o.LastSeen
	}
	if o.Severity.Rank() > f.Severity.Rank() || (o.Severity == f.Severity && o.Score > f.Score) {
		f.Severity = o.Severity
		f.Score = o.Score
	}
	if f.Title == "" {
		f.Title = o.Title
	}
	for k, v := range o.Evidence {
		if f.Evidence == nil {
			f.Evidence = map[string]string{}
		}
		if _, ok := f.Evidence[k]; !ok {
			f.Evidence[k] = v
		}
	}
}

func unionSorted(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string(nil), a...), b...) {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

type EPSSScore struct {
	Score      float64 `json:"score"`
	Percentile float64 `json:"percentile"`
	// ExploitLikely is set when the percentile reaches the configured
	// threshold (0.65 by default).
	ExploitLikely bool `json:"exploit_likely"`
}

type KEVStatus struct {
	Listed    bool       `json:"listed"`
	DateAdded *time.Time `json:"date_added,omitempty"`
}

type BreachMatch struct {
	Count  int    `json:"count"`
	Source string `json:"source"`
}

// EnrichedFinding carries the external risk signals. A nil field means the
// signal is unknown, either because it does not apply or the lookup failed.
type EnrichedFinding struct {
	Finding
	EPSS   *EPSSScore   `json:"epss,omitempty"`
	KEV    *KEVStatus   `json:"kev,omitempty"`
	Breach *BreachMatch `json:"breach,omitempty"`
}
