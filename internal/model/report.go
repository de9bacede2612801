package model

import (
	"sort"
	"time"
)

type RejectedTarget struct {
	Fragment string `json:"fragment"`
	Reason   string `json:"reason"`
}

// Warning is a non-fatal problem, such as an enrichment lookup that failed.
type Warning struct {
	Target      string `json:"target,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Field       string `json:"field"`
	Message     string `json:"message"`
}

type PersistSummary struct {
	Inserted   int      `json:"inserted"`
	Updated    int      `json:"updated"`
	Conflicted []string `json:"conflicted,omitempty"`
	Attempts   int      `json:"attempts"`
	Error      string   `json:"error,omitempty"`
}

type TargetSection struct {
	Target   string            `json:"target"`
	Source   string            `json:"source"`
	Jobs     []JobStatus       `json:"jobs"`
	Findings []EnrichedFinding `json:"findings"`
}

type ScanReport struct {
	RequestID    string           `json:"request_id"`
	Organization string           `json:"organization"`
	Mode         Mode             `json:"mode"`
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   time.Time        `json:"finished_at"`
	Cancelled    bool             `json:"cancelled,omitempty"`
	Targets      []TargetSection  `json:"targets"`
	Rejected     []RejectedTarget `json:"rejected,omitempty"`
	Warnings     []Warning        `json:"warnings,omitempty"`
	Persistence  PersistSummary   `json:"persistence"`
	Summary      Summary          `json:"summary"`
}

// SortFindings orders findings worst first, then by type, identifier and
// fingerprint so reports are stable across runs.
func SortFindings(fs []EnrichedFinding) {
	sort.SliceStable(fs, func(i, j int) bool {
		a, b := fs[i], fs[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.Identifier != b.Identifier {
			return a.Identifier < b.Identifier
		}
		return a.Fingerprint < b.Fingerprint
	})
}

// Findings flattens every section in report order.
func (r *ScanReport) Findings() []EnrichedFinding {
	var out []EnrichedFinding
	for _, sec := range r.Targets {
		out = append(out, sec.Findings...)
	}
	return out
}

// Tally recomputes Summary from the sections.
func (r *ScanReport) Tally() {
	var s Summary
	for _, sec := range r.Targets {
		for _, j := range sec.Jobs {
			switch j.State {
			case JobCompleted:
				s.JobsCompleted++
			case JobTimedOut:
				s.JobsTimedOut++
			case JobFailed:
				s.JobsFailed++
			}
		}
		for _, f := range sec.Findings {
			s.Total++
			switch f.Severity {
			case SeverityCritical:
				s.Critical++
			case SeverityHigh:
				s.High++
			case SeverityMedium:
				s.Medium++
			case SeverityLow:
				s.Low++
			default:
				s.Info++
			}
		}
	}
	r.Summary = s
}

// TotalFailure is true when there was at least one job and every job failed.
func (r *ScanReport) TotalFailure() bool {
	jobs := 0
	for _, sec := range r.Targets {
		for _, j := range sec.Jobs {
			jobs++
			if j.State != JobFailed {
				return false
			}
		}
	}
	return jobs > 0
}

// ExitCode is non-zero only when every job failed.
func (r *ScanReport) ExitCode() int {
	if r.TotalFailure() {
		return 1
	}
	return 0
}
