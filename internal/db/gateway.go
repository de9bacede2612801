package db

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/yourorg/darkstar/internal/model"
)

// Request log statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// CommitResult reports the outcome of one unit. Committed fingerprints are
// durable; Conflicted ones were rolled back individually and may be retried.
type CommitResult struct {
	Committed  []string
	Conflicted []string
	Inserted   int
	Updated    int
}

// RequestOutcome is what FinishRequest records for a request.
type RequestOutcome struct {
	ID           string
	Status       string
	Summary      model.Summary
	ReportKey    string
	PersistError string
}

// BackfillRequest is a finished request whose archived report never made it
// into the findings table.
type BackfillRequest struct {
	ID           string
	Organization string
	ReportKey    string
}

// unit tracks the open transaction of one request.
type unit[T any] struct {
	mu         sync.Mutex
	tx         T
	seq        int
	committed  []string
	conflicted []string
	inserted   int
	updated    int
}

func (u *unit[T]) result() CommitResult {
	return CommitResult{
		Committed:  dedupSorted(u.committed),
		Conflicted: dedupSorted(u.conflicted),
		Inserted:   u.inserted,
		Updated:    u.updated,
	}
}

type unitSet[T any] struct {
	mu sync.Mutex
	m  map[string]*unit[T]
}

func (s *unitSet[T]) open(id string, begin func() (T, error)) (*unit[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.m[id]; ok {
		return u, nil
	}
	tx, err := begin()
	if err != nil {
		return nil, err
	}
	if s.m == nil {
		s.m = map[string]*unit[T]{}
	}
	u := &unit[T]{tx: tx}
	s.m[id] = u
	return u, nil
}

func (s *unitSet[T]) take(id string) (*unit[T], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.m[id]
	delete(s.m, id)
	return u, ok
}

func (s *unitSet[T]) drain() []*unit[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*unit[T], 0, len(s.m))
	for id, u := range s.m {
		out = append(out, u)
		delete(s.m, id)
	}
	return out
}

// findingRow is an EnrichedFinding flattened into nullable columns. Nil
// enrichment fields mean unknown and never overwrite a stored value.
type findingRow struct {
	Organization   string
	Target         string
	Fingerprint    string
	Type           string
	Identifier     string
	Title          string
	Severity       string
	Score          float64
	Evidence       string
	Scanners       []string
	EPSSScore      *float64
	EPSSPercentile *float64
	ExploitLikely  *bool
	KEVListed      *bool
	KEVDateAdded   *time.Time
	BreachCount    *int
	BreachSource   *string
	FirstSeen      time.Time
	LastSeen       time.Time
	RequestID      string
}

func newFindingRow(requestID, org string, f model.EnrichedFinding) findingRow {
	ev := f.Evidence
	if ev == nil {
		ev = map[string]string{}
	}
	evJSON, _ := json.Marshal(ev)
	first, last := f.FirstSeen, f.LastSeen
	if first.IsZero() {
		first = time.Now().UTC()
	}
	if last.Before(first) {
		last = first
	}
	r := findingRow{
		Organization: org,
		Target:       f.Target,
		Fingerprint:  f.Fingerprint,
		Type:         string(f.Type),
		Identifier:   f.Identifier,
		Title:        f.Title,
		Severity:     string(f.Severity),
		Score:        f.Score,
		Evidence:     string(evJSON),
		Scanners:     dedupSorted(f.Scanners),
		FirstSeen:    first.UTC(),
		LastSeen:     last.UTC(),
		RequestID:    requestID,
	}
	if f.EPSS != nil {
		r.EPSSScore = &f.EPSS.Score
		r.EPSSPercentile = &f.EPSS.Percentile
		r.ExploitLikely = &f.EPSS.ExploitLikely
	}
	if f.KEV != nil {
		r.KEVListed = &f.KEV.Listed
		r.KEVDateAdded = f.KEV.DateAdded
	}
	if f.Breach != nil {
		r.BreachCount = &f.Breach.Count
		r.BreachSource = &f.Breach.Source
	}
	return r
}

func dedupSorted(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := append([]string(nil), in...)
	sort.Strings(out)
	n := 0
	for _, s := range out {
		if s == "" || (n > 0 && s == out[n-1]) {
			continue
		}
		out[n] = s
		n++
	}
	return out[:n]
}
