package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yourorg/darkstar/internal/db"
	"github.com/yourorg/darkstar/internal/model"
	"github.com/yourorg/darkstar/internal/scanner"
)

// fakeScanner reports the ports returned by run as exposed services.
type fakeScanner struct {
	name      string
	conflicts []string
	timeout   time.Duration
	skip      string
	prepErr   error
	run       func(ctx context.Context, plan *scanner.Plan) ([]model.RawFinding, error)
}

func (f *fakeScanner) Name() string        { return f.name }
func (f *fakeScanner) Conflicts() []string { return f.conflicts }

func (f *fakeScanner) Prepare(t model.Target, _ model.Options) (*scanner.Plan, error) {
	if f.prepErr != nil {
		return nil, f.prepErr
	}
	return &scanner.Plan{Scanner: f.name, Target: t, Timeout: f.timeout, Skip: f.skip}, nil
}

func (f *fakeScanner) Execute(ctx context.Context, plan *scanner.Plan) ([]model.RawFinding, error) {
	if f.run == nil {
		return nil, nil
	}
	return f.run(ctx, plan)
}

func (f *fakeScanner) Parse(raw model.RawFinding) (*model.Finding, error) {
	v := string(raw.Payload)
	if v == "bad" {
		return nil, errors.New("bad record")
	}
	if v == "noise" {
		return nil, nil
	}
	fin := &model.Finding{
		Target:     raw.Target,
		Type:       model.FindingExposedService,
		Identifier: "tcp/" + v,
		Evidence:   map[string]string{"port": v},
		KeyFields:  []string{"port"},
		Scanners:   []string{raw.Scanner},
		FirstSeen:  raw.Timestamp,
	}
	if model.IsCVE(v) {
		fin.Type = model.FindingCVEMatch
		fin.Identifier = v
		fin.Severity = model.SeverityCritical
	}
	fin.Seal()
	return fin, nil
}

type fakeBrute struct {
	fakeScanner
	hard time.Duration
}

func (f *fakeBrute) HardTimeout(model.Options) time.Duration { return f.hard }

func records(plan *scanner.Plan, values ...string) []model.RawFinding {
	out := make([]model.RawFinding, 0, len(values))
	for _, v := range values {
		out = append(out, model.RawFinding{Scanner: plan.Scanner, Target: plan.Target.Value, Kind: "test", Payload: []byte(v), Timestamp: time.Now().UTC()})
	}
	return out
}

func ports(values ...string) func(context.Context, *scanner.Plan) ([]model.RawFinding, error) {
	return func(_ context.Context, plan *scanner.Plan) ([]model.RawFinding, error) {
		return records(plan, values...), nil
	}
}

// blockUntilDone emits partial records and waits for the deadline.
func blockUntilDone(partial ...string) func(context.Context, *scanner.Plan) ([]model.RawFinding, error) {
	return func(ctx context.Context, plan *scanner.Plan) ([]model.RawFinding, error) {
		<-ctx.Done()
		return records(plan, partial...), fmt.Errorf("%w: %v", scanner.ErrScannerTimeout, ctx.Err())
	}
}

type fakeSource struct {
	scanners []scanner.Scanner
}

func (f fakeSource) ScannersFor(m model.Mode, _ model.Options) ([]scanner.Scanner, error) {
	if m == "" {
		return nil, model.ErrUnknownMode
	}
	return f.scanners, nil
}

type stagedRow struct {
	key string
	f   model.EnrichedFinding
}

// memGateway is an in-memory result store with injectable conflicts.
type memGateway struct {
	mu        sync.Mutex
	rows      map[string]model.EnrichedFinding
	staged    map[string][]stagedRow
	conflicts map[string]int
	fatal     error
	upserts   map[string]int
	rollbacks int
	unitConfl map[string][]string
}

func newMemGateway() *memGateway {
	return &memGateway{
		rows:      map[string]model.EnrichedFinding{},
		staged:    map[string][]stagedRow{},
		conflicts: map[string]int{},
		upserts:   map[string]int{},
		unitConfl: map[string][]string{},
	}
}

func (g *memGateway) Upsert(_ context.Context, requestID, org string, f model.EnrichedFinding) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.upserts[f.Fingerprint]++
	if g.fatal != nil {
		return false, fmt.Errorf("%w: %w", db.ErrPersistenceFatal, g.fatal)
	}
	if g.conflicts[f.Fingerprint] > 0 {
		g.conflicts[f.Fingerprint]--
		g.unitConfl[requestID] = append(g.unitConfl[requestID], f.Fingerprint)
		return false, fmt.Errorf("%w: serialization failure", db.ErrPersistenceConflict)
	}
	key := org + "|" + f.Fingerprint
	_, existed := g.rows[key]
	g.staged[requestID] = append(g.staged[requestID], stagedRow{key: key, f: f})
	return existed, nil
}

func (g *memGateway) Commit(_ context.Context, requestID string) (db.CommitResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	res := db.CommitResult{Committed: []string{}, Conflicted: g.unitConfl[requestID]}
	for _, r := range g.staged[requestID] {
		if _, ok := g.rows[r.key]; ok {
			res.Updated++
		} else {
			res.Inserted++
		}
		g.rows[r.key] = r.f
		res.Committed = append(res.Committed, r.f.Fingerprint)
	}
	delete(g.staged, requestID)
	delete(g.unitConfl, requestID)
	return res, nil
}

func (g *memGateway) Rollback(_ context.Context, requestID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollbacks++
	delete(g.staged, requestID)
	delete(g.unitConfl, requestID)
	return nil
}

type memLog struct {
	mu       sync.Mutex
	started  []string
	events   []model.JobEvent
	outcomes []db.RequestOutcome
}

func (l *memLog) StartRequest(_ context.Context, req model.ScanRequest, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, req.ID)
	return nil
}

func (l *memLog) RecordJob(_ context.Context, ev model.JobEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *memLog) FinishRequest(_ context.Context, out db.RequestOutcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outcomes = append(l.outcomes, out)
	return nil
}

func (l *memLog) statesOf(jobID string) []model.JobState {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.JobState
	for _, ev := range l.events {
		if ev.JobID == jobID {
			out = append(out, ev.State)
		}
	}
	return out
}

type memArchive struct {
	mu      sync.Mutex
	objects map[string][]byte
	reports map[string]any
}

func (a *memArchive) PutJSON(_ context.Context, bucket, key string, v any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reports == nil {
		a.reports = map[string]any{}
	}
	a.reports[bucket+"/"+key] = v
	return nil
}

func (a *memArchive) Put(_ context.Context, bucket, key string, b []byte, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.objects == nil {
		a.objects = map[string][]byte{}
	}
	a.objects[bucket+"/"+key] = append([]byte(nil), b...)
	return nil
}
