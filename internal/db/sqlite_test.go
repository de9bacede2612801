package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/darkstar/internal/model"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	ctx := context.Background()
	s, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "darkstar.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.EnsureSchema(ctx))
	return s
}

func portFinding(scanner string, seen time.Time) model.EnrichedFinding {
	f := model.Finding{
		Target:     "10.0.0.1",
		Type:       model.FindingExposedService,
		Identifier: "tcp/22",
		Evidence:   map[string]string{"host": "10.0.0.1", "port": "22", "protocol": "tcp"},
		KeyFields:  []string{"host", "port", "protocol"},
		Scanners:   []string{scanner},
		FirstSeen:  seen,
		LastSeen:   seen,
	}
	f.Seal()
	return model.EnrichedFinding{Finding: f}
}

func TestSQLiteUpsertIsIdempotentByFingerprint(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	first := portFinding("rustscan", t0)
	existed, err := s.Upsert(ctx, "req-1", "acme", first)
	require.NoError(t, err)
	assert.False(t, existed)

	again := portFinding("bbot", t0.Add(time.Minute))
	existed, err = s.Upsert(ctx, "req-1", "acme", again)
	require.NoError(t, err)
	assert.True(t, existed)

	res, err := s.Commit(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, []string{first.Fingerprint}, res.Committed)
	assert.Empty(t, res.Conflicted)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Updated)

	got, err := s.Get(ctx, "acme", "10.0.0.1", first.Fingerprint)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"bbot", "rustscan"}, got.Scanners)
	assert.True(t, got.FirstSeen.Equal(t0))
	assert.True(t, got.LastSeen.Equal(t0.Add(time.Minute)))

	var rows int
	require.NoError(t, s.DB.QueryRow(`SELECT COUNT(*) FROM findings`).Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestSQLiteReingestUpdatesLastSeenAndKeepsEnrichment(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	added := time.Date(2021, 12, 10, 0, 0, 0, 0, time.UTC)

	f := portFinding("rustscan", t0)
	f.Identifier = "CVE-2021-44228"
	f.Type = model.FindingCVEMatch
	f.Severity = model.SeverityCritical
	f.Seal()
	f.EPSS = &model.EPSSScore{Score: 0.97, Percentile: 0.99, ExploitLikely: true}
	f.KEV = &model.KEVStatus{Listed: true, DateAdded: &added}
	_, err := s.Upsert(ctx, "req-1", "acme", f)
	require.NoError(t, err)
	_, err = s.Commit(ctx, "req-1")
	require.NoError(t, err)

	later := f
	later.EPSS, later.KEV = nil, nil
	later.Severity = model.SeverityHigh
	later.Score = 7.5
	later.FirstSeen = t0.Add(24 * time.Hour)
	later.LastSeen = t0.Add(24 * time.Hour)
	existed, err := s.Upsert(ctx, "req-2", "acme", later)
	require.NoError(t, err)
	assert.True(t, existed)
	_, err = s.Commit(ctx, "req-2")
	require.NoError(t, err)

	got, err := s.Get(ctx, "acme", f.Target, f.Fingerprint)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.FirstSeen.Equal(t0))
	assert.True(t, got.LastSeen.Equal(t0.Add(24*time.Hour)))
	assert.Equal(t, model.SeverityHigh, got.Severity)
	require.NotNil(t, got.EPSS)
	assert.InDelta(t, 0.97, got.EPSS.Score, 1e-9)
	require.NotNil(t, got.KEV)
	assert.True(t, got.KEV.Listed)
	require.NotNil(t, got.KEV.DateAdded)
	assert.True(t, got.KEV.DateAdded.Equal(added))
	assert.Nil(t, got.Breach)
}

func TestSQLiteOrganizationsAreSeparate(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	f := portFinding("rustscan", time.Now())

	_, err := s.Upsert(ctx, "req-1", "acme", f)
	require.NoError(t, err)
	existed, err := s.Upsert(ctx, "req-1", "globex", f)
	require.NoError(t, err)
	assert.False(t, existed)
	res, err := s.Commit(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
}

func TestSQLiteRollbackDiscardsUnit(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	f := portFinding("rustscan", time.Now())

	_, err := s.Upsert(ctx, "req-1", "acme", f)
	require.NoError(t, err)
	require.NoError(t, s.Rollback(ctx, "req-1"))

	got, err := s.Get(ctx, "acme", f.Target, f.Fingerprint)
	require.NoError(t, err)
	assert.Nil(t, got)

	res, err := s.Commit(ctx, "req-1")
	require.NoError(t, err)
	assert.Empty(t, res.Committed)
}

func TestSQLiteRequestLog(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	req := model.ScanRequest{ID: uuid.NewString(), Targets: []string{"10.0.0.0/30"}, Mode: model.ModeNormal, Organization: "acme", SubmittedAt: time.Now()}
	require.NoError(t, s.StartRequest(ctx, req, "host-1"))

	jobID := uuid.NewString()
	for _, st := range []model.JobState{model.JobPending, model.JobRunning, model.JobCompleted} {
		require.NoError(t, s.RecordJob(ctx, model.JobEvent{
			RequestID: req.ID, JobID: jobID, Scanner: "rustscan", Target: "10.0.0.1", State: st, TS: time.Now(),
		}))
	}
	var state string
	var started, finished *int64
	require.NoError(t, s.DB.QueryRow(`SELECT state, started_at, finished_at FROM scan_jobs WHERE id=?`, jobID).Scan(&state, &started, &finished))
	assert.Equal(t, "completed", state)
	assert.NotNil(t, started)
	assert.NotNil(t, finished)

	var events int
	require.NoError(t, s.DB.QueryRow(`SELECT COUNT(*) FROM scan_events WHERE job_id=?`, jobID).Scan(&events))
	assert.Equal(t, 3, events)

	require.NoError(t, s.FinishRequest(ctx, RequestOutcome{
		ID: req.ID, Status: StatusPartial, ReportKey: "reports/acme/" + req.ID + ".json", PersistError: "persistence fatal: connection reset",
	}))
	status, err := s.RequestStatus(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, status)

	cands, err := s.ListBackfillCandidates(ctx, 10)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "acme", cands[0].Organization)

	require.NoError(t, s.MarkPersisted(ctx, req.ID))
	cands, err = s.ListBackfillCandidates(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestSQLiteFailStaleRequests(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	stale := model.ScanRequest{ID: uuid.NewString(), Mode: model.ModePassive, Organization: "acme"}
	require.NoError(t, s.StartRequest(ctx, stale, "host-1"))
	_, err := s.DB.Exec(`UPDATE scan_requests SET started_at=?, created_at=? WHERE id=?`,
		time.Now().Add(-2*time.Hour).UnixNano(), time.Now().Add(-2*time.Hour).UnixNano(), stale.ID)
	require.NoError(t, err)

	fresh := model.ScanRequest{ID: uuid.NewString(), Mode: model.ModePassive, Organization: "acme"}
	require.NoError(t, s.StartRequest(ctx, fresh, "host-1"))

	ids, err := s.FailStaleRequests(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{stale.ID}, ids)

	status, err := s.RequestStatus(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)
	status, err = s.RequestStatus(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, status)
}

func TestConnectSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connect.db")
	b, err := Connect(context.Background(), "sqlite", "", path)
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Ping(context.Background()))

	_, err = Connect(context.Background(), "mysql", "", path)
	assert.Error(t, err)
}
