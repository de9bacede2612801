package main

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/darkstar/internal/db"
	"github.com/yourorg/darkstar/internal/model"
	"github.com/yourorg/darkstar/internal/s3"
)

type memReports map[string]model.ScanReport

func (m memReports) GetJSON(_ context.Context, bucket, key string, v any) error {
	r, ok := m[bucket+"/"+key]
	if !ok {
		return fmt.Errorf("no such key %s", key)
	}
	*(v.(*model.ScanReport)) = r
	return nil
}

func seedRequest(t *testing.T, store *db.SQLiteStore, org string) (string, string) {
	t.Helper()
	ctx := context.Background()
	id := uuid.NewString()
	require.NoError(t, store.StartRequest(ctx, model.ScanRequest{ID: id, Organization: org, Mode: model.ModeNormal, Targets: []string{"10.0.0.1"}}, "test"))
	key := s3.ReportKey(org, id)
	require.NoError(t, store.FinishRequest(ctx, db.RequestOutcome{ID: id, Status: db.StatusFailed, ReportKey: key, PersistError: "persistence fatal: connection reset"}))
	return id, key
}

func TestBackfillRecommitsArchivedReports(t *testing.T) {
	ctx := context.Background()
	store, err := db.OpenSQLite(ctx, filepath.Join(t.TempDir(), "backfill.db"))
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.EnsureSchema(ctx))

	okID, okKey := seedRequest(t, store, "acme")
	_, _ = seedRequest(t, store, "acme") // report never archived

	f := model.Finding{
		Target:     "10.0.0.1",
		Type:       model.FindingExposedService,
		Identifier: "tcp/22",
		Evidence:   map[string]string{"port": "22"},
		KeyFields:  []string{"port"},
		Scanners:   []string{"rustscan"},
		FirstSeen:  time.Now().UTC(),
	}
	f.Seal()
	reports := memReports{
		"reports/" + okKey: {
			RequestID:    okID,
			Organization: "acme",
			Targets: []model.TargetSection{{
				Target:   "10.0.0.1",
				Findings: []model.EnrichedFinding{{Finding: f}},
			}},
		},
	}

	b := &backfiller{store: store, archive: reports, bucket: "reports"}
	total, ok, failed := b.run(ctx, 1, 0)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, failed)

	got, err := store.Get(ctx, "acme", "10.0.0.1", f.Fingerprint)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"rustscan"}, got.Scanners)

	left, err := store.ListBackfillCandidates(ctx, 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.NotEqual(t, okID, left[0].ID)
}

func TestBackfillHonorsMaxJobs(t *testing.T) {
	ctx := context.Background()
	store, err := db.OpenSQLite(ctx, filepath.Join(t.TempDir(), "backfill.db"))
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.EnsureSchema(ctx))

	reports := memReports{}
	for i := 0; i < 3; i++ {
		id, key := seedRequest(t, store, "acme")
		reports["reports/"+key] = model.ScanReport{RequestID: id, Organization: "acme"}
	}

	b := &backfiller{store: store, archive: reports, bucket: "reports"}
	total, ok, failed := b.run(ctx, 25, 2)
	assert.Equal(t, 2, total)
	assert.Equal(t, 2, ok)
	assert.Equal(t, 0, failed)

	left, err := store.ListBackfillCandidates(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, left, 1)
}
