package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/darkstar/internal/model"
)

func TestPostgresUpsertRoundTrip(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, url)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.EnsureSchema(ctx))

	org := "test-" + uuid.NewString()
	req := model.ScanRequest{ID: uuid.NewString(), Mode: model.ModeNormal, Organization: org, SubmittedAt: time.Now()}
	require.NoError(t, s.StartRequest(ctx, req, "test"))

	t0 := time.Now().UTC().Truncate(time.Microsecond)
	existed, err := s.Upsert(ctx, req.ID, org, portFinding("rustscan", t0))
	require.NoError(t, err)
	assert.False(t, existed)
	existed, err = s.Upsert(ctx, req.ID, org, portFinding("bbot", t0.Add(time.Second)))
	require.NoError(t, err)
	assert.True(t, existed)

	res, err := s.Commit(ctx, req.ID)
	require.NoError(t, err)
	assert.Len(t, res.Committed, 1)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Updated)

	var scanners []string
	var first, last time.Time
	require.NoError(t, s.Pool.QueryRow(ctx,
		`SELECT scanners, first_seen, last_seen FROM findings WHERE organization=$1`, org,
	).Scan(&scanners, &first, &last))
	assert.Equal(t, []string{"bbot", "rustscan"}, scanners)
	assert.True(t, first.Equal(t0))
	assert.True(t, last.Equal(t0.Add(time.Second)))

	require.NoError(t, s.FinishRequest(ctx, RequestOutcome{ID: req.ID, Status: StatusCompleted}))
	_, _ = s.Pool.Exec(ctx, `DELETE FROM findings WHERE organization=$1`, org)
	_, _ = s.Pool.Exec(ctx, `DELETE FROM scan_requests WHERE id=$1::uuid`, req.ID)
}
