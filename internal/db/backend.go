package db

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/yourorg/darkstar/internal/model"
)

// Backend is what the binaries need from either store.
type Backend interface {
	Ping(ctx context.Context) error
	Close()
	EnsureSchema(ctx context.Context) error

	Upsert(ctx context.Context, requestID, organization string, f model.EnrichedFinding) (bool, error)
	Commit(ctx context.Context, requestID string) (CommitResult, error)
	Rollback(ctx context.Context, requestID string) error

	StartRequest(ctx context.Context, req model.ScanRequest, workerID string) error
	RecordJob(ctx context.Context, ev model.JobEvent) error
	FinishRequest(ctx context.Context, out RequestOutcome) error
	FailStaleRequests(ctx context.Context, idleFor time.Duration) ([]string, error)
	ListBackfillCandidates(ctx context.Context, limit int) ([]BackfillRequest, error)
	MarkPersisted(ctx context.Context, id string) error
}

var (
	_ Backend = (*Store)(nil)
	_ Backend = (*SQLiteStore)(nil)
)

// Connect opens the store named by driver, pings it and applies the schema.
// A role without DDL rights gets a warning and a usable store.
func Connect(ctx context.Context, driver, url, sqlitePath string) (Backend, error) {
	var b Backend
	switch driver {
	case "postgres":
		s, err := Open(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("db open: %w", err)
		}
		b = s
	case "sqlite", "":
		s, err := OpenSQLite(ctx, sqlitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite open: %w", err)
		}
		b = s
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
	if err := b.Ping(ctx); err != nil {
		b.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if err := b.EnsureSchema(ctx); err != nil {
		if !IsInsufficientPrivilege(err) {
			b.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		log.Warnf("ensure schema skipped due insufficient privilege: %v", err)
	}
	return b, nil
}
