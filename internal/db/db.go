package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yourorg/darkstar/internal/model"
)

// Store is the Postgres result store: the findings gateway plus the request
// log.
type Store struct {
	Pool  *pgxpool.Pool
	units unitSet[pgx.Tx]
}

func Open(ctx context.Context, url string) (*Store, error) {
	p, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	return &Store{Pool: p}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.Pool.Ping(ctx)
}

// Close rolls back any unit left open and closes the pool.
func (s *Store) Close() {
	for _, u := range s.units.drain() {
		_ = u.tx.Rollback(context.Background())
	}
	s.Pool.Close()
}

func (s *Store) notifyRequestChanged(ctx context.Context, id string) {
	_, _ = s.Pool.Exec(ctx, `SELECT pg_notify('scan_requests', $1)`, id)
}

func (s *Store) StartRequest(ctx context.Context, req model.ScanRequest, workerID string) error {
	targets, _ := json.Marshal(req.Targets)
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO scan_requests (id, organization, mode, targets, status, worker_id, created_at, started_at)
		VALUES ($1::uuid, $2, $3, $4::jsonb, 'running', $5, $6, now())
		ON CONFLICT (id) DO UPDATE SET status='running', worker_id=EXCLUDED.worker_id, started_at=now()
	`, req.ID, req.Organization, string(req.Mode), string(targets), workerID, req.SubmittedAt)
	if err == nil {
		s.notifyRequestChanged(ctx, req.ID)
	}
	return err
}

// RecordJob upserts the job row and appends the transition to scan_events.
func (s *Store) RecordJob(ctx context.Context, ev model.JobEvent) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO scan_jobs (id, request_id, scanner, target, state, detail, created_at)
		VALUES ($1::uuid, $2::uuid, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
		  state=EXCLUDED.state,
		  detail=EXCLUDED.detail,
		  started_at=CASE WHEN EXCLUDED.state='running' THEN $7 ELSE scan_jobs.started_at END,
		  finished_at=CASE WHEN EXCLUDED.state IN ('completed','timed_out','failed') THEN $7 ELSE scan_jobs.finished_at END
	`, ev.JobID, ev.RequestID, ev.Scanner, ev.Target, string(ev.State), ev.Detail, ev.TS); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO scan_events (request_id, job_id, ts, state, detail)
		VALUES ($1::uuid, $2::uuid, $3, $4, $5)
	`, ev.RequestID, ev.JobID, ev.TS, string(ev.State), ev.Detail); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) FinishRequest(ctx context.Context, out RequestOutcome) error {
	summary, _ := json.Marshal(out.Summary)
	_, err := s.Pool.Exec(ctx, `
		UPDATE scan_requests
		SET status=$2, finished_at=now(), summary_json=$3::jsonb,
		    report_key=$4, persist_error=$5
		WHERE id=$1::uuid
	`, out.ID, out.Status, string(summary), nullableString(out.ReportKey), nullableString(out.PersistError))
	if err == nil {
		s.notifyRequestChanged(ctx, out.ID)
	}
	return err
}

// FailStaleRequests marks running requests with no job event for idleFor as
// failed. Run at startup to close out requests abandoned by a crashed
// process.
func (s *Store) FailStaleRequests(ctx context.Context, idleFor time.Duration) ([]string, error) {
	seconds := int64(idleFor.Seconds())
	if seconds <= 0 {
		return nil, nil
	}
	rows, err := s.Pool.Query(ctx, `
		WITH stale AS (
			SELECT r.id
			FROM scan_requests r
			LEFT JOIN LATERAL (
				SELECT MAX(ts) AS last_event_ts
				FROM scan_events e
				WHERE e.request_id = r.id
			) ev ON true
			WHERE r.status='running'
			  AND COALESCE(ev.last_event_ts, r.started_at, r.created_at)
			      < now() - ($1::bigint * interval '1 second')
		)
		UPDATE scan_requests r
		SET status='failed',
		    finished_at=now(),
		    error_msg='abandoned: no job events'
		FROM stale
		WHERE r.id = stale.id
		RETURNING r.id::text
	`, seconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
		s.notifyRequestChanged(ctx, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) ListBackfillCandidates(ctx context.Context, limit int) ([]BackfillRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.Pool.Query(ctx, `
SELECT r.id::text, r.organization, r.report_key
FROM scan_requests r
WHERE r.report_key IS NOT NULL
  AND r.persist_error IS NOT NULL
ORDER BY COALESCE(r.finished_at, r.created_at), r.id
LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]BackfillRequest, 0, limit)
	for rows.Next() {
		var b BackfillRequest
		if err := rows.Scan(&b.ID, &b.Organization, &b.ReportKey); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkPersisted clears the persistence error once a backfill has committed
// the request's findings.
func (s *Store) MarkPersisted(ctx context.Context, id string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE scan_requests
		SET persist_error=NULL
		WHERE id=$1::uuid
	`, id)
	if err == nil {
		s.notifyRequestChanged(ctx, id)
	}
	return err
}

func nullableString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
