package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/yourorg/darkstar/internal/model"
)

// SQLiteStore is the single-host result store. It keeps the same contract
// as Store; timestamps are stored as UTC unix nanoseconds.
type SQLiteStore struct {
	DB    *sql.DB
	units unitSet[*sql.Tx]
}

func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL", path)
	d, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if err := d.PingContext(ctx); err != nil {
		_ = d.Close()
		return nil, err
	}
	return &SQLiteStore{DB: d}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.DB.PingContext(ctx)
}

func (s *SQLiteStore) Close() {
	for _, u := range s.units.drain() {
		_ = u.tx.Rollback()
	}
	_ = s.DB.Close()
}

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS scan_requests (
  id TEXT PRIMARY KEY,
  organization TEXT NOT NULL,
  mode TEXT NOT NULL,
  targets TEXT NOT NULL DEFAULT '[]',
  status TEXT NOT NULL CHECK (status IN ('running','completed','partial','failed')),
  worker_id TEXT,
  created_at INTEGER NOT NULL,
  started_at INTEGER,
  finished_at INTEGER,
  summary_json TEXT,
  report_key TEXT,
  persist_error TEXT,
  error_msg TEXT
);

CREATE TABLE IF NOT EXISTS scan_jobs (
  id TEXT PRIMARY KEY,
  request_id TEXT NOT NULL REFERENCES scan_requests(id) ON DELETE CASCADE,
  scanner TEXT NOT NULL,
  target TEXT NOT NULL,
  state TEXT NOT NULL,
  detail TEXT,
  created_at INTEGER NOT NULL,
  started_at INTEGER,
  finished_at INTEGER
);

CREATE TABLE IF NOT EXISTS scan_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  request_id TEXT NOT NULL REFERENCES scan_requests(id) ON DELETE CASCADE,
  job_id TEXT NOT NULL,
  ts INTEGER NOT NULL,
  state TEXT NOT NULL,
  detail TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_scan_events_request_ts ON scan_events (request_id, ts);

CREATE TABLE IF NOT EXISTS findings (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  organization TEXT NOT NULL,
  target TEXT NOT NULL,
  fingerprint TEXT NOT NULL,
  finding_type TEXT NOT NULL,
  identifier TEXT NOT NULL,
  title TEXT,
  severity TEXT NOT NULL,
  score REAL NOT NULL DEFAULT 0,
  evidence TEXT NOT NULL DEFAULT '{}',
  scanners TEXT NOT NULL DEFAULT '[]',
  epss_score REAL,
  epss_percentile REAL,
  exploit_likely INTEGER,
  kev_listed INTEGER,
  kev_date_added INTEGER,
  breach_count INTEGER,
  breach_source TEXT,
  first_seen INTEGER NOT NULL,
  last_seen INTEGER NOT NULL,
  last_request_id TEXT,
  UNIQUE (organization, target, fingerprint)
);

CREATE INDEX IF NOT EXISTS idx_findings_org_severity ON findings (organization, severity, last_seen);
`)
	return err
}

// Upsert follows Store.Upsert. SQLite has no xmax, so the existing row is
// read and merged inside the savepoint.
func (s *SQLiteStore) Upsert(ctx context.Context, requestID, organization string, f model.EnrichedFinding) (bool, error) {
	u, err := s.units.open(requestID, func() (*sql.Tx, error) {
		// database/sql rolls a transaction back when its context ends; the
		// unit outlives this call.
		return s.DB.BeginTx(context.WithoutCancel(ctx), nil)
	})
	if err != nil {
		return false, classifyFatal(err)
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	r := newFindingRow(requestID, organization, f)
	u.seq++
	sp := fmt.Sprintf("sp_%d", u.seq)
	if _, err := u.tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
		return false, classifyFatal(err)
	}
	existed, err := sqliteUpsertRow(ctx, u.tx, r)
	if err != nil {
		_, _ = u.tx.ExecContext(ctx, "ROLLBACK TO "+sp)
		_, _ = u.tx.ExecContext(ctx, "RELEASE "+sp)
		err = classify(err)
		if isConflict(err) {
			u.conflicted = append(u.conflicted, r.Fingerprint)
			log.WithFields(log.Fields{"request": requestID, "fingerprint": r.Fingerprint}).Warnf("upsert conflict: %v", err)
		}
		return false, err
	}
	if _, err := u.tx.ExecContext(ctx, "RELEASE "+sp); err != nil {
		return false, classify(err)
	}
	u.committed = append(u.committed, r.Fingerprint)
	if existed {
		u.updated++
	} else {
		u.inserted++
	}
	return existed, nil
}

func sqliteUpsertRow(ctx context.Context, tx *sql.Tx, r findingRow) (bool, error) {
	var (
		scannersJSON, evidenceJSON string
		lastSeen                   int64
	)
	err := tx.QueryRowContext(ctx, `
SELECT scanners, evidence, last_seen FROM findings
WHERE organization=? AND target=? AND fingerprint=?`,
		r.Organization, r.Target, r.Fingerprint).Scan(&scannersJSON, &evidenceJSON, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		scanners, _ := json.Marshal(r.Scanners)
		_, err = tx.ExecContext(ctx, `
INSERT INTO findings (
  organization, target, fingerprint, finding_type, identifier, title,
  severity, score, evidence, scanners,
  epss_score, epss_percentile, exploit_likely, kev_listed, kev_date_added,
  breach_count, breach_source, first_seen, last_seen, last_request_id
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.Organization, r.Target, r.Fingerprint, r.Type, r.Identifier, r.Title,
			r.Severity, r.Score, r.Evidence, string(scanners),
			r.EPSSScore, r.EPSSPercentile, r.ExploitLikely, r.KEVListed, unixNanoPtr(r.KEVDateAdded),
			r.BreachCount, r.BreachSource, r.FirstSeen.UnixNano(), r.LastSeen.UnixNano(), r.RequestID)
		return false, err
	}
	if err != nil {
		return false, err
	}

	var stored []string
	_ = json.Unmarshal([]byte(scannersJSON), &stored)
	scanners, _ := json.Marshal(dedupSorted(append(stored, r.Scanners...)))

	evidence := map[string]string{}
	_ = json.Unmarshal([]byte(evidenceJSON), &evidence)
	var incoming map[string]string
	_ = json.Unmarshal([]byte(r.Evidence), &incoming)
	for k, v := range incoming {
		evidence[k] = v
	}
	evJSON, _ := json.Marshal(evidence)

	last := r.LastSeen.UnixNano()
	if lastSeen > last {
		last = lastSeen
	}
	_, err = tx.ExecContext(ctx, `
UPDATE findings SET
  severity = ?,
  score = ?,
  title = COALESCE(NULLIF(?, ''), title),
  evidence = ?,
  scanners = ?,
  epss_score = COALESCE(?, epss_score),
  epss_percentile = COALESCE(?, epss_percentile),
  exploit_likely = COALESCE(?, exploit_likely),
  kev_listed = COALESCE(?, kev_listed),
  kev_date_added = COALESCE(?, kev_date_added),
  breach_count = COALESCE(?, breach_count),
  breach_source = COALESCE(?, breach_source),
  last_seen = ?,
  last_request_id = ?
WHERE organization=? AND target=? AND fingerprint=?`,
		r.Severity, r.Score, r.Title, string(evJSON), string(scanners),
		r.EPSSScore, r.EPSSPercentile, r.ExploitLikely, r.KEVListed, unixNanoPtr(r.KEVDateAdded),
		r.BreachCount, r.BreachSource, last, r.RequestID,
		r.Organization, r.Target, r.Fingerprint)
	return true, err
}

func (s *SQLiteStore) Commit(ctx context.Context, requestID string) (CommitResult, error) {
	u, ok := s.units.take(requestID)
	if !ok {
		return CommitResult{Committed: []string{}, Conflicted: []string{}}, nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.tx.Commit(); err != nil {
		return CommitResult{Conflicted: dedupSorted(u.conflicted)}, classifyFatal(err)
	}
	return u.result(), nil
}

func (s *SQLiteStore) Rollback(ctx context.Context, requestID string) error {
	u, ok := s.units.take(requestID)
	if !ok {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.tx.Rollback()
}

// Get reads one committed finding; nil when absent.
func (s *SQLiteStore) Get(ctx context.Context, organization, target, fingerprint string) (*model.EnrichedFinding, error) {
	var (
		f                         model.EnrichedFinding
		typ, sev                  string
		title, breachSource       sql.NullString
		evidenceJSON, scannersJSN string
		epss, pct                 sql.NullFloat64
		exploit, kev              sql.NullBool
		kevDate, breachCount      sql.NullInt64
		first, last               int64
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT target, fingerprint, finding_type, identifier, title, severity, score,
       evidence, scanners, epss_score, epss_percentile, exploit_likely,
       kev_listed, kev_date_added, breach_count, breach_source, first_seen, last_seen
FROM findings WHERE organization=? AND target=? AND fingerprint=?`,
		organization, target, fingerprint).Scan(
		&f.Target, &f.Fingerprint, &typ, &f.Identifier, &title, &sev, &f.Score,
		&evidenceJSON, &scannersJSN, &epss, &pct, &exploit,
		&kev, &kevDate, &breachCount, &breachSource, &first, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	f.Type = model.FindingType(typ)
	f.Severity = model.Severity(sev)
	f.Title = title.String
	_ = json.Unmarshal([]byte(evidenceJSON), &f.Evidence)
	_ = json.Unmarshal([]byte(scannersJSN), &f.Scanners)
	f.FirstSeen = time.Unix(0, first).UTC()
	f.LastSeen = time.Unix(0, last).UTC()
	if epss.Valid {
		f.EPSS = &model.EPSSScore{Score: epss.Float64, Percentile: pct.Float64, ExploitLikely: exploit.Bool}
	}
	if kev.Valid {
		f.KEV = &model.KEVStatus{Listed: kev.Bool}
		if kevDate.Valid {
			t := time.Unix(0, kevDate.Int64).UTC()
			f.KEV.DateAdded = &t
		}
	}
	if breachCount.Valid {
		f.Breach = &model.BreachMatch{Count: int(breachCount.Int64), Source: breachSource.String}
	}
	return &f, nil
}

func (s *SQLiteStore) StartRequest(ctx context.Context, req model.ScanRequest, workerID string) error {
	targets, _ := json.Marshal(req.Targets)
	now := time.Now().UTC().UnixNano()
	created := now
	if !req.SubmittedAt.IsZero() {
		created = req.SubmittedAt.UTC().UnixNano()
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO scan_requests (id, organization, mode, targets, status, worker_id, created_at, started_at)
VALUES (?, ?, ?, ?, 'running', ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET status='running', worker_id=excluded.worker_id, started_at=excluded.started_at`,
		req.ID, req.Organization, string(req.Mode), string(targets), workerID, created, now)
	return err
}

func (s *SQLiteStore) RecordJob(ctx context.Context, ev model.JobEvent) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	ts := ev.TS.UTC().UnixNano()
	var started, finished *int64
	switch {
	case ev.State == model.JobRunning:
		started = &ts
	case ev.State.Terminal():
		finished = &ts
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO scan_jobs (id, request_id, scanner, target, state, detail, created_at, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
  state=excluded.state,
  detail=excluded.detail,
  started_at=COALESCE(excluded.started_at, scan_jobs.started_at),
  finished_at=COALESCE(excluded.finished_at, scan_jobs.finished_at)`,
		ev.JobID, ev.RequestID, ev.Scanner, ev.Target, string(ev.State), ev.Detail, ts, started, finished); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO scan_events (request_id, job_id, ts, state, detail) VALUES (?, ?, ?, ?, ?)`,
		ev.RequestID, ev.JobID, ts, string(ev.State), ev.Detail); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) FinishRequest(ctx context.Context, out RequestOutcome) error {
	summary, _ := json.Marshal(out.Summary)
	_, err := s.DB.ExecContext(ctx, `
UPDATE scan_requests
SET status=?, finished_at=?, summary_json=?, report_key=?, persist_error=?
WHERE id=?`,
		out.Status, time.Now().UTC().UnixNano(), string(summary),
		nullableString(out.ReportKey), nullableString(out.PersistError), out.ID)
	return err
}

func (s *SQLiteStore) FailStaleRequests(ctx context.Context, idleFor time.Duration) ([]string, error) {
	if idleFor <= 0 {
		return nil, nil
	}
	cutoff := time.Now().Add(-idleFor).UTC().UnixNano()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
SELECT r.id FROM scan_requests r
WHERE r.status='running'
  AND COALESCE((SELECT MAX(e.ts) FROM scan_events e WHERE e.request_id = r.id), r.started_at, r.created_at) < ?
ORDER BY r.id`, cutoff)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	now := time.Now().UTC().UnixNano()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
UPDATE scan_requests SET status='failed', finished_at=?, error_msg='abandoned: no job events' WHERE id=?`, now, id); err != nil {
			return nil, err
		}
	}
	return ids, tx.Commit()
}

func (s *SQLiteStore) ListBackfillCandidates(ctx context.Context, limit int) ([]BackfillRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, organization, report_key FROM scan_requests
WHERE report_key IS NOT NULL AND persist_error IS NOT NULL
ORDER BY COALESCE(finished_at, created_at), id
LIMIT ?`, limit)
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
	return out, rows.Err()
}

func (s *SQLiteStore) MarkPersisted(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE scan_requests SET persist_error=NULL WHERE id=?`, id)
	return err
}

// RequestStatus returns the logged status of a request.
func (s *SQLiteStore) RequestStatus(ctx context.Context, id string) (string, error) {
	var status string
	err := s.DB.QueryRowContext(ctx, `SELECT status FROM scan_requests WHERE id=?`, id).Scan(&status)
	return status, err
}

func unixNanoPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	n := t.UTC().UnixNano()
	return &n
}
