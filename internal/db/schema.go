package db

import "context"

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS scan_requests (
  id UUID PRIMARY KEY,
  organization TEXT NOT NULL,
  mode TEXT NOT NULL,
  targets JSONB NOT NULL DEFAULT '[]'::jsonb,
  status TEXT NOT NULL CHECK (status IN ('running','completed','partial','failed')),
  worker_id TEXT,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  started_at TIMESTAMPTZ,
  finished_at TIMESTAMPTZ,
  summary_json JSONB,
  report_key TEXT,
  persist_error TEXT,
  error_msg TEXT
);

ALTER TABLE scan_requests ADD COLUMN IF NOT EXISTS report_key TEXT;
ALTER TABLE scan_requests ADD COLUMN IF NOT EXISTS persist_error TEXT;

CREATE INDEX IF NOT EXISTS idx_scan_requests_status_created ON scan_requests (status, created_at);
CREATE INDEX IF NOT EXISTS idx_scan_requests_backfill ON scan_requests (finished_at)
  WHERE report_key IS NOT NULL AND persist_error IS NOT NULL;

CREATE TABLE IF NOT EXISTS scan_jobs (
  id UUID PRIMARY KEY,
  request_id UUID NOT NULL REFERENCES scan_requests(id) ON DELETE CASCADE,
  scanner TEXT NOT NULL,
  target TEXT NOT NULL,
  state TEXT NOT NULL CHECK (state IN ('pending','running','completed','timed_out','failed')),
  detail TEXT,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  started_at TIMESTAMPTZ,
  finished_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_scan_jobs_request ON scan_jobs (request_id, target, scanner);

CREATE TABLE IF NOT EXISTS scan_events (
  id BIGSERIAL PRIMARY KEY,
  request_id UUID NOT NULL REFERENCES scan_requests(id) ON DELETE CASCADE,
  job_id UUID NOT NULL,
  ts TIMESTAMPTZ NOT NULL DEFAULT now(),
  state TEXT NOT NULL,
  detail TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_scan_events_request_ts ON scan_events (request_id, ts);
CREATE INDEX IF NOT EXISTS idx_scan_events_job_id_id ON scan_events (job_id, id);

CREATE OR REPLACE FUNCTION notify_scan_request() RETURNS trigger AS $$
BEGIN
  PERFORM pg_notify('scan_requests', NEW.id::text);
  RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DO $$
BEGIN
  IF NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'scan_requests_notify') THEN
    CREATE TRIGGER scan_requests_notify
    AFTER INSERT OR UPDATE OF status ON scan_requests
    FOR EACH ROW EXECUTE FUNCTION notify_scan_request();
  END IF;
END$$;

CREATE TABLE IF NOT EXISTS findings (
  id BIGSERIAL PRIMARY KEY,
  organization TEXT NOT NULL,
  target TEXT NOT NULL,
  fingerprint TEXT NOT NULL,
  finding_type TEXT NOT NULL,
  identifier TEXT NOT NULL,
  title TEXT,
  severity TEXT NOT NULL CHECK (severity IN ('info','low','medium','high','critical')),
  score DOUBLE PRECISION NOT NULL DEFAULT 0,
  evidence JSONB NOT NULL DEFAULT '{}'::jsonb,
  scanners TEXT[] NOT NULL DEFAULT '{}',
  epss_score DOUBLE PRECISION,
  epss_percentile DOUBLE PRECISION,
  exploit_likely BOOLEAN,
  kev_listed BOOLEAN,
  kev_date_added DATE,
  breach_count INTEGER,
  breach_source TEXT,
  first_seen TIMESTAMPTZ NOT NULL,
  last_seen TIMESTAMPTZ NOT NULL,
  last_request_id UUID,
  UNIQUE (organization, target, fingerprint)
);

CREATE INDEX IF NOT EXISTS idx_findings_org_severity ON findings (organization, severity, last_seen DESC);
CREATE INDEX IF NOT EXISTS idx_findings_org_identifier ON findings (organization, identifier);
CREATE INDEX IF NOT EXISTS idx_findings_last_request ON findings (last_request_id);
`)
	return err
}
