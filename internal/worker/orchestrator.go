package worker

import (
	"bytes"
	"context"
	"errors"
	"os"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yourorg/darkstar/internal/db"
	"github.com/yourorg/darkstar/internal/metrics"
	"github.com/yourorg/darkstar/internal/model"
	"github.com/yourorg/darkstar/internal/s3"
	"github.com/yourorg/darkstar/internal/scanner"
	"github.com/yourorg/darkstar/internal/target"
	"github.com/yourorg/darkstar/internal/telemetry"
)

const (
	DefaultConcurrency     = 2
	DefaultPersistAttempts = 3
	DefaultRetryDelay      = 200 * time.Millisecond
	DefaultEnrichTimeout   = 2 * time.Minute
	DefaultPersistTimeout  = 2 * time.Minute
)

type ScannerSource interface {
	ScannersFor(m model.Mode, opts model.Options) ([]scanner.Scanner, error)
}

type Enricher interface {
	Enrich(ctx context.Context, findings []model.Finding) ([]model.EnrichedFinding, []model.Warning)
}

// Gateway is the result store contract.
type Gateway interface {
	Upsert(ctx context.Context, requestID, organization string, f model.EnrichedFinding) (bool, error)
	Commit(ctx context.Context, requestID string) (db.CommitResult, error)
	Rollback(ctx context.Context, requestID string) error
}

// RequestLog records request and job lifecycle. Failures are logged and
// never affect the scan.
type RequestLog interface {
	JobRecorder
	StartRequest(ctx context.Context, req model.ScanRequest, workerID string) error
	FinishRequest(ctx context.Context, out db.RequestOutcome) error
}

type Archive interface {
	PutJSON(ctx context.Context, bucket, key string, v any) error
	Put(ctx context.Context, bucket, key string, b []byte, contentType string) error
}

// Orchestrator runs scan requests. Everything it needs is passed in; a nil
// Enricher, Store, Log or Archive switches that stage off.
type Orchestrator struct {
	Scanners ScannerSource
	Resolver target.Resolver
	Enricher Enricher
	Store    Gateway
	Log      RequestLog
	Archive  Archive
	Bucket   string
	Metrics  *metrics.Metrics

	Concurrency     int
	PersistAttempts int
	RetryDelay      time.Duration
	EnrichTimeout   time.Duration
	PersistTimeout  time.Duration
	WorkerID        string
}

func (o *Orchestrator) workerID() string {
	if o.WorkerID != "" {
		return o.WorkerID
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "darkstar"
}

// Run executes one scan request end to end and returns its report. A request
// rejected before any job is scheduled returns an error and, when targets
// were rejected, a report listing them. Otherwise the report is always
// returned; the error is ErrAllJobsFailed on total failure or the
// persistence error when the commit was aborted.
func (o *Orchestrator) Run(ctx context.Context, req model.ScanRequest) (*model.ScanReport, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now().UTC()
	}
	entry := log.WithFields(log.Fields{"request": req.ID, "organization": req.Organization, "mode": req.Mode})

	ctx, span := telemetry.Tracer().Start(ctx, "scan.request")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.id", req.ID),
		attribute.String("mode", string(req.Mode)),
	)

	report := &model.ScanReport{
		RequestID:    req.ID,
		Organization: req.Organization,
		Mode:         req.Mode,
		StartedAt:    req.SubmittedAt,
	}

	resolved, err := o.Resolver.Resolve(req.Targets...)
	if err != nil {
		if resolved != nil {
			report.Rejected = resolved.RejectedTargets()
		}
		report.FinishedAt = time.Now().UTC()
		entry.Errorf("request rejected: %v", err)
		return report, err
	}
	report.Rejected = resolved.RejectedTargets()
	for _, rj := range report.Rejected {
		entry.Warnf("target %q rejected: %s", rj.Fragment, rj.Reason)
	}

	scanners, err := o.Scanners.ScannersFor(req.Mode, req.Options)
	if err != nil {
		report.FinishedAt = time.Now().UTC()
		entry.Errorf("request rejected: %v", err)
		return report, err
	}

	if o.Log != nil {
		if err := o.Log.StartRequest(ctx, req, o.workerID()); err != nil {
			entry.Warnf("request log start: %v", err)
		}
	}
	var rec JobRecorder
	if o.Log != nil {
		rec = o.Log
	}
	sink := newEventSink(rec, 256)
	defer sink.Close()

	jobs := make([]*Job, 0, len(resolved.Targets)*len(scanners))
	byTarget := make(map[string][]*Job, len(resolved.Targets))
	for _, t := range resolved.Targets {
		for _, sc := range scanners {
			j := newJob(req.ID, t, sc, sink.emit)
			jobs = append(jobs, j)
			byTarget[t.Value] = append(byTarget[t.Value], j)
		}
	}
	concurrency := o.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	entry.Infof("scanning %d targets with %d scanners (%d jobs, concurrency %d)", len(resolved.Targets), len(scanners), len(jobs), concurrency)

	o.runJobs(ctx, jobs, req.Options, concurrency)
	report.Cancelled = ctx.Err() != nil

	// Enrichment and persistence run on whatever the jobs produced, even
	// after cancellation, but with their own bounds.
	post := context.WithoutCancel(ctx)

	merged := mergeFindings(resolved.Targets, byTarget)
	for _, f := range merged {
		o.Metrics.Finding(string(f.Type))
	}
	enriched, warnings := o.enrich(post, merged)
	report.Warnings = warnings

	for _, t := range resolved.Targets {
		sec := model.TargetSection{Target: t.Value, Source: t.Source, Findings: []model.EnrichedFinding{}}
		for _, j := range byTarget[t.Value] {
			sec.Jobs = append(sec.Jobs, j.Status())
		}
		for _, f := range enriched {
			if f.Target == t.Value {
				sec.Findings = append(sec.Findings, f)
			}
		}
		model.SortFindings(sec.Findings)
		report.Targets = append(report.Targets, sec)
	}
	report.Tally()

	persistErr := o.persistReport(post, req, report)
	report.FinishedAt = time.Now().UTC()

	reportKey := o.archive(post, req, report, jobs)

	sink.Close()
	status := requestStatus(report, persistErr)
	o.Metrics.RequestFinished(status)
	if o.Log != nil {
		out := db.RequestOutcome{ID: req.ID, Status: status, Summary: report.Summary, ReportKey: reportKey}
		if report.Persistence.Error != "" {
			out.PersistError = report.Persistence.Error
		}
		if err := o.Log.FinishRequest(post, out); err != nil {
			entry.Warnf("request log finish: %v", err)
		}
	}
	entry.WithField("status", status).Infof("done: %d findings, jobs completed=%d timed_out=%d failed=%d",
		report.Summary.Total, report.Summary.JobsCompleted, report.Summary.JobsTimedOut, report.Summary.JobsFailed)

	switch {
	case persistErr != nil:
		return report, persistErr
	case report.TotalFailure():
		return report, ErrAllJobsFailed
	}
	return report, nil
}

func requestStatus(r *model.ScanReport, persistErr error) string {
	switch {
	case persistErr != nil || r.TotalFailure():
		return db.StatusFailed
	case r.Cancelled || r.Summary.JobsFailed > 0 || r.Summary.JobsTimedOut > 0 ||
		len(r.Persistence.Conflicted) > 0:
		return db.StatusPartial
	}
	return db.StatusCompleted
}

// mergeFindings folds findings with the same fingerprint into one, in target
// order then job order, so the first discoverer leads.
func mergeFindings(targets []model.Target, byTarget map[string][]*Job) []model.Finding {
	var out []model.Finding
	index := map[string]int{}
	for _, t := range targets {
		for _, j := range byTarget[t.Value] {
			for _, f := range j.Findings() {
				if i, ok := index[f.Fingerprint]; ok {
					out[i].Merge(f)
					continue
				}
				index[f.Fingerprint] = len(out)
				out = append(out, f)
			}
		}
	}
	return out
}

func (o *Orchestrator) enrich(ctx context.Context, findings []model.Finding) ([]model.EnrichedFinding, []model.Warning) {
	if o.Enricher == nil || len(findings) == 0 {
		out := make([]model.EnrichedFinding, len(findings))
		for i, f := range findings {
			out[i] = model.EnrichedFinding{Finding: f}
		}
		return out, nil
	}
	timeout := o.EnrichTimeout
	if timeout <= 0 {
		timeout = DefaultEnrichTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ctx, span := telemetry.Tracer().Start(ctx, "scan.enrich")
	defer span.End()

	enriched, warnings := o.Enricher.Enrich(ctx, findings)
	for _, w := range warnings {
		o.Metrics.EnrichmentWarning(w.Field)
	}
	span.SetAttributes(attribute.Int("findings", len(enriched)), attribute.Int("warnings", len(warnings)))
	return enriched, warnings
}

func (o *Orchestrator) persistReport(ctx context.Context, req model.ScanRequest, report *model.ScanReport) error {
	if o.Store == nil {
		return nil
	}
	timeout := o.PersistTimeout
	if timeout <= 0 {
		timeout = DefaultPersistTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ctx, span := telemetry.Tracer().Start(ctx, "scan.commit")
	defer span.End()

	sum, err := o.persist(ctx, req.ID, req.Organization, report.Findings())
	report.Persistence = sum
	if err != nil {
		log.WithField("request", req.ID).Errorf("persist: %v", err)
	}
	if errors.Is(err, db.ErrPersistenceFatal) {
		return err
	}
	return nil
}

// archive stores the report and each job's raw records. It returns the
// report key, or "" when archiving is off or failed.
func (o *Orchestrator) archive(ctx context.Context, req model.ScanRequest, report *model.ScanReport, jobs []*Job) string {
	if o.Archive == nil || o.Bucket == "" {
		return ""
	}
	entry := log.WithField("request", req.ID)
	for _, j := range jobs {
		j.mu.Lock()
		raws := j.raws
		j.mu.Unlock()
		if len(raws) == 0 {
			continue
		}
		var buf bytes.Buffer
		for _, r := range raws {
			buf.Write(bytes.TrimRight(r.Payload, "\n"))
			buf.WriteByte('\n')
		}
		if err := o.Archive.Put(ctx, o.Bucket, s3.RawKey(req.Organization, req.ID, j.ID), buf.Bytes(), "application/x-ndjson"); err != nil {
			entry.Warnf("archive raw output of job %s: %v", j.ID, err)
		}
	}
	key := s3.ReportKey(req.Organization, req.ID)
	if err := o.Archive.PutJSON(ctx, o.Bucket, key, report); err != nil {
		entry.Warnf("archive report: %v", err)
		return ""
	}
	entry.Infof("report archived at s3://%s/%s", o.Bucket, key)
	return key
}
