package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/yourorg/darkstar/internal/model"
	"github.com/yourorg/darkstar/internal/scanner"
	"github.com/yourorg/darkstar/internal/telemetry"
)

// runJobs executes every job on a pool of size concurrency and returns once
// all of them are terminal. Conflict locks are taken before a pool slot so
// a job waiting on a sibling does not hold a slot.
func (o *Orchestrator) runJobs(ctx context.Context, jobs []*Job, opts model.Options, concurrency int) {
	sem := make(chan struct{}, concurrency)
	var locks conflictLocks
	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func(job *Job) {
			defer wg.Done()
			release, err := locks.acquire(ctx, job.Target.Value, job.Scanner.Conflicts())
			if err != nil {
				o.cancelJob(job)
				return
			}
			defer release()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				o.cancelJob(job)
				return
			}
			defer func() { <-sem }()
			if ctx.Err() != nil {
				o.cancelJob(job)
				return
			}
			o.runJob(ctx, job, opts)
		}(j)
	}
	wg.Wait()
}

// cancelJob closes out a job that never got to run. It still passes through
// Running so the state sequence stays intact.
func (o *Orchestrator) cancelJob(j *Job) {
	_ = j.transition(model.JobRunning, "")
	_ = j.transition(model.JobTimedOut, ErrCancelled.Error())
	o.finished(j)
}

func (o *Orchestrator) runJob(ctx context.Context, j *Job, opts model.Options) {
	sc := j.Scanner
	entry := log.WithFields(log.Fields{"request": j.RequestID, "job": j.ID, "scanner": sc.Name(), "target": j.Target.Value})
	ctx, span := telemetry.Tracer().Start(ctx, "scan.job")
	span.SetAttributes(
		attribute.String("scanner", sc.Name()),
		attribute.String("target", j.Target.Value),
	)
	defer span.End()

	if err := j.transition(model.JobRunning, ""); err != nil {
		entry.Errorf("job: %v", err)
		return
	}
	defer o.finished(j)
	defer func() {
		if r := recover(); r != nil {
			entry.Errorf("scanner panic: %v\n%s", r, debug.Stack())
			_ = j.transition(model.JobFailed, fmt.Sprintf("panic: %v", r))
			span.SetStatus(codes.Error, "panic")
		}
	}()

	plan, err := sc.Prepare(j.Target, opts)
	if err != nil {
		entry.Warnf("prepare failed: %v", err)
		_ = j.transition(model.JobFailed, err.Error())
		span.SetStatus(codes.Error, err.Error())
		return
	}
	if plan.Skip != "" {
		entry.Infof("not applicable: %s", plan.Skip)
		_ = j.transition(model.JobCompleted, plan.Skip)
		return
	}

	timeout := plan.Timeout
	if bf, ok := sc.(scanner.Bruteforcer); ok {
		if hard := bf.HardTimeout(opts); hard > 0 && (timeout <= 0 || hard < timeout) {
			timeout = hard
		}
	}
	if timeout <= 0 {
		timeout = scanner.DefaultTimeout
	}
	jctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entry.Infof("running (timeout=%s)", timeout)
	started := time.Now()
	raws, execErr := sc.Execute(jctx, plan)
	findings, note := o.parse(j, raws)
	j.setResults(raws, findings, note)

	switch {
	case execErr == nil:
		entry.Infof("completed in %s: %d records, %d findings", time.Since(started).Round(time.Millisecond), len(raws), len(findings))
		_ = j.transition(model.JobCompleted, "")
	case errors.Is(execErr, scanner.ErrScannerTimeout) || jctx.Err() != nil:
		cause := execErr.Error()
		if ctx.Err() != nil {
			cause = fmt.Sprintf("%v: %v", ErrCancelled, execErr)
		}
		entry.Warnf("timed out after %s with %d findings", time.Since(started).Round(time.Millisecond), len(findings))
		_ = j.transition(model.JobTimedOut, cause)
		span.SetStatus(codes.Error, "timeout")
	default:
		entry.Warnf("failed: %v", execErr)
		_ = j.transition(model.JobFailed, execErr.Error())
		span.SetStatus(codes.Error, execErr.Error())
	}
	span.SetAttributes(attribute.Int("findings", len(findings)))
}

// parse turns raw records into sealed findings. Records that fail to parse
// are counted into the job note and never fail the job.
func (o *Orchestrator) parse(j *Job, raws []model.RawFinding) ([]model.Finding, string) {
	var (
		out     []model.Finding
		badRecs int
		lastErr error
	)
	for _, raw := range raws {
		f, err := j.Scanner.Parse(raw)
		if err != nil {
			badRecs++
			lastErr = err
			continue
		}
		if f == nil {
			continue
		}
		if f.Target == "" {
			f.Target = j.Target.Value
		}
		if len(f.Scanners) == 0 {
			f.Scanners = []string{j.Scanner.Name()}
		}
		if f.FirstSeen.IsZero() {
			f.FirstSeen = raw.Timestamp
		}
		f.Seal()
		out = append(out, *f)
	}
	if badRecs == 0 {
		return out, ""
	}
	return out, fmt.Sprintf("%d unparseable records (last: %v)", badRecs, lastErr)
}

func (o *Orchestrator) finished(j *Job) {
	st := j.Status()
	o.Metrics.JobFinished(st.Scanner, string(st.State), time.Duration(st.DurationMS)*time.Millisecond)
}
