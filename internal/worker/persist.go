package worker

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/yourorg/darkstar/internal/db"
	"github.com/yourorg/darkstar/internal/model"
)

// persist upserts findings as one unit and commits it. Fingerprints the
// store reports as conflicted are retried alone in fresh units with
// backoff; scanners are never re-run. A fatal store error rolls the open
// unit back and stops immediately.
func (o *Orchestrator) persist(ctx context.Context, requestID, organization string, findings []model.EnrichedFinding) (model.PersistSummary, error) {
	var sum model.PersistSummary
	attempts := o.PersistAttempts
	if attempts <= 0 {
		attempts = DefaultPersistAttempts
	}
	delay := o.RetryDelay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	entry := log.WithField("request", requestID)

	pending := findings
	err := retry(ctx, attempts, delay, func(attempt int) error {
		sum.Attempts = attempt
		if attempt > 1 {
			o.Metrics.PersistRetry()
			entry.Infof("persist retry %d for %d conflicted findings", attempt, len(pending))
		}
		for _, f := range pending {
			if _, err := o.Store.Upsert(ctx, requestID, organization, f); err != nil {
				if errors.Is(err, db.ErrPersistenceConflict) {
					continue
				}
				if rbErr := o.Store.Rollback(ctx, requestID); rbErr != nil {
					entry.Warnf("rollback: %v", rbErr)
				}
				return permanent(err)
			}
		}
		res, err := o.Store.Commit(ctx, requestID)
		if err != nil {
			return permanent(err)
		}
		sum.Inserted += res.Inserted
		sum.Updated += res.Updated
		if len(res.Conflicted) == 0 {
			pending = nil
			return nil
		}
		pending = only(pending, res.Conflicted)
		return fmt.Errorf("%w: %d findings", db.ErrPersistenceConflict, len(pending))
	})
	if errors.Is(err, db.ErrPersistenceConflict) {
		for _, f := range pending {
			sum.Conflicted = append(sum.Conflicted, f.Fingerprint)
		}
	}
	if err != nil {
		sum.Error = err.Error()
		if !errors.Is(err, db.ErrPersistenceConflict) && !errors.Is(err, db.ErrPersistenceFatal) {
			err = fmt.Errorf("%w: %w", db.ErrPersistenceFatal, err)
			sum.Error = err.Error()
		}
	}
	return sum, err
}

func only(findings []model.EnrichedFinding, fingerprints []string) []model.EnrichedFinding {
	keep := make(map[string]struct{}, len(fingerprints))
	for _, fp := range fingerprints {
		keep[fp] = struct{}{}
	}
	var out []model.EnrichedFinding
	for _, f := range findings {
		if _, ok := keep[f.Fingerprint]; ok {
			out = append(out, f)
		}
	}
	return out
}
