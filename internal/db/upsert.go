package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	log "github.com/sirupsen/logrus"

	"github.com/yourorg/darkstar/internal/model"
)

const upsertFindingSQL = `
INSERT INTO findings (
  organization, target, fingerprint, finding_type, identifier, title,
  severity, score, evidence, scanners,
  epss_score, epss_percentile, exploit_likely, kev_listed, kev_date_added,
  breach_count, breach_source, first_seen, last_seen, last_request_id
)
VALUES (
  $1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10,
  $11, $12, $13, $14, $15, $16, $17, $18, $19, $20::uuid
)
ON CONFLICT (organization, target, fingerprint)
DO UPDATE SET
  severity = EXCLUDED.severity,
  score = EXCLUDED.score,
  title = COALESCE(NULLIF(EXCLUDED.title, ''), findings.title),
  evidence = findings.evidence || EXCLUDED.evidence,
  scanners = ARRAY(SELECT DISTINCT s FROM unnest(findings.scanners || EXCLUDED.scanners) AS s ORDER BY s),
  epss_score = COALESCE(EXCLUDED.epss_score, findings.epss_score),
  epss_percentile = COALESCE(EXCLUDED.epss_percentile, findings.epss_percentile),
  exploit_likely = COALESCE(EXCLUDED.exploit_likely, findings.exploit_likely),
  kev_listed = COALESCE(EXCLUDED.kev_listed, findings.kev_listed),
  kev_date_added = COALESCE(EXCLUDED.kev_date_added, findings.kev_date_added),
  breach_count = COALESCE(EXCLUDED.breach_count, findings.breach_count),
  breach_source = COALESCE(EXCLUDED.breach_source, findings.breach_source),
  last_seen = GREATEST(findings.last_seen, EXCLUDED.last_seen),
  last_request_id = EXCLUDED.last_request_id
RETURNING (xmax = 0) AS inserted`

// Upsert writes f into the unit of requestID, opening it on first use. Each
// row runs in its own savepoint so a conflicting fingerprint is rolled back
// alone. existed is true when the (organization, target, fingerprint) row
// was already stored.
func (s *Store) Upsert(ctx context.Context, requestID, organization string, f model.EnrichedFinding) (bool, error) {
	u, err := s.units.open(requestID, func() (pgx.Tx, error) {
		return s.Pool.BeginTx(ctx, pgx.TxOptions{})
	})
	if err != nil {
		return false, classifyFatal(err)
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	r := newFindingRow(requestID, organization, f)
	sp, err := u.tx.Begin(ctx)
	if err != nil {
		return false, classifyFatal(err)
	}
	var inserted bool
	err = sp.QueryRow(ctx, upsertFindingSQL,
		r.Organization, r.Target, r.Fingerprint, r.Type, r.Identifier, r.Title,
		r.Severity, r.Score, r.Evidence, r.Scanners,
		r.EPSSScore, r.EPSSPercentile, r.ExploitLikely, r.KEVListed, r.KEVDateAdded,
		r.BreachCount, r.BreachSource, r.FirstSeen, r.LastSeen, r.RequestID,
	).Scan(&inserted)
	if err != nil {
		_ = sp.Rollback(ctx)
		err = classify(err)
		if isConflict(err) {
			u.conflicted = append(u.conflicted, r.Fingerprint)
			log.WithFields(log.Fields{"request": requestID, "fingerprint": r.Fingerprint}).Warnf("upsert conflict: %v", err)
		}
		return false, err
	}
	if err := sp.Commit(ctx); err != nil {
		return false, classify(err)
	}
	u.committed = append(u.committed, r.Fingerprint)
	if inserted {
		u.inserted++
	} else {
		u.updated++
	}
	return !inserted, nil
}

// Commit makes every successful upsert of requestID durable. A failed commit
// loses the whole unit and is always fatal.
func (s *Store) Commit(ctx context.Context, requestID string) (CommitResult, error) {
	u, ok := s.units.take(requestID)
	if !ok {
		return CommitResult{Committed: []string{}, Conflicted: []string{}}, nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.tx.Commit(ctx); err != nil {
		return CommitResult{Conflicted: dedupSorted(u.conflicted)}, classifyFatal(err)
	}
	return u.result(), nil
}

func (s *Store) Rollback(ctx context.Context, requestID string) error {
	u, ok := s.units.take(requestID)
	if !ok {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.tx.Rollback(ctx)
}

func classifyFatal(err error) error {
	return fmt.Errorf("%w: %w", ErrPersistenceFatal, err)
}
