package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/yourorg/darkstar/internal/config"
	"github.com/yourorg/darkstar/internal/db"
	"github.com/yourorg/darkstar/internal/model"
	"github.com/yourorg/darkstar/internal/s3"
)

// backfill re-commits archived reports whose findings never reached the
// result store, without running any scanner.
func main() {
	var (
		batchSize = flag.Int("batch-size", 25, "number of requests to ingest per batch")
		maxJobs   = flag.Int("max-jobs", 0, "maximum requests to ingest (0 = unlimited)")
		envFile   = flag.String("envfile", ".env", "env file location")
	)
	flag.Parse()

	if err := godotenv.Overload(*envFile); err != nil {
		log.Debugf("env file %s: %v", *envFile, err)
	}
	cfg, err := config.Load(nil)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := config.SetupLogging(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatalf("log level: %v", err)
	}
	if !cfg.S3Enabled() {
		log.Fatal("S3_ENDPOINT and REPORTS_BUCKET are required")
	}
	ctx := context.Background()

	store, err := db.Connect(ctx, cfg.StoreDriver, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	s3c, err := s3.New(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3UseSSL)
	if err != nil {
		log.Fatalf("s3 client: %v", err)
	}

	b := &backfiller{store: store, archive: s3c, bucket: cfg.ReportsBucket}
	total, okCount, failCount := b.run(ctx, *batchSize, *maxJobs)
	log.Infof("backfill complete: processed=%d ok=%d failed=%d", total, okCount, failCount)
	if failCount > 0 {
		os.Exit(1)
	}
}

type candidateStore interface {
	ListBackfillCandidates(ctx context.Context, limit int) ([]db.BackfillRequest, error)
	MarkPersisted(ctx context.Context, id string) error
	Upsert(ctx context.Context, requestID, organization string, f model.EnrichedFinding) (bool, error)
	Commit(ctx context.Context, requestID string) (db.CommitResult, error)
	Rollback(ctx context.Context, requestID string) error
}

type reportSource interface {
	GetJSON(ctx context.Context, bucket, key string, v any) error
}

type backfiller struct {
	store   candidateStore
	archive reportSource
	bucket  string
}

func (b *backfiller) run(ctx context.Context, batchSize, maxJobs int) (total, okCount, failCount int) {
	failed := map[string]bool{}
	for {
		if maxJobs > 0 && total >= maxJobs {
			break
		}
		limit := batchSize
		if limit <= 0 {
			limit = 25
		}
		if maxJobs > 0 && total+limit > maxJobs {
			limit = maxJobs - total
		}

		listCtx, listCancel := context.WithTimeout(ctx, 20*time.Second)
		candidates, err := b.store.ListBackfillCandidates(listCtx, limit+len(failed))
		listCancel()
		if err != nil {
			log.Fatalf("list candidates: %v", err)
		}

		progressed := false
		for _, c := range candidates {
			if failed[c.ID] {
				continue
			}
			if maxJobs > 0 && total >= maxJobs {
				break
			}
			progressed = true
			total++
			if err := b.ingestOne(ctx, c); err != nil {
				failed[c.ID] = true
				failCount++
				log.WithField("request", c.ID).Errorf("backfill failed: %v", err)
				continue
			}
			okCount++
		}
		if !progressed {
			break
		}
	}
	return total, okCount, failCount
}

func (b *backfiller) ingestOne(ctx context.Context, c db.BackfillRequest) error {
	dlCtx, dlCancel := context.WithTimeout(ctx, 2*time.Minute)
	var report model.ScanReport
	err := b.archive.GetJSON(dlCtx, b.bucket, c.ReportKey, &report)
	dlCancel()
	if err != nil {
		return err
	}
	if report.RequestID != "" && report.RequestID != c.ID {
		return fmt.Errorf("report %s belongs to request %s", c.ReportKey, report.RequestID)
	}

	ingestCtx, ingestCancel := context.WithTimeout(ctx, 2*time.Minute)
	defer ingestCancel()
	findings := report.Findings()
	for _, f := range findings {
		if _, err := b.store.Upsert(ingestCtx, c.ID, c.Organization, f); err != nil && !errors.Is(err, db.ErrPersistenceConflict) {
			_ = b.store.Rollback(ingestCtx, c.ID)
			return err
		}
	}
	res, err := b.store.Commit(ingestCtx, c.ID)
	if err != nil {
		return err
	}
	if len(res.Conflicted) > 0 {
		return fmt.Errorf("%w: %d findings", db.ErrPersistenceConflict, len(res.Conflicted))
	}

	doneCtx, doneCancel := context.WithTimeout(ctx, 20*time.Second)
	err = b.store.MarkPersisted(doneCtx, c.ID)
	doneCancel()
	if err != nil {
		return err
	}
	log.WithField("request", c.ID).Infof("backfill ingested (findings=%d inserted=%d updated=%d)", len(findings), res.Inserted, res.Updated)
	return nil
}
