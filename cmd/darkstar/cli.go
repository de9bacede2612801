package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yourorg/darkstar/internal/config"
	"github.com/yourorg/darkstar/internal/db"
	"github.com/yourorg/darkstar/internal/enrich"
	"github.com/yourorg/darkstar/internal/metrics"
	"github.com/yourorg/darkstar/internal/model"
	"github.com/yourorg/darkstar/internal/s3"
	"github.com/yourorg/darkstar/internal/scanner"
	"github.com/yourorg/darkstar/internal/target"
	"github.com/yourorg/darkstar/internal/telemetry"
	"github.com/yourorg/darkstar/internal/worker"
)

const defaultEnvFile = "/app/.env"

// execute runs the CLI and returns the process exit code.
func execute(args []string) int {
	code := 0
	cmd := newRootCmd(viper.New(), &code)
	cmd.SetArgs(normalizeArgs(args))
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		log.Error(err)
		return 1
	}
	return code
}

// normalizeArgs rewrites the historical single-dash -env flag, which pflag
// would otherwise read as -e -n -v.
func normalizeArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		switch {
		case a == "-env":
			out[i] = "--envfile"
		case strings.HasPrefix(a, "-env="):
			out[i] = "--envfile=" + strings.TrimPrefix(a, "-env=")
		default:
			out[i] = a
		}
	}
	return out
}

func newRootCmd(v *viper.Viper, code *int) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "darkstar",
		Short:         "Run one scan request against a set of targets",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			loadEnvFile(v.GetString("envfile"))
			n, err := run(cmd.Context(), v)
			*code = n
			return err
		},
	}

	f := cmd.Flags()
	f.StringP("target", "t", "", "CIDR, IP or domain (without http/https) to scan; comma separated")
	f.StringP("mode", "m", "", "scan intrusiveness: 1 passive, 2 normal, 3 aggressive, 4 attack surface, 5 openvas (names accepted)")
	f.StringP("domain", "d", "", "organization the findings belong to")
	f.Bool("bruteforce", false, "enable bruteforce attacks on discovered services")
	f.Int("bruteforce-timeout", 300, "timeout for each bruteforce attack in seconds")
	f.String("envfile", defaultEnvFile, "env file location")
	_ = cmd.MarkFlagRequired("target")
	_ = cmd.MarkFlagRequired("mode")
	_ = cmd.MarkFlagRequired("domain")
	for _, name := range []string{"target", "mode", "domain", "bruteforce", "bruteforce-timeout", "envfile"} {
		_ = v.BindPFlag(name, f.Lookup(name))
	}
	return cmd
}

// loadEnvFile lets file values win over the inherited environment. A
// missing file falls back to the default location.
func loadEnvFile(path string) {
	if path == "" {
		path = defaultEnvFile
	}
	err := godotenv.Overload(path)
	if err == nil {
		return
	}
	if path != defaultEnvFile {
		if _, statErr := os.Stat(defaultEnvFile); statErr == nil {
			log.Warnf("env file %s: %v; using %s", path, err, defaultEnvFile)
			if err := godotenv.Overload(defaultEnvFile); err != nil {
				log.Warnf("env file %s: %v", defaultEnvFile, err)
			}
			return
		}
	}
	log.Warnf("env file %s: %v", path, err)
}

// scanRequest builds the request from the command line.
func scanRequest(v *viper.Viper) (model.ScanRequest, error) {
	mode, err := model.ParseMode(v.GetString("mode"))
	if err != nil {
		return model.ScanRequest{}, err
	}
	org := strings.TrimSpace(v.GetString("domain"))
	if org == "" {
		return model.ScanRequest{}, errors.New("an organization (-d/--domain) is required")
	}
	secs := v.GetInt("bruteforce-timeout")
	if secs < 0 {
		return model.ScanRequest{}, fmt.Errorf("bruteforce timeout must not be negative: %d", secs)
	}
	return model.ScanRequest{
		Targets:      []string{v.GetString("target")},
		Mode:         mode,
		Organization: org,
		Options: model.Options{
			Bruteforce:        v.GetBool("bruteforce"),
			BruteforceTimeout: time.Duration(secs) * time.Second,
		},
	}, nil
}

func run(ctx context.Context, v *viper.Viper) (int, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return 1, fmt.Errorf("config: %w", err)
	}
	if err := config.SetupLogging(cfg.LogLevel, cfg.LogFormat); err != nil {
		return 1, fmt.Errorf("log level: %w", err)
	}
	req, err := scanRequest(v)
	if err != nil {
		return 1, err
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdown, err := telemetry.Setup(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		log.Warnf("tracing disabled: %v", err)
	} else {
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			_ = shutdown(sctx)
		}()
	}

	store, err := db.Connect(ctx, cfg.StoreDriver, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		return 1, err
	}
	defer store.Close()
	if ids, err := store.FailStaleRequests(ctx, cfg.StaleAfter); err != nil {
		log.Warnf("stale request recovery: %v", err)
	} else if len(ids) > 0 {
		log.Infof("marked %d abandoned requests failed", len(ids))
	}

	m := metrics.New()
	serveHTTP(ctx, cfg.HTTPAddr, store, m)

	modes, err := cfg.Modes.ModeTable()
	if err != nil {
		return 1, err
	}
	o := &worker.Orchestrator{
		Scanners: scanner.Default(cfg.ScannerSettings(), modes),
		Resolver: target.Resolver{
			MaxTargets:              cfg.MaxTargets,
			ExcludeNetworkBroadcast: cfg.ExcludeNetworkBroadcast,
		},
		Enricher:        newEnricher(cfg),
		Store:           store,
		Log:             store,
		Metrics:         m,
		Concurrency:     cfg.WorkerConcurrency,
		PersistAttempts: cfg.PersistAttempts,
	}
	if cfg.S3Enabled() {
		client, err := s3.New(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3UseSSL)
		if err != nil {
			log.Warnf("report archive disabled: %v", err)
		} else if err := client.EnsureBucket(ctx, cfg.ReportsBucket); err != nil {
			log.Warnf("report archive disabled: %v", err)
		} else {
			o.Archive = client
			o.Bucket = cfg.ReportsBucket
		}
	}

	log.Infof("darkstar %s: mode=%s targets=%s organization=%s", version, req.Mode, req.Targets[0], req.Organization)
	report, runErr := o.Run(ctx, req)
	if report != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			log.Errorf("write report: %v", err)
		}
	}
	switch {
	case errors.Is(runErr, worker.ErrAllJobsFailed):
		return 1, nil
	case runErr != nil:
		return 1, runErr
	}
	return report.ExitCode(), nil
}

func newEnricher(cfg config.Config) worker.Enricher {
	p := &enrich.Pipeline{Concurrency: cfg.EnrichConcurrency}
	if cfg.EPSSEnabled {
		p.EPSS = enrich.NewEPSSClient(cfg.EPSSURL, cfg.EnrichRate)
	}
	if cfg.KEVEnabled {
		p.KEV = enrich.NewKEVClient(cfg.KEVURL)
	}
	if cfg.BreachEnabled {
		p.Breach = enrich.NewBreachClient(cfg.PwnedPasswordsURL, cfg.HIBPURL, cfg.HIBPKey, cfg.EnrichRate)
	}
	return p
}
