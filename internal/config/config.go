package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/yourorg/darkstar/internal/scanner"
)

type Config struct {
	DatabaseURL string
	StoreDriver string
	SQLitePath  string

	S3Endpoint    string
	S3AccessKey   string
	S3SecretKey   string
	S3UseSSL      bool
	ReportsBucket string

	ScratchDir         string
	BBotPath           string
	RustscanPath       string
	NucleiPath         string
	HydraPath          string
	HydraUsers         string
	HydraPasswords     string
	BruteforceServices []string
	OpenVASURL         string
	OpenVASPoll        time.Duration
	CrtshURL           string
	DNSResolver        string

	WorkerConcurrency       int
	ScannerTimeout          time.Duration
	MaxTargets              int
	ExcludeNetworkBroadcast bool
	PersistAttempts         int
	StaleAfter              time.Duration

	EnrichConcurrency int
	EnrichRate        float64
	EPSSEnabled       bool
	EPSSURL           string
	KEVEnabled        bool
	KEVURL            string
	BreachEnabled     bool
	HIBPKey           string
	HIBPURL           string
	PwnedPasswordsURL string

	HTTPAddr     string
	OTLPEndpoint string
	LogLevel     string
	LogFormat    string
	ModesFile    string
	Modes        ModesFile
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SQLITE_PATH", "darkstar.db")
	v.SetDefault("S3_USE_SSL", false)
	v.SetDefault("REPORTS_BUCKET", "darkstar-reports")
	v.SetDefault("SCRATCH_DIR", "/scratch")
	v.SetDefault("BBOT_PATH", "bbot")
	v.SetDefault("RUSTSCAN_PATH", "rustscan")
	v.SetDefault("NUCLEI_PATH", "nuclei")
	v.SetDefault("HYDRA_PATH", "hydra")
	v.SetDefault("BRUTEFORCE_SERVICES", "ssh,ftp")
	v.SetDefault("OPENVAS_POLL_INTERVAL", "30s")
	v.SetDefault("WORKER_CONCURRENCY", 2)
	v.SetDefault("SCANNER_TIMEOUT", "30m")
	v.SetDefault("MAX_TARGETS", 1024)
	v.SetDefault("EXCLUDE_NETWORK_BROADCAST", false)
	v.SetDefault("PERSIST_ATTEMPTS", 3)
	v.SetDefault("STALE_AFTER", "6h")
	v.SetDefault("ENRICH_CONCURRENCY", 8)
	v.SetDefault("ENRICH_RATE", 5)
	v.SetDefault("EPSS_ENABLED", true)
	v.SetDefault("KEV_ENABLED", true)
	v.SetDefault("BREACH_ENABLED", true)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
}

// Load reads the configuration from v, which the CLI has bound to its flags.
// A nil v reads the environment only.
func Load(v *viper.Viper) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	v.AutomaticEnv()
	setDefaults(v)

	cfg := Config{
		DatabaseURL:             v.GetString("DATABASE_URL"),
		StoreDriver:             strings.ToLower(v.GetString("STORE_DRIVER")),
		SQLitePath:              v.GetString("SQLITE_PATH"),
		S3Endpoint:              v.GetString("S3_ENDPOINT"),
		S3AccessKey:             v.GetString("S3_ACCESS_KEY"),
		S3SecretKey:             v.GetString("S3_SECRET_KEY"),
		S3UseSSL:                v.GetBool("S3_USE_SSL"),
		ReportsBucket:           v.GetString("REPORTS_BUCKET"),
		ScratchDir:              v.GetString("SCRATCH_DIR"),
		BBotPath:                v.GetString("BBOT_PATH"),
		RustscanPath:            v.GetString("RUSTSCAN_PATH"),
		NucleiPath:              v.GetString("NUCLEI_PATH"),
		HydraPath:               v.GetString("HYDRA_PATH"),
		HydraUsers:              v.GetString("HYDRA_USERS"),
		HydraPasswords:          v.GetString("HYDRA_PASSWORDS"),
		BruteforceServices:      splitList(v.GetString("BRUTEFORCE_SERVICES")),
		OpenVASURL:              v.GetString("OPENVAS_API_URL"),
		CrtshURL:                v.GetString("CRTSH_URL"),
		DNSResolver:             v.GetString("DNS_RESOLVER"),
		WorkerConcurrency:       v.GetInt("WORKER_CONCURRENCY"),
		MaxTargets:              v.GetInt("MAX_TARGETS"),
		ExcludeNetworkBroadcast: v.GetBool("EXCLUDE_NETWORK_BROADCAST"),
		PersistAttempts:         v.GetInt("PERSIST_ATTEMPTS"),
		EnrichConcurrency:       v.GetInt("ENRICH_CONCURRENCY"),
		EnrichRate:              v.GetFloat64("ENRICH_RATE"),
		EPSSEnabled:             v.GetBool("EPSS_ENABLED"),
		EPSSURL:                 v.GetString("EPSS_URL"),
		KEVEnabled:              v.GetBool("KEV_ENABLED"),
		KEVURL:                  v.GetString("KEV_URL"),
		BreachEnabled:           v.GetBool("BREACH_ENABLED"),
		HIBPKey:                 v.GetString("HIBP_KEY"),
		HIBPURL:                 v.GetString("HIBP_URL"),
		PwnedPasswordsURL:       v.GetString("PWNED_PASSWORDS_URL"),
		HTTPAddr:                v.GetString("HTTP_ADDR"),
		OTLPEndpoint:            v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogLevel:                v.GetString("LOG_LEVEL"),
		LogFormat:               v.GetString("LOG_FORMAT"),
		ModesFile:               v.GetString("MODES_FILE"),
	}

	var errs []error
	var err error
	if cfg.OpenVASPoll, err = getDuration(v, "OPENVAS_POLL_INTERVAL"); err != nil {
		errs = append(errs, err)
	}
	if cfg.ScannerTimeout, err = getDuration(v, "SCANNER_TIMEOUT"); err != nil {
		errs = append(errs, err)
	}
	if cfg.StaleAfter, err = getDuration(v, "STALE_AFTER"); err != nil {
		errs = append(errs, err)
	}

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = databaseURLFromParts(v)
	}
	switch cfg.StoreDriver {
	case "":
		cfg.StoreDriver = "sqlite"
		if cfg.DatabaseURL != "" {
			cfg.StoreDriver = "postgres"
		}
	case "postgres":
		if cfg.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL (or DB_HOST and DB_NAME) is required for the postgres store"))
		}
	case "sqlite":
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER %q: want postgres or sqlite", cfg.StoreDriver))
	}
	if cfg.WorkerConcurrency < 1 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.PersistAttempts < 1 {
		cfg.PersistAttempts = 1
	}
	if cfg.ModesFile != "" {
		m, err := LoadModes(cfg.ModesFile)
		if err != nil {
			errs = append(errs, err)
		}
		cfg.Modes = m
	}
	return cfg, errors.Join(errs...)
}

// ScannerSettings is the scanner factory view of the configuration.
func (c Config) ScannerSettings() scanner.Settings {
	return scanner.Settings{
		BBotPath:           c.BBotPath,
		RustscanPath:       c.RustscanPath,
		NucleiPath:         c.NucleiPath,
		HydraPath:          c.HydraPath,
		HydraUsers:         c.HydraUsers,
		HydraPasswords:     c.HydraPasswords,
		BruteforceServices: c.BruteforceServices,
		OpenVASURL:         c.OpenVASURL,
		OpenVASPoll:        c.OpenVASPoll,
		CrtshURL:           c.CrtshURL,
		DNSResolver:        c.DNSResolver,
		DefaultTimeout:     c.ScannerTimeout,
		Overrides:          c.Modes.Scanners,
	}
}

// S3Enabled reports whether report archiving is configured.
func (c Config) S3Enabled() bool { return c.S3Endpoint != "" && c.ReportsBucket != "" }

func databaseURLFromParts(v *viper.Viper) string {
	host, name := v.GetString("DB_HOST"), v.GetString("DB_NAME")
	if host == "" || name == "" {
		return ""
	}
	if port := v.GetString("DB_PORT"); port != "" && !strings.Contains(host, ":") {
		host += ":" + port
	}
	u := url.URL{Scheme: "postgres", Host: host, Path: "/" + name}
	if user := v.GetString("DB_USER"); user != "" {
		if pw := v.GetString("DB_PASSWORD"); pw != "" {
			u.User = url.UserPassword(user, pw)
		} else {
			u.User = url.User(user)
		}
	}
	if mode := v.GetString("DB_SSLMODE"); mode != "" {
		u.RawQuery = "sslmode=" + url.QueryEscape(mode)
	}
	return u.String()
}

// getDuration accepts Go durations ("90s", "30m") and bare integers, which
// are seconds.
func getDuration(v *viper.Viper, key string) (time.Duration, error) {
	s := strings.TrimSpace(v.GetString(key))
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
