package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	DatabaseURL string
	Store       string

	NATSURL           string
	NATSSubjectPrefix string
	LogNATSSubjects   bool

	ConfirmationRadius float64 // meters
	DeviationRadius    float64 // meters
	ExpiryGrace        time.Duration
	SweepInterval      time.Duration

	SeedFile        string
	SeedHorizonDays int
	SeedRefresh     time.Duration

	MetricsAddr string
	Location    *time.Location
}

// InitLogging configures the standard logger used across the daemon.
func InitLogging() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetOutput(os.Stdout)
}

// Load reads configuration from the environment. With no arguments a .env in
// the working directory is loaded if present; named env files must exist.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		// Load .env into environment (ignore if missing)
		_ = godotenv.Load()
	} else if err := godotenv.Load(envFiles...); err != nil {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	cfg := &Config{}

	// Database URL: prefer DATABASE_URL / PG_DSN, else build from PG* vars
	cfg.DatabaseURL = firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN"))
	if cfg.DatabaseURL == "" {
		if db := os.Getenv("PGDATABASE"); db != "" {
			cfg.DatabaseURL = composeDSN(db)
		}
	}

	switch s := strings.ToLower(strings.TrimSpace(os.Getenv("STORE"))); s {
	case "":
		cfg.Store = StoreMemory
		if cfg.DatabaseURL != "" {
			cfg.Store = StorePostgres
		}
	case StorePostgres, StoreMemory:
		cfg.Store = s
	default:
		return nil, fmt.Errorf("invalid STORE: %q", s)
	}
	if cfg.Store == StorePostgres && cfg.DatabaseURL == "" {
		return nil, errors.New("PGDATABASE or DATABASE_URL must be set for STORE=postgres")
	}

	// Empty NATS_URL runs without messaging.
	cfg.NATSURL = strings.TrimSpace(os.Getenv("NATS_URL"))
	cfg.NATSSubjectPrefix = strings.Trim(getenvDefault("NATS_SUBJECT_PREFIX", "shuttle"), ". ")
	if cfg.NATSSubjectPrefix == "" || strings.ContainsAny(cfg.NATSSubjectPrefix, " *>") {
		return nil, fmt.Errorf("invalid NATS_SUBJECT_PREFIX: %q", os.Getenv("NATS_SUBJECT_PREFIX"))
	}
	cfg.LogNATSSubjects = parseBool(os.Getenv("LOG_NATS_SUBJECTS"))

	var err error
	if cfg.ConfirmationRadius, err = positiveFloat("CONFIRMATION_RADIUS_M", 100); err != nil {
		return nil, err
	}
	if cfg.DeviationRadius, err = positiveFloat("DEVIATION_RADIUS_M", 300); err != nil {
		return nil, err
	}

	grace, err := intDefault("EXPIRY_GRACE_SEC", 0, 0)
	if err != nil {
		return nil, err
	}
	cfg.ExpiryGrace = time.Duration(grace) * time.Second

	sweep, err := intDefault("SWEEP_INTERVAL_SEC", 30, 1)
	if err != nil {
		return nil, err
	}
	cfg.SweepInterval = time.Duration(sweep) * time.Second

	cfg.SeedFile = strings.TrimSpace(os.Getenv("SEED_FILE"))
	if cfg.SeedHorizonDays, err = intDefault("SEED_HORIZON_DAYS", 2, 1); err != nil {
		return nil, err
	}
	refresh, err := intDefault("SEED_REFRESH_MIN", 60, 0)
	if err != nil {
		return nil, err
	}
	cfg.SeedRefresh = time.Duration(refresh) * time.Minute

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	// Time zone for expanding daily departure times
	tzName := getenvDefault("TZ", "")
	if tzName == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	return cfg, nil
}

func composeDSN(db string) string {
	host := getenvDefault("PGHOST", "127.0.0.1")
	port := getenvDefault("PGPORT", "5432")
	user := getenvDefault("PGUSER", "postgres")
	pass := os.Getenv("PGPASSWORD")
	sslmode := getenvDefault("PGSSLMODE", "disable")
	if pass != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
}

func positiveFloat(name string, def float64) (float64, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, v)
	}
	return f, nil
}

func intDefault(name string, def, min int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min {
		return 0, fmt.Errorf("invalid %s: %q", name, v)
	}
	return n, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
