// Package config loads lineagesync settings from LINEAGESYNC_* environment
// variables and optional .env files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const Prefix = "LINEAGESYNC_"

const (
	FeedModePoll      = "poll"
	FeedModeWebsocket = "websocket"
)

type Config struct {
	Addr            string        `env:"ADDR" envDefault:":8090"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	// LogFormat is json or console.
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Storage    StorageConfig
	Dispatcher DispatcherConfig
	Membership MembershipConfig
	Feed       FeedConfig
	HTTP       HTTPConfig
	Query      QueryConfig
}

// StorageConfig selects the graph store and checkpoint backend. Explicit
// DSNs win over the profile defaults.
type StorageConfig struct {
	// Profile is memory, durable-local or production. Empty means custom.
	Profile       string `env:"PROFILE"`
	DataDir       string `env:"DATA_DIR" envDefault:".lineagesync"`
	PostgresDSN   string `env:"POSTGRES_DSN"`
	GraphDSN      string `env:"GRAPH_DSN"`
	CheckpointDSN string `env:"CHECKPOINT_DSN"`
}

type DispatcherConfig struct {
	Lanes         int           `env:"LANES" envDefault:"8"`
	QueueSize     int           `env:"LANE_QUEUE_SIZE" envDefault:"256"`
	MaxAttempts   int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	RetryInitial  time.Duration `env:"RETRY_INITIAL" envDefault:"50ms"`
	RetryMax      time.Duration `env:"RETRY_MAX" envDefault:"2s"`
	StoreTimeout  time.Duration `env:"STORE_TIMEOUT" envDefault:"5s"`
	PoisonHistory int           `env:"POISON_HISTORY" envDefault:"256"`
}

type MembershipConfig struct {
	// File is a YAML cohort file watched for changes.
	File         string   `env:"MEMBERSHIP_FILE"`
	KnownSources []string `env:"KNOWN_SOURCES" envSeparator:","`
}

type FeedConfig struct {
	URL            string        `env:"FEED_URL"`
	Mode           string        `env:"FEED_MODE" envDefault:"poll"`
	Token          string        `env:"FEED_TOKEN"`
	Interval       time.Duration `env:"FEED_INTERVAL" envDefault:"2s"`
	IntervalJitter float64       `env:"FEED_INTERVAL_JITTER" envDefault:"0.2"`
	Batch          int           `env:"FEED_BATCH" envDefault:"100"`
	Timeout        time.Duration `env:"FEED_TIMEOUT" envDefault:"15s"`
}

type HTTPConfig struct {
	JWTSecret          string        `env:"JWT_SECRET"`
	IngestHMACSecret   string        `env:"INGEST_HMAC_SECRET"`
	IngestMaxSkew      time.Duration `env:"INGEST_MAX_SKEW" envDefault:"5m"`
	RateLimitPerSecond float64       `env:"RATE_LIMIT_PER_SECOND" envDefault:"0"`
	RateLimitBurst     int           `env:"RATE_LIMIT_BURST" envDefault:"0"`
	MaxBodyBytes       int64         `env:"MAX_BODY_BYTES" envDefault:"4194304"`
}

type QueryConfig struct {
	MaxDepth          int      `env:"QUERY_MAX_DEPTH" envDefault:"64"`
	GlossaryEdgeTypes []string `env:"GLOSSARY_EDGE_TYPES" envSeparator:","`
}

// Load reads the given .env files, skipping missing ones, then parses the
// environment. Values already set in the environment win over file values.
func Load(dotenvFiles ...string) (*Config, error) {
	for _, file := range dotenvFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", file, err)
		}
	}
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: Prefix}); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	d := c.Dispatcher
	if d.Lanes < 1 {
		errs = append(errs, fmt.Errorf("%sLANES must be at least 1, got %d", Prefix, d.Lanes))
	}
	if d.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("%sLANE_QUEUE_SIZE must be at least 1, got %d", Prefix, d.QueueSize))
	}
	if d.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("%sMAX_ATTEMPTS must be at least 1, got %d", Prefix, d.MaxAttempts))
	}
	if d.RetryInitial <= 0 || d.RetryMax < d.RetryInitial {
		errs = append(errs, fmt.Errorf("%sRETRY_INITIAL must be positive and not above %sRETRY_MAX", Prefix, Prefix))
	}
	if d.StoreTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%sSTORE_TIMEOUT must be positive", Prefix))
	}
	switch c.Feed.Mode {
	case FeedModePoll, FeedModeWebsocket:
	default:
		errs = append(errs, fmt.Errorf("%sFEED_MODE must be %s or %s, got %q", Prefix, FeedModePoll, FeedModeWebsocket, c.Feed.Mode))
	}
	if c.Feed.URL != "" {
		if parsed, err := url.Parse(c.Feed.URL); err != nil || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("%sFEED_URL is not an absolute url: %q", Prefix, c.Feed.URL))
		}
	}
	if c.Feed.IntervalJitter < 0 || c.Feed.IntervalJitter > 1 {
		errs = append(errs, fmt.Errorf("%sFEED_INTERVAL_JITTER must be within [0, 1]", Prefix))
	}
	if c.HTTP.RateLimitPerSecond < 0 {
		errs = append(errs, fmt.Errorf("%sRATE_LIMIT_PER_SECOND must not be negative", Prefix))
	}
	if c.Query.MaxDepth < 1 {
		errs = append(errs, fmt.Errorf("%sQUERY_MAX_DEPTH must be at least 1", Prefix))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("%sLOG_FORMAT must be json or console, got %q", Prefix, c.LogFormat))
	}
	if _, _, err := c.Storage.DSNs(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// DSNs resolves the graph store and checkpoint DSNs.
func (s StorageConfig) DSNs() (graphDSN, checkpointDSN string, err error) {
	profileGraph, profileCheckpoint, err := s.profileDefaults()
	if err != nil {
		return "", "", err
	}
	graphDSN = strings.TrimSpace(s.GraphDSN)
	if graphDSN == "" {
		graphDSN = profileGraph
	}
	checkpointDSN = strings.TrimSpace(s.CheckpointDSN)
	if checkpointDSN == "" {
		checkpointDSN = profileCheckpoint
	}
	return graphDSN, checkpointDSN, nil
}

func (s StorageConfig) profileDefaults() (graphDSN, checkpointDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(s.Profile))
	switch profile {
	case "", "custom":
		return "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "production", "prod":
		dsn := strings.TrimSpace(s.PostgresDSN)
		if dsn == "" {
			return "", "", fmt.Errorf("%sPOSTGRES_DSN is required when %sPROFILE=%s", Prefix, Prefix, profile)
		}
		return dsn, dsn, nil
	case "durable-local", "local-durable":
		dir, err := filepath.Abs(s.DataDir)
		if err != nil {
			return "", "", fmt.Errorf("resolve %sDATA_DIR: %w", Prefix, err)
		}
		return "badger://" + filepath.ToSlash(filepath.Join(dir, "graph")),
			"file://" + filepath.ToSlash(filepath.Join(dir, "checkpoint.json")),
			nil
	default:
		return "", "", fmt.Errorf("unsupported %sPROFILE: %s", Prefix, profile)
	}
}
