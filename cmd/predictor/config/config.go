// Package config parses the predictor's command-line flags and environment
// variables.
//
// Flags take precedence over environment variables, which take precedence
// over defaults:
//
//	predictor -data-dir=/data -schema-file=/etc/rackwatch/schema.yaml \
//	  -timestamps-file=/etc/rackwatch/timestamps.yaml \
//	  -racks=0,1,2 -inference-url=http://gnn_inference:10000
package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/HatiCode/rackwatch/pkg/anomaly"
	"github.com/HatiCode/rackwatch/pkg/tls"
)

// DefaultForecastWindows are the windows the model service exposes.
var DefaultForecastWindows = []int{4, 6, 12, 24, 32, 64, 96, 192, 288}

// Storage backends.
const (
	StorageFile     = "file"
	StorageMemory   = "memory"
	StorageRedis    = "redis"
	StoragePostgres = "postgres"
)

// Config holds all predictor configuration.
type Config struct {
	Listen     string
	GRPCListen string
	LogFormat  string
	LogLevel   string
	TLS        tls.Config

	DataDir        string
	SchemaFile     string
	TimestampsFile string
	Racks          []int
	Windows        []int
	Interval       time.Duration

	InferenceURL         string
	InferenceTimeout     time.Duration
	InferenceRPS         float64
	InferenceConcurrency int
	InferenceTLS         tls.Config

	Storage       string
	CachePath     string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisKey      string
	PostgresDSN   string
	SnapshotName  string

	Thresholds       map[int]float64
	ThresholdsFile   string
	AnomalyDirection anomaly.Direction
}

// ParseFlags parses os.Args and the environment, exiting on invalid input.
func ParseFlags() *Config {
	cfg, err := parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func parse(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := &Config{}

	var racks, windows, thresholds, direction string

	fs.StringVar(&cfg.Listen, "listen", getEnv("LISTEN", ":8001"), "HTTP listen address")
	fs.StringVar(&cfg.GRPCListen, "grpc-listen", getEnv("GRPC_LISTEN", ""), "gRPC health listen address (empty disables)")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "Log format: text or json")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")

	fs.BoolVar(&cfg.TLS.Enabled, "tls-enabled", getEnvBool("TLS_ENABLED", false), "Enable mutual TLS for the HTTP server")
	fs.StringVar(&cfg.TLS.CertFile, "tls-cert-file", getEnv("TLS_CERT_FILE", ""), "TLS certificate file")
	fs.StringVar(&cfg.TLS.KeyFile, "tls-key-file", getEnv("TLS_KEY_FILE", ""), "TLS private key file")
	fs.StringVar(&cfg.TLS.CAFile, "tls-ca-file", getEnv("TLS_CA_FILE", ""), "TLS CA certificate file for client verification")

	fs.StringVar(&cfg.DataDir, "data-dir", getEnv("DATA_DIR", "/data"), "Directory holding one sub-directory of node files per rack")
	fs.StringVar(&cfg.SchemaFile, "schema-file", getEnv("SCHEMA_FILE", ""), "Schema descriptor (YAML or JSON)")
	fs.StringVar(&cfg.TimestampsFile, "timestamps-file", getEnv("TIMESTAMPS_FILE", ""), "Timestamp sequence to replay (YAML or JSON list)")
	fs.StringVar(&racks, "racks", getEnv("RACKS", "0,1,2"), "Comma-separated rack ids")
	fs.StringVar(&windows, "forecast-windows", getEnv("FORECAST_WINDOWS", joinInts(DefaultForecastWindows)), "Comma-separated forecast windows")
	fs.DurationVar(&cfg.Interval, "interval", getEnvDuration("INTERVAL", time.Minute), "Scheduler interval")

	fs.StringVar(&cfg.InferenceURL, "inference-url", getEnv("INFERENCE_URL", "http://gnn_inference:10000"), "Inference service base URL")
	fs.DurationVar(&cfg.InferenceTimeout, "inference-timeout", getEnvDuration("INFERENCE_TIMEOUT", 10*time.Second), "Timeout per inference call")
	fs.Float64Var(&cfg.InferenceRPS, "inference-rps", getEnvFloat("INFERENCE_RPS", 0), "Max inference calls per second (0 = unlimited)")
	fs.IntVar(&cfg.InferenceConcurrency, "inference-concurrency", getEnvInt("INFERENCE_CONCURRENCY", 1), "Concurrent inference calls per rack")
	fs.BoolVar(&cfg.InferenceTLS.Enabled, "inference-tls-enabled", getEnvBool("INFERENCE_TLS_ENABLED", false), "Use TLS for inference calls")
	fs.StringVar(&cfg.InferenceTLS.CertFile, "inference-tls-cert-file", getEnv("INFERENCE_TLS_CERT_FILE", ""), "Client certificate for inference calls")
	fs.StringVar(&cfg.InferenceTLS.KeyFile, "inference-tls-key-file", getEnv("INFERENCE_TLS_KEY_FILE", ""), "Client key for inference calls")
	fs.StringVar(&cfg.InferenceTLS.CAFile, "inference-tls-ca-file", getEnv("INFERENCE_TLS_CA_FILE", ""), "CA for verifying the inference service")

	fs.StringVar(&cfg.Storage, "storage", getEnv("STORAGE", StorageFile), "Cache storage backend: file, memory, redis or postgres")
	fs.StringVar(&cfg.CachePath, "cache-path", getEnv("CACHE_PATH", "/var/lib/rackwatch/predictions.json"), "Cache file (storage=file)")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis server address")
	fs.StringVar(&cfg.RedisPassword, "redis-password", getEnv("REDIS_PASSWORD", ""), "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", getEnvInt("REDIS_DB", 0), "Redis database number")
	fs.StringVar(&cfg.RedisKey, "redis-key", getEnv("REDIS_KEY", "rackwatch:predictions"), "Redis key holding the cache")
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", getEnv("POSTGRES_DSN", ""), "PostgreSQL connection string")
	fs.StringVar(&cfg.SnapshotName, "snapshot-name", getEnv("SNAPSHOT_NAME", "default"), "Snapshot row name (storage=postgres)")

	fs.StringVar(&thresholds, "thresholds", getEnv("THRESHOLDS", ""), "Per-window anomaly thresholds, e.g. 4=0.13,6=0.11")
	fs.StringVar(&cfg.ThresholdsFile, "thresholds-file", getEnv("THRESHOLDS_FILE", ""), "YAML anomaly thresholds file")
	fs.StringVar(&direction, "anomaly-direction", getEnv("ANOMALY_DIRECTION", string(anomaly.Above)), "Anomalous side of the threshold: above or below")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var err error
	if cfg.Racks, err = parseInts(racks); err != nil {
		return nil, fmt.Errorf("racks: %w", err)
	}
	if cfg.Windows, err = parseInts(windows); err != nil {
		return nil, fmt.Errorf("forecast-windows: %w", err)
	}
	if cfg.Thresholds, err = anomaly.ParseThresholds(thresholds); err != nil {
		return nil, fmt.Errorf("thresholds: %w", err)
	}
	if cfg.AnomalyDirection, err = anomaly.ParseDirection(direction); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for missing or inconsistent settings.
func (c *Config) Validate() error {
	if c.SchemaFile == "" {
		return errors.New("--schema-file is required")
	}
	if c.TimestampsFile == "" {
		return errors.New("--timestamps-file is required")
	}
	if c.DataDir == "" {
		return errors.New("--data-dir cannot be empty")
	}
	if len(c.Racks) == 0 {
		return errors.New("at least one rack is required")
	}
	for _, r := range c.Racks {
		if r < 0 {
			return fmt.Errorf("rack id %d cannot be negative", r)
		}
	}
	if len(c.Windows) == 0 {
		return errors.New("at least one forecast window is required")
	}
	for _, fw := range c.Windows {
		if fw <= 0 {
			return fmt.Errorf("forecast window %d must be > 0", fw)
		}
	}
	if c.Interval <= 0 {
		return errors.New("interval must be > 0")
	}

	u, err := url.Parse(c.InferenceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid inference URL %q", c.InferenceURL)
	}
	if c.InferenceTimeout <= 0 {
		return errors.New("inference timeout must be > 0")
	}
	if c.InferenceRPS < 0 {
		return errors.New("inference rps cannot be negative")
	}
	if c.InferenceConcurrency < 1 {
		return errors.New("inference concurrency must be >= 1")
	}

	switch c.Storage {
	case StorageFile:
		if c.CachePath == "" {
			return errors.New("--cache-path is required when storage=file")
		}
	case StorageMemory:
	case StorageRedis:
		if c.RedisAddr == "" {
			return errors.New("--redis-addr is required when storage=redis")
		}
	case StoragePostgres:
		if c.PostgresDSN == "" {
			return errors.New("--postgres-dsn is required when storage=postgres")
		}
	default:
		return fmt.Errorf("invalid storage %q (must be file, memory, redis or postgres)", c.Storage)
	}

	if err := c.TLS.Validate(); err != nil {
		return fmt.Errorf("server tls: %w", err)
	}
	if err := c.InferenceTLS.ValidateClient(); err != nil {
		return fmt.Errorf("inference tls: %w", err)
	}
	return nil
}

// parseInts parses a comma-separated list of unique integers, keeping order.
func parseInts(s string) ([]int, error) {
	var out []int
	seen := make(map[int]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", part)
		}
		if seen[v] {
			return nil, fmt.Errorf("duplicate value %d", v)
		}
		seen[v] = true
		out = append(out, v)
	}
	return out, nil
}

func joinInts(vals []int) string {
	sorted := append([]int(nil), vals...)
	sort.Ints(sorted)
	parts := make([]string, len(sorted))
	for i, v := range sorted {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}
