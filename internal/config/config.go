package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Push strategy names.
const (
	StrategySimple    = "simple"
	StrategySlowStart = "slowstart"
)

// Checksum modes for commit metadata.
const (
	ChecksumOrdered   = "ordered"
	ChecksumUnordered = "unordered"
)

type Config struct {
	Push       PushConfig       `yaml:"push"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Report     ReportConfig     `yaml:"report"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Audit      AuditConfig      `yaml:"audit"`
	Bench      BenchConfig      `yaml:"bench"`
}

// PushConfig is read once when a push session is created.
type PushConfig struct {
	PushBufferMaxSize      int           `yaml:"push_buffer_max_size"`
	MaxInFlightTotal       int           `yaml:"max_in_flight_total"`
	MaxInFlightPerWorker   int           `yaml:"max_in_flight_per_worker"`
	MaxInFlightBytesTotal  int64         `yaml:"max_in_flight_bytes_total"` // 0 = no byte limit
	CongestReducedInFlight int           `yaml:"congest_reduced_in_flight"`
	PushStrategy           string        `yaml:"push_strategy"`
	LimitWaitTimeout       time.Duration `yaml:"limit_wait_timeout"`
	LimitCheckInterval     time.Duration `yaml:"limit_check_interval"`
	IntegrityCheckEnabled  bool          `yaml:"integrity_check_enabled"`
	ChecksumMode           string        `yaml:"checksum_mode"`
	CompressionLevel       int           `yaml:"compression_level"` // zstd level, 0 = disabled
	StopOnFailure          bool          `yaml:"stop_on_failure"`   // abort the session on the first failed push
}

type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Namespace string `yaml:"namespace"`
}

type ReportConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Backend   string `yaml:"backend"` // "local" | "blob"
	LocalDir  string `yaml:"local_dir"`
	BucketURL string `yaml:"bucket_url"` // gs://, s3://, file://, mem://
	Prefix    string `yaml:"prefix"`
}

type CatalogConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	Namespace   string `yaml:"namespace"`
}

// CheckpointConfig enables resuming a shuffle write from its last run.
type CheckpointConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// AuditConfig configures the hash-chained commit event stream.
type AuditConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`   // HTTP endpoint, empty = file only
	BackupDir string `yaml:"backup_dir"` // local event copies and chain heads
	Strict    bool   `yaml:"strict"`     // fail the map task when emission fails
}

// BenchConfig drives the synthetic write session of the CLI.
type BenchConfig struct {
	ShuffleID        int           `yaml:"shuffle_id"`
	MapTasks         int           `yaml:"map_tasks"`
	NumPartitions    int           `yaml:"num_partitions"`
	RecordsPerTask   int           `yaml:"records_per_task"`
	RecordSize       int           `yaml:"record_size"`
	Workers          []string      `yaml:"workers"`
	Replicate        bool          `yaml:"replicate"`
	WorkerLatency    time.Duration `yaml:"worker_latency"`
	WorkerRate       float64       `yaml:"worker_rate"` // pushes per second, 0 = unlimited
	WorkerBurst      int           `yaml:"worker_burst"`
	FailureRate      float64       `yaml:"failure_rate"`
	ParallelMapTasks int           `yaml:"parallel_map_tasks"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Push: DefaultPush(),
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
		Metrics: MetricsConfig{
			Address:   ":9090",
			Namespace: "shuffle_pusher",
		},
		Report: ReportConfig{
			Backend:  "local",
			LocalDir: "./data",
			Prefix:   "commits/",
		},
		Catalog: CatalogConfig{
			Namespace: "default",
		},
		Checkpoint: CheckpointConfig{
			Dir: "./state",
		},
		Audit: AuditConfig{
			BackupDir: "./audit",
		},
		Bench: BenchConfig{
			ShuffleID:        1,
			MapTasks:         4,
			NumPartitions:    16,
			RecordsPerTask:   10000,
			RecordSize:       128,
			Workers:          []string{"worker-1:9097", "worker-2:9097", "worker-3:9097"},
			WorkerLatency:    2 * time.Millisecond,
			WorkerBurst:      64,
			ParallelMapTasks: 2,
		},
	}
}

// DefaultPush returns the push defaults.
func DefaultPush() PushConfig {
	return PushConfig{
		PushBufferMaxSize:      64 * 1024,
		MaxInFlightTotal:       256,
		MaxInFlightPerWorker:   32,
		CongestReducedInFlight: 1,
		PushStrategy:           StrategySimple,
		LimitWaitTimeout:       240 * time.Second,
		LimitCheckInterval:     50 * time.Millisecond,
		ChecksumMode:           ChecksumOrdered,
		CompressionLevel:       1,
		StopOnFailure:          true,
	}
}

// Load reads a YAML file (if path is non-empty), applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Push.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MustLoad loads the file named by SHUFFLE_CONFIG and exits on error.
func MustLoad() Config {
	log.Println("[config] loading")

	cfg, err := Load(os.Getenv("SHUFFLE_CONFIG"))
	if err != nil {
		log.Fatalf("[config] %v", err)
	}
	return cfg
}

func applyEnv(cfg *Config) {
	p := &cfg.Push
	p.PushBufferMaxSize = getenvInt("SHUFFLE_PUSH_BUFFER_MAX_SIZE", p.PushBufferMaxSize)
	p.MaxInFlightTotal = getenvInt("SHUFFLE_MAX_IN_FLIGHT_TOTAL", p.MaxInFlightTotal)
	p.MaxInFlightPerWorker = getenvInt("SHUFFLE_MAX_IN_FLIGHT_PER_WORKER", p.MaxInFlightPerWorker)
	p.CongestReducedInFlight = getenvInt("SHUFFLE_CONGEST_REDUCED_IN_FLIGHT", p.CongestReducedInFlight)
	p.PushStrategy = getenvDefault("SHUFFLE_PUSH_STRATEGY", p.PushStrategy)
	p.ChecksumMode = getenvDefault("SHUFFLE_CHECKSUM_MODE", p.ChecksumMode)
	p.LimitWaitTimeout = getenvDuration("SHUFFLE_LIMIT_WAIT_TIMEOUT", p.LimitWaitTimeout)
	if v := os.Getenv("SHUFFLE_INTEGRITY_CHECK_ENABLED"); v != "" {
		p.IntegrityCheckEnabled = v == "true"
	}
	if v := os.Getenv("SHUFFLE_STOP_ON_FAILURE"); v != "" {
		p.StopOnFailure = v == "true"
	}

	cfg.Logging.Format = getenvDefault("LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.Level = getenvDefault("LOG_LEVEL", cfg.Logging.Level)

	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true"
	}
	cfg.Metrics.Address = getenvDefault("METRICS_ADDRESS", cfg.Metrics.Address)

	if v := os.Getenv("REPORT_ENABLED"); v != "" {
		cfg.Report.Enabled = v == "true"
	}
	cfg.Report.Backend = getenvDefault("REPORT_BACKEND", cfg.Report.Backend)
	cfg.Report.LocalDir = getenvDefault("REPORT_LOCAL_DIR", cfg.Report.LocalDir)
	cfg.Report.BucketURL = getenvDefault("REPORT_BUCKET_URL", cfg.Report.BucketURL)

	cfg.Catalog.PostgresDSN = getenvDefault("CATALOG_DSN", cfg.Catalog.PostgresDSN)

	if v := os.Getenv("CHECKPOINT_ENABLED"); v != "" {
		cfg.Checkpoint.Enabled = v == "true"
	}
	cfg.Checkpoint.Dir = getenvDefault("CHECKPOINT_DIR", cfg.Checkpoint.Dir)

	if v := os.Getenv("AUDIT_ENABLED"); v != "" {
		cfg.Audit.Enabled = v == "true"
	}
	cfg.Audit.Endpoint = getenvDefault("AUDIT_ENDPOINT", cfg.Audit.Endpoint)
	cfg.Audit.BackupDir = getenvDefault("AUDIT_BACKUP_DIR", cfg.Audit.BackupDir)
}

// Validate checks the push settings for values the tracker cannot work with.
func (p PushConfig) Validate() error {
	var errs []error
	if p.PushBufferMaxSize <= 0 {
		errs = append(errs, fmt.Errorf("push_buffer_max_size must be positive, got %d", p.PushBufferMaxSize))
	}
	if p.MaxInFlightTotal <= 0 {
		errs = append(errs, fmt.Errorf("max_in_flight_total must be positive, got %d", p.MaxInFlightTotal))
	}
	if p.MaxInFlightPerWorker <= 0 {
		errs = append(errs, fmt.Errorf("max_in_flight_per_worker must be positive, got %d", p.MaxInFlightPerWorker))
	}
	if p.CongestReducedInFlight < 0 || p.CongestReducedInFlight > p.MaxInFlightPerWorker {
		errs = append(errs, fmt.Errorf("congest_reduced_in_flight must be in [0, %d], got %d",
			p.MaxInFlightPerWorker, p.CongestReducedInFlight))
	}
	if p.MaxInFlightBytesTotal < 0 {
		errs = append(errs, fmt.Errorf("max_in_flight_bytes_total must not be negative"))
	}
	switch p.PushStrategy {
	case StrategySimple, StrategySlowStart:
	default:
		errs = append(errs, fmt.Errorf("unknown push_strategy %q", p.PushStrategy))
	}
	switch p.ChecksumMode {
	case ChecksumOrdered, ChecksumUnordered:
	default:
		errs = append(errs, fmt.Errorf("unknown checksum_mode %q", p.ChecksumMode))
	}
	if p.LimitWaitTimeout <= 0 || p.LimitCheckInterval <= 0 {
		errs = append(errs, fmt.Errorf("limit_wait_timeout and limit_check_interval must be positive"))
	}
	return errors.Join(errs...)
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}
