// Package config loads runtime settings from embedded defaults, an optional YAML file and
// the environment, in that order.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// FileEnv names the environment variable pointing at an optional YAML config file.
const FileEnv = "FACEFINDER_CONFIG"

type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Web         WebConfig         `yaml:"web"`
	Storage     StorageConfig     `yaml:"storage"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Log         LogConfig         `yaml:"log"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`       // PostgreSQL connection URL, built from POSTGRES_* when empty
	MaxConns int    `yaml:"max_conns"` // pgxpool max connections
}

type RedisConfig struct {
	Addr      string        `yaml:"addr"` // empty disables the status cache
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	StatusTTL time.Duration `yaml:"status_ttl"`
}

type WebConfig struct {
	Host        string  `yaml:"host"`
	Port        int     `yaml:"port"`
	MaxUploadMB int     `yaml:"max_upload_mb"`
	SubmitRate  float64 `yaml:"submit_rate"` // submissions per second per client, 0 = unlimited
	SubmitBurst int     `yaml:"submit_burst"`
	Metrics     bool    `yaml:"metrics"` // serve /metrics
}

type StorageConfig struct {
	UploadDir string `yaml:"upload_dir"` // transient uploads, deleted after each run
	ResultDir string `yaml:"result_dir"`
}

type EmbeddingConfig struct {
	Provider  string        `yaml:"provider"` // python or http
	URL       string        `yaml:"url"`
	Command   string        `yaml:"command"`
	Script    string        `yaml:"script"`
	InputSize int           `yaml:"input_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

type RecognitionConfig struct {
	Threshold             float64       `yaml:"threshold"`
	Stride                int           `yaml:"stride"`
	RunTimeout            time.Duration `yaml:"run_timeout"`
	MaxFrames             int           `yaml:"max_frames"`
	FailOnUnreadableVideo bool          `yaml:"fail_on_unreadable_video"`
	MaxConcurrentRuns     int           `yaml:"max_concurrent_runs"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load builds the configuration. Call godotenv before Load so .env values count as environment.
func Load() (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		// Embedded file, so this only fails on a broken build
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}

	if path := os.Getenv(FileEnv); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if cfg.Database.URL == "" {
		cfg.Database.URL = databaseURLFromEnv()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("DATABASE_URL", &c.Database.URL)
	num("DATABASE_MAX_CONNS", &c.Database.MaxConns)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	num("REDIS_DB", &c.Redis.DB)
	dur("REDIS_STATUS_TTL", &c.Redis.StatusTTL)
	str("WEB_HOST", &c.Web.Host)
	num("WEB_PORT", &c.Web.Port)
	num("WEB_MAX_UPLOAD_MB", &c.Web.MaxUploadMB)
	num("WEB_SUBMIT_BURST", &c.Web.SubmitBurst)
	str("UPLOAD_DIR", &c.Storage.UploadDir)
	str("RESULT_DIR", &c.Storage.ResultDir)
	str("EMBEDDING_PROVIDER", &c.Embedding.Provider)
	str("EMBEDDING_URL", &c.Embedding.URL)
	str("EMBEDDING_COMMAND", &c.Embedding.Command)
	str("EMBEDDING_SCRIPT", &c.Embedding.Script)
	num("EMBEDDING_INPUT_SIZE", &c.Embedding.InputSize)
	dur("EMBEDDING_TIMEOUT", &c.Embedding.Timeout)
	num("FRAME_STRIDE", &c.Recognition.Stride)
	dur("RUN_TIMEOUT", &c.Recognition.RunTimeout)
	num("MAX_FRAMES", &c.Recognition.MaxFrames)
	num("MAX_CONCURRENT_RUNS", &c.Recognition.MaxConcurrentRuns)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if v := os.Getenv("MATCH_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("MATCH_THRESHOLD: %w", err))
		} else {
			c.Recognition.Threshold = f
		}
	}
	if v := os.Getenv("WEB_SUBMIT_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("WEB_SUBMIT_RATE: %w", err))
		} else {
			c.Web.SubmitRate = f
		}
	}
	if v := os.Getenv("WEB_METRICS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("WEB_METRICS: %w", err))
		} else {
			c.Web.Metrics = b
		}
	}
	if v := os.Getenv("FAIL_ON_UNREADABLE_VIDEO"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("FAIL_ON_UNREADABLE_VIDEO: %w", err))
		} else {
			c.Recognition.FailOnUnreadableVideo = b
		}
	}
	return errors.Join(errs...)
}

// databaseURLFromEnv assembles a URL from POSTGRES_* variables, falling back to a local default.
func databaseURLFromEnv() string {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return "postgres://localhost:5432/facefinder"
	}
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		os.Getenv("POSTGRES_USER"), os.Getenv("POSTGRES_PASSWORD"), host, port, os.Getenv("POSTGRES_DB"))
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Recognition.Threshold <= 0 || c.Recognition.Threshold > 1 {
		errs = append(errs, fmt.Errorf("threshold must be in (0, 1], got %v", c.Recognition.Threshold))
	}
	if c.Recognition.Stride < 1 {
		errs = append(errs, fmt.Errorf("frame stride must be at least 1, got %d", c.Recognition.Stride))
	}
	if c.Recognition.MaxFrames < 0 {
		errs = append(errs, fmt.Errorf("max frames cannot be negative, got %d", c.Recognition.MaxFrames))
	}
	if c.Recognition.RunTimeout < 0 {
		errs = append(errs, fmt.Errorf("run timeout cannot be negative, got %s", c.Recognition.RunTimeout))
	}
	if c.Recognition.MaxConcurrentRuns < 1 {
		errs = append(errs, fmt.Errorf("max concurrent runs must be at least 1, got %d", c.Recognition.MaxConcurrentRuns))
	}
	switch strings.ToLower(c.Embedding.Provider) {
	case "python", "http":
	default:
		errs = append(errs, fmt.Errorf("unknown embedding provider %q (want python or http)", c.Embedding.Provider))
	}
	if c.Web.SubmitRate < 0 {
		errs = append(errs, fmt.Errorf("submit rate cannot be negative, got %v", c.Web.SubmitRate))
	}
	if c.Web.Port < 1 || c.Web.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid web port %d", c.Web.Port))
	}
	return errors.Join(errs...)
}

// Addr is the HTTP listen address.
func (w WebConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}
