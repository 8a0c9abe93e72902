package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/feichai0017/tableforge/pkg/logger"
)

const (
	envConfigPath   = "TABLEFORGE_CONFIG"
	defaultPath     = "config.yaml"
	defaultBaseURL  = "http://127.0.0.1:8000/api"
	defaultMaxBytes = 10 * 1024 * 1024 // 10MB
)

var (
	appOnce   sync.Once
	appConfig *Config
)

// Config is the full runtime configuration of the client.
type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	Poll    PollConfig    `yaml:"poll"`
	Upload  UploadConfig  `yaml:"upload"`
	Log     logger.Config `yaml:"log"`
	Server  ServerConfig  `yaml:"server"`
	Redis   RedisConfig   `yaml:"redis"`
	Worker  WorkerConfig  `yaml:"worker"`
	Storage StorageConfig `yaml:"storage"`
}

// GatewayConfig 后端 API 配置
type GatewayConfig struct {
	BaseURL     string        `yaml:"base_url"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
}

// PollConfig controls the fetch-output loop and its budget.
type PollConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxPolls    int           `yaml:"max_polls"`
	MaxDuration time.Duration `yaml:"max_duration"`
}

// UploadConfig 上传校验配置
type UploadConfig struct {
	MaxFileSize  int64    `yaml:"max_file_size"`
	AllowedTypes []string `yaml:"allowed_types"`
	MaxPageCount int      `yaml:"max_page_count"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig configures the task event publisher.
type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr"`
	DB        int           `yaml:"db"`
	Channel   string        `yaml:"channel"`
	StatusTTL time.Duration `yaml:"status_ttl"`
}

// WorkerConfig configures the queued-job consumer.
type WorkerConfig struct {
	RedisAddr    string        `yaml:"redis_addr"`
	RedisDB      int           `yaml:"redis_db"`
	MaxRetry     int           `yaml:"max_retry"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	JobTimeout   time.Duration `yaml:"job_timeout"`
	DeleteSource bool          `yaml:"delete_source"`
}

type StorageConfig struct {
	Type string `yaml:"type"` // "minio" or "s3"
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Gateway: GatewayConfig{
			BaseURL:     defaultBaseURL,
			Timeout:     60 * time.Second,
			MaxAttempts: 3,
			BackoffBase: time.Second,
		},
		Poll: PollConfig{
			Interval:    3 * time.Second,
			MaxPolls:    200,
			MaxDuration: 15 * time.Minute,
		},
		Upload: UploadConfig{
			MaxFileSize:  defaultMaxBytes,
			AllowedTypes: []string{"application/pdf"},
		},
		Log: logger.DefaultConfig(),
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 5 * time.Second,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			Channel:   "tableforge:tasks",
			StatusTTL: 24 * time.Hour,
		},
		Worker: WorkerConfig{
			RedisAddr:  "localhost:6379",
			MaxRetry:   5,
			RetryDelay: 30 * time.Second,
			JobTimeout: 30 * time.Minute,
		},
		Storage: StorageConfig{Type: "minio"},
	}
}

// Load reads a YAML file over Default and then applies TABLEFORGE_*
// environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil && len(data) > 0:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml: %w", err)
		}
	case err != nil && !os.IsNotExist(err):
		return cfg, fmt.Errorf("read config: %w", err)
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects values the orchestrator cannot run with.
func (c Config) Validate() error {
	if c.Gateway.BaseURL == "" {
		return errors.New("gateway.base_url is required")
	}
	if c.Gateway.MaxAttempts < 1 {
		return fmt.Errorf("invalid gateway.max_attempts: %d (must be >= 1)", c.Gateway.MaxAttempts)
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("invalid poll.interval: %s", c.Poll.Interval)
	}
	if c.Poll.MaxPolls < 1 && c.Poll.MaxDuration <= 0 {
		return errors.New("poll budget is unbounded: set poll.max_polls or poll.max_duration")
	}
	if c.Upload.MaxFileSize <= 0 {
		return fmt.Errorf("invalid upload.max_file_size: %d", c.Upload.MaxFileSize)
	}
	if len(c.Upload.AllowedTypes) == 0 {
		return errors.New("upload.allowed_types must not be empty")
	}
	return nil
}

// GetConfig loads the process-wide configuration once. The path comes from
// TABLEFORGE_CONFIG and defaults to ./config.yaml.
func GetConfig() *Config {
	appOnce.Do(func() {
		loadDotEnv()

		path := os.Getenv(envConfigPath)
		if path == "" {
			path = defaultPath
		}
		cfg, err := Load(path)
		if err != nil {
			log.Printf("Warning: invalid config at %s (%v), falling back to defaults", path, err)
			cfg = Default()
			applyEnv(&cfg)
		}
		appConfig = &cfg
	})
	return appConfig
}

var dotEnvOnce sync.Once

// loadDotEnv loads ./.env once; variables already set in the environment win.
func loadDotEnv() {
	dotEnvOnce.Do(func() {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			log.Printf("Warning: could not load .env: %v", err)
		}
	})
}

func applyEnv(cfg *Config) {
	setString(&cfg.Gateway.BaseURL, "TABLEFORGE_BASE_URL")
	setDuration(&cfg.Gateway.Timeout, "TABLEFORGE_HTTP_TIMEOUT")
	setInt(&cfg.Gateway.MaxAttempts, "TABLEFORGE_MAX_ATTEMPTS")
	setDuration(&cfg.Poll.Interval, "TABLEFORGE_POLL_INTERVAL")
	setInt(&cfg.Poll.MaxPolls, "TABLEFORGE_MAX_POLLS")
	setDuration(&cfg.Poll.MaxDuration, "TABLEFORGE_MAX_POLL_DURATION")
	setString(&cfg.Log.Level, "TABLEFORGE_LOG_LEVEL")
	setString(&cfg.Log.Encoding, "TABLEFORGE_LOG_ENCODING")
	setString(&cfg.Server.Addr, "TABLEFORGE_SERVER_ADDR")
	setString(&cfg.Redis.Addr, "TABLEFORGE_REDIS_ADDR")
	setString(&cfg.Worker.RedisAddr, "TABLEFORGE_REDIS_ADDR")
	setString(&cfg.Storage.Type, "TABLEFORGE_STORAGE")
	if v := os.Getenv("TABLEFORGE_REDIS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Redis.Enabled = b
		}
	}
	if v := os.Getenv("TABLEFORGE_ALLOWED_TYPES"); v != "" {
		cfg.Upload.AllowedTypes = splitList(v)
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
