package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/spachava753/flaskgrader/internal/models"
	"github.com/spachava753/flaskgrader/internal/util"
)

// DefaultGraderConfig returns a GraderConfig with default values.
func DefaultGraderConfig() models.GraderConfig {
	return models.GraderConfig{
		LogLevel:         "info",
		LogsDir:          "logs",
		Host:             "127.0.0.1",
		Port:             5000,
		Python:           "python3",
		StartupTimeout:   12 * time.Second,
		PollInterval:     500 * time.Millisecond,
		StopGrace:        3 * time.Second,
		ReaderJoin:       2 * time.Second,
		RequestTimeout:   4 * time.Second,
		ProbeRate:        20,
		Provider:         models.ProviderLocal,
		Workers:          1,
		MaxArchiveSize:   "50M",
		MaxExtractedSize: "200M",
		Browser: models.BrowserConfig{
			Headless: true,
			Timeout:  15 * time.Second,
			Settle:   500 * time.Millisecond,
			Width:    1920,
			Height:   1080,
		},
		Docker: models.DockerConfig{
			Image: "python:3.12-slim",
		},
		Progress: models.ProgressConfig{
			Backend: "file",
		},
		API: models.APIConfig{
			Addr:      ":8080",
			RateLimit: 2,
			Burst:     5,
		},
	}
}

// LoadGraderConfig loads a flaskgrader.yaml, .yml or .toml file. An empty path
// yields the defaults. Environment overrides are applied last.
func LoadGraderConfig(path string) (models.GraderConfig, error) {
	cfg := DefaultGraderConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading grader config: %w", err)
		}

		switch strings.ToLower(filepath.Ext(path)) {
		case ".toml":
			md, err := toml.Decode(string(data), &cfg)
			if err != nil {
				return cfg, fmt.Errorf("parsing grader config: %w", err)
			}
			// Handle legacy 'startup_timeout_sec' if 'startup_timeout' is not explicitly set
			if !md.IsDefined("startup_timeout") && md.IsDefined("startup_timeout_sec") {
				cfg.StartupTimeout = time.Duration(cfg.StartupTimeoutSec * float64(time.Second))
			}
		case ".yaml", ".yml", "":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parsing grader config: %w", err)
			}
			if cfg.StartupTimeoutSec > 0 && cfg.StartupTimeout == DefaultGraderConfig().StartupTimeout {
				cfg.StartupTimeout = time.Duration(cfg.StartupTimeoutSec * float64(time.Second))
			}
		default:
			return cfg, fmt.Errorf("unsupported grader config format %q", filepath.Ext(path))
		}
	}

	applyDefaults(&cfg)
	applyEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("grader config validation failed: %w", err)
	}
	return cfg, nil
}

// applyDefaults backfills zero values left by a partial config file.
func applyDefaults(cfg *models.GraderConfig) {
	def := DefaultGraderConfig()

	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.LogsDir == "" {
		cfg.LogsDir = def.LogsDir
	}
	if cfg.ScreenshotsDir == "" {
		cfg.ScreenshotsDir = filepath.Join(cfg.LogsDir, "screenshots")
	}
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.Python == "" {
		cfg.Python = def.Python
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = def.StartupTimeout
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.StopGrace == 0 {
		cfg.StopGrace = def.StopGrace
	}
	if cfg.ReaderJoin == 0 {
		cfg.ReaderJoin = def.ReaderJoin
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.ProbeRate == 0 {
		cfg.ProbeRate = def.ProbeRate
	}
	if cfg.Provider == "" {
		cfg.Provider = def.Provider
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxArchiveSize == "" {
		cfg.MaxArchiveSize = def.MaxArchiveSize
	}
	if cfg.MaxExtractedSize == "" {
		cfg.MaxExtractedSize = def.MaxExtractedSize
	}
	if cfg.Browser.Timeout == 0 {
		cfg.Browser.Timeout = def.Browser.Timeout
	}
	if cfg.Browser.Settle == 0 {
		cfg.Browser.Settle = def.Browser.Settle
	}
	if cfg.Browser.Width == 0 {
		cfg.Browser.Width = def.Browser.Width
	}
	if cfg.Browser.Height == 0 {
		cfg.Browser.Height = def.Browser.Height
	}
	if cfg.Docker.Image == "" {
		cfg.Docker.Image = def.Docker.Image
	}
	if cfg.Progress.Backend == "" {
		cfg.Progress.Backend = def.Progress.Backend
	}
	if cfg.API.Addr == "" {
		cfg.API.Addr = def.API.Addr
	}
	if cfg.API.RateLimit == 0 {
		cfg.API.RateLimit = def.API.RateLimit
	}
	if cfg.API.Burst == 0 {
		cfg.API.Burst = def.API.Burst
	}
}

func applyEnv(cfg *models.GraderConfig) {
	cfg.LogsDir = getEnv("FLASKGRADER_LOGS_DIR", cfg.LogsDir)
	cfg.Port = getEnvAsInt("FLASKGRADER_PORT", cfg.Port)
	cfg.Progress.RedisAddr = getEnv("FLASKGRADER_REDIS_ADDR", cfg.Progress.RedisAddr)
	cfg.Records.PostgresDSN = getEnv("FLASKGRADER_POSTGRES_DSN", cfg.Records.PostgresDSN)
	cfg.StartupTimeout = getEnvAsDuration("FLASKGRADER_STARTUP_TIMEOUT", cfg.StartupTimeout)
}

// Validate checks a fully defaulted config for inconsistent values.
func Validate(cfg models.GraderConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Port)
	}

	switch cfg.Provider {
	case models.ProviderLocal, models.ProviderDocker:
	default:
		return fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}

	switch cfg.Progress.Backend {
	case "file":
	case "redis":
		if cfg.Progress.RedisAddr == "" {
			return fmt.Errorf("progress backend redis requires redis_addr")
		}
	default:
		return fmt.Errorf("unsupported progress backend: %s", cfg.Progress.Backend)
	}

	if _, err := util.ParseSize(cfg.MaxArchiveSize); err != nil {
		return fmt.Errorf("max_archive_size: %w", err)
	}
	if _, err := util.ParseSize(cfg.MaxExtractedSize); err != nil {
		return fmt.Errorf("max_extracted_size: %w", err)
	}

	if cfg.Artifacts.Enabled() && cfg.Artifacts.Bucket == "" {
		return fmt.Errorf("artifacts endpoint set without bucket")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
