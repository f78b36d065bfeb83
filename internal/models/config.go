package models

import "time"

// ProviderType selects how the student application is launched.
type ProviderType string

const (
	ProviderLocal  ProviderType = "local"
	ProviderDocker ProviderType = "docker"
)

// GraderConfig represents the parsed flaskgrader.yaml (or .toml) configuration.
type GraderConfig struct {
	LogLevel       string        `yaml:"log_level" toml:"log_level" json:"log_level"`
	LogsDir        string        `yaml:"logs_dir" toml:"logs_dir" json:"logs_dir"`
	ScreenshotsDir string        `yaml:"screenshots_dir,omitempty" toml:"screenshots_dir" json:"screenshots_dir,omitempty"`
	Host           string        `yaml:"host" toml:"host" json:"host"`
	Port           int           `yaml:"port" toml:"port" json:"port"`
	Python         string        `yaml:"python" toml:"python" json:"python"`
	AppCommand     string        `yaml:"app_command,omitempty" toml:"app_command" json:"app_command,omitempty"`
	StartupTimeout time.Duration `yaml:"startup_timeout" toml:"startup_timeout" json:"startup_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval" toml:"poll_interval" json:"poll_interval"`
	StopGrace      time.Duration `yaml:"stop_grace" toml:"stop_grace" json:"stop_grace"`
	ReaderJoin     time.Duration `yaml:"reader_join" toml:"reader_join" json:"reader_join"`
	RequestTimeout time.Duration `yaml:"request_timeout" toml:"request_timeout" json:"request_timeout"`
	ProbeRate      float64       `yaml:"probe_rate" toml:"probe_rate" json:"probe_rate"`
	ProbeEndpoints bool          `yaml:"probe_endpoints" toml:"probe_endpoints" json:"probe_endpoints"`
	Provider       ProviderType  `yaml:"provider" toml:"provider" json:"provider"`
	Workers        int           `yaml:"workers" toml:"workers" json:"workers"`

	// Deprecated: use StartupTimeout
	StartupTimeoutSec float64 `yaml:"startup_timeout_sec,omitempty" toml:"startup_timeout_sec" json:"-"`

	MaxArchiveSize   string `yaml:"max_archive_size" toml:"max_archive_size" json:"max_archive_size"`
	MaxExtractedSize string `yaml:"max_extracted_size" toml:"max_extracted_size" json:"max_extracted_size"`

	Browser   BrowserConfig   `yaml:"browser" toml:"browser" json:"browser"`
	Docker    DockerConfig    `yaml:"docker" toml:"docker" json:"docker"`
	Progress  ProgressConfig  `yaml:"progress" toml:"progress" json:"progress"`
	Records   RecordsConfig   `yaml:"records" toml:"records" json:"records"`
	Artifacts ArtifactsConfig `yaml:"artifacts" toml:"artifacts" json:"artifacts"`
	API       APIConfig       `yaml:"api" toml:"api" json:"api"`
}

type BrowserConfig struct {
	Headless bool          `yaml:"headless" toml:"headless" json:"headless"`
	Timeout  time.Duration `yaml:"timeout" toml:"timeout" json:"timeout"`
	Settle   time.Duration `yaml:"settle" toml:"settle" json:"settle"`
	ExecPath string        `yaml:"exec_path,omitempty" toml:"exec_path" json:"exec_path,omitempty"`
	Width    int           `yaml:"width" toml:"width" json:"width"`
	Height   int           `yaml:"height" toml:"height" json:"height"`
}

type DockerConfig struct {
	Image   string `yaml:"image" toml:"image" json:"image"`
	Command string `yaml:"command,omitempty" toml:"command" json:"command,omitempty"`
	CPUs    string `yaml:"cpus,omitempty" toml:"cpus" json:"cpus,omitempty"`
	Memory  string `yaml:"memory,omitempty" toml:"memory" json:"memory,omitempty"`
}

type ProgressConfig struct {
	Backend       string `yaml:"backend" toml:"backend" json:"backend"`
	RedisAddr     string `yaml:"redis_addr,omitempty" toml:"redis_addr" json:"redis_addr,omitempty"`
	RedisPassword string `yaml:"redis_password,omitempty" toml:"redis_password" json:"-"`
	RedisDB       int    `yaml:"redis_db,omitempty" toml:"redis_db" json:"redis_db,omitempty"`
}

type RecordsConfig struct {
	PostgresDSN string `yaml:"postgres_dsn,omitempty" toml:"postgres_dsn" json:"-"`
	MaxConns    int32  `yaml:"max_conns,omitempty" toml:"max_conns" json:"max_conns,omitempty"`
}

type ArtifactsConfig struct {
	Endpoint  string `yaml:"endpoint,omitempty" toml:"endpoint" json:"endpoint,omitempty"`
	AccessKey string `yaml:"access_key,omitempty" toml:"access_key" json:"-"`
	SecretKey string `yaml:"secret_key,omitempty" toml:"secret_key" json:"-"`
	Bucket    string `yaml:"bucket,omitempty" toml:"bucket" json:"bucket,omitempty"`
	UseSSL    bool   `yaml:"use_ssl,omitempty" toml:"use_ssl" json:"use_ssl,omitempty"`
}

// Enabled reports whether artifact upload is configured.
func (a ArtifactsConfig) Enabled() bool {
	return a.Endpoint != ""
}

type APIConfig struct {
	Addr      string  `yaml:"addr" toml:"addr" json:"addr"`
	RateLimit float64 `yaml:"rate_limit" toml:"rate_limit" json:"rate_limit"`
	Burst     int     `yaml:"burst" toml:"burst" json:"burst"`
}
