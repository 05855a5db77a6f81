// Package config handles configuration loading for the detection lab.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"detection-lab/internal/credentials"
	"detection-lab/internal/detonator"
	"detection-lab/internal/events"
	"detection-lab/internal/executor"
	"detection-lab/internal/generator"
	"detection-lab/internal/infra"
	"detection-lab/internal/ingest"
	"detection-lab/internal/lab"
	"detection-lab/internal/logging"
	"detection-lab/internal/logstore"
	"detection-lab/internal/optimizer"
	"detection-lab/internal/siem"
	"detection-lab/internal/storage/s3"
)

// DefaultPath is read when LAB_CONFIG_PATH is unset.
const DefaultPath = "configs/config.yaml"

// Config holds the complete application configuration.
type Config struct {
	Server      ServerConfig           `yaml:"server"`
	Auth        AuthConfig             `yaml:"auth"`
	RateLimit   RateLimitConfig        `yaml:"rate_limit"`
	Logging     logging.Config         `yaml:"logging"`
	Paths       PathsConfig            `yaml:"paths"`
	Generator   generator.ClientConfig `yaml:"generator"`
	SIEM        siem.Config            `yaml:"siem"`
	AWS         s3.Config              `yaml:"aws"`
	Credentials CredentialsConfig      `yaml:"credentials"`
	Events      EventsConfig           `yaml:"events"`
	Storage     StorageConfig          `yaml:"storage"`
	Ingest      ingest.Config          `yaml:"ingest"`
	Simulation  SimulationConfig       `yaml:"simulation"`
	Executor    executor.Config        `yaml:"executor"`
	Optimizer   optimizer.Config       `yaml:"optimizer"`
	Detonator   detonator.Config       `yaml:"detonator"`
	Infra       infra.Config           `yaml:"infra"`
	Lab         lab.Config             `yaml:"lab"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// LabBuffer is the default half-width of the /v1/lab window.
	LabBuffer time.Duration `yaml:"lab_buffer"`
}

// AuthConfig holds API key authentication settings.
type AuthConfig struct {
	Enabled      bool     `yaml:"enabled"`
	APIKeyHeader string   `yaml:"api_key_header"`
	APIKeys      []string `yaml:"api_keys"`
}

// RateLimitConfig holds per-IP rate limiting settings.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip"`
	WindowSize    time.Duration `yaml:"window_size"`
	BurstSize     int           `yaml:"burst_size"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
	ExemptPaths   []string      `yaml:"exempt_paths"`
	TrustProxy    bool          `yaml:"trust_proxy"`
	// Costs maps a path to the tokens one request spends. Other paths cost 1.
	Costs map[string]int `yaml:"costs"`
}

// PathsConfig holds the lab's on-disk layout. Empty entries are derived
// from Home.
type PathsConfig struct {
	Home      string `yaml:"home"`
	Lab       string `yaml:"lab"`
	Triage    string `yaml:"triage"`
	Autotuner string `yaml:"autotuner"`
	CSPM      string `yaml:"cspm"`
	Events    string `yaml:"events"`
	Stats     string `yaml:"stats"`
	Keys      string `yaml:"keys"`
	Store     string `yaml:"store"`
}

// CredentialsConfig selects the credential providers.
type CredentialsConfig struct {
	// File is the credentials.json written by the lab's Terraform outputs.
	File     string                  `yaml:"file"`
	Redis    credentials.RedisConfig `yaml:"redis"`
	CacheTTL time.Duration           `yaml:"cache_ttl"`
	// Placeholders enables the fallback identity set.
	Placeholders bool `yaml:"placeholders"`
}

// EventsConfig holds event stream settings.
type EventsConfig struct {
	SubscriberBuffer int                `yaml:"subscriber_buffer"`
	Kafka            events.KafkaConfig `yaml:"kafka"`
}

// StorageConfig selects the columnar backend.
type StorageConfig struct {
	Backend    string                    `yaml:"backend"`
	ClickHouse logstore.ClickHouseConfig `yaml:"clickhouse"`
}

// SimulationConfig holds job defaults.
type SimulationConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	UserCount    int           `yaml:"user_count"`
	MaxTasks     int           `yaml:"max_tasks"`
	MaxActions   int           `yaml:"max_actions"`
	ProfilesPath string        `yaml:"profiles_path"`
	// Publish uploads each finished job's activity to the trail bucket.
	Publish bool `yaml:"publish"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	cfg := defaults()
	cfg.resolvePaths()
	return cfg
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			LabBuffer:       6 * time.Hour,
		},
		Auth: AuthConfig{
			APIKeyHeader: "X-API-Key",
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			RequestsPerIP: 600,
			WindowSize:    time.Minute,
			BurstSize:     50,
			CleanupPeriod: 5 * time.Minute,
			ExemptPaths:   []string{"/health", "/metrics"},
			Costs:         map[string]int{"/v1/lab": 10},
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
		Paths:     PathsConfig{Home: ".detection-lab"},
		Generator: generator.DefaultClientConfig(),
		SIEM:      siem.DefaultConfig(),
		AWS:       *s3.DefaultConfig(),
		Credentials: CredentialsConfig{
			Redis: credentials.RedisConfig{
				KeyPrefix:   "lab:credentials",
				DialTimeout: 5 * time.Second,
			},
			CacheTTL:     time.Minute,
			Placeholders: true,
		},
		Events: EventsConfig{
			SubscriberBuffer: events.DefaultSubscriberBuffer,
			Kafka:            events.DefaultKafkaConfig(),
		},
		Storage: StorageConfig{
			Backend:    logstore.BackendParquet,
			ClickHouse: logstore.DefaultClickHouseConfig(),
		},
		Ingest: ingest.DefaultConfig(),
		Simulation: SimulationConfig{
			Timeout:    300 * time.Second,
			UserCount:  2,
			MaxTasks:   10,
			MaxActions: 10,
		},
		Executor:  executor.DefaultConfig(),
		Optimizer: withoutDirs(optimizer.DefaultConfig()),
		Detonator: detonator.DefaultConfig(),
		Infra:     infra.DefaultConfig(),
		Lab: lab.Config{
			Regions:     []string{"us-east-2"},
			TaskRetries: 2,
		},
	}
}

func withoutDirs(o optimizer.Config) optimizer.Config {
	o.Dir, o.CSPMDir = "", ""
	return o
}

// resolvePaths derives every empty path from Home and hands the results
// to the components that own them.
func (c *Config) resolvePaths() {
	p := &c.Paths
	derive := func(dst *string, name string) {
		if *dst == "" {
			*dst = filepath.Join(p.Home, name)
		}
	}
	derive(&p.Lab, "lab")
	derive(&p.Triage, "triage")
	derive(&p.Autotuner, "autotuner")
	derive(&p.CSPM, "cspm")
	derive(&p.Events, "events")
	derive(&p.Stats, "stats")
	derive(&p.Keys, "keys")
	derive(&p.Store, "store")

	if c.Credentials.File == "" {
		c.Credentials.File = filepath.Join(p.Lab, "credentials.json")
	}
	if c.Simulation.ProfilesPath == "" {
		c.Simulation.ProfilesPath = filepath.Join(p.Home, "profiles.json")
	}
	if c.Optimizer.Dir == "" {
		c.Optimizer.Dir = p.Autotuner
	}
	if c.Optimizer.CSPMDir == "" {
		c.Optimizer.CSPMDir = p.CSPM
	}
	if c.Lab.TriageDir == "" {
		c.Lab.TriageDir = p.Triage
	}
	if c.Detonator.StateDir == "" {
		c.Detonator.StateDir = filepath.Join(p.Lab, "stratus")
	}
	if c.Lab.Bucket == "" {
		c.Lab.Bucket = c.AWS.Bucket
	}
}

// Load reads the file named by LAB_CONFIG_PATH, or DefaultPath. A missing
// file yields the defaults. Environment overrides are applied last.
func Load() (*Config, error) {
	path := os.Getenv("LAB_CONFIG_PATH")
	if path == "" {
		path = DefaultPath
	}
	return LoadFile(path)
}

// LoadFile reads configuration from path.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.resolvePaths()
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("LAB_HTTP_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			c.Server.HTTPPort = n
		}
	}
	if level := os.Getenv("LAB_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if key := os.Getenv("DD_API_KEY"); key != "" {
		c.SIEM.APIKey = key
	}
	if key := os.Getenv("DD_APP_KEY"); key != "" {
		c.SIEM.AppKey = key
	}
	if site := os.Getenv("DD_SITE"); site != "" {
		c.SIEM.Site = site
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.Generator.APIKey = key
	}

	if region := os.Getenv("AWS_DEFAULT_REGION"); region != "" {
		c.AWS.Region = region
		c.Executor.Region = region
		c.Detonator.Region = region
	}
	if endpoint := os.Getenv("LAB_AWS_ENDPOINT_URL"); endpoint != "" {
		c.AWS.Endpoint = endpoint
		c.AWS.UsePathStyle = true
		c.Executor.EndpointURL = endpoint
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Credentials.Redis.Addr = addr
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Events.Kafka.Brokers = splitAndTrim(brokers, ",")
		c.Events.Kafka.Enabled = true
	}
	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = []string{host}
		c.Storage.Backend = logstore.BackendClickHouse
	}
}

func splitAndTrim(s, sep string) []string {
	var parts []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration. Credentials for external services
// are checked where they are used, so a lab can be evaluated from triage
// files without SIEM keys.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging level: %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging format: %q", c.Logging.Format)
	}
	switch c.Storage.Backend {
	case logstore.BackendParquet, logstore.BackendClickHouse:
	default:
		return fmt.Errorf("invalid storage backend: %q", c.Storage.Backend)
	}
	switch c.Executor.Mode {
	case executor.ModeSynthetic, executor.ModeAWS, executor.ModeHybrid:
	default:
		return fmt.Errorf("invalid executor mode: %q", c.Executor.Mode)
	}
	if c.Simulation.UserCount < 2 {
		return fmt.Errorf("simulation user_count must be at least 2, got %d", c.Simulation.UserCount)
	}
	if c.Simulation.Timeout <= 0 {
		return errors.New("simulation timeout must be positive")
	}
	if c.Events.Kafka.Enabled && len(c.Events.Kafka.Brokers) == 0 {
		return errors.New("events kafka brokers are required when kafka is enabled")
	}
	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 {
		return errors.New("auth enabled without api keys")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerIP <= 0 || c.RateLimit.WindowSize <= 0) {
		return errors.New("rate limit requests_per_ip and window_size must be positive")
	}
	if err := c.Detonator.Validate(); err != nil {
		return err
	}
	return nil
}
