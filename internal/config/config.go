// Package config loads process configuration from defaults, an optional YAML
// file and environment variables, in that order of precedence (environment
// wins).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration shared by every OnboardIQ process. Each
// command reads only the sections it needs.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Client    ClientConfig    `yaml:"client"`
	Redis     RedisConfig     `yaml:"redis"`
	NATS      NATSConfig      `yaml:"nats"`
	Database  DatabaseConfig  `yaml:"database"`
	Vonage    VonageConfig    `yaml:"vonage"`
	Foxit     FoxitConfig     `yaml:"foxit"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Feeder    FeederConfig    `yaml:"feeder"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Log       LogConfig       `yaml:"log"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ServerConfig configures the HTTP API process.
type ServerConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	Version      string        `yaml:"version"`
	Environment  string        `yaml:"environment"`
	CORSOrigin   string        `yaml:"cors_origin"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// TrustedProxies lists peer IPs or CIDRs whose X-Forwarded-For header
	// is believed. Empty means the header is ignored.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// RealtimeConfig configures the WebSocket hub process.
type RealtimeConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	WorkerPoolSize int           `yaml:"worker_pool_size"`
	MaxConnections int           `yaml:"max_connections"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

// ClientConfig configures the command-line client.
type ClientConfig struct {
	APIBaseURL           string        `yaml:"api_base_url"`
	RealtimeURL          string        `yaml:"realtime_url"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
}

// RedisConfig holds the Redis address.
type RedisConfig struct {
	Addr string `yaml:"addr"`
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

// DatabaseConfig holds the PostgreSQL DSN. An empty URL disables the audit
// log.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// VonageConfig holds Vonage credentials and behaviour.
type VonageConfig struct {
	APIKey        string        `yaml:"api_key"`
	APISecret     string        `yaml:"api_secret"`
	Brand         string        `yaml:"brand"`
	VerifyBaseURL string        `yaml:"verify_base_url"`
	RestBaseURL   string        `yaml:"rest_base_url"`
	Timeout       time.Duration `yaml:"timeout"`
	MockOnFailure bool          `yaml:"mock_on_failure"`
}

// FoxitConfig holds Foxit credentials and behaviour.
type FoxitConfig struct {
	BaseURL       string        `yaml:"base_url"`
	ClientID      string        `yaml:"client_id"`
	ClientSecret  string        `yaml:"client_secret"`
	Timeout       time.Duration `yaml:"timeout"`
	MockOnFailure bool          `yaml:"mock_on_failure"`
}

// OpenAIConfig configures the chat responder. An empty APIKey selects the
// canned responder.
type OpenAIConfig struct {
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// FeederConfig sets the publishing interval of each feed.
type FeederConfig struct {
	AnalyticsInterval  time.Duration `yaml:"analytics_interval"`
	SecurityInterval   time.Duration `yaml:"security_interval"`
	OnboardingInterval time.Duration `yaml:"onboarding_interval"`
}

// RateLimitConfig bounds requests per client IP on /api/ routes.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled"`
	Limit   int           `yaml:"limit"`
	Window  time.Duration `yaml:"window"`
}

// LogConfig configures zerolog output.
type LogConfig struct {
	Level      string `yaml:"level"`
	Pretty     bool   `yaml:"pretty"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// TracingConfig configures the OpenTelemetry file exporter. An empty File
// leaves the global no-op tracer in place.
type TracingConfig struct {
	File        string `yaml:"file"`
	ServiceName string `yaml:"service_name"`
}

// DefaultConfig returns a Config with development defaults matching the
// ports and intervals the frontend expects.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:   ":3001",
			Version:      "1.0.0",
			Environment:  "development",
			CORSOrigin:   "http://localhost:8081",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 0, // streaming responses must not be cut off
		},
		Realtime: RealtimeConfig{
			ListenAddr:     ":8084",
			WorkerPoolSize: 64,
			MaxConnections: 10000,
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
		},
		Client: ClientConfig{
			APIBaseURL:           "http://localhost:3001",
			RealtimeURL:          "ws://localhost:8084",
			ReconnectInterval:    5 * time.Second,
			MaxReconnectAttempts: 10,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		NATS:  NATSConfig{URL: "nats://localhost:4222", Name: "onboardiq"},
		Vonage: VonageConfig{
			Brand:         "OnboardIQ",
			VerifyBaseURL: "https://api.nexmo.com",
			RestBaseURL:   "https://rest.nexmo.com",
			Timeout:       10 * time.Second,
			MockOnFailure: true,
		},
		Foxit: FoxitConfig{
			BaseURL:       "https://na1.fusion.foxit.com",
			Timeout:       30 * time.Second,
			MockOnFailure: true,
		},
		OpenAI: OpenAIConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			MaxTokens:   2000,
			Temperature: 0.7,
			Timeout:     30 * time.Second,
			CacheTTL:    5 * time.Minute,
		},
		Feeder: FeederConfig{
			AnalyticsInterval:  5 * time.Second,
			SecurityInterval:   10 * time.Second,
			OnboardingInterval: 15 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Limit:   100,
			Window:  15 * time.Minute,
		},
		Log: LogConfig{
			Level:      "info",
			Pretty:     true,
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Tracing: TracingConfig{ServiceName: "onboardiq"},
	}
}

// Load builds a Config from defaults, then the YAML file at path (if path is
// non-empty), then environment variables.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "config: read %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "config: parse %s", path)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// applyEnv overrides fields from the environment. Unparseable values are
// ignored and the previous value is kept.
func applyEnv(cfg *Config) {
	setString(&cfg.Server.ListenAddr, "LISTEN_ADDR")
	setString(&cfg.Server.Environment, "ENVIRONMENT")
	setString(&cfg.Server.CORSOrigin, "FRONTEND_URL")
	setList(&cfg.Server.TrustedProxies, "TRUSTED_PROXIES")

	setString(&cfg.Realtime.ListenAddr, "REALTIME_LISTEN_ADDR")
	setInt(&cfg.Realtime.WorkerPoolSize, "WORKER_POOL_SIZE")
	setInt(&cfg.Realtime.MaxConnections, "MAX_CONNECTIONS")
	setDuration(&cfg.Realtime.ReadTimeout, "READ_TIMEOUT")
	setDuration(&cfg.Realtime.WriteTimeout, "WRITE_TIMEOUT")

	setString(&cfg.Client.APIBaseURL, "API_URL")
	setString(&cfg.Client.RealtimeURL, "REALTIME_URL")
	setDuration(&cfg.Client.ReconnectInterval, "RECONNECT_INTERVAL")
	setInt(&cfg.Client.MaxReconnectAttempts, "MAX_RECONNECT_ATTEMPTS")

	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Database.URL, "DATABASE_URL")

	setString(&cfg.Vonage.APIKey, "VONAGE_API_KEY")
	setString(&cfg.Vonage.APISecret, "VONAGE_API_SECRET")
	setString(&cfg.Vonage.Brand, "VONAGE_BRAND_NAME")
	setBool(&cfg.Vonage.MockOnFailure, "VONAGE_MOCK_ON_FAILURE")

	setString(&cfg.Foxit.BaseURL, "FOXIT_API_BASE_URL")
	setString(&cfg.Foxit.ClientID, "FOXIT_CLIENT_ID")
	setString(&cfg.Foxit.ClientSecret, "FOXIT_CLIENT_SECRET")
	setBool(&cfg.Foxit.MockOnFailure, "FOXIT_MOCK_ON_FAILURE")

	setString(&cfg.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&cfg.OpenAI.Model, "OPENAI_MODEL")
	setInt(&cfg.OpenAI.MaxTokens, "OPENAI_MAX_TOKENS")
	setFloat(&cfg.OpenAI.Temperature, "OPENAI_TEMPERATURE")

	setDuration(&cfg.Feeder.AnalyticsInterval, "ANALYTICS_INTERVAL")
	setDuration(&cfg.Feeder.SecurityInterval, "SECURITY_INTERVAL")
	setDuration(&cfg.Feeder.OnboardingInterval, "ONBOARDING_INTERVAL")

	setBool(&cfg.RateLimit.Enabled, "RATE_LIMIT_ENABLED")
	setInt(&cfg.RateLimit.Limit, "RATE_LIMIT_MAX")

	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Log.File, "LOG_FILE")
	setBool(&cfg.Log.Pretty, "LOG_PRETTY")

	setString(&cfg.Tracing.File, "TRACE_FILE")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// setList reads a comma-separated list.
func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
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
