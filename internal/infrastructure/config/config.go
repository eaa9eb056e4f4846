package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"

	"github.com/GriffinCanCode/enclave/internal/infrastructure/logging"
	"github.com/GriffinCanCode/enclave/internal/policy"
	"github.com/GriffinCanCode/enclave/internal/providers"
	httpprovider "github.com/GriffinCanCode/enclave/internal/providers/http"
	"github.com/GriffinCanCode/enclave/internal/shared/paths"
)

// EnvPrefix prefixes every environment variable, e.g. ENCLAVE_SERVER_PORT.
const EnvPrefix = "ENCLAVE"

// ErrInvalidConfig is returned by Validate and Load.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server" toml:"server"`
	Logging   logging.Config  `json:"logging" yaml:"logging" toml:"logging" split_words:"true"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit" split_words:"true"`
	Sandbox   SandboxConfig   `json:"sandbox" yaml:"sandbox" toml:"sandbox"`
	Network   NetworkConfig   `json:"network" yaml:"network" toml:"network" split_words:"true"`
	Fetch     FetchConfig     `json:"fetch" yaml:"fetch" toml:"fetch"`
	Sessions  SessionsConfig  `json:"sessions" yaml:"sessions" toml:"sessions"`
	Callbacks CallbacksConfig `json:"callbacks" yaml:"callbacks" toml:"callbacks"`
	// Secrets name environment variables holding the values; values never
	// live in the config file.
	Secrets []SecretConfig `json:"secrets" yaml:"secrets" toml:"secrets" ignored:"true"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string   `json:"port" yaml:"port" toml:"port" split_words:"true"`
	Host            string   `json:"host" yaml:"host" toml:"host" split_words:"true"`
	AllowedOrigins  []string `json:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins" split_words:"true"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" toml:"shutdown_timeout" split_words:"true"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// RateLimitConfig holds per-client API rate limiting.
type RateLimitConfig struct {
	RequestsPerSecond int  `json:"requests_per_second" yaml:"requests_per_second" toml:"requests_per_second" split_words:"true"`
	Burst             int  `json:"burst" yaml:"burst" toml:"burst" split_words:"true"`
	Enabled           bool `json:"enabled" yaml:"enabled" toml:"enabled" split_words:"true"`
}

// SandboxConfig holds per-execution limits and the guest image.
type SandboxConfig struct {
	ExecutionTimeout       Duration `json:"execution_timeout" yaml:"execution_timeout" toml:"execution_timeout" split_words:"true"`
	CallbackTimeout        Duration `json:"callback_timeout" yaml:"callback_timeout" toml:"callback_timeout" split_words:"true"`
	MaxMemoryBytes         uint64   `json:"max_memory_bytes" yaml:"max_memory_bytes" toml:"max_memory_bytes" split_words:"true"`
	MaxCallbackInvocations uint32   `json:"max_callback_invocations" yaml:"max_callback_invocations" toml:"max_callback_invocations" split_words:"true"`
	// ImagePath and PrewarmPath replace the embedded image when set.
	ImagePath    string `json:"image_path" yaml:"image_path" toml:"image_path" split_words:"true"`
	PrewarmPath  string `json:"prewarm_path" yaml:"prewarm_path" toml:"prewarm_path" split_words:"true"`
	PreamblePath string `json:"preamble_path" yaml:"preamble_path" toml:"preamble_path" split_words:"true"`
	ScrubStdout  bool   `json:"scrub_stdout" yaml:"scrub_stdout" toml:"scrub_stdout" split_words:"true"`
	ScrubStderr  bool   `json:"scrub_stderr" yaml:"scrub_stderr" toml:"scrub_stderr" split_words:"true"`
}

// Limits converts to the policy type.
func (s SandboxConfig) Limits() policy.ResourceLimits {
	return policy.ResourceLimits{
		ExecutionTimeout:       s.ExecutionTimeout.Std(),
		CallbackTimeout:        s.CallbackTimeout.Std(),
		MaxMemoryBytes:         s.MaxMemoryBytes,
		MaxCallbackInvocations: s.MaxCallbackInvocations,
	}
}

// NetworkConfig controls raw guest TCP/TLS access. Disabled by default.
type NetworkConfig struct {
	Enabled         bool     `json:"enabled" yaml:"enabled" toml:"enabled" split_words:"true"`
	MaxConnections  int      `json:"max_connections" yaml:"max_connections" toml:"max_connections" split_words:"true"`
	ConnectTimeout  Duration `json:"connect_timeout" yaml:"connect_timeout" toml:"connect_timeout" split_words:"true"`
	IOTimeout       Duration `json:"io_timeout" yaml:"io_timeout" toml:"io_timeout" split_words:"true"`
	AllowedHosts    []string `json:"allowed_hosts" yaml:"allowed_hosts" toml:"allowed_hosts" split_words:"true"`
	BlockedHosts    []string `json:"blocked_hosts" yaml:"blocked_hosts" toml:"blocked_hosts" split_words:"true"`
	AllowPrivateIPs bool     `json:"allow_private_ips" yaml:"allow_private_ips" toml:"allow_private_ips" split_words:"true"`
	AllowLocalhost  bool     `json:"allow_localhost" yaml:"allow_localhost" toml:"allow_localhost" split_words:"true"`
}

// NetConfig converts to the policy type, or returns nil when disabled.
func (n NetworkConfig) NetConfig() *policy.NetConfig {
	if !n.Enabled {
		return nil
	}
	cfg := policy.NetConfig{
		MaxConnections:  n.MaxConnections,
		ConnectTimeout:  n.ConnectTimeout.Std(),
		IOTimeout:       n.IOTimeout.Std(),
		AllowedHosts:    n.AllowedHosts,
		BlockedHosts:    n.BlockedHosts,
		AllowPrivateIPs: n.AllowPrivateIPs,
	}
	if n.AllowLocalhost {
		cfg = cfg.AllowLocalhost()
	}
	return &cfg
}

// FetchConfig controls the fetch callback. Disabled by default.
type FetchConfig struct {
	Enabled          bool     `json:"enabled" yaml:"enabled" toml:"enabled" split_words:"true"`
	AllowedHosts     []string `json:"allowed_hosts" yaml:"allowed_hosts" toml:"allowed_hosts" split_words:"true"`
	AllowedMethods   []string `json:"allowed_methods" yaml:"allowed_methods" toml:"allowed_methods" split_words:"true"`
	AllowPrivateIPs  bool     `json:"allow_private_ips" yaml:"allow_private_ips" toml:"allow_private_ips" split_words:"true"`
	MaxResponseBytes int64    `json:"max_response_bytes" yaml:"max_response_bytes" toml:"max_response_bytes" split_words:"true"`
	Timeout          Duration `json:"timeout" yaml:"timeout" toml:"timeout" split_words:"true"`
	MaxRetries       int      `json:"max_retries" yaml:"max_retries" toml:"max_retries" split_words:"true"`
	RateLimit        float64  `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit" split_words:"true"`
	Burst            int      `json:"burst" yaml:"burst" toml:"burst" split_words:"true"`
}

// FetchConfig converts to the provider type, or returns nil when disabled.
func (f FetchConfig) FetchConfig() *httpprovider.FetchConfig {
	if !f.Enabled {
		return nil
	}
	cfg := httpprovider.DefaultFetchConfig()
	cfg.AllowedHosts = f.AllowedHosts
	if len(f.AllowedMethods) > 0 {
		cfg.AllowedMethods = f.AllowedMethods
	}
	cfg.AllowPrivateIPs = f.AllowPrivateIPs
	if f.MaxResponseBytes > 0 {
		cfg.MaxResponseBytes = f.MaxResponseBytes
	}
	if f.Timeout > 0 {
		cfg.Timeout = f.Timeout.Std()
	}
	cfg.MaxRetries = f.MaxRetries
	cfg.RateLimit = f.RateLimit
	cfg.Burst = f.Burst
	return &cfg
}

// CallbacksConfig selects the built-in callback groups offered to guests.
type CallbacksConfig struct {
	Builtins []string `json:"builtins" yaml:"builtins" toml:"builtins"`
}

// SessionsConfig controls live and persisted sessions.
type SessionsConfig struct {
	// Store is "file" or "sqlite".
	Store       string   `json:"store" yaml:"store" toml:"store" split_words:"true"`
	Dir         string   `json:"dir" yaml:"dir" toml:"dir" split_words:"true"`
	SQLitePath  string   `json:"sqlite_path" yaml:"sqlite_path" toml:"sqlite_path" split_words:"true"`
	MaxSessions int      `json:"max_sessions" yaml:"max_sessions" toml:"max_sessions" split_words:"true"`
	IdleTimeout Duration `json:"idle_timeout" yaml:"idle_timeout" toml:"idle_timeout" split_words:"true"`
}

// Location returns the directory or database path of the configured store.
func (s SessionsConfig) Location() string {
	if s.Store == "sqlite" {
		return s.SQLitePath
	}
	return s.Dir
}

// SecretConfig registers a secret whose value is read from an environment
// variable.
type SecretConfig struct {
	Name         string   `json:"name" yaml:"name" toml:"name"`
	Env          string   `json:"env" yaml:"env" toml:"env"`
	AllowedHosts []string `json:"allowed_hosts" yaml:"allowed_hosts" toml:"allowed_hosts"`
}

// Value reads the secret value from the environment.
func (s SecretConfig) Value() (string, error) {
	env := s.Env
	if env == "" {
		env = s.Name
	}
	v, ok := os.LookupEnv(env)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: secret %s: environment variable %s is not set", ErrInvalidConfig, s.Name, env)
	}
	return v, nil
}

// Default returns default configuration.
func Default() *Config {
	limits := policy.DefaultResourceLimits()
	net := policy.DefaultNetConfig()
	return &Config{
		Server: ServerConfig{
			Port:            "8000",
			Host:            "127.0.0.1",
			AllowedOrigins:  []string{"http://localhost:3000"},
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging: logging.DefaultConfig(),
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
		Sandbox: SandboxConfig{
			ExecutionTimeout:       Duration(limits.ExecutionTimeout),
			CallbackTimeout:        Duration(limits.CallbackTimeout),
			MaxMemoryBytes:         limits.MaxMemoryBytes,
			MaxCallbackInvocations: limits.MaxCallbackInvocations,
			ScrubStdout:            true,
			ScrubStderr:            true,
		},
		Network: NetworkConfig{
			MaxConnections: net.MaxConnections,
			ConnectTimeout: Duration(net.ConnectTimeout),
			IOTimeout:      Duration(net.IOTimeout),
			BlockedHosts:   net.BlockedHosts,
		},
		Fetch: FetchConfig{
			AllowedHosts: []string{"*"},
			MaxRetries:   2,
		},
		Sessions: SessionsConfig{
			Store:       "file",
			Dir:         paths.SessionsDir(),
			SQLitePath:  paths.DatabasePath(),
			MaxSessions: 100,
			IdleTimeout: Duration(30 * time.Minute),
		},
		Callbacks: CallbacksConfig{
			Builtins: providers.Groups(),
		},
	}
}

// Load builds configuration from defaults, then the file at path (if any),
// then ENCLAVE_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads configuration or returns the defaults on error.
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		return Default()
	}
	return cfg
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	case ".toml":
		err = toml.Unmarshal(data, c)
	case ".json":
		err = sonic.Unmarshal(data, c)
	default:
		return fmt.Errorf("%w: unsupported config file type %q", ErrInvalidConfig, ext)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	switch c.Sessions.Store {
	case "file":
		if c.Sessions.Dir == "" {
			return fmt.Errorf("%w: sessions.dir is required for the file store", ErrInvalidConfig)
		}
	case "sqlite":
		if c.Sessions.SQLitePath == "" {
			return fmt.Errorf("%w: sessions.sqlite_path is required for the sqlite store", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown session store %q", ErrInvalidConfig, c.Sessions.Store)
	}
	if c.Sessions.MaxSessions < 0 {
		return fmt.Errorf("%w: sessions.max_sessions must not be negative", ErrInvalidConfig)
	}
	for _, name := range c.Callbacks.Builtins {
		if !slices.Contains(providers.Groups(), name) {
			return fmt.Errorf("%w: unknown callback group %q", ErrInvalidConfig, name)
		}
	}
	seen := make(map[string]struct{}, len(c.Secrets))
	for _, s := range c.Secrets {
		if s.Name == "" {
			return fmt.Errorf("%w: secret without a name", ErrInvalidConfig)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("%w: duplicate secret %s", ErrInvalidConfig, s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}
