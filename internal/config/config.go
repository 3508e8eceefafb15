// Package config loads contextd configuration.
//
// Precedence, lowest first: built-in defaults, config.toml, .env files,
// process environment. Variables already set in the environment win over
// .env and .env.local.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/whispo/contextd/pkg/models"
)

// Store drivers.
const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Config holds all configuration for contextd.
type Config struct {
	Version   string          `toml:"-"`
	LogLevel  string          `toml:"log_level"`
	DataDir   string          `toml:"data_dir"`
	Store     StoreConfig     `toml:"store"`
	MCP       MCPConfig       `toml:"mcp"`
	Context   ContextConfig   `toml:"context"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

type StoreConfig struct {
	Driver string `toml:"driver"`
	// Path of the sqlite database. Snapshot is the JSON file the memory
	// driver persists to; empty keeps it ephemeral. Relative paths resolve
	// against DataDir.
	Path      string          `toml:"path"`
	Snapshot  string          `toml:"snapshot"`
	Retention RetentionConfig `toml:"retention"`
}

// RetentionConfig bounds the transcription history. Zero disables a limit.
type RetentionConfig struct {
	MaxAge   Duration `toml:"max_age"`
	MaxItems int      `toml:"max_items"`
	Interval Duration `toml:"interval"`
}

type MCPConfig struct {
	Enabled   bool                    `toml:"enabled"`
	Providers []models.ProviderConfig `toml:"providers"`
	Server    ServerConfig            `toml:"server"`

	CallTimeout       Duration        `toml:"call_timeout"`
	ListTimeout       Duration        `toml:"list_timeout"`
	HandshakeTimeout  Duration        `toml:"handshake_timeout"`
	HeartbeatInterval Duration        `toml:"heartbeat_interval"`
	Reconnect         ReconnectConfig `toml:"reconnect"`
}

type ServerConfig struct {
	Enabled        bool     `toml:"enabled"`
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	Path           string   `toml:"path"`
	Token          string   `toml:"token"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type ReconnectConfig struct {
	InitialInterval Duration `toml:"initial_interval"`
	MaxInterval     Duration `toml:"max_interval"`
	Multiplier      float64  `toml:"multiplier"`
	MaxAttempts     int      `toml:"max_attempts"`
}

type ContextConfig struct {
	models.ContextAwareness
	Budget      Duration `toml:"budget"`
	RecentItems int      `toml:"recent_items"`
}

type TelemetryConfig struct {
	Enabled      bool   `toml:"enabled"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
	ServiceName  string `toml:"service_name"`
}

// Duration is a time.Duration written as a Go duration string in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Version:  "0.1.0",
		LogLevel: "info",
		Store: StoreConfig{
			Driver: StoreSQLite,
			Path:   "contextd.db",
			Retention: RetentionConfig{
				MaxItems: 5000,
				Interval: Duration{time.Hour},
			},
		},
		MCP: MCPConfig{
			Enabled: true,
			Server: ServerConfig{
				Host: "127.0.0.1",
				Port: 3790,
				Path: "/mcp",
			},
			CallTimeout:       Duration{30 * time.Second},
			ListTimeout:       Duration{5 * time.Second},
			HandshakeTimeout:  Duration{10 * time.Second},
			HeartbeatInterval: Duration{30 * time.Second},
			Reconnect: ReconnectConfig{
				InitialInterval: Duration{500 * time.Millisecond},
				MaxInterval:     Duration{10 * time.Second},
				Multiplier:      2,
				MaxAttempts:     5,
			},
		},
		Context: ContextConfig{
			ContextAwareness: models.ContextAwareness{
				UseFileContext:        true,
				UseProjectContext:     true,
				UseGlossary:           true,
				UseRecentInteractions: true,
				MaxContextLength:      4096,
			},
			Budget:      Duration{1500 * time.Millisecond},
			RecentItems: 5,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "contextd",
		},
	}
}

// Load builds the configuration. An empty path selects the default
// config file, which may be absent.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env", ".env.local"); err != nil {
		return nil, err
	}

	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		if err := mergeFile(&cfg, path, explicit); err != nil {
			return nil, err
		}
	}
	mergeEnv(&cfg)

	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}
	cfg.Store.Path = resolve(cfg.DataDir, cfg.Store.Path)
	cfg.Store.Snapshot = resolve(cfg.DataDir, cfg.Store.Snapshot)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func resolve(dir, path string) string {
	if path == "" || filepath.IsAbs(path) || dir == "" {
		return path
	}
	return filepath.Join(dir, path)
}

// DefaultPath returns the per-user config file location, or "" when the
// platform has no config directory.
func DefaultPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(base, "contextd", "config.toml")
}

func defaultDataDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(base, "contextd")
}

// loadDotEnv copies values from the given files into the environment
// without overriding variables that are already set. Later files win over
// earlier ones.
func loadDotEnv(names ...string) error {
	merged := map[string]string{}
	for _, name := range names {
		values, err := godotenv.Read(name)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("read %s: %w", name, err)
		}
		for k, v := range values {
			merged[k] = v
		}
	}
	for k, v := range merged {
		if _, exists := os.LookupEnv(k); exists {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return err
		}
	}
	return nil
}

func mergeFile(cfg *Config, path string, required bool) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("config file %s: %w", path, err)
	}
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("malformed config %s: %w", path, err)
	}
	for _, key := range md.Undecoded() {
		log.Warn().Str("file", path).Str("key", key.String()).Msg("Unknown config key ignored")
	}
	return nil
}

func mergeEnv(cfg *Config) {
	cfg.LogLevel = envStr("CONTEXTD_LOG_LEVEL", cfg.LogLevel)
	cfg.DataDir = envStr("CONTEXTD_DATA_DIR", cfg.DataDir)
	cfg.Store.Driver = envStr("CONTEXTD_STORE", cfg.Store.Driver)
	cfg.Store.Path = envStr("CONTEXTD_STORE_PATH", cfg.Store.Path)
	cfg.Store.Snapshot = envStr("CONTEXTD_STORE_SNAPSHOT", cfg.Store.Snapshot)
	cfg.Store.Retention.MaxAge.Duration = envDuration("CONTEXTD_HISTORY_MAX_AGE", cfg.Store.Retention.MaxAge.Duration)
	cfg.Store.Retention.MaxItems = envInt("CONTEXTD_HISTORY_MAX_ITEMS", cfg.Store.Retention.MaxItems)

	cfg.MCP.Enabled = envBool("CONTEXTD_MCP_ENABLED", cfg.MCP.Enabled)
	cfg.MCP.CallTimeout.Duration = envDuration("CONTEXTD_CALL_TIMEOUT", cfg.MCP.CallTimeout.Duration)
	cfg.MCP.HandshakeTimeout.Duration = envDuration("CONTEXTD_HANDSHAKE_TIMEOUT", cfg.MCP.HandshakeTimeout.Duration)

	cfg.MCP.Server.Enabled = envBool("CONTEXTD_SERVER_ENABLED", cfg.MCP.Server.Enabled)
	cfg.MCP.Server.Host = envStr("CONTEXTD_SERVER_HOST", cfg.MCP.Server.Host)
	cfg.MCP.Server.Port = envInt("CONTEXTD_SERVER_PORT", cfg.MCP.Server.Port)
	cfg.MCP.Server.Path = envStr("CONTEXTD_SERVER_PATH", cfg.MCP.Server.Path)
	cfg.MCP.Server.Token = envStr("CONTEXTD_SERVER_TOKEN", cfg.MCP.Server.Token)

	cfg.Context.Budget.Duration = envDuration("CONTEXTD_CONTEXT_BUDGET", cfg.Context.Budget.Duration)
	cfg.Context.MaxContextLength = envInt("CONTEXTD_MAX_CONTEXT_LENGTH", cfg.Context.MaxContextLength)

	cfg.Telemetry.Enabled = envBool("OTEL_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.OTLPEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Telemetry.OTLPEndpoint)
	cfg.Telemetry.ServiceName = envStr("OTEL_SERVICE_NAME", cfg.Telemetry.ServiceName)
}

// Settings converts the file-level configuration into the runtime settings
// owned by the state coordinator.
func (c *Config) Settings() models.Settings {
	s := models.Settings{
		MCPEnabled: c.MCP.Enabled,
		Providers:  make([]models.ProviderConfig, 0, len(c.MCP.Providers)),
		Server: models.ServerSettings{
			Enabled: c.MCP.Server.Enabled,
			Host:    c.MCP.Server.Host,
			Port:    c.MCP.Server.Port,
			Path:    c.MCP.Server.Path,
			Token:   c.MCP.Server.Token,
		},
		ContextAwareness: c.Context.ContextAwareness,
	}
	for _, p := range c.MCP.Providers {
		s.Providers = append(s.Providers, p.Clone())
	}
	return s
}

func envStr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
		log.Warn().Str("key", key).Str("value", v).Msg("Ignoring non-integer environment value")
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
		log.Warn().Str("key", key).Str("value", v).Msg("Ignoring non-boolean environment value")
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
		log.Warn().Str("key", key).Str("value", v).Msg("Ignoring malformed duration")
	}
	return fallback
}
