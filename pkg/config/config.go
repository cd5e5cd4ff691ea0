package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// MinSecretLength is the minimum length accepted for the token signing secret.
	MinSecretLength = 32

	// DefaultModel is the generation model used when none is configured.
	DefaultModel = "gemini-2.5-flash"

	// DefaultSaveDebounce is the quiet period before a local edit is persisted.
	DefaultSaveDebounce = time.Second
)

// Config is the full zenspace configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Storage   StorageConfig   `yaml:"storage"`
	AI        AIConfig        `yaml:"ai"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Bus       BusConfig       `yaml:"bus"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig controls the HTTP and websocket listener.
type ServerConfig struct {
	Bind              string   `yaml:"bind"`
	AllowedOrigins    []string `yaml:"allowed_origins"`
	MaxConnections    int      `yaml:"max_connections"`
	MessagesPerSecond float64  `yaml:"messages_per_second"`
	MessageBurst      int      `yaml:"message_burst"`
	ReadLimitBytes    int64    `yaml:"read_limit_bytes"`
	PublicMetrics     bool     `yaml:"public_metrics"`
}

// AuthConfig controls identity tokens.
type AuthConfig struct {
	JWTSecret    string        `yaml:"jwt_secret"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
	CookieSecure bool          `yaml:"cookie_secure"`
}

// StorageConfig locates the document store.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// AIConfig configures the generation endpoint.
type AIConfig struct {
	Provider     string        `yaml:"provider"`
	APIKey       string        `yaml:"api_key"`
	Model        string        `yaml:"model"`
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// WorkspaceConfig tunes file tree persistence.
type WorkspaceConfig struct {
	SaveDebounce time.Duration `yaml:"save_debounce"`
}

// BusConfig selects the cross-process room fan-out backend.
type BusConfig struct {
	Backend string `yaml:"backend"`
	URL     string `yaml:"url"`
	Name    string `yaml:"name"`
}

// LoggingConfig configures the structured event logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

// TelemetryConfig toggles tracing.
type TelemetryConfig struct {
	Tracing     bool   `yaml:"tracing"`
	ServiceName string `yaml:"service_name"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Bind:              "127.0.0.1:3000",
			MaxConnections:    128,
			MessagesPerSecond: 10,
			MessageBurst:      20,
			ReadLimitBytes:    1 << 20,
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Storage: StorageConfig{
			Path: "zenspace.db",
		},
		AI: AIConfig{
			Provider:     "google",
			Model:        DefaultModel,
			BaseURL:      "https://generativelanguage.googleapis.com/v1beta",
			Timeout:      60 * time.Second,
			MaxFailures:  5,
			ResetTimeout: 30 * time.Second,
		},
		Workspace: WorkspaceConfig{
			SaveDebounce: DefaultSaveDebounce,
		},
		Bus: BusConfig{
			Backend: "memory",
			Name:    "zenspace",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "zenspace",
		},
	}
}

// Load loads configuration from the default locations, lowest precedence
// first: ~/.zenspace/config.yaml, then ./zenspace.yaml, then environment.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home != "" {
		userConfigPath := filepath.Join(home, ".zenspace", "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading user config: %w", err)
		}
	}

	if err := loadAndMerge(cfg, "zenspace.yaml"); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadAndMerge(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		host := "0.0.0.0"
		if h, _, err := net.SplitHostPort(cfg.Server.Bind); err == nil && h != "" {
			host = h
		}
		cfg.Server.Bind = net.JoinHostPort(host, v)
	}
	if v := os.Getenv("ZENSPACE_BIND"); v != "" {
		cfg.Server.Bind = v
	}
	if v := os.Getenv("ZENSPACE_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitCommaList(v)
	}
	if v, ok := envBool("ZENSPACE_PUBLIC_METRICS"); ok {
		cfg.Server.PublicMetrics = v
	}

	if v := firstEnv("ZENSPACE_JWT_SECRET", "JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v, ok := envBool("ZENSPACE_COOKIE_SECURE"); ok {
		cfg.Auth.CookieSecure = v
	}

	if v := os.Getenv("ZENSPACE_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}

	if v := firstEnv("ZENSPACE_AI_API_KEY", "GEMINI_API_KEY", "GOOGLE_AI_KEY"); v != "" {
		cfg.AI.APIKey = v
	}
	if v := os.Getenv("ZENSPACE_AI_MODEL"); v != "" {
		cfg.AI.Model = v
	}
	if v := os.Getenv("ZENSPACE_AI_BASE_URL"); v != "" {
		cfg.AI.BaseURL = v
	}

	if v := strings.TrimSpace(os.Getenv("ZENSPACE_SAVE_DEBOUNCE")); v != "" {
		if d, err := parseDuration(v); err == nil {
			cfg.Workspace.SaveDebounce = d
		}
	}

	if v := os.Getenv("ZENSPACE_BUS_BACKEND"); v != "" {
		cfg.Bus.Backend = v
	}
	if v := os.Getenv("ZENSPACE_NATS_URL"); v != "" {
		cfg.Bus.URL = v
		if os.Getenv("ZENSPACE_BUS_BACKEND") == "" {
			cfg.Bus.Backend = "nats"
		}
	}

	if v := os.Getenv("ZENSPACE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ZENSPACE_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
	if v, ok := envBool("ZENSPACE_TRACING"); ok {
		cfg.Telemetry.Tracing = v
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Bind) == "" {
		return fmt.Errorf("server.bind is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.Bind); err != nil {
		return fmt.Errorf("invalid server.bind %q: %w", c.Server.Bind, err)
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections must be >= 0")
	}
	if c.Server.MessagesPerSecond < 0 || c.Server.MessageBurst < 0 {
		return fmt.Errorf("server message rate limits must be >= 0")
	}
	for _, origin := range c.Server.AllowedOrigins {
		if origin == "*" {
			continue
		}
		if u, err := url.Parse(origin); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid allowed origin %q", origin)
		}
	}

	if len(c.Auth.JWTSecret) < MinSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d characters (set JWT_SECRET)", MinSecretLength)
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be > 0")
	}

	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}

	if provider := strings.ToLower(strings.TrimSpace(c.AI.Provider)); provider != "google" {
		return fmt.Errorf("invalid ai.provider: %s (valid: google)", c.AI.Provider)
	}
	if strings.TrimSpace(c.AI.Model) == "" {
		return fmt.Errorf("ai.model is required")
	}
	if c.AI.Timeout <= 0 {
		return fmt.Errorf("ai.timeout must be > 0")
	}
	if c.AI.MaxFailures < 0 || c.AI.ResetTimeout < 0 {
		return fmt.Errorf("ai circuit breaker settings must be >= 0")
	}

	if c.Workspace.SaveDebounce <= 0 {
		return fmt.Errorf("workspace.save_debounce must be > 0")
	}

	switch strings.ToLower(strings.TrimSpace(c.Bus.Backend)) {
	case "", "memory":
	case "nats":
		if strings.TrimSpace(c.Bus.URL) == "" {
			return fmt.Errorf("bus.url is required for the nats backend")
		}
	default:
		return fmt.Errorf("invalid bus.backend: %s (valid: memory, nats)", c.Bus.Backend)
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	return nil
}

// ValidationWarnings reports settings that work but deserve attention.
func (c *Config) ValidationWarnings() []string {
	var warnings []string
	if c.AI.APIKey == "" {
		warnings = append(warnings, "ai.api_key is empty; @ai requests will fail until GEMINI_API_KEY is set")
	}
	if c.AI.APIKey != "" && firstEnv("ZENSPACE_AI_API_KEY", "GEMINI_API_KEY", "GOOGLE_AI_KEY") == "" {
		warnings = append(warnings, "SECURITY: AI API key is stored in the config file. Consider using GEMINI_API_KEY instead.")
	}
	if c.Auth.JWTSecret != "" && firstEnv("ZENSPACE_JWT_SECRET", "JWT_SECRET") == "" {
		warnings = append(warnings, "SECURITY: JWT secret is stored in the config file. Consider using JWT_SECRET instead.")
	}
	if !isLoopbackBindAddress(c.Server.Bind) && !c.Auth.CookieSecure {
		warnings = append(warnings, "server binds a non-loopback address without auth.cookie_secure")
	}
	return warnings
}

func splitCommaList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func envBool(key string) (bool, bool) {
	val := os.Getenv(key)
	if val == "" {
		return false, false
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return ""
}

// parseDuration accepts Go durations and bare milliseconds.
func parseDuration(raw string) (time.Duration, error) {
	if ms, err := strconv.Atoi(raw); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(raw)
}

func isLoopbackBindAddress(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return false
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	switch strings.ToLower(host) {
	case "localhost":
		return true
	case "0.0.0.0", "::":
		return false
	default:
		ip := net.ParseIP(host)
		if ip == nil {
			return false
		}
		return ip.IsLoopback()
	}
}
