package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/adhocore/gronx"

	"wxgate/internal/envelope"
)

// Config is the root configuration for wxgate.
type Config struct {
	General   GeneralConfig   `json:"general"`
	Server    ServerConfig    `json:"server"`
	Accounts  []AccountConfig `json:"accounts"`
	Component ComponentConfig `json:"component"`
	Store     StoreConfig     `json:"store"`
	Rules     RulesConfig     `json:"rules"`
	Tokens    TokensConfig    `json:"tokens"`
	Metrics   MetricsConfig   `json:"metrics"`
}

type GeneralConfig struct {
	DataDir   string `json:"dataDir"`
	LogLevel  string `json:"logLevel"`            // debug | info | warn | error
	LogFormat string `json:"logFormat,omitempty"` // text | json
	LogFile   string `json:"logFile,omitempty"`
}

type ServerConfig struct {
	Host         string          `json:"host"`
	Port         int             `json:"port"`
	BasePath     string          `json:"basePath"`
	MaxBodyBytes int64           `json:"maxBodyBytes"`
	RateLimit    RateLimitConfig `json:"rateLimit"`
}

// RateLimitConfig limits inbound requests per client IP.
type RateLimitConfig struct {
	Enabled   bool    `json:"enabled"`
	PerSecond float64 `json:"perSecond"`
	Burst     int     `json:"burst"`
}

// AccountConfig is one official account served by the gateway. Secret
// fields accept "keyring:<name>" references.
type AccountConfig struct {
	AppID          string `json:"appId"`
	Secret         string `json:"secret,omitempty"`
	Token          string `json:"token,omitempty"`
	EncodingAESKey string `json:"encodingAesKey,omitempty"`
	Encrypted      bool   `json:"encrypted"`
	// Component marks an account hosted through the component app. Its
	// messages are verified and encrypted with the component's token and key.
	Component    bool   `json:"component,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

type ComponentConfig struct {
	Enabled        bool   `json:"enabled"`
	AppID          string `json:"appId,omitempty"`
	Secret         string `json:"secret,omitempty"`
	Token          string `json:"token,omitempty"`
	EncodingAESKey string `json:"encodingAesKey,omitempty"`
}

type StoreConfig struct {
	Type  string      `json:"type"` // sqlite | postgres | redis | memory
	Path  string      `json:"path,omitempty"`
	DSN   string      `json:"dsn,omitempty"`
	Redis RedisConfig `json:"redis"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// RulesConfig points at the YAML auto-reply rules.
type RulesConfig struct {
	Path string `json:"path,omitempty"`
}

type TokensConfig struct {
	APIBase             string `json:"apiBase"`
	TimeoutSeconds      int    `json:"timeoutSeconds"`
	WarmupCron          string `json:"warmupCron,omitempty"`
	WarmupMarginSeconds int    `json:"warmupMarginSeconds"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// Account returns the account with the given app id.
func (c *Config) Account(appID string) (AccountConfig, bool) {
	for _, a := range c.Accounts {
		if a.AppID == appID {
			return a, true
		}
	}
	return AccountConfig{}, false
}

// DefaultConfigDir returns the default config directory (~/.wxgate).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wxgate"
	}
	return filepath.Join(home, ".wxgate")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Store.Path = ExpandPath(cfg.Store.Path)
	cfg.Rules.Path = ExpandPath(cfg.Rules.Path)

	if err := ResolveSecrets(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty. Unset variables
// without a default are left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, def := groups[1], groups[2]
		if val := os.Getenv(name); val != "" {
			return val
		}
		if def != "" {
			return def
		}
		return match
	})
}

// Save writes cfg as indented JSON. The file holds secrets, so it is only
// readable by its owner.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if !strings.HasPrefix(cfg.Server.BasePath, "/") || (len(cfg.Server.BasePath) > 1 && strings.HasSuffix(cfg.Server.BasePath, "/")) {
		errs = append(errs, "server.basePath must start with / and must not end with /")
	}
	if cfg.Server.MaxBodyBytes < 1024 {
		errs = append(errs, "server.maxBodyBytes must be >= 1024")
	}
	if rl := cfg.Server.RateLimit; rl.Enabled && (rl.PerSecond <= 0 || rl.Burst < 1) {
		errs = append(errs, "server.rateLimit: perSecond must be > 0 and burst >= 1 when enabled")
	}

	seen := make(map[string]bool)
	for i, a := range cfg.Accounts {
		prefix := fmt.Sprintf("accounts.%d", i)
		if a.AppID == "" {
			errs = append(errs, prefix+": appId is required")
		} else if seen[a.AppID] {
			errs = append(errs, fmt.Sprintf("%s: duplicate appId %s", prefix, a.AppID))
		}
		seen[a.AppID] = true

		if a.Component {
			if !cfg.Component.Enabled {
				errs = append(errs, prefix+": component account requires component.enabled")
			}
			if a.RefreshToken == "" {
				errs = append(errs, prefix+": refreshToken is required for component accounts")
			}
			continue
		}
		if a.Token == "" {
			errs = append(errs, prefix+": token is required")
		}
		if a.Encrypted {
			if _, err := envelope.DecodeKey(a.EncodingAESKey); err != nil {
				errs = append(errs, fmt.Sprintf("%s: encodingAesKey: %v", prefix, err))
			}
		}
	}
	if cfg.Component.Enabled {
		c := cfg.Component
		if c.AppID == "" || c.Secret == "" || c.Token == "" {
			errs = append(errs, "component: appId, secret and token are required when enabled")
		}
		if seen[c.AppID] {
			errs = append(errs, fmt.Sprintf("component: appId %s is also listed as an account", c.AppID))
		}
		if _, err := envelope.DecodeKey(c.EncodingAESKey); err != nil {
			errs = append(errs, fmt.Sprintf("component: encodingAesKey: %v", err))
		}
	}

	switch cfg.Store.Type {
	case "sqlite":
		if cfg.Store.Path == "" {
			errs = append(errs, "store.path is required for sqlite")
		}
	case "postgres":
		if cfg.Store.DSN == "" {
			errs = append(errs, "store.dsn is required for postgres")
		}
	case "redis":
		if cfg.Store.Redis.Addr == "" {
			errs = append(errs, "store.redis.addr is required for redis")
		}
	case "memory":
	default:
		errs = append(errs, "store.type must be one of: sqlite, postgres, redis, memory")
	}

	if cfg.Tokens.TimeoutSeconds < 1 {
		errs = append(errs, "tokens.timeoutSeconds must be >= 1")
	}
	if cfg.Tokens.WarmupCron != "" && !gronx.New().IsValid(cfg.Tokens.WarmupCron) {
		errs = append(errs, fmt.Sprintf("tokens.warmupCron is not a valid cron expression: %q", cfg.Tokens.WarmupCron))
	}
	if cfg.Tokens.WarmupMarginSeconds < 0 {
		errs = append(errs, "tokens.warmupMarginSeconds must be >= 0")
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
