package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Database DatabaseConfig  `yaml:"database"`
	Store    StoreConfig     `yaml:"store"`
	Queue    QueueConfig     `yaml:"queue"`
	Printers PrintersConfig  `yaml:"printers"`
	Auth     AuthConfig      `yaml:"auth"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Archive  ArchiveConfig   `yaml:"archive"`
	Logging  LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type StoreConfig struct {
	Driver string      `yaml:"driver"`
	Redis  RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type QueueConfig struct {
	MaxAttempts        int           `yaml:"max_attempts"`
	BackoffBase        time.Duration `yaml:"backoff_base"`
	BackoffMax         time.Duration `yaml:"backoff_max"`
	JobTimeout         time.Duration `yaml:"job_timeout"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	CompletedRetention time.Duration `yaml:"completed_retention"`
	FailedRetention    time.Duration `yaml:"failed_retention"`
	CleanInterval      time.Duration `yaml:"clean_interval"`
	// Dispatcher is false on API-only processes sharing a queue with the
	// one process that prints.
	Dispatcher         bool          `yaml:"dispatcher"`
}

type PrintersConfig struct {
	Backend        string        `yaml:"backend"`
	DefaultPrinter string        `yaml:"default_printer"`
	SpoolDir       string        `yaml:"spool_dir"`
	SpoolGrace     time.Duration `yaml:"spool_grace"`
	SpoolMaxWait   time.Duration `yaml:"spool_max_wait"`
	LpPath         string        `yaml:"lp_path"`
	LpstatPath     string        `yaml:"lpstat_path"`
	LpinfoPath     string        `yaml:"lpinfo_path"`
}

type AuthConfig struct {
	Enabled    bool   `yaml:"enabled"`
	JWTSecret  string `yaml:"jwt_secret"`
	JWTIssuer  string `yaml:"jwt_issuer"`
	APIKeyHash string `yaml:"api_key_hash"`
}

type WebhookConfig struct {
	URL     string        `yaml:"url"`
	Secret  string        `yaml:"secret"`
	Events  []string      `yaml:"events"`
	Timeout time.Duration `yaml:"timeout"`
}

type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreMemory = "memory"

	BackendAuto    = "auto"
	BackendCUPS    = "cups"
	BackendWindows = "windows"
)

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         3000,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "./data/printhook.db",
		},
		Store: StoreConfig{
			Driver: StoreSQLite,
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "printhook",
			},
		},
		Queue: QueueConfig{
			MaxAttempts:        3,
			BackoffBase:        time.Second,
			BackoffMax:         5 * time.Minute,
			JobTimeout:         30 * time.Second,
			PollInterval:       time.Second,
			CompletedRetention: time.Hour,
			FailedRetention:    24 * time.Hour,
			CleanInterval:      10 * time.Minute,
			Dispatcher:         true,
		},
		Printers: PrintersConfig{
			Backend:      BackendAuto,
			SpoolGrace:   30 * time.Second,
			SpoolMaxWait: 5 * time.Minute,
			LpPath:       "lp",
			LpstatPath:   "lpstat",
			LpinfoPath:   "lpinfo",
		},
		Auth: AuthConfig{
			JWTIssuer: "printhook",
		},
		Archive: ArchiveConfig{
			Path: "./data/archives",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads the YAML file at configPath over the defaults. A missing file is
// not an error. Environment overrides are applied last.
func Load(configPath string) (*Config, error) {
	cfg := defaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func LoadFromEnv() *Config {
	cfg := defaults()
	applyEnv(cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	cfg.Server.Port = parseInt("PORT", cfg.Server.Port)
	cfg.Server.Port = parseInt("PRINTHOOK_PORT", cfg.Server.Port)
	if v := readEnv("ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = parseList(v)
	}

	if v := readEnv("PRINTHOOK_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := readEnv("PRINTHOOK_STORE"); v != "" {
		cfg.Store.Driver = v
	}
	if v := readEnv("PRINTHOOK_REDIS_ADDR"); v != "" {
		cfg.Store.Redis.Addr = v
	}
	if v := readEnv("PRINTHOOK_REDIS_PASSWORD"); v != "" {
		cfg.Store.Redis.Password = v
	}
	cfg.Store.Redis.DB = parseInt("PRINTHOOK_REDIS_DB", cfg.Store.Redis.DB)

	// PRINT_TIMEOUT is expressed in milliseconds.
	if ms := parseInt("PRINT_TIMEOUT", 0); ms > 0 {
		cfg.Queue.JobTimeout = time.Duration(ms) * time.Millisecond
	}
	cfg.Queue.JobTimeout = parseDuration("PRINTHOOK_JOB_TIMEOUT", cfg.Queue.JobTimeout)
	cfg.Queue.MaxAttempts = parseInt("PRINTHOOK_MAX_ATTEMPTS", cfg.Queue.MaxAttempts)
	cfg.Queue.CleanInterval = parseDuration("PRINTHOOK_CLEAN_INTERVAL", cfg.Queue.CleanInterval)
	if v := readEnv("PRINTHOOK_DISPATCHER"); v != "" {
		cfg.Queue.Dispatcher = v != "false" && v != "0"
	}

	if v := readEnv("PRINTHOOK_BACKEND"); v != "" {
		cfg.Printers.Backend = v
	}
	if v := readEnv("DEFAULT_PRINTER"); v != "" {
		cfg.Printers.DefaultPrinter = v
	}
	if v := readEnv("PRINTHOOK_SPOOL_DIR"); v != "" {
		cfg.Printers.SpoolDir = v
	}

	if v := readEnv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
		cfg.Auth.Enabled = true
	}
	if v := readEnv("PRINTHOOK_API_KEY_HASH"); v != "" {
		cfg.Auth.APIKeyHash = v
		cfg.Auth.Enabled = true
	}

	if v := readEnv("PRINTHOOK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := readEnv("PRINTHOOK_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

func readEnv(key string) string {
	v, _ := os.LookupEnv(key)
	return strings.TrimSpace(v)
}

func parseInt(key string, def int) int {
	if v := readEnv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseDuration(key string, def time.Duration) time.Duration {
	if v := readEnv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server timeouts must be non-negative")
	}

	switch c.Store.Driver {
	case StoreSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required")
		}
	case StoreRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("redis address is required")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("invalid store driver: %s (valid: sqlite, redis, memory)", c.Store.Driver)
	}

	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1")
	}

	if c.Queue.BackoffBase < 0 || c.Queue.BackoffMax < 0 {
		return fmt.Errorf("backoff delays must be non-negative")
	}

	if c.Queue.JobTimeout <= 0 {
		return fmt.Errorf("job timeout must be positive")
	}

	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}

	if c.Queue.CompletedRetention < 0 || c.Queue.FailedRetention < 0 {
		return fmt.Errorf("retention windows must be non-negative")
	}

	if c.Queue.CleanInterval < 0 {
		return fmt.Errorf("clean interval must be non-negative")
	}

	validBackends := map[string]bool{
		BackendAuto:    true,
		BackendCUPS:    true,
		BackendWindows: true,
	}
	if !validBackends[c.Printers.Backend] {
		return fmt.Errorf("invalid printer backend: %s (valid: auto, cups, windows)", c.Printers.Backend)
	}

	if c.Printers.SpoolGrace < 0 || c.Printers.SpoolMaxWait < 0 {
		return fmt.Errorf("spool cleanup delays must be non-negative")
	}

	if c.Auth.Enabled && c.Auth.JWTSecret == "" && c.Auth.APIKeyHash == "" {
		return fmt.Errorf("auth is enabled but neither jwt_secret nor api_key_hash is set")
	}

	for i, w := range c.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("webhook %d: url is required", i)
		}
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json":    true,
		"console": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, console)", c.Logging.Format)
	}

	return nil
}
