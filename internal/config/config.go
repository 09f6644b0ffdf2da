package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/stinger-ai/stinger/pkg/classify"
	"github.com/stinger-ai/stinger/pkg/ratelimit"
)

type Config struct {
	Server     ServerConfig    `mapstructure:"server"`
	Logging    LoggingConfig   `mapstructure:"logging"`
	CORS       CORSConfig      `mapstructure:"cors"`
	Pipeline   PipelineConfig  `mapstructure:"pipeline"`
	RateLimit  RateLimitConfig `mapstructure:"rate_limit"`
	Redis      RedisConfig     `mapstructure:"redis"`
	Audit      AuditConfig     `mapstructure:"audit"`
	Classifier classify.Config `mapstructure:"classifier"`
	Session    SessionConfig   `mapstructure:"session"`
}

type ServerConfig struct {
	Port             int           `mapstructure:"port"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdown time.Duration `mapstructure:"graceful_shutdown"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

type PipelineConfig struct {
	Preset         string        `mapstructure:"preset"`
	Parallel       bool          `mapstructure:"parallel"`
	Slack          time.Duration `mapstructure:"slack"`
	MaxContentSize int           `mapstructure:"max_content_size"`
}

// LimitWindows mirrors ratelimit.Limits for configuration files. A window
// left at zero (or negative) is open rather than forbidding every request,
// so a file that only sets per_minute behaves the way people expect.
type LimitWindows struct {
	PerMinute int `mapstructure:"per_minute"`
	PerHour   int `mapstructure:"per_hour"`
	PerDay    int `mapstructure:"per_day"`
}

func (w LimitWindows) Limits() ratelimit.Limits {
	pick := func(n int) int {
		if n <= 0 {
			return ratelimit.NoLimit
		}
		return n
	}
	return ratelimit.Limits{
		PerMinute: pick(w.PerMinute),
		PerHour:   pick(w.PerHour),
		PerDay:    pick(w.PerDay),
	}
}

type RateLimitConfig struct {
	Enabled  bool                            `mapstructure:"enabled"`
	Backend  string                          `mapstructure:"backend"`
	FailMode string                          `mapstructure:"fail_mode"`
	Default  LimitWindows                    `mapstructure:"default"`
	Classes  map[string]LimitWindows         `mapstructure:"classes"`
	Roles    map[string]ratelimit.RolePolicy `mapstructure:"roles"`
}

// LimiterConfig converts the file representation into the limiter's own
// config, translating unset windows to open ones.
func (c RateLimitConfig) LimiterConfig() ratelimit.Config {
	lc := ratelimit.Config{
		Default:  c.Default.Limits(),
		Roles:    c.Roles,
		FailMode: c.FailMode,
	}
	if len(c.Classes) > 0 {
		lc.Classes = make(map[string]ratelimit.Limits, len(c.Classes))
		for class, windows := range c.Classes {
			lc.Classes[class] = windows.Limits()
		}
	}
	return lc
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type AuditConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Destinations  []string      `mapstructure:"destinations"`
	RedactPII     *bool         `mapstructure:"redact_pii"`
	Mode          string        `mapstructure:"mode"`
	BufferSize    int           `mapstructure:"buffer_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	Archive       ArchiveConfig `mapstructure:"archive"`
}

type ArchiveConfig struct {
	DSN string `mapstructure:"dsn"`
}

type SessionConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

var cfg *Config

func Load(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.AddConfigPath(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/stinger")
	}

	// Set defaults
	setDefaults()

	// Bind environment variables
	viper.AutomaticEnv()
	bindEnvVars()

	// Read config file if exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	cfg = &config
	return cfg, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.graceful_shutdown", "15s")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")
	viper.SetDefault("logging.output_path", "")

	// CORS defaults
	viper.SetDefault("cors.allowed_origins", []string{"*"})
	viper.SetDefault("cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	viper.SetDefault("cors.allowed_headers", []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"})
	viper.SetDefault("cors.allow_credentials", true)
	viper.SetDefault("cors.max_age", 86400)

	// Pipeline defaults
	viper.SetDefault("pipeline.preset", "basic")
	viper.SetDefault("pipeline.parallel", true)
	viper.SetDefault("pipeline.slack", "500ms")

	// Rate limit defaults
	viper.SetDefault("rate_limit.enabled", true)
	viper.SetDefault("rate_limit.backend", "memory")
	viper.SetDefault("rate_limit.fail_mode", "allow")
	viper.SetDefault("rate_limit.default.per_minute", 60)

	// Redis defaults
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)

	// Audit defaults
	viper.SetDefault("audit.enabled", true)

	// Classifier defaults
	viper.SetDefault("classifier.timeout", "5s")

	// Session defaults
	viper.SetDefault("session.ttl", "30m")
}

func bindEnvVars() {
	// Server
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	viper.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")
	viper.BindEnv("server.idle_timeout", "SERVER_IDLE_TIMEOUT")

	// Logging
	viper.BindEnv("logging.level", "LOG_LEVEL")
	viper.BindEnv("logging.format", "LOG_FORMAT")

	// CORS
	viper.BindEnv("cors.allowed_origins", "CORS_ALLOWED_ORIGINS")

	// Pipeline
	viper.BindEnv("pipeline.preset", "STINGER_PRESET")
	viper.BindEnv("pipeline.parallel", "STINGER_PARALLEL")

	// Rate limiting
	viper.BindEnv("rate_limit.enabled", "RATE_LIMIT_ENABLED")
	viper.BindEnv("rate_limit.backend", "RATE_LIMIT_BACKEND")
	viper.BindEnv("rate_limit.fail_mode", "RATE_LIMIT_FAIL_MODE")
	viper.BindEnv("rate_limit.default.per_minute", "RATE_LIMIT_PER_MINUTE")

	// Redis
	viper.BindEnv("redis.addr", "REDIS_ADDR")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	// Audit
	viper.BindEnv("audit.enabled", "AUDIT_ENABLED")
	viper.BindEnv("audit.destinations", "AUDIT_DESTINATIONS")
	viper.BindEnv("audit.mode", "AUDIT_MODE")
	viper.BindEnv("audit.archive.dsn", "AUDIT_ARCHIVE_DSN", "DATABASE_URL")

	// Classifier
	viper.BindEnv("classifier.base_url", "OPENAI_BASE_URL")
	viper.BindEnv("classifier.api_key", "STINGER_API_KEY", "OPENAI_API_KEY")
	viper.BindEnv("classifier.model", "CLASSIFIER_MODEL")
	viper.BindEnv("classifier.moderation_model", "CLASSIFIER_MODERATION_MODEL")

	// Session
	viper.BindEnv("session.ttl", "SESSION_TTL")
}

func Get() *Config {
	return cfg
}
