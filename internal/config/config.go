// Package config loads gateway configuration from an optional YAML file with
// GATEWAY_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/OverClawApp/releases-sub001/internal/logging"
)

const EnvPrefix = "GATEWAY"

type Config struct {
	Server     ServerConfig        `mapstructure:"server"`
	Logging    logging.Config      `mapstructure:"logging"`
	Upstream   UpstreamConfig      `mapstructure:"upstream"`
	Queue      QueueConfig         `mapstructure:"queue"`
	Keys       KeysConfig          `mapstructure:"keys"`
	Classifier ClassifierConfig    `mapstructure:"classifier"`
	Billing    BillingConfig       `mapstructure:"billing"`
	RateLimit  RateLimitConfig     `mapstructure:"ratelimit"`
	Admin      AdminConfig         `mapstructure:"admin"`
	Models     []ModelConfig       `mapstructure:"models"`
	Routes     map[string][]string `mapstructure:"routes"`
}

type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

type UpstreamConfig struct {
	MaxRetries  int           `mapstructure:"max_retries"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// RequestTimeout bounds a whole fallback run. Zero disables it.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type QueueConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	MinConcurrent int           `mapstructure:"min_concurrent"`
	PerKey        int           `mapstructure:"per_key"`
}

type KeysConfig struct {
	Cooldown  time.Duration `mapstructure:"cooldown"`
	MaxSuffix int           `mapstructure:"max_suffix"`
	// Extra lists credentials per key namespace in addition to the environment.
	Extra map[string][]string `mapstructure:"extra"`
}

type ClassifierConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Model    string        `mapstructure:"model"`
	KeyEnv   string        `mapstructure:"key_env"`
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxChars int           `mapstructure:"max_chars"`
}

type BillingConfig struct {
	Backend       string          `mapstructure:"backend"` // memory | redis | supabase
	MinBalance    int64           `mapstructure:"min_balance"`
	ReportTimeout time.Duration   `mapstructure:"report_timeout"`
	UsageLimit    int             `mapstructure:"usage_limit"`
	Redis         RedisConfig     `mapstructure:"redis"`
	Supabase      SupabaseConfig  `mapstructure:"supabase"`
	Accounts      []AccountConfig `mapstructure:"accounts"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type SupabaseConfig struct {
	URL        string        `mapstructure:"url"`
	ServiceKey string        `mapstructure:"service_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// AccountConfig seeds the in-memory ledger.
type AccountConfig struct {
	Token   string `mapstructure:"token"`
	UserID  string `mapstructure:"user_id"`
	Balance int64  `mapstructure:"balance"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"` // zero disables inbound limiting
	Burst int     `mapstructure:"burst"`
}

type AdminConfig struct {
	Token string `mapstructure:"token"`
}

// ModelConfig overrides or extends the built-in model catalog.
type ModelConfig struct {
	ID              string   `mapstructure:"id" yaml:"id"`
	Provider        string   `mapstructure:"provider" yaml:"provider"`
	Protocol        string   `mapstructure:"protocol" yaml:"protocol"`
	UpstreamModel   string   `mapstructure:"upstream_model" yaml:"upstream_model"`
	BaseURL         string   `mapstructure:"base_url" yaml:"base_url"`
	KeyEnv          string   `mapstructure:"key_env" yaml:"key_env"`
	CostPer1KInput  float64  `mapstructure:"cost_per_1k_input" yaml:"cost_per_1k_input"`
	CostPer1KOutput float64  `mapstructure:"cost_per_1k_output" yaml:"cost_per_1k_output"`
	MaxContext      int      `mapstructure:"max_context" yaml:"max_context"`
	Capabilities    []string `mapstructure:"capabilities" yaml:"capabilities"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_header_timeout", 5*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 15)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)

	v.SetDefault("upstream.max_retries", 2)
	v.SetDefault("upstream.retry_delay", time.Second)
	v.SetDefault("upstream.dial_timeout", 30*time.Second)
	v.SetDefault("upstream.request_timeout", time.Duration(0))

	v.SetDefault("queue.timeout", 30*time.Second)
	v.SetDefault("queue.min_concurrent", 3)
	v.SetDefault("queue.per_key", 3)

	v.SetDefault("keys.cooldown", 60*time.Second)
	v.SetDefault("keys.max_suffix", 20)

	v.SetDefault("classifier.base_url", "https://api.openai.com/v1")
	v.SetDefault("classifier.model", "gpt-4.1-mini")
	v.SetDefault("classifier.key_env", "OPENAI_API_KEY")
	v.SetDefault("classifier.timeout", 10*time.Second)
	v.SetDefault("classifier.max_chars", 500)

	v.SetDefault("billing.backend", "memory")
	v.SetDefault("billing.min_balance", 2000)
	v.SetDefault("billing.report_timeout", 10*time.Second)
	v.SetDefault("billing.usage_limit", 100)
	v.SetDefault("billing.redis.addr", "localhost:6379")
	v.SetDefault("billing.redis.password", "")
	v.SetDefault("billing.redis.db", 0)
	v.SetDefault("billing.redis.prefix", "gateway")
	v.SetDefault("billing.supabase.url", "")
	v.SetDefault("billing.supabase.service_key", "")
	v.SetDefault("billing.supabase.timeout", 10*time.Second)

	v.SetDefault("ratelimit.rps", 0.0)
	v.SetDefault("ratelimit.burst", 0)

	v.SetDefault("admin.token", "")
}

// Load reads path (or ./gateway.yaml when path is empty and the file exists),
// applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// The ledger credentials keep their conventional names.
	_ = v.BindEnv("billing.supabase.url", EnvPrefix+"_BILLING_SUPABASE_URL", "SUPABASE_URL")
	_ = v.BindEnv("billing.supabase.service_key", EnvPrefix+"_BILLING_SUPABASE_SERVICE_KEY", "SUPABASE_SERVICE_ROLE_KEY")
	_ = v.BindEnv("admin.token", EnvPrefix+"_ADMIN_TOKEN", "ADMIN_TOKEN")

	v.SetConfigType("yaml")
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("gateway")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Billing.Backend {
	case "memory", "redis", "supabase":
	default:
		return fmt.Errorf("billing.backend must be memory, redis or supabase, got %q", c.Billing.Backend)
	}
	if c.Billing.Backend == "supabase" && (c.Billing.Supabase.URL == "" || c.Billing.Supabase.ServiceKey == "") {
		return errors.New("billing.supabase.url and billing.supabase.service_key are required for the supabase backend")
	}
	if c.Queue.Timeout <= 0 {
		return errors.New("queue.timeout must be positive")
	}
	if c.Upstream.MaxRetries < 0 {
		return errors.New("upstream.max_retries must not be negative")
	}
	if c.Upstream.RequestTimeout < 0 {
		return errors.New("upstream.request_timeout must not be negative")
	}
	for i, m := range c.Models {
		if strings.TrimSpace(m.ID) == "" {
			return fmt.Errorf("models[%d]: id is required", i)
		}
	}
	return nil
}
