// Package config loads the application configuration from defaults, an
// optional YAML file and PRECATORIOS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/precatorios/precatorios-client/pkg/cache"
	"github.com/precatorios/precatorios-client/pkg/client"
	"github.com/precatorios/precatorios-client/pkg/crawler"
	"github.com/precatorios/precatorios-client/pkg/logging"
	"github.com/precatorios/precatorios-client/pkg/pagination"
	"github.com/precatorios/precatorios-client/pkg/precatorio"
	"github.com/precatorios/precatorios-client/pkg/query"
	"github.com/precatorios/precatorios-client/pkg/ratelimit"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "PRECATORIOS"

// Config is the application configuration. It is not modified after Load
// returns.
type Config struct {
	APIURL      string `mapstructure:"api_url"`
	ResourceKey string `mapstructure:"resource_key"`
	ModelID     int64  `mapstructure:"model_id"`
	UserAgent   string `mapstructure:"user_agent"`
	WireFormat  string `mapstructure:"wire_format"`

	PageSize int `mapstructure:"page_size"`
	MaxPages int `mapstructure:"max_pages"`

	PageCacheTTL   time.Duration `mapstructure:"page_cache_ttl"`
	EntityCacheTTL time.Duration `mapstructure:"entity_cache_ttl"`

	// MaxRetries is the total number of attempts per page, the first
	// included.
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	RetryJitter    time.Duration `mapstructure:"retry_jitter"`

	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	CrawlTimeout   time.Duration `mapstructure:"crawl_timeout"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	RateLimitPause time.Duration `mapstructure:"rate_limit_pause"`

	RedisAddr    string `mapstructure:"redis_addr"`
	EntitiesFile string `mapstructure:"entities_file"`

	LogLevel  string `mapstructure:"log_level"`
	LogPretty bool   `mapstructure:"log_pretty"`

	ServerAddr string `mapstructure:"server_addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	retry := client.DefaultRetryConfig()
	pages := pagination.DefaultConfig()
	return Config{
		APIURL:         client.DefaultAPIURL,
		ResourceKey:    query.DefaultResourceKey,
		ModelID:        query.DefaultModelID,
		UserAgent:      "precatorios-client/0.1.0",
		WireFormat:     client.FormatColumnar,
		PageSize:       pages.PageSize,
		MaxPages:       pages.MaxPages,
		PageCacheTTL:   cache.DefaultPageTTL,
		EntityCacheTTL: cache.DefaultEntityTTL,
		MaxRetries:     retry.MaxAttempts,
		InitialBackoff: retry.InitialBackoff,
		MaxBackoff:     retry.MaxBackoff,
		RetryJitter:    retry.MaxJitter,
		RequestTimeout: pages.RequestTimeout,
		CrawlTimeout:   pages.CrawlTimeout,
		MaxConcurrency: ratelimit.DefaultMaxConcurrency,
		RateLimitPause: ratelimit.DefaultCooldown,
		LogLevel:       string(logging.LevelInfo),
		ServerAddr:     ":8080",
	}
}

// Load reads the configuration. An empty cfgFile looks for precatorios.yaml
// in the working directory and $HOME/.precatorios; a missing file is not an
// error unless cfgFile names it explicitly.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("precatorios")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.precatorios")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, precatorio.Errorf(precatorio.ErrInvalidConfiguration, precatorio.StageConfigure,
				"read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, precatorio.Errorf(precatorio.ErrInvalidConfiguration, precatorio.StageConfigure,
			"decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("api_url", d.APIURL)
	v.SetDefault("resource_key", d.ResourceKey)
	v.SetDefault("model_id", d.ModelID)
	v.SetDefault("user_agent", d.UserAgent)
	v.SetDefault("wire_format", d.WireFormat)
	v.SetDefault("page_size", d.PageSize)
	v.SetDefault("max_pages", d.MaxPages)
	v.SetDefault("page_cache_ttl", d.PageCacheTTL)
	v.SetDefault("entity_cache_ttl", d.EntityCacheTTL)
	v.SetDefault("max_retries", d.MaxRetries)
	v.SetDefault("initial_backoff", d.InitialBackoff)
	v.SetDefault("max_backoff", d.MaxBackoff)
	v.SetDefault("retry_jitter", d.RetryJitter)
	v.SetDefault("request_timeout", d.RequestTimeout)
	v.SetDefault("crawl_timeout", d.CrawlTimeout)
	v.SetDefault("max_concurrency", d.MaxConcurrency)
	v.SetDefault("rate_limit_pause", d.RateLimitPause)
	v.SetDefault("redis_addr", d.RedisAddr)
	v.SetDefault("entities_file", d.EntitiesFile)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_pretty", d.LogPretty)
	v.SetDefault("server_addr", d.ServerAddr)
}

// Validate reports every invalid setting in one InvalidConfiguration error.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if u, err := url.Parse(c.APIURL); err != nil || u.Scheme == "" || u.Host == "" {
		add("api_url %q is not an absolute URL", c.APIURL)
	}
	if strings.TrimSpace(c.ResourceKey) == "" {
		add("resource_key is required")
	}
	if _, err := client.CodecFor(c.WireFormat); err != nil {
		add("wire_format %q is not one of %s, %s", c.WireFormat, client.FormatColumnar, client.FormatDSR)
	}
	if c.PageSize <= 0 {
		add("page_size must be positive")
	}
	if c.MaxPages <= 0 {
		add("max_pages must be positive")
	}
	if c.MaxRetries < 1 {
		add("max_retries must be at least 1")
	}
	if c.MaxConcurrency <= 0 {
		add("max_concurrency must be positive")
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"page_cache_ttl", c.PageCacheTTL},
		{"entity_cache_ttl", c.EntityCacheTTL},
		{"initial_backoff", c.InitialBackoff},
		{"max_backoff", c.MaxBackoff},
		{"retry_jitter", c.RetryJitter},
		{"request_timeout", c.RequestTimeout},
		{"crawl_timeout", c.CrawlTimeout},
		{"rate_limit_pause", c.RateLimitPause},
	} {
		if d.value < 0 {
			add("%s must not be negative", d.name)
		}
	}
	if c.MaxBackoff > 0 && c.InitialBackoff > c.MaxBackoff {
		add("initial_backoff exceeds max_backoff")
	}
	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug", "info", "warn", "warning", "error", "disabled", "off":
	default:
		add("log_level %q is not recognised", c.LogLevel)
	}

	if len(problems) == 0 {
		return nil
	}
	return precatorio.Errorf(precatorio.ErrInvalidConfiguration, precatorio.StageConfigure,
		"%s", strings.Join(problems, "; "))
}

// Pagination returns the driver configuration.
func (c *Config) Pagination() pagination.Config {
	return pagination.Config{
		PageSize:       c.PageSize,
		MaxPages:       c.MaxPages,
		RequestTimeout: c.RequestTimeout,
		CrawlTimeout:   c.CrawlTimeout,
	}
}

// Retry returns the retry policy configuration.
func (c *Config) Retry() client.RetryConfig {
	return client.RetryConfig{
		MaxAttempts:    c.MaxRetries,
		InitialBackoff: c.InitialBackoff,
		MaxBackoff:     c.MaxBackoff,
		MaxJitter:      c.RetryJitter,
	}
}

// Cache returns the request cache configuration.
func (c *Config) Cache() cache.Config {
	return cache.Config{PageTTL: c.PageCacheTTL, EntityTTL: c.EntityCacheTTL}
}

// Query returns the request builder configuration.
func (c *Config) Query() query.Config {
	return query.Config{ResourceKey: c.ResourceKey, ModelID: c.ModelID}
}

// Gate returns the admission gate configuration.
func (c *Config) Gate() ratelimit.Config {
	return ratelimit.Config{MaxConcurrency: c.MaxConcurrency, DefaultCooldown: c.RateLimitPause}
}

// Crawler returns the crawl session configuration.
func (c *Config) Crawler() crawler.Config {
	return crawler.Config{
		Pagination:     c.Pagination(),
		Query:          c.Query(),
		Retry:          c.Retry(),
		MaxConcurrency: c.MaxConcurrency,
	}
}

// Logging returns the logger configuration.
func (c *Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(strings.ToLower(c.LogLevel))
	cfg.Pretty = c.LogPretty
	cfg.Service = "precatorios"
	return cfg
}
