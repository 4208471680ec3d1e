// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Extract     ExtractConfig     `mapstructure:"extract"`
	Search      SearchConfig      `mapstructure:"search"`
	LLM         LLMConfig         `mapstructure:"llm"`
	Enhancement EnhancementConfig `mapstructure:"enhancement"`
	Headless    HeadlessConfig    `mapstructure:"headless"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
	Events      EventsConfig      `mapstructure:"events"`
	Seed        SeedConfig        `mapstructure:"seed"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// DatabaseConfig selects the article store.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// QueueConfig selects the job queue and its retry and retention policy.
type QueueConfig struct {
	Driver        string        `mapstructure:"driver"`
	Name          string        `mapstructure:"name"`
	Concurrency   int           `mapstructure:"concurrency"`
	Attempts      int           `mapstructure:"attempts"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
	KeepCompleted int           `mapstructure:"keep_completed"`
	CompletedTTL  time.Duration `mapstructure:"completed_ttl"`
	KeepFailed    int           `mapstructure:"keep_failed"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
}

// RedisConfig addresses the Redis server backing the durable queue.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// BreakerConfig applies to every dependency breaker.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	OpenDuration     time.Duration `mapstructure:"open_duration"`
}

// HTTPConfig configures the resilient outbound client.
type HTTPConfig struct {
	UserAgent    string        `mapstructure:"user_agent"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	MaxRedirects int           `mapstructure:"max_redirects"`
	PerHostRPS   float64       `mapstructure:"per_host_rps"`
	PerHostBurst int           `mapstructure:"per_host_burst"`
}

// ExtractConfig bounds extracted competitor text.
type ExtractConfig struct {
	MinLength int `mapstructure:"min_length"`
	MaxLength int `mapstructure:"max_length"`
}

// SearchConfig configures competitor discovery.
type SearchConfig struct {
	Endpoint         string        `mapstructure:"endpoint"`
	APIKey           string        `mapstructure:"api_key"`
	Timeout          time.Duration `mapstructure:"timeout"`
	QueryMaxLength   int           `mapstructure:"query_max_length"`
	Num              int           `mapstructure:"num"`
	GL               string        `mapstructure:"gl"`
	HL               string        `mapstructure:"hl"`
	Safe             string        `mapstructure:"safe"`
	MinSnippetLength int           `mapstructure:"min_snippet_length"`
	MaxResults       int           `mapstructure:"max_results"`
	ExcludedDomains  []string      `mapstructure:"excluded_domains"`
	ExcludedPatterns []string      `mapstructure:"excluded_patterns"`
}

// LLMConfig selects the synthesis provider and its parameters.
type LLMConfig struct {
	Provider     string        `mapstructure:"provider"`
	Endpoint     string        `mapstructure:"endpoint"`
	APIKey       string        `mapstructure:"api_key"`
	Model        string        `mapstructure:"model"`
	MaxTokens    int           `mapstructure:"max_tokens"`
	Temperature  float64       `mapstructure:"temperature"`
	Timeout      time.Duration `mapstructure:"timeout"`
	PreviewChars int           `mapstructure:"preview_chars"`
	TopN         int           `mapstructure:"top_n"`
}

// EnhancementConfig tunes the pipeline.
type EnhancementConfig struct {
	MinCompetitors    int           `mapstructure:"min_competitors"`
	FetchConcurrency  int           `mapstructure:"fetch_concurrency"`
	JobTimeout        time.Duration `mapstructure:"job_timeout"`
	BatchDefaultLimit int           `mapstructure:"batch_default_limit"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	MaxParallel        int           `mapstructure:"max_parallel"`
	NavTimeout         time.Duration `mapstructure:"nav_timeout"`
	PromotionThreshold int           `mapstructure:"promotion_threshold"`
}

// ArchiveConfig selects where fetched competitor pages are kept.
type ArchiveConfig struct {
	Driver    string `mapstructure:"driver"`
	Bucket    string `mapstructure:"bucket"`
	BaseDir   string `mapstructure:"base_dir"`
	Prefix    string `mapstructure:"prefix"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	PathStyle bool   `mapstructure:"path_style"`
}

// EventsConfig selects the lifecycle event sink.
type EventsConfig struct {
	Driver    string `mapstructure:"driver"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// SeedConfig drives the bootstrap scraper.
type SeedConfig struct {
	StartURL string `mapstructure:"start_url"`
	Count    int    `mapstructure:"count"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ENHANCER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.table", "articles")
	v.SetDefault("database.max_conns", 10)

	v.SetDefault("queue.driver", "memory")
	v.SetDefault("queue.name", "article-enhancement")
	v.SetDefault("queue.concurrency", 3)
	v.SetDefault("queue.attempts", 3)
	v.SetDefault("queue.backoff_base", 5*time.Second)
	v.SetDefault("queue.backoff_max", 5*time.Minute)
	v.SetDefault("queue.keep_completed", 100)
	v.SetDefault("queue.completed_ttl", 24*time.Hour)
	v.SetDefault("queue.keep_failed", 1000)
	v.SetDefault("queue.poll_interval", time.Second)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.open_duration", time.Minute)

	v.SetDefault("http.user_agent", defaultUserAgent)
	v.SetDefault("http.timeout", 15*time.Second)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_base", time.Second)
	v.SetDefault("http.max_redirects", 3)
	v.SetDefault("http.per_host_rps", 0)
	v.SetDefault("http.per_host_burst", 1)

	v.SetDefault("extract.min_length", 500)
	v.SetDefault("extract.max_length", 6000)

	v.SetDefault("search.endpoint", "https://serpapi.com/search")
	v.SetDefault("search.api_key", "")
	v.SetDefault("search.timeout", 10*time.Second)
	v.SetDefault("search.query_max_length", 200)
	v.SetDefault("search.num", 10)
	v.SetDefault("search.gl", "us")
	v.SetDefault("search.hl", "en")
	v.SetDefault("search.safe", "active")
	v.SetDefault("search.min_snippet_length", 100)
	v.SetDefault("search.max_results", 3)
	v.SetDefault("search.excluded_domains", []string{})
	v.SetDefault("search.excluded_patterns", []string{})

	v.SetDefault("llm.provider", "groq")
	v.SetDefault("llm.endpoint", "https://api.groq.com/openai/v1/chat/completions")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "llama-3.3-70b-versatile")
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.timeout", 30*time.Second)
	v.SetDefault("llm.preview_chars", 2000)
	v.SetDefault("llm.top_n", 2)

	v.SetDefault("enhancement.min_competitors", 2)
	v.SetDefault("enhancement.fetch_concurrency", 3)
	v.SetDefault("enhancement.job_timeout", time.Minute)
	v.SetDefault("enhancement.batch_default_limit", 5)

	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", 25*time.Second)
	v.SetDefault("headless.promotion_threshold", 2048)

	v.SetDefault("archive.driver", "none")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.base_dir", "data/archive")
	v.SetDefault("archive.prefix", "competitors")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.path_style", false)

	v.SetDefault("events.driver", "log")
	v.SetDefault("events.project_id", "")
	v.SetDefault("events.topic", "article-enhancement-events")

	v.SetDefault("seed.start_url", "https://beyondchats.com/blogs/")
	v.SetDefault("seed.count", 5)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}

	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}

	switch c.Queue.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("queue.driver %q is not supported", c.Queue.Driver)
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue.concurrency must be > 0")
	}
	if c.Queue.Attempts <= 0 {
		return fmt.Errorf("queue.attempts must be > 0")
	}
	if c.Queue.BackoffBase <= 0 {
		return fmt.Errorf("queue.backoff_base must be > 0")
	}

	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be > 0")
	}
	if c.Breaker.OpenDuration <= 0 {
		return fmt.Errorf("breaker.open_duration must be > 0")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.Search.Timeout <= 0 {
		return fmt.Errorf("search.timeout must be > 0")
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("llm.timeout must be > 0")
	}
	if c.Enhancement.JobTimeout <= 0 {
		return fmt.Errorf("enhancement.job_timeout must be > 0")
	}
	if c.Enhancement.FetchConcurrency <= 0 {
		return fmt.Errorf("enhancement.fetch_concurrency must be > 0")
	}

	if c.Extract.MinLength < 0 || c.Extract.MaxLength <= 0 {
		return fmt.Errorf("extract lengths must be positive")
	}
	if c.Extract.MinLength > c.Extract.MaxLength {
		return fmt.Errorf("extract.min_length (%d) exceeds extract.max_length (%d)",
			c.Extract.MinLength, c.Extract.MaxLength)
	}
	if c.Enhancement.MinCompetitors > c.Search.MaxResults {
		return fmt.Errorf("enhancement.min_competitors (%d) exceeds search.max_results (%d)",
			c.Enhancement.MinCompetitors, c.Search.MaxResults)
	}

	switch c.LLM.Provider {
	case "groq", "openai", "anthropic":
	default:
		return fmt.Errorf("llm.provider %q is not supported", c.LLM.Provider)
	}

	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}

	switch c.Archive.Driver {
	case "none", "memory":
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir must be set for the local driver")
		}
	case "gcs", "s3":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set for the %s driver", c.Archive.Driver)
		}
	default:
		return fmt.Errorf("archive.driver %q is not supported", c.Archive.Driver)
	}

	switch c.Events.Driver {
	case "log", "memory":
	case "pubsub":
		if c.Events.ProjectID == "" {
			return fmt.Errorf("events.project_id must be set for the pubsub driver")
		}
		if c.Events.Topic == "" {
			return fmt.Errorf("events.topic must be set for the pubsub driver")
		}
	default:
		return fmt.Errorf("events.driver %q is not supported", c.Events.Driver)
	}
	return nil
}

// StaleProcessingAfter is how long an article or active job may sit in
// processing before it is treated as abandoned.
func (c Config) StaleProcessingAfter() time.Duration {
	return 2 * c.Enhancement.JobTimeout
}

// QueueBackoffMax bounds retry delays, falling back to the base when unset.
func (c Config) QueueBackoffMax() time.Duration {
	if c.Queue.BackoffMax < c.Queue.BackoffBase {
		return c.Queue.BackoffBase
	}
	return c.Queue.BackoffMax
}
