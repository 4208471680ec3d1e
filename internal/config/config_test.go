package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Fatalf("unexpected server defaults: %+v", cfg.Server)
	}
	if cfg.Queue.Name != "article-enhancement" || cfg.Queue.Attempts != 3 || cfg.Queue.BackoffBase != 5*time.Second {
		t.Fatalf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.Extract.MinLength != 500 || cfg.Extract.MaxLength != 6000 {
		t.Fatalf("unexpected extract defaults: %+v", cfg.Extract)
	}
	if cfg.Search.MaxResults != 3 || cfg.Search.MinSnippetLength != 100 || cfg.Search.Safe != "active" {
		t.Fatalf("unexpected search defaults: %+v", cfg.Search)
	}
	if cfg.LLM.Model != "llama-3.3-70b-versatile" || cfg.LLM.TopN != 2 || cfg.LLM.Temperature != 0.7 {
		t.Fatalf("unexpected llm defaults: %+v", cfg.LLM)
	}
	if cfg.Enhancement.MinCompetitors != 2 || cfg.Enhancement.BatchDefaultLimit != 5 {
		t.Fatalf("unexpected enhancement defaults: %+v", cfg.Enhancement)
	}
	if cfg.Breaker.FailureThreshold != 5 || cfg.Breaker.OpenDuration != time.Minute {
		t.Fatalf("unexpected breaker defaults: %+v", cfg.Breaker)
	}
	if !strings.Contains(cfg.HTTP.UserAgent, "Chrome/120") {
		t.Fatalf("unexpected user agent %q", cfg.HTTP.UserAgent)
	}
	if got := cfg.QueueBackoffMax(); got != 5*time.Minute {
		t.Fatalf("expected backoff max 5m, got %v", got)
	}
	if got := cfg.StaleProcessingAfter(); got != 2*time.Minute {
		t.Fatalf("expected stale window of two job timeouts, got %v", got)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
database:
  driver: postgres
  dsn: postgres://localhost/articles
queue:
  driver: redis
  concurrency: 6
  backoff_base: 2s
  backoff_max: 1s
search:
  api_key: serp
  excluded_domains: [medium.com, reddit.com]
llm:
  provider: anthropic
  api_key: key
  timeout: 45s
archive:
  driver: s3
  bucket: pages
  region: us-east-1
events:
  driver: pubsub
  project_id: proj
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Database.Driver != "postgres" || cfg.Database.MaxConns != 10 {
		t.Fatalf("expected database overrides to apply: %+v", cfg.Database)
	}
	if cfg.Queue.Driver != "redis" || cfg.Queue.Concurrency != 6 {
		t.Fatalf("expected queue overrides to apply: %+v", cfg.Queue)
	}
	if len(cfg.Search.ExcludedDomains) != 2 || cfg.Search.ExcludedDomains[1] != "reddit.com" {
		t.Fatalf("expected excluded domains to load: %v", cfg.Search.ExcludedDomains)
	}
	if cfg.LLM.Provider != "anthropic" || cfg.LLM.Timeout != 45*time.Second {
		t.Fatalf("expected llm overrides to apply: %+v", cfg.LLM)
	}
	if cfg.Archive.Prefix != "competitors" || cfg.Events.Topic != "article-enhancement-events" {
		t.Fatalf("expected untouched defaults to survive")
	}
	if cfg.Logging.Development {
		t.Fatalf("expected production logging")
	}
	if got := cfg.QueueBackoffMax(); got != 2*time.Second {
		t.Fatalf("expected backoff max clamped to base, got %v", got)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("ENHANCER_SERVER_PORT", "7070")
	t.Setenv("ENHANCER_SEARCH_API_KEY", "from-env")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 || cfg.Search.APIKey != "from-env" {
		t.Fatalf("expected env overrides, got port=%d key=%q", cfg.Server.Port, cfg.Search.APIKey)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "invalid concurrency", mutate: func(c *Config) { c.Queue.Concurrency = 0 }, want: "queue.concurrency"},
		{name: "invalid attempts", mutate: func(c *Config) { c.Queue.Attempts = 0 }, want: "queue.attempts"},
		{name: "invalid timeout", mutate: func(c *Config) { c.HTTP.Timeout = 0 }, want: "http.timeout"},
		{name: "invalid job timeout", mutate: func(c *Config) { c.Enhancement.JobTimeout = 0 }, want: "enhancement.job_timeout"},
		{
			name:   "extract bounds inverted",
			mutate: func(c *Config) { c.Extract.MinLength = 7000 },
			want:   "extract.min_length",
		},
		{
			name:   "min competitors above max results",
			mutate: func(c *Config) { c.Enhancement.MinCompetitors = 4 },
			want:   "enhancement.min_competitors",
		},
		{
			name:   "auth missing api key",
			mutate: func(c *Config) { c.Auth.Enabled = true },
			want:   "auth.api_key",
		},
		{
			name:   "postgres missing dsn",
			mutate: func(c *Config) { c.Database.Driver = "postgres" },
			want:   "database.dsn",
		},
		{
			name:   "gcs missing bucket",
			mutate: func(c *Config) { c.Archive.Driver = "gcs" },
			want:   "archive.bucket",
		},
		{
			name:   "pubsub missing project",
			mutate: func(c *Config) { c.Events.Driver = "pubsub" },
			want:   "events.project_id",
		},
		{
			name:   "unknown provider",
			mutate: func(c *Config) { c.LLM.Provider = "mystery" },
			want:   "llm.provider",
		},
		{
			name: "headless missing max parallel",
			mutate: func(c *Config) {
				c.Headless.Enabled = true
				c.Headless.MaxParallel = 0
			},
			want: "headless.max_parallel",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
