package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name: "zero page size",
			mutate: func(cfg *Config) {
				cfg.PageSize = 0
			},
			wantErr: "page size",
		},
		{
			name: "zero max pages",
			mutate: func(cfg *Config) {
				cfg.MaxPages = 0
			},
			wantErr: "max pages",
		},
		{
			name: "negative concurrency",
			mutate: func(cfg *Config) {
				cfg.MaxConcurrent = -1
			},
			wantErr: "max concurrent",
		},
		{
			name: "empty endpoint",
			mutate: func(cfg *Config) {
				cfg.Endpoint = ""
			},
			wantErr: "endpoint",
		},
		{
			name: "endpoint without offset",
			mutate: func(cfg *Config) {
				cfg.Endpoint = "https://example.test/comments?limit={limit}"
			},
			wantErr: "{offset}",
		},
		{
			name: "endpoint without host",
			mutate: func(cfg *Config) {
				cfg.Endpoint = "http:///comments?start={offset}"
			},
			wantErr: "host",
		},
		{
			name: "spacing inverted",
			mutate: func(cfg *Config) {
				cfg.BaseSpacing = time.Minute
				cfg.MaxSpacing = time.Second
			},
			wantErr: "base spacing",
		},
		{
			name: "backoff inverted",
			mutate: func(cfg *Config) {
				cfg.BackoffBase = time.Minute
				cfg.BackoffCap = time.Second
			},
			wantErr: "backoff base",
		},
		{
			name: "unknown page policy",
			mutate: func(cfg *Config) {
				cfg.PageFailurePolicy = "retry"
			},
			wantErr: "page failure policy",
		},
		{
			name: "unknown sink policy",
			mutate: func(cfg *Config) {
				cfg.SinkFailurePolicy = ""
			},
			wantErr: "sink failure policy",
		},
		{
			name: "empty user agent pool",
			mutate: func(cfg *Config) {
				cfg.UserAgents = nil
			},
			wantErr: "user agent",
		},
		{
			name: "bad proxy",
			mutate: func(cfg *Config) {
				cfg.Proxies = []string{"::"}
			},
			wantErr: "proxy",
		},
		{
			name: "unknown format",
			mutate: func(cfg *Config) {
				cfg.OutputFormat = "xlsx"
			},
			wantErr: "output format",
		},
		{
			name: "negative timeout",
			mutate: func(cfg *Config) {
				cfg.Timeout = -1 * time.Second
			},
			wantErr: "timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
}

func TestPageURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Endpoint = "http://example.test/comments?start={offset}&limit={limit}"
	cfg.PageSize = 20

	if got, want := cfg.PageURL(40), "http://example.test/comments?start=40&limit=20"; got != want {
		t.Fatalf("PageURL(40) = %q, want %q", got, want)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("SCRAPER_PAGES", "7")
	t.Setenv("SCRAPER_BASE_SPACING", "250ms")
	t.Setenv("SCRAPER_PROXIES", "http://p1:8080, http://p2:8080")
	t.Setenv("SCRAPER_FORMAT", "json")

	cfg := DefaultConfig()
	if err := ApplyEnv(cfg); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.MaxPages != 7 {
		t.Fatalf("max pages = %d, want 7", cfg.MaxPages)
	}
	if cfg.BaseSpacing != 250*time.Millisecond {
		t.Fatalf("base spacing = %s, want 250ms", cfg.BaseSpacing)
	}
	if len(cfg.Proxies) != 2 || cfg.Proxies[1] != "http://p2:8080" {
		t.Fatalf("proxies = %v", cfg.Proxies)
	}
	if cfg.OutputFormat != "json" {
		t.Fatalf("format = %q, want json", cfg.OutputFormat)
	}
}

func TestApplyEnvInvalidInt(t *testing.T) {
	t.Setenv("SCRAPER_PARALLEL", "many")

	if err := ApplyEnv(DefaultConfig()); err == nil || !strings.Contains(err.Error(), "SCRAPER_PARALLEL") {
		t.Fatalf("expected SCRAPER_PARALLEL error, got %v", err)
	}
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scraper.yaml")
	content := `
page_size: 10
base_spacing: 3s
page_failure_policy: abort
selectors:
  item: div.review
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := DefaultConfig()
	if err := LoadFile(path, cfg); err != nil {
		t.Fatalf("load file: %v", err)
	}
	if cfg.PageSize != 10 || cfg.BaseSpacing != 3*time.Second || cfg.PageFailurePolicy != PolicyAbort {
		t.Fatalf("unexpected overlay: %+v", cfg)
	}
	if cfg.Selectors.Item != "div.review" {
		t.Fatalf("item selector = %q", cfg.Selectors.Item)
	}
	if cfg.MaxPages != DefaultConfig().MaxPages {
		t.Fatalf("max pages should keep default, got %d", cfg.MaxPages)
	}
}

func TestLoadFileMissing(t *testing.T) {
	err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"), DefaultConfig())
	if err != ErrConfigNotFound {
		t.Fatalf("expected ErrConfigNotFound, got %v", err)
	}
}
