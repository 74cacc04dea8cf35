package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Page and sink failure policies.
const (
	PolicySkip  = "skip"
	PolicyAbort = "abort"
)

// Endpoint template placeholders.
const (
	OffsetPlaceholder = "{offset}"
	LimitPlaceholder  = "{limit}"
)

// Selectors holds the CSS selectors used to pull review fields out of a listing page.
type Selectors struct {
	Item        string `yaml:"item"`
	Rating      string `yaml:"rating"`
	RatingAttr  string `yaml:"rating_attr"`
	ReviewText  string `yaml:"review_text"`
	UsefulCount string `yaml:"useful_count"`
}

// Config holds scraper configuration.
type Config struct {
	Endpoint string `yaml:"endpoint"`
	PageSize int    `yaml:"page_size"`
	MaxPages int    `yaml:"max_pages"`

	MaxConcurrent   int           `yaml:"max_concurrent"`
	BaseSpacing     time.Duration `yaml:"base_spacing"`
	MaxSpacing      time.Duration `yaml:"max_spacing"`
	AdaptiveSpacing bool          `yaml:"adaptive_spacing"`
	RecoverAfter    int           `yaml:"recover_after"`

	MaxAttempts         int           `yaml:"max_attempts"`
	BackoffBase         time.Duration `yaml:"backoff_base"`
	BackoffCap          time.Duration `yaml:"backoff_cap"`
	BackoffJitter       float64       `yaml:"backoff_jitter"`
	RateLimitFloor      time.Duration `yaml:"rate_limit_floor"`
	ForbiddenIsThrottle bool          `yaml:"forbidden_is_throttle"`

	PageFailurePolicy   string        `yaml:"page_failure_policy"` // skip or abort
	MaxConsecutiveSkips int           `yaml:"max_consecutive_skips"`
	SinkFailurePolicy   string        `yaml:"sink_failure_policy"` // skip or abort
	DrainTimeout        time.Duration `yaml:"drain_timeout"`

	Timeout        time.Duration `yaml:"timeout"`
	UserAgents     []string      `yaml:"user_agents"`
	Accept         string        `yaml:"accept"`
	AcceptLanguage string        `yaml:"accept_language"`
	Cookies        string        `yaml:"cookies"`
	Proxies        []string      `yaml:"proxies"`
	Selectors      Selectors     `yaml:"selectors"`

	OutputFile    string `yaml:"output_file"`
	OutputFormat  string `yaml:"output_format"` // csv, json, dual, or sqlite
	BatchSize     int    `yaml:"batch_size"`
	Dedupe        bool   `yaml:"dedupe"`
	DedupeMaxSize int    `yaml:"dedupe_max_size"`

	MetricsAddr string `yaml:"metrics_addr"`
	Verbose     bool   `yaml:"verbose"`
}

// DefaultUserAgents is the rotating pool used when none is configured.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Edge/91.0.864.59 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:89.0) Gecko/20100101 Firefox/89.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/14.1.1 Safari/605.1.15",
}

// DefaultSelectors matches the short-review listing markup.
func DefaultSelectors() Selectors {
	return Selectors{
		Item:        "#comments > div.comment-item",
		Rating:      "span.rating",
		RatingAttr:  "title",
		ReviewText:  "span.short",
		UsefulCount: "span.votes",
	}
}

// DefaultConfig returns conservative defaults for the review listing target.
func DefaultConfig() *Config {
	return &Config{
		Endpoint:            "https://movie.douban.com/subject/26727273/comments?start={offset}&limit={limit}&status=P&sort=new_score",
		PageSize:            20,
		MaxPages:            500,
		MaxConcurrent:       1,
		BaseSpacing:         2 * time.Second,
		MaxSpacing:          60 * time.Second,
		AdaptiveSpacing:     true,
		RecoverAfter:        5,
		MaxAttempts:         4,
		BackoffBase:         500 * time.Millisecond,
		BackoffCap:          30 * time.Second,
		BackoffJitter:       0.2,
		RateLimitFloor:      5 * time.Second,
		ForbiddenIsThrottle: true,
		PageFailurePolicy:   PolicySkip,
		MaxConsecutiveSkips: 3,
		SinkFailurePolicy:   PolicySkip,
		DrainTimeout:        5 * time.Second,
		Timeout:             15 * time.Second,
		UserAgents:          append([]string(nil), DefaultUserAgents...),
		Accept:              "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		AcceptLanguage:      "en",
		Selectors:           DefaultSelectors(),
		OutputFile:          "output/reviews.csv",
		OutputFormat:        "csv",
		BatchSize:           64,
		Dedupe:              false,
		DedupeMaxSize:       100000,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}
	if !strings.Contains(c.Endpoint, OffsetPlaceholder) {
		return fmt.Errorf("endpoint must contain %s", OffsetPlaceholder)
	}
	parsedURL, err := url.Parse(c.PageURL(0))
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("endpoint must include a host")
	}

	if c.PageSize <= 0 {
		return fmt.Errorf("page size must be positive")
	}
	if c.MaxPages <= 0 {
		return fmt.Errorf("max pages must be positive")
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max concurrent must be positive")
	}
	if c.BaseSpacing < 0 {
		return fmt.Errorf("base spacing cannot be negative")
	}
	if c.MaxSpacing < 0 {
		return fmt.Errorf("max spacing cannot be negative")
	}
	if c.BaseSpacing > c.MaxSpacing {
		return fmt.Errorf("base spacing (%s) cannot exceed max spacing (%s)", c.BaseSpacing, c.MaxSpacing)
	}
	if c.RecoverAfter <= 0 {
		return fmt.Errorf("recover after must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	if c.BackoffBase < 0 {
		return fmt.Errorf("backoff base cannot be negative")
	}
	if c.BackoffCap < 0 {
		return fmt.Errorf("backoff cap cannot be negative")
	}
	if c.BackoffCap > 0 && c.BackoffBase > c.BackoffCap {
		return fmt.Errorf("backoff base (%s) cannot exceed backoff cap (%s)", c.BackoffBase, c.BackoffCap)
	}
	if c.BackoffJitter < 0 || c.BackoffJitter > 1 {
		return fmt.Errorf("backoff jitter must be between 0 and 1")
	}
	if c.RateLimitFloor < 0 {
		return fmt.Errorf("rate limit floor cannot be negative")
	}
	if c.PageFailurePolicy != PolicySkip && c.PageFailurePolicy != PolicyAbort {
		return fmt.Errorf("page failure policy must be skip or abort")
	}
	if c.MaxConsecutiveSkips <= 0 {
		return fmt.Errorf("max consecutive skips must be positive")
	}
	if c.SinkFailurePolicy != PolicySkip && c.SinkFailurePolicy != PolicyAbort {
		return fmt.Errorf("sink failure policy must be skip or abort")
	}
	if c.DrainTimeout < 0 {
		return fmt.Errorf("drain timeout cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if len(c.UserAgents) == 0 {
		return fmt.Errorf("user agent pool cannot be empty")
	}
	for _, ua := range c.UserAgents {
		if strings.TrimSpace(ua) == "" {
			return fmt.Errorf("user agent cannot be empty")
		}
	}
	for _, p := range c.Proxies {
		u, err := url.Parse(p)
		if err != nil || u.Host == "" {
			return fmt.Errorf("invalid proxy url %q", p)
		}
	}
	if c.Selectors.Item == "" {
		return fmt.Errorf("item selector cannot be empty")
	}
	if c.OutputFile == "" {
		return fmt.Errorf("output file cannot be empty")
	}
	switch c.OutputFormat {
	case "csv", "json", "dual", "sqlite":
	default:
		return fmt.Errorf("output format must be csv, json, dual, or sqlite")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.Dedupe && c.DedupeMaxSize <= 0 {
		return fmt.Errorf("dedupe max size must be positive when dedupe is enabled")
	}

	return nil
}

// PageURL expands the endpoint template for the given offset.
func (c *Config) PageURL(offset int) string {
	r := strings.NewReplacer(
		OffsetPlaceholder, fmt.Sprint(offset),
		LimitPlaceholder, fmt.Sprint(c.PageSize),
	)
	return r.Replace(c.Endpoint)
}
