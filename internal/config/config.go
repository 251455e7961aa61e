package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"archivecrawler/pkg/types"
)

// Config captures everything required to run one archive backfill.
type Config struct {
	Source     SourceConfig     `yaml:"source"`
	Sections   []SectionConfig  `yaml:"sections"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Crawl      CrawlConfig      `yaml:"crawl"`
	Extract    ExtractConfig    `yaml:"extract"`
	Robots     RobotsConfig     `yaml:"robots"`
	Rendering  RenderingConfig  `yaml:"rendering"`
	Export     ExportConfig     `yaml:"export"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// SourceConfig identifies the archive and how its documents are labelled.
type SourceConfig struct {
	Name           string `yaml:"name"`
	BaseURL        string `yaml:"base_url"`
	Language       string `yaml:"language"`
	LanguageSuffix string `yaml:"language_suffix"`
	HealthPath     string `yaml:"health_path"`
}

// SectionConfig declares one infinite-scroll listing page.
type SectionConfig struct {
	Name            string `yaml:"name"`
	ListingPath     string `yaml:"listing_path"`
	DefaultCategory string `yaml:"default_category"`
	LinkPattern     string `yaml:"link_pattern"`
}

// ClassifierConfig is the ordered rule table used to categorise documents.
type ClassifierConfig struct {
	DefaultCategory string           `yaml:"default_category"`
	Rules           []ClassifierRule `yaml:"rules"`
}

// ClassifierRule maps a category to the patterns that select it.
type ClassifierRule struct {
	Category string   `yaml:"category"`
	Patterns []string `yaml:"patterns"`
}

// CrawlConfig controls HTTP fetching and politeness.
type CrawlConfig struct {
	UserAgent      string            `yaml:"user_agent"`
	Headers        map[string]string `yaml:"headers"`
	ProxyURL       string            `yaml:"proxy_url"`
	RequestTimeout Duration          `yaml:"request_timeout"`
	CrawlDelay     Duration          `yaml:"crawl_delay"`
	MaxRetries     int               `yaml:"max_retries"`
	RetryBackoff   Duration          `yaml:"retry_backoff"`
	MaxBodyBytes   int64             `yaml:"max_body_bytes"`
	Lookback       Duration          `yaml:"lookback"`
}

// ExtractConfig tunes main-content extraction.
type ExtractConfig struct {
	MinContainerLength int      `yaml:"min_container_length"`
	MinTextLength      int      `yaml:"min_text_length"`
	DropSelectors      []string `yaml:"drop_selectors"`
	ContentSelectors   []string `yaml:"content_selectors"`
	Readability        bool     `yaml:"readability"`
}

// RobotsConfig configures robots.txt handling.
type RobotsConfig struct {
	Respect   bool     `yaml:"respect"`
	UserAgent string   `yaml:"user_agent"`
	CacheTTL  Duration `yaml:"cache_ttl"`
}

// RenderingConfig controls the browser session used for discovery.
type RenderingConfig struct {
	Engines         []string     `yaml:"engines"`
	RemoteURL       string       `yaml:"remote_url"`
	PageLoadTimeout Duration     `yaml:"page_load_timeout"`
	PollInterval    Duration     `yaml:"poll_interval"`
	DisableHeadless bool         `yaml:"disable_headless"`
	WindowWidth     int          `yaml:"window_width"`
	WindowHeight    int          `yaml:"window_height"`
	Scroll          ScrollConfig `yaml:"scroll"`
}

// ScrollConfig shapes the human-paced scrolling loop.
type ScrollConfig struct {
	DistanceMin           float64  `yaml:"distance_min"`
	DistanceMax           float64  `yaml:"distance_max"`
	PauseMin              Duration `yaml:"pause_min"`
	PauseMax              Duration `yaml:"pause_max"`
	BackscrollProbability float64  `yaml:"backscroll_probability"`
	BackscrollMin         int      `yaml:"backscroll_min"`
	BackscrollMax         int      `yaml:"backscroll_max"`
	BackscrollPauseMin    Duration `yaml:"backscroll_pause_min"`
	BackscrollPauseMax    Duration `yaml:"backscroll_pause_max"`
	CheckInterval         int      `yaml:"check_interval"`
	MaxStaleChecks        int      `yaml:"max_stale_checks"`
	MaxScrolls            int      `yaml:"max_scrolls"`
}

// ExportConfig selects where line-delimited records are written.
type ExportConfig struct {
	OutputDir string `yaml:"output_dir"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
	File       string `yaml:"file"`
}

// Default returns a Config populated with sensible defaults. Sections are
// intentionally empty: they always come from the config file.
func Default() Config {
	return Config{
		Source: SourceConfig{
			Language:       "en",
			LanguageSuffix: ".en.html",
		},
		Classifier: ClassifierConfig{
			DefaultCategory: string(types.DefaultCategory),
			Rules: []ClassifierRule{
				{
					Category: string(types.Policy),
					Patterns: []string{
						`monetary policy decisions?`,
						`governing council`,
						`interest rate`,
						`key ecb interest rates`,
						`policy decision`,
					},
				},
				{
					Category: string(types.Speeches),
					Patterns: []string{
						`speech by`,
						`remarks by`,
						`keynote`,
						`interview with`,
						`statement by`,
					},
				},
				{
					Category: string(types.Bulletins),
					Patterns: []string{
						`economic bulletin`,
						`monthly bulletin`,
						`quarterly bulletin`,
					},
				},
			},
		},
		Crawl: CrawlConfig{
			UserAgent:      "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120 Safari/537.36",
			Headers:        map[string]string{},
			RequestTimeout: DurationFrom(30 * time.Second),
			CrawlDelay:     DurationFrom(5 * time.Second),
			MaxRetries:     3,
			RetryBackoff:   DurationFrom(2 * time.Second),
			MaxBodyBytes:   6 * 1024 * 1024,
			Lookback:       DurationFrom(180 * 24 * time.Hour),
		},
		Extract: ExtractConfig{
			MinContainerLength: 100,
			MinTextLength:      40,
			DropSelectors:      []string{"script", "style", "nav", "header", "footer", "noscript"},
			ContentSelectors: []string{
				"div[class*='content'], div[class*='article'], div[class*='body']",
				"article",
				"main",
				"div[id*='content'], div[id*='article']",
			},
			Readability: true,
		},
		Robots: RobotsConfig{
			Respect:   true,
			UserAgent: "archive-crawler",
			CacheTTL:  DurationFrom(6 * time.Hour),
		},
		Rendering: RenderingConfig{
			Engines:         []string{"chromedp"},
			PageLoadTimeout: DurationFrom(30 * time.Second),
			PollInterval:    DurationFrom(5 * time.Second),
			WindowWidth:     1920,
			WindowHeight:    1080,
			Scroll: ScrollConfig{
				DistanceMin:           1.6,
				DistanceMax:           2.0,
				PauseMin:              DurationFrom(200 * time.Millisecond),
				PauseMax:              DurationFrom(600 * time.Millisecond),
				BackscrollProbability: 0.15,
				BackscrollMin:         100,
				BackscrollMax:         300,
				BackscrollPauseMin:    DurationFrom(200 * time.Millisecond),
				BackscrollPauseMax:    DurationFrom(500 * time.Millisecond),
				CheckInterval:         10,
				MaxStaleChecks:        20,
				MaxScrolls:            5000,
			},
		},
		Export: ExportConfig{
			OutputDir: "data/raw/news",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return LoadFromReader(fh)
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return nil, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// Validate enforces required invariants for the crawler configuration.
func (c Config) Validate() error {
	if c.Source.Name == "" {
		return errors.New("source.name must be set")
	}
	if _, err := c.BaseURL(); err != nil {
		return err
	}
	if len(c.Sections) == 0 {
		return errors.New("at least one archive section must be configured")
	}
	seen := make(map[string]struct{}, len(c.Sections))
	for i, s := range c.Sections {
		if s.Name == "" {
			return fmt.Errorf("section %d has empty name", i)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("section %q declared twice", s.Name)
		}
		seen[s.Name] = struct{}{}
		if s.ListingPath == "" {
			return fmt.Errorf("section %q has empty listing_path", s.Name)
		}
		if !types.Category(s.DefaultCategory).Valid() {
			return fmt.Errorf("section %q has unknown default_category %q", s.Name, s.DefaultCategory)
		}
		if _, err := regexp.Compile(s.LinkPattern); err != nil || s.LinkPattern == "" {
			return fmt.Errorf("section %q has invalid link_pattern %q", s.Name, s.LinkPattern)
		}
	}
	if !types.Category(c.Classifier.DefaultCategory).Valid() {
		return fmt.Errorf("classifier.default_category %q is unknown", c.Classifier.DefaultCategory)
	}
	for _, rule := range c.Classifier.Rules {
		if !types.Category(rule.Category).Valid() {
			return fmt.Errorf("classifier rule has unknown category %q", rule.Category)
		}
		for _, p := range rule.Patterns {
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("classifier rule %s: invalid pattern %q: %w", rule.Category, p, err)
			}
		}
	}
	if strings.TrimSpace(c.Crawl.UserAgent) == "" {
		return errors.New("crawl.user_agent must be set")
	}
	if c.Crawl.CrawlDelay.Duration < 0 {
		return fmt.Errorf("crawl.crawl_delay must be >= 0 (got %s)", c.Crawl.CrawlDelay)
	}
	if c.Crawl.MaxRetries < 0 {
		return fmt.Errorf("crawl.max_retries must be >= 0 (got %d)", c.Crawl.MaxRetries)
	}
	if c.Crawl.MaxBodyBytes <= 0 {
		return fmt.Errorf("crawl.max_body_bytes must be > 0 (got %d)", c.Crawl.MaxBodyBytes)
	}
	if c.Robots.Respect && strings.TrimSpace(c.Robots.UserAgent) == "" {
		return errors.New("robots.user_agent must be set when robots.respect is true")
	}
	if len(c.Rendering.Engines) == 0 {
		return errors.New("rendering.engines must list at least one engine")
	}
	for _, name := range c.Rendering.Engines {
		switch name {
		case "chromedp":
		case "remote":
			if c.Rendering.RemoteURL == "" {
				return errors.New("rendering.remote_url must be set when the remote engine is enabled")
			}
		default:
			return fmt.Errorf("unsupported rendering engine %q", name)
		}
	}
	if c.Rendering.PageLoadTimeout.Duration <= 0 {
		return errors.New("rendering.page_load_timeout must be > 0")
	}
	if c.Rendering.PollInterval.Duration <= 0 {
		return errors.New("rendering.poll_interval must be > 0")
	}
	sc := c.Rendering.Scroll
	if sc.DistanceMin <= 0 || sc.DistanceMax < sc.DistanceMin {
		return fmt.Errorf("rendering.scroll distance range [%g, %g] is invalid", sc.DistanceMin, sc.DistanceMax)
	}
	if sc.PauseMax.Duration < sc.PauseMin.Duration || sc.BackscrollPauseMax.Duration < sc.BackscrollPauseMin.Duration {
		return errors.New("rendering.scroll pause ranges must have max >= min")
	}
	if sc.BackscrollProbability < 0 || sc.BackscrollProbability > 1 {
		return fmt.Errorf("rendering.scroll.backscroll_probability must be within [0, 1] (got %g)", sc.BackscrollProbability)
	}
	if sc.BackscrollMin < 0 || sc.BackscrollMax < sc.BackscrollMin {
		return fmt.Errorf("rendering.scroll backscroll range [%d, %d] is invalid", sc.BackscrollMin, sc.BackscrollMax)
	}
	if sc.CheckInterval <= 0 {
		return fmt.Errorf("rendering.scroll.check_interval must be > 0 (got %d)", sc.CheckInterval)
	}
	if sc.MaxStaleChecks <= 0 {
		return fmt.Errorf("rendering.scroll.max_stale_checks must be > 0 (got %d)", sc.MaxStaleChecks)
	}
	if sc.MaxScrolls < 0 {
		return fmt.Errorf("rendering.scroll.max_scrolls must be >= 0 (got %d)", sc.MaxScrolls)
	}
	if strings.TrimSpace(c.Export.OutputDir) == "" {
		return errors.New("export.output_dir must be set")
	}
	return nil
}

// BaseURL parses the archive root URL.
func (c Config) BaseURL() (*url.URL, error) {
	if c.Source.BaseURL == "" {
		return nil, errors.New("source.base_url must be set")
	}
	u, err := url.Parse(c.Source.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse source.base_url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("source.base_url %q must be absolute", c.Source.BaseURL)
	}
	return u, nil
}

// ArchiveSections compiles the configured sections.
func (c Config) ArchiveSections() ([]types.ArchiveSection, error) {
	out := make([]types.ArchiveSection, 0, len(c.Sections))
	for _, s := range c.Sections {
		pattern, err := regexp.Compile(s.LinkPattern)
		if err != nil {
			return nil, fmt.Errorf("section %q: compile link_pattern: %w", s.Name, err)
		}
		out = append(out, types.ArchiveSection{
			Name:            s.Name,
			ListingPath:     s.ListingPath,
			DefaultCategory: types.Category(s.DefaultCategory),
			LinkPattern:     pattern,
		})
	}
	return out, nil
}

func (c *Config) normalise() {
	c.Source.Name = strings.TrimSpace(c.Source.Name)
	c.Source.BaseURL = strings.TrimRight(strings.TrimSpace(c.Source.BaseURL), "/")
	c.Source.Language = strings.TrimSpace(c.Source.Language)
	c.Source.LanguageSuffix = strings.TrimSpace(c.Source.LanguageSuffix)
	for i := range c.Sections {
		c.Sections[i].Name = strings.TrimSpace(c.Sections[i].Name)
		c.Sections[i].ListingPath = strings.TrimSpace(c.Sections[i].ListingPath)
		c.Sections[i].DefaultCategory = strings.ToLower(strings.TrimSpace(c.Sections[i].DefaultCategory))
	}
	c.Classifier.DefaultCategory = strings.ToLower(strings.TrimSpace(c.Classifier.DefaultCategory))
	for i := range c.Classifier.Rules {
		c.Classifier.Rules[i].Category = strings.ToLower(strings.TrimSpace(c.Classifier.Rules[i].Category))
	}
	c.Crawl.UserAgent = strings.TrimSpace(c.Crawl.UserAgent)
	if c.Crawl.Headers == nil {
		c.Crawl.Headers = make(map[string]string)
	}
	c.Robots.UserAgent = strings.TrimSpace(c.Robots.UserAgent)
	for i, name := range c.Rendering.Engines {
		c.Rendering.Engines[i] = strings.ToLower(strings.TrimSpace(name))
	}
	c.Rendering.RemoteURL = strings.TrimSpace(c.Rendering.RemoteURL)
	c.Export.OutputDir = strings.TrimSpace(c.Export.OutputDir)
	c.Logging.File = strings.TrimSpace(c.Logging.File)
}
