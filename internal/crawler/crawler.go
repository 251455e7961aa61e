// Package crawler runs one historical backfill: discover article URLs from
// every archive section, fetch and classify the new ones, then export them.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"archivecrawler/internal/classifier"
	"archivecrawler/internal/config"
	"archivecrawler/internal/dedup"
	"archivecrawler/internal/discovery"
	"archivecrawler/internal/export"
	"archivecrawler/internal/fetcher"
	"archivecrawler/internal/processor"
	"archivecrawler/internal/render"
	robotsclient "archivecrawler/internal/robots"
	"archivecrawler/pkg/types"
)

const (
	scrapeMethod  = "historical"
	progressEvery = 10
	untitled      = "Untitled"
)

// ErrInvalidWindow is returned when the requested date window is inverted.
var ErrInvalidWindow = errors.New("invalid date window")

// Discoverer enumerates candidate articles per section.
type Discoverer interface {
	Discover(ctx context.Context, section types.ArchiveSection, window types.Window) (discovery.SectionResult, error)
	Close() error
}

// ArticleFetcher downloads article text. FetchArticle never fails hard.
type ArticleFetcher interface {
	FetchArticle(ctx context.Context, rawURL string) fetcher.Article
	Probe(ctx context.Context, rawURL string) error
}

// RobotsPolicy answers robots.txt questions.
type RobotsPolicy interface {
	Allowed(ctx context.Context, target *url.URL) bool
	CrawlDelay(ctx context.Context, target *url.URL) (time.Duration, bool)
}

// Engine orchestrates discovery, fetching, classification and export.
type Engine struct {
	cfg        config.Config
	base       *url.URL
	sections   []types.ArchiveSection
	classifier *classifier.Classifier
	fetcher    ArticleFetcher
	gate       *fetcher.Gate
	robots     RobotsPolicy
	sink       *export.Sink
	navigator  func() Discoverer

	logger   *slog.Logger
	now      func() time.Time
	newRunID func() string

	closers   []func() error
	closeOnce sync.Once
}

type components struct {
	fetcher    ArticleFetcher
	gate       *fetcher.Gate
	robots     RobotsPolicy
	sink       *export.Sink
	navigator  func() Discoverer
	classifier *classifier.Classifier
	now        func() time.Time
	newRunID   func() string
}

// NewEngine builds an engine and all its collaborators from configuration.
func NewEngine(cfg config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, closeLog, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	logger = logger.With("source", cfg.Source.Name)

	cls, err := classifier.New(cfg.Classifier)
	if err != nil {
		_ = closeLog()
		return nil, fmt.Errorf("classifier: %w", err)
	}

	gate := fetcher.NewGate(cfg.Crawl.CrawlDelay.Duration)
	client, err := fetcher.New(fetcher.Options{
		UserAgent:    cfg.Crawl.UserAgent,
		Headers:      cfg.Crawl.Headers,
		Timeout:      cfg.Crawl.RequestTimeout.Duration,
		MaxBodyBytes: cfg.Crawl.MaxBodyBytes,
		ProxyURL:     cfg.Crawl.ProxyURL,
		MaxRetries:   cfg.Crawl.MaxRetries,
		RetryBackoff: cfg.Crawl.RetryBackoff.Duration,
	}, gate, processor.NewExtractor(cfg.Extract), fetcher.WithLogger(logger.With("component", "fetcher")))
	if err != nil {
		_ = closeLog()
		return nil, fmt.Errorf("http fetcher: %w", err)
	}

	robots := robotsclient.NewAgent(cfg.Robots, client.HTTPClient(), logger.With("component", "robots"))

	engines, err := render.FromConfig(cfg.Rendering, cfg.Crawl.UserAgent, logger.With("component", "render"))
	if err != nil {
		_ = closeLog()
		return nil, err
	}
	navOpts, err := discovery.OptionsFromConfig(cfg)
	if err != nil {
		_ = closeLog()
		return nil, err
	}
	navLogger := logger.With("component", "discovery")
	newNavigator := func() Discoverer {
		return discovery.New(engines, gate, navOpts, discovery.WithLogger(navLogger))
	}

	sink := export.NewSink(cfg.Export.OutputDir, export.WithLogger(logger.With("component", "export")))

	engine, err := newEngine(cfg, logger, components{
		fetcher:    client,
		gate:       gate,
		robots:     robots,
		sink:       sink,
		navigator:  newNavigator,
		classifier: cls,
	})
	if err != nil {
		_ = closeLog()
		return nil, err
	}
	engine.closers = append(engine.closers, closeLog)
	return engine, nil
}

func newEngine(cfg config.Config, logger *slog.Logger, c components) (*Engine, error) {
	base, err := cfg.BaseURL()
	if err != nil {
		return nil, err
	}
	sections, err := cfg.ArchiveSections()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if c.classifier == nil {
		c.classifier = classifier.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.newRunID == nil {
		c.newRunID = uuid.NewString
	}
	return &Engine{
		cfg:        cfg,
		base:       base,
		sections:   sections,
		classifier: c.classifier,
		fetcher:    c.fetcher,
		gate:       c.gate,
		robots:     c.robots,
		sink:       c.sink,
		navigator:  c.navigator,
		logger:     logger,
		now:        c.now,
		newRunID:   c.newRunID,
	}, nil
}

// Name implements Collector.
func (e *Engine) Name() string {
	return e.cfg.Source.Name
}

// Logger returns the engine logger.
func (e *Engine) Logger() *slog.Logger {
	return e.logger
}

// DefaultWindow is the configured lookback ending now.
func (e *Engine) DefaultWindow() types.Window {
	return types.LookbackWindow(e.now(), e.cfg.Crawl.Lookback.Duration)
}

// HealthCheck probes the archive's health path.
func (e *Engine) HealthCheck(ctx context.Context) error {
	target := e.base.String()
	if p := e.cfg.Source.HealthPath; p != "" {
		ref, err := url.Parse(p)
		if err != nil {
			return fmt.Errorf("parse health path: %w", err)
		}
		target = e.base.ResolveReference(ref).String()
	}
	if err := e.fetcher.Probe(ctx, target); err != nil {
		e.logger.Error("health check failed", "url", target, "error", err)
		return fmt.Errorf("health check %s: %w", target, err)
	}
	e.logger.Info("health check passed", "url", target)
	return nil
}

// Collect implements Collector.
func (e *Engine) Collect(ctx context.Context, window types.Window) (types.Batch, error) {
	batch, _, err := e.collect(ctx, window, e.newRunID())
	return batch, err
}

// Export writes every non-empty category of batch.
func (e *Engine) Export(batch types.Batch) (map[types.Category]string, error) {
	return e.sink.WriteAll(batch)
}

// Run collects and exports one window. On cancellation the documents fetched
// so far are still exported and the context error is returned.
func (e *Engine) Run(ctx context.Context, window types.Window) (Summary, error) {
	start := e.now()
	runID := e.newRunID()
	summary := Summary{RunID: runID, Window: window, Counts: map[types.Category]int{}}

	batch, stats, err := e.collect(ctx, window, runID)
	summary.Stats = stats
	if err != nil && !isCancellation(err) {
		return summary, err
	}

	if batch.Total() > 0 {
		paths, xerr := e.Export(batch)
		summary.Paths = paths
		for category, docs := range batch {
			if _, ok := paths[category]; ok {
				summary.Counts[category] = len(docs)
			}
		}
		if xerr != nil {
			return summary, fmt.Errorf("export: %w", xerr)
		}
	} else {
		e.logger.Info("no new documents to export", "run_id", runID)
	}

	summary.Duration = e.now().Sub(start)
	summary.Log(e.logger)
	return summary, err
}

// Close releases resources owned by the engine.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		for _, closer := range e.closers {
			if cerr := closer(); cerr != nil {
				err = errors.Join(err, cerr)
			}
		}
	})
	return err
}

func (e *Engine) collect(ctx context.Context, window types.Window, runID string) (types.Batch, Stats, error) {
	var stats Stats
	if err := window.Validate(); err != nil {
		return nil, stats, fmt.Errorf("%w: %w", ErrInvalidWindow, err)
	}
	logger := e.logger.With("run_id", runID)
	logger.Info("collection starting",
		"start", window.Start.Format(time.DateOnly),
		"end", window.End.Format(time.DateOnly),
		"sections", len(e.sections),
	)

	idx, err := dedup.Load(e.sink.Dir(), logger)
	if err != nil {
		return nil, stats, fmt.Errorf("load dedup index: %w", err)
	}
	stats.KnownURLs = idx.Len()

	e.applyCrawlDelay(ctx, logger)

	candidates, err := e.discover(ctx, window, idx, &stats, logger)
	if err != nil {
		return nil, stats, err
	}
	logger.Info("discovery finished", "candidates", len(candidates), "known", stats.SkippedKnown, "duplicates", stats.SkippedSeen)

	batch, err := e.fetchAll(ctx, candidates, idx, runID, &stats, logger)
	return batch, stats, err
}

func (e *Engine) applyCrawlDelay(ctx context.Context, logger *slog.Logger) {
	if e.robots == nil || e.gate == nil {
		return
	}
	delay, ok := e.robots.CrawlDelay(ctx, e.base)
	if !ok || delay <= e.gate.Interval() {
		return
	}
	logger.Info("raising politeness interval to robots.txt crawl-delay", "configured", e.gate.Interval().String(), "crawl_delay", delay.String())
	e.gate.SetInterval(delay)
}

// discover runs every section on one navigator. The session is released on
// every exit path before any article is fetched.
func (e *Engine) discover(ctx context.Context, window types.Window, idx *dedup.Index, stats *Stats, logger *slog.Logger) ([]types.DiscoveryRecord, error) {
	nav := e.navigator()
	defer func() {
		if err := nav.Close(); err != nil {
			logger.Warn("closing rendering session failed", "error", err)
		}
	}()

	seen := make(map[string]struct{})
	var candidates []types.DiscoveryRecord
	for _, section := range e.sections {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := nav.Discover(ctx, section, window)
		sectionStats := SectionStats{
			Name:    section.Name,
			Stop:    res.Stop,
			Steps:   res.Steps,
			Found:   res.Found,
			InRange: len(res.Records),
		}
		if res.Err != nil {
			sectionStats.Error = res.Err.Error()
			logger.Warn("section ended early", "section", section.Name, "stop", string(res.Stop), "error", res.Err)
		}
		if err != nil {
			stats.Sections = append(stats.Sections, sectionStats)
			return nil, fmt.Errorf("discover %s: %w", section.Name, err)
		}

		for _, rec := range res.Records {
			stats.Discovered++
			if idx.Contains(rec.URL) {
				stats.SkippedKnown++
				continue
			}
			if _, dup := seen[rec.URL]; dup {
				stats.SkippedSeen++
				continue
			}
			seen[rec.URL] = struct{}{}
			candidates = append(candidates, rec)
			sectionStats.New++
		}
		stats.Sections = append(stats.Sections, sectionStats)
	}
	return candidates, nil
}

func (e *Engine) fetchAll(ctx context.Context, candidates []types.DiscoveryRecord, idx *dedup.Index, runID string, stats *Stats, logger *slog.Logger) (types.Batch, error) {
	batch := make(types.Batch)
	for i, rec := range candidates {
		if err := ctx.Err(); err != nil {
			logger.Warn("fetch phase interrupted", "done", i, "total", len(candidates))
			return batch, err
		}
		if e.robots != nil {
			if u, err := url.Parse(rec.URL); err != nil || !e.robots.Allowed(ctx, u) {
				stats.SkippedRobots++
				logger.Debug("blocked by robots", "url", rec.URL)
				continue
			}
		}

		article := e.fetcher.FetchArticle(ctx, rec.URL)
		stats.Fetched++
		if strings.TrimSpace(article.Text) == "" {
			stats.Empty++
		} else {
			doc, category := e.buildDocument(rec, article, runID)
			idx.Add(doc.URL)
			batch[category] = append(batch[category], doc)
			stats.Documents++
		}

		if (i+1)%progressEvery == 0 {
			logger.Info("fetch progress", "done", i+1, "total", len(candidates), "documents", stats.Documents)
		}
	}
	return batch, nil
}

func (e *Engine) buildDocument(rec types.DiscoveryRecord, article fetcher.Article, runID string) (types.Document, types.Category) {
	title := rec.Title
	if title == "" {
		title = article.Title
	}
	if title == "" {
		title = untitled
	}

	category := e.classifier.Resolve(title, classifier.Prefix(article.Text, classifier.SummaryLength), rec.Category)
	var speaker *string
	if category == types.Speeches {
		speaker = classifier.ExtractSpeaker(title, article.Text)
	}

	collected := e.now().UTC()
	published := collected
	if rec.DateHint != nil {
		published = rec.DateHint.UTC()
	}

	return types.Document{
		Source:       e.cfg.Source.Name,
		CollectedAt:  collected,
		PublishedAt:  published,
		URL:          rec.URL,
		Title:        title,
		Content:      article.Text,
		DocumentType: category.DocumentType(),
		Speaker:      speaker,
		Language:     e.cfg.Source.Language,
		Metadata: map[string]string{
			"archive_section":  rec.Section,
			"section_category": string(rec.Category),
			"scrape_method":    scrapeMethod,
			"run_id":           runID,
		},
	}, category
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
