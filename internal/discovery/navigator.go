// Package discovery enumerates article URLs from infinite-scroll archive
// listings. A section is scrolled until the oldest URL on the page predates
// the window, the listing stops growing, or a scroll cap is hit; the final
// page is then parsed once for links, titles and date hints.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"strings"
	"time"

	"archivecrawler/internal/config"
	"archivecrawler/internal/render"
	"archivecrawler/internal/urldate"
	"archivecrawler/pkg/types"
)

var (
	// ErrDiscoveryTimeout means no matching link appeared on the listing
	// before the page load timeout.
	ErrDiscoveryTimeout = errors.New("listing did not render any matching link in time")
	// ErrRendering wraps navigation and evaluation failures of the session.
	ErrRendering = errors.New("rendering failed")
)

// StopReason records why the scroll loop ended.
type StopReason string

const (
	StopDateCutoff       StopReason = "date_cutoff"
	StopStale            StopReason = "stale"
	StopScrollCap        StopReason = "scroll_cap"
	StopCancelled        StopReason = "cancelled"
	StopTimeout          StopReason = "timeout"
	StopRenderingFailure StopReason = "rendering_failure"
)

// Waiter is the politeness gate shared with the HTTP fetcher.
type Waiter interface {
	Wait(ctx context.Context) error
}

// SectionResult is the outcome of traversing one section.
type SectionResult struct {
	Section string
	Records []types.DiscoveryRecord
	Stop    StopReason
	Steps   int
	Samples int
	// Found counts primary-language links on the final page before window
	// filtering.
	Found int
	// Oldest and Newest span the date hints found on the final page.
	Oldest time.Time
	Newest time.Time
	// Err holds the absorbed, non-fatal failure that ended the section.
	Err error
}

// Options configures a Navigator.
type Options struct {
	BaseURL         *url.URL
	LanguageSuffix  string
	PageLoadTimeout time.Duration
	PollInterval    time.Duration
	Scroll          config.ScrollConfig
}

// OptionsFromConfig derives navigator options from the loaded config.
func OptionsFromConfig(cfg config.Config) (Options, error) {
	base, err := cfg.BaseURL()
	if err != nil {
		return Options{}, err
	}
	return Options{
		BaseURL:         base,
		LanguageSuffix:  cfg.Source.LanguageSuffix,
		PageLoadTimeout: cfg.Rendering.PageLoadTimeout.Duration,
		PollInterval:    cfg.Rendering.PollInterval.Duration,
		Scroll:          cfg.Rendering.Scroll,
	}, nil
}

// Navigator owns one lazily started rendering session reused across
// sections. It is not safe for concurrent use.
type Navigator struct {
	engines []render.Engine
	gate    Waiter
	opts    Options
	logger  *slog.Logger
	sleep   func(context.Context, time.Duration) error
	rng     *rand.Rand

	session render.Session
	engine  string
	closed  bool
}

// Option customises a Navigator.
type Option func(*Navigator)

// WithLogger sets the navigator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Navigator) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithSleep replaces the pause function used between scroll steps and polls.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(n *Navigator) {
		n.sleep = sleep
	}
}

// WithRand fixes the random source of the scroll pacing.
func WithRand(r *rand.Rand) Option {
	return func(n *Navigator) {
		n.rng = r
	}
}

// New builds a navigator. No browser is started until the first Discover.
func New(engines []render.Engine, gate Waiter, opts Options, options ...Option) *Navigator {
	if opts.PageLoadTimeout <= 0 {
		opts.PageLoadTimeout = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.Scroll.CheckInterval <= 0 {
		opts.Scroll.CheckInterval = 10
	}
	if opts.Scroll.MaxStaleChecks <= 0 {
		opts.Scroll.MaxStaleChecks = 20
	}
	n := &Navigator{
		engines: engines,
		gate:    gate,
		opts:    opts,
		logger:  slog.Default(),
		sleep:   sleepContext,
		rng:     rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
	}
	for _, o := range options {
		o(n)
	}
	return n
}

// Engine names the engine backing the current session, if any.
func (n *Navigator) Engine() string {
	return n.engine
}

// Close releases the rendering session. Safe to call more than once.
func (n *Navigator) Close() error {
	if n.closed {
		return nil
	}
	n.closed = true
	if n.session == nil {
		return nil
	}
	err := n.session.Close()
	n.session = nil
	return err
}

func (n *Navigator) ensureSession(ctx context.Context) (render.Session, error) {
	if n.closed {
		return nil, errors.New("navigator closed")
	}
	if n.session != nil {
		return n.session, nil
	}
	session, name, err := render.Select(ctx, n.engines, n.logger)
	if err != nil {
		return nil, err
	}
	n.session, n.engine = session, name
	return session, nil
}

// Discover traverses one section and returns the records within window.
// Only session start failures and cancellation are returned as errors; other
// failures end the section early and are reported on the result.
func (n *Navigator) Discover(ctx context.Context, section types.ArchiveSection, window types.Window) (SectionResult, error) {
	res := SectionResult{Section: section.Name}
	logger := n.logger.With("section", section.Name)

	session, err := n.ensureSession(ctx)
	if err != nil {
		return res, err
	}

	listing, err := n.listingURL(section)
	if err != nil {
		return res, err
	}

	if n.gate != nil {
		if err := n.gate.Wait(ctx); err != nil {
			res.Stop = StopCancelled
			return res, err
		}
	}
	logger.Info("navigating to listing", "url", listing)
	if err := session.Navigate(ctx, listing); err != nil {
		return n.abort(ctx, logger, res, err)
	}

	sample, err := n.waitForFirstLink(ctx, session, section)
	if err != nil {
		if errors.Is(err, ErrDiscoveryTimeout) {
			logger.Warn("no article links appeared", "timeout", n.opts.PageLoadTimeout.String())
			res.Stop, res.Err = StopTimeout, err
			return res, nil
		}
		return n.abort(ctx, logger, res, err)
	}

	res, sample, err = n.scroll(ctx, session, section, window, res, sample)
	if err != nil {
		if ctx.Err() != nil {
			res.Stop = StopCancelled
			return res, ctx.Err()
		}
		res.Stop = StopRenderingFailure
		res.Err = fmt.Errorf("%w: %w", ErrRendering, err)
		logger.Warn("rendering failed mid-section, keeping last sample", "error", err, "links", len(sample))
		n.finish(&res, n.recordsFromHrefs(sample, section), window)
		return res, nil
	}

	records, err := n.parseFinalPage(ctx, session, section, listing)
	if err != nil {
		if ctx.Err() != nil {
			res.Stop = StopCancelled
			return res, ctx.Err()
		}
		res.Err = fmt.Errorf("%w: %w", ErrRendering, err)
		logger.Warn("final page snapshot failed, keeping last sample", "error", err)
		records = n.recordsFromHrefs(sample, section)
	}
	n.finish(&res, records, window)

	attrs := []any{"stop", string(res.Stop), "steps", res.Steps, "samples", res.Samples, "found", res.Found, "kept", len(res.Records)}
	if !res.Oldest.IsZero() {
		attrs = append(attrs, "oldest", res.Oldest.Format(time.DateOnly), "newest", res.Newest.Format(time.DateOnly))
	}
	logger.Info("section discovery finished", attrs...)
	return res, nil
}

func (n *Navigator) abort(ctx context.Context, logger *slog.Logger, res SectionResult, err error) (SectionResult, error) {
	if ctx.Err() != nil {
		res.Stop = StopCancelled
		return res, ctx.Err()
	}
	res.Stop = StopRenderingFailure
	res.Err = fmt.Errorf("%w: %w", ErrRendering, err)
	logger.Warn("section aborted", "error", err)
	return res, nil
}

func (n *Navigator) listingURL(section types.ArchiveSection) (string, error) {
	ref, err := url.Parse(section.ListingPath)
	if err != nil {
		return "", fmt.Errorf("section %s: parse listing path: %w", section.Name, err)
	}
	if n.opts.BaseURL == nil {
		if !ref.IsAbs() {
			return "", fmt.Errorf("section %s: listing path %q is relative and no base url is set", section.Name, section.ListingPath)
		}
		return ref.String(), nil
	}
	return n.opts.BaseURL.ResolveReference(ref).String(), nil
}

// waitForFirstLink polls until a link matching the section appears. Each
// poll scrolls one viewport first so lazy loaders fire.
func (n *Navigator) waitForFirstLink(ctx context.Context, session render.Session, section types.ArchiveSection) ([]string, error) {
	polls := int(n.opts.PageLoadTimeout / n.opts.PollInterval)
	if polls < 1 {
		polls = 1
	}
	for i := 0; ; i++ {
		height, err := session.ViewportHeight(ctx)
		if err != nil {
			return nil, err
		}
		if err := session.ScrollBy(ctx, height); err != nil {
			return nil, err
		}
		hrefs, err := session.Links(ctx)
		if err != nil {
			return nil, err
		}
		for _, h := range hrefs {
			if section.LinkPattern.MatchString(h) {
				return hrefs, nil
			}
		}
		if i >= polls {
			return nil, ErrDiscoveryTimeout
		}
		if err := n.sleep(ctx, n.opts.PollInterval); err != nil {
			return nil, err
		}
	}
}

// scroll runs the human-paced scroll loop. On error the returned sample is
// the last successful one.
func (n *Navigator) scroll(ctx context.Context, session render.Session, section types.ArchiveSection, window types.Window, res SectionResult, sample []string) (SectionResult, []string, error) {
	sc := n.opts.Scroll
	logger := n.logger.With("section", section.Name)
	// The first sample always counts as growth so an initial page that
	// already reaches past the window start ends on the date cutoff.
	lastCount := 0
	stale := 0

	for {
		if err := ctx.Err(); err != nil {
			return res, sample, err
		}
		if sc.MaxScrolls > 0 && res.Steps >= sc.MaxScrolls {
			res.Stop = StopScrollCap
			logger.Warn("scroll cap reached", "steps", res.Steps)
			return res, sample, nil
		}
		res.Steps++

		height, err := session.ViewportHeight(ctx)
		if err != nil {
			return res, sample, err
		}
		if res.Steps > 1 && sc.BackscrollProbability > 0 && n.rng.Float64() < sc.BackscrollProbability {
			back := n.uniformInt(sc.BackscrollMin, sc.BackscrollMax)
			if err := session.ScrollBy(ctx, -back); err != nil {
				return res, sample, err
			}
			if err := n.sleep(ctx, n.uniformDuration(sc.BackscrollPauseMin.Duration, sc.BackscrollPauseMax.Duration)); err != nil {
				return res, sample, err
			}
		}
		distance := int(float64(height) * n.uniformFloat(sc.DistanceMin, sc.DistanceMax))
		if err := session.ScrollBy(ctx, distance); err != nil {
			return res, sample, err
		}
		if err := n.sleep(ctx, n.uniformDuration(sc.PauseMin.Duration, sc.PauseMax.Duration)); err != nil {
			return res, sample, err
		}

		if res.Steps%sc.CheckInterval != 0 {
			continue
		}
		res.Samples++
		hrefs, err := session.Links(ctx)
		if err != nil {
			return res, sample, err
		}
		primary := n.primaryLinks(hrefs, section)
		if len(primary) > lastCount {
			lastCount, stale, sample = len(primary), 0, hrefs
			oldest, ok := urldate.Oldest(primary)
			logger.Debug("listing grew", "links", lastCount, "steps", res.Steps)
			if ok && oldest.Before(window.Start) {
				res.Stop = StopDateCutoff
				logger.Info("reached window start", "oldest", oldest.Format(time.DateOnly), "links", lastCount)
				return res, sample, nil
			}
			continue
		}
		stale++
		if stale >= sc.MaxStaleChecks {
			res.Stop = StopStale
			logger.Info("listing stopped growing", "links", lastCount, "stale_checks", stale)
			return res, sample, nil
		}
	}
}

// primaryLinks returns distinct hrefs matching the section pattern in the
// primary language.
func (n *Navigator) primaryLinks(hrefs []string, section types.ArchiveSection) []string {
	seen := make(map[string]struct{}, len(hrefs))
	out := make([]string, 0, len(hrefs))
	for _, h := range hrefs {
		h = stripFragment(h)
		if !n.accept(h, section) {
			continue
		}
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}

func (n *Navigator) accept(href string, section types.ArchiveSection) bool {
	if href == "" || !section.LinkPattern.MatchString(href) {
		return false
	}
	if n.opts.LanguageSuffix == "" {
		return true
	}
	p := href
	if u, err := url.Parse(href); err == nil {
		p = u.Path
	}
	return strings.HasSuffix(p, n.opts.LanguageSuffix)
}

func (n *Navigator) recordsFromHrefs(hrefs []string, section types.ArchiveSection) []types.DiscoveryRecord {
	links := n.primaryLinks(hrefs, section)
	out := make([]types.DiscoveryRecord, 0, len(links))
	for _, link := range links {
		out = append(out, newRecord(link, "", section))
	}
	return out
}

// finish applies the window filter and fills the result statistics.
func (n *Navigator) finish(res *SectionResult, records []types.DiscoveryRecord, window types.Window) {
	res.Found = len(records)
	kept := make([]types.DiscoveryRecord, 0, len(records))
	for _, rec := range records {
		if rec.DateHint != nil {
			if res.Oldest.IsZero() || rec.DateHint.Before(res.Oldest) {
				res.Oldest = *rec.DateHint
			}
			if rec.DateHint.After(res.Newest) {
				res.Newest = *rec.DateHint
			}
			if !window.Contains(*rec.DateHint) {
				continue
			}
		}
		kept = append(kept, rec)
	}
	res.Records = kept
}

func newRecord(link, title string, section types.ArchiveSection) types.DiscoveryRecord {
	rec := types.DiscoveryRecord{
		URL:      link,
		Title:    title,
		Category: section.DefaultCategory,
		Section:  section.Name,
	}
	if t, ok := urldate.Parse(link); ok {
		rec.DateHint = &t
	}
	return rec
}

func stripFragment(href string) string {
	if i := strings.IndexByte(href, '#'); i >= 0 {
		return href[:i]
	}
	return href
}

func (n *Navigator) uniformFloat(lo, hi float64) float64 {
	if hi <= lo {
		return lo
	}
	return lo + n.rng.Float64()*(hi-lo)
}

func (n *Navigator) uniformInt(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + n.rng.IntN(hi-lo+1)
}

func (n *Navigator) uniformDuration(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(n.rng.Int64N(int64(hi-lo)+1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
