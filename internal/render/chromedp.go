package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
)

const defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120 Safari/537.36"

// ChromeOptions configures chromedp-backed engines.
type ChromeOptions struct {
	UserAgent       string
	DisableHeadless bool
	WindowWidth     int
	WindowHeight    int
	// OpTimeout bounds every individual browser operation.
	OpTimeout time.Duration
	RemoteURL string
	Logger    *slog.Logger
}

// ChromeEngine launches a local Chrome, or attaches to a remote DevTools
// endpoint when remote is set.
type ChromeEngine struct {
	opts   ChromeOptions
	remote bool
	logger *slog.Logger
}

// NewLocalChrome returns the exec-allocator engine.
func NewLocalChrome(opts ChromeOptions) *ChromeEngine {
	return newChromeEngine(opts, false)
}

// NewRemoteChrome returns an engine attaching to opts.RemoteURL.
func NewRemoteChrome(opts ChromeOptions) *ChromeEngine {
	return newChromeEngine(opts, true)
}

func newChromeEngine(opts ChromeOptions, remote bool) *ChromeEngine {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 30 * time.Second
	}
	if opts.WindowWidth <= 0 || opts.WindowHeight <= 0 {
		opts.WindowWidth, opts.WindowHeight = 1920, 1080
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ChromeEngine{opts: opts, remote: remote, logger: logger}
}

// Name implements Engine.
func (e *ChromeEngine) Name() string {
	if e.remote {
		return "remote"
	}
	return "chromedp"
}

func (e *ChromeEngine) execOptions() []chromedp.ExecAllocatorOption {
	ua := strings.TrimSpace(e.opts.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	return append(opts,
		chromedp.Flag("headless", !e.opts.DisableHeadless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(e.opts.WindowWidth, e.opts.WindowHeight),
		chromedp.UserAgent(ua),
	)
}

// Start launches the browser. The session outlives ctx; ctx only bounds
// the launch itself.
func (e *ChromeEngine) Start(ctx context.Context) (Session, error) {
	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if e.remote {
		if e.opts.RemoteURL == "" {
			return nil, errors.New("remote url is empty")
		}
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), e.opts.RemoteURL)
	} else {
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), e.execOptions()...)
	}
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// The first Run starts the browser and must use the browser context
	// itself; a timeout here would tear the browser down with it.
	launch := time.AfterFunc(e.opts.OpTimeout, browserCancel)
	stop := context.AfterFunc(ctx, browserCancel)
	err := chromedp.Run(browserCtx)
	stop()
	timedOut := !launch.Stop()
	if err != nil || timedOut || ctx.Err() != nil {
		browserCancel()
		allocCancel()
		if err == nil {
			err = ctx.Err()
		}
		if err == nil {
			err = fmt.Errorf("browser launch exceeded %s", e.opts.OpTimeout)
		}
		return nil, fmt.Errorf("start %s: %w", e.Name(), err)
	}

	return &chromeSession{
		browserCtx: browserCtx,
		cancel: func() {
			browserCancel()
			allocCancel()
		},
		timeout: e.opts.OpTimeout,
		logger:  e.logger.With("engine", e.Name()),
	}, nil
}

type chromeSession struct {
	browserCtx context.Context
	cancel     context.CancelFunc
	timeout    time.Duration
	logger     *slog.Logger
	closeOnce  sync.Once
}

func (s *chromeSession) run(ctx context.Context, actions ...chromedp.Action) error {
	opCtx, cancel := context.WithTimeout(s.browserCtx, s.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(opCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

func (s *chromeSession) Navigate(ctx context.Context, url string) error {
	s.logger.Debug("chromedp navigate", "url", url)
	if err := s.run(ctx, chromedp.Navigate(url), waitForDocumentReady(s.logger)); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func (s *chromeSession) ViewportHeight(ctx context.Context) (int, error) {
	var h int
	if err := s.run(ctx, chromedp.Evaluate(`window.innerHeight`, &h)); err != nil {
		return 0, fmt.Errorf("viewport height: %w", err)
	}
	return h, nil
}

func (s *chromeSession) ScrollBy(ctx context.Context, dy int) error {
	var ok bool
	expr := fmt.Sprintf(`(window.scrollBy({top: %d, behavior: 'smooth'}), true)`, dy)
	if err := s.run(ctx, chromedp.Evaluate(expr, &ok)); err != nil {
		return fmt.Errorf("scroll: %w", err)
	}
	return nil
}

func (s *chromeSession) Links(ctx context.Context) ([]string, error) {
	var hrefs []string
	if err := s.run(ctx, chromedp.Evaluate(`Array.from(document.querySelectorAll('a[href]'), a => a.href)`, &hrefs)); err != nil {
		return nil, fmt.Errorf("collect links: %w", err)
	}
	return hrefs, nil
}

func (s *chromeSession) HTML(ctx context.Context) (string, error) {
	var html string
	if err := s.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("snapshot html: %w", err)
	}
	return html, nil
}

func (s *chromeSession) Location(ctx context.Context) (string, error) {
	var loc string
	if err := s.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("location: %w", err)
	}
	return loc, nil
}

func (s *chromeSession) Close() error {
	s.closeOnce.Do(func() {
		s.logger.Debug("closing rendering session")
		s.cancel()
	})
	return nil
}

func waitForDocumentReady(logger *slog.Logger) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			var readyState string
			if err := chromedp.Evaluate(`document.readyState`, &readyState).Do(ctx); err != nil {
				logger.Warn("waitForDocumentReady evaluate failed", "error", err)
				return err
			}
			if readyState == "complete" {
				return nil
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				logger.Warn("waitForDocumentReady cancelled", "error", ctx.Err())
				return ctx.Err()
			}
		}
	})
}
