// Package render drives a real browser so infinite-scroll listings can be
// enumerated. Engines are tried in order until one starts a session.
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"archivecrawler/internal/config"
)

// ErrSessionInit is returned when no configured engine could start a session.
var ErrSessionInit = errors.New("rendering session could not be started")

// Engine starts browser sessions.
type Engine interface {
	Name() string
	Start(ctx context.Context) (Session, error)
}

// Session is one live browser tab. Methods are not safe for concurrent use.
type Session interface {
	Navigate(ctx context.Context, url string) error
	ViewportHeight(ctx context.Context) (int, error)
	ScrollBy(ctx context.Context, dy int) error
	// Links returns the absolute href of every anchor on the page.
	Links(ctx context.Context) ([]string, error)
	HTML(ctx context.Context) (string, error)
	Location(ctx context.Context) (string, error)
	Close() error
}

// Select starts a session on the first engine that works.
func Select(ctx context.Context, engines []Engine, logger *slog.Logger) (Session, string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(engines) == 0 {
		return nil, "", fmt.Errorf("%w: no engines configured", ErrSessionInit)
	}
	var errs []error
	for _, engine := range engines {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		session, err := engine.Start(ctx)
		if err == nil {
			logger.Info("rendering session started", "engine", engine.Name())
			return session, engine.Name(), nil
		}
		logger.Warn("rendering engine unavailable", "engine", engine.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", engine.Name(), err))
	}
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	return nil, "", fmt.Errorf("%w: %w", ErrSessionInit, errors.Join(errs...))
}

// FromConfig builds the engines listed in cfg, in order.
func FromConfig(cfg config.RenderingConfig, userAgent string, logger *slog.Logger) ([]Engine, error) {
	opts := ChromeOptions{
		UserAgent:       userAgent,
		DisableHeadless: cfg.DisableHeadless,
		WindowWidth:     cfg.WindowWidth,
		WindowHeight:    cfg.WindowHeight,
		OpTimeout:       cfg.PageLoadTimeout.Duration,
		RemoteURL:       cfg.RemoteURL,
		Logger:          logger,
	}
	engines := make([]Engine, 0, len(cfg.Engines))
	for _, name := range cfg.Engines {
		switch name {
		case "chromedp":
			engines = append(engines, NewLocalChrome(opts))
		case "remote":
			engines = append(engines, NewRemoteChrome(opts))
		default:
			return nil, fmt.Errorf("unsupported rendering engine %q", name)
		}
	}
	return engines, nil
}
