package render

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"archivecrawler/internal/config"
)

type fakeEngine struct {
	name    string
	err     error
	started int
}

func (f *fakeEngine) Name() string { return f.name }

func (f *fakeEngine) Start(ctx context.Context) (Session, error) {
	f.started++
	if f.err != nil {
		return nil, f.err
	}
	return nopSession{}, nil
}

type nopSession struct{}

func (nopSession) Navigate(context.Context, string) error { return nil }
func (nopSession) ViewportHeight(context.Context) (int, error) { return 800, nil }
func (nopSession) ScrollBy(context.Context, int) error { return nil }
func (nopSession) Links(context.Context) ([]string, error) { return nil, nil }
func (nopSession) HTML(context.Context) (string, error) { return "", nil }
func (nopSession) Location(context.Context) (string, error) { return "", nil }
func (nopSession) Close() error { return nil }

func TestSelectFallsBackToNextEngine(t *testing.T) {
	first := &fakeEngine{name: "chromedp", err: errors.New("chrome not found")}
	second := &fakeEngine{name: "remote"}

	session, name, err := Select(context.Background(), []Engine{first, second}, nil)
	require.NoError(t, err)
	assert.NotNil(t, session)
	assert.Equal(t, "remote", name)
	assert.Equal(t, 1, first.started)
	assert.Equal(t, 1, second.started)
}

func TestSelectStopsAtFirstWorkingEngine(t *testing.T) {
	first := &fakeEngine{name: "chromedp"}
	second := &fakeEngine{name: "remote"}

	_, name, err := Select(context.Background(), []Engine{first, second}, nil)
	require.NoError(t, err)
	assert.Equal(t, "chromedp", name)
	assert.Zero(t, second.started)
}

func TestSelectAllEnginesFail(t *testing.T) {
	engines := []Engine{
		&fakeEngine{name: "chromedp", err: errors.New("no chrome")},
		&fakeEngine{name: "remote", err: errors.New("connection refused")},
	}
	_, _, err := Select(context.Background(), engines, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionInit)
	assert.Contains(t, err.Error(), "connection refused")

	_, _, err = Select(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrSessionInit)
}

func TestSelectHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	engine := &fakeEngine{name: "chromedp"}
	_, _, err := Select(ctx, []Engine{engine}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, engine.started)
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default().Rendering
	cfg.Engines = []string{"remote", "chromedp"}
	cfg.RemoteURL = "ws://127.0.0.1:9222"

	engines, err := FromConfig(cfg, "", nil)
	require.NoError(t, err)
	require.Len(t, engines, 2)
	assert.Equal(t, "remote", engines[0].Name())
	assert.Equal(t, "chromedp", engines[1].Name())

	cfg.Engines = []string{"selenium"}
	_, err = FromConfig(cfg, "", nil)
	assert.Error(t, err)
}
