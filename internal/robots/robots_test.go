package robots

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"archivecrawler/internal/config"
)

func robotsServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func newAgent(respect bool) *Agent {
	cfg := config.Default().Robots
	cfg.Respect = respect
	return NewAgent(cfg, nil, nil)
}

func TestAllowedAndCrawlDelay(t *testing.T) {
	srv, hits := robotsServer(t, http.StatusOK, "User-agent: *\nDisallow: /private/\nCrawl-delay: 7\n")
	agent := newAgent(true)
	ctx := context.Background()

	assert.True(t, agent.Allowed(ctx, mustURL(t, srv.URL+"/press/pr/date/2024/html/index.en.html")))
	assert.False(t, agent.Allowed(ctx, mustURL(t, srv.URL+"/private/doc.html")))

	delay, ok := agent.CrawlDelay(ctx, mustURL(t, srv.URL+"/"))
	require.True(t, ok)
	assert.Equal(t, 7*time.Second, delay)

	assert.Equal(t, int32(1), hits.Load(), "rules are cached per host")
}

func TestMissingRobotsAllowsEverything(t *testing.T) {
	srv, _ := robotsServer(t, http.StatusNotFound, "")
	agent := newAgent(true)

	assert.True(t, agent.Allowed(context.Background(), mustURL(t, srv.URL+"/anything")))
	_, ok := agent.CrawlDelay(context.Background(), mustURL(t, srv.URL+"/"))
	assert.False(t, ok)
}

func TestServerErrorFailsOpen(t *testing.T) {
	srv, _ := robotsServer(t, http.StatusServiceUnavailable, "")
	agent := newAgent(true)
	assert.True(t, agent.Allowed(context.Background(), mustURL(t, srv.URL+"/anything")))
}

func TestRespectDisabled(t *testing.T) {
	srv, hits := robotsServer(t, http.StatusOK, "User-agent: *\nDisallow: /\n")
	agent := newAgent(false)

	assert.True(t, agent.Allowed(context.Background(), mustURL(t, srv.URL+"/x")))
	assert.Zero(t, hits.Load())
}

func TestRelativeURLRejected(t *testing.T) {
	agent := newAgent(true)
	assert.False(t, agent.Allowed(context.Background(), mustURL(t, "/relative")))
	assert.False(t, agent.Allowed(context.Background(), nil))
}
