package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"archivecrawler/internal/config"
	"archivecrawler/internal/discovery"
	"archivecrawler/internal/export"
	"archivecrawler/internal/fetcher"
	"archivecrawler/internal/render"
	"archivecrawler/pkg/types"
)

const base = "https://www.ecb.europa.eu"

var (
	testNow = time.Date(2025, 6, 30, 8, 0, 0, 0, time.UTC)
	window  = types.Window{Start: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), End: testNow}

	speechURL   = base + "/press/key/date/2025/html/ecb.sp250312~a1.en.html"
	decisionURL = base + "/press/pr/date/2025/html/ecb.mp250306~b2.en.html"
	accountsURL = base + "/press/pr/date/2025/html/ecb.pr250220~c3.en.html"
	emptyURL    = base + "/press/pr/date/2025/html/ecb.pr250110~d4.en.html"
)

type fakeNavigator struct {
	results map[string][]types.DiscoveryRecord
	err     error
	calls   []string
	closed  int
}

func (f *fakeNavigator) Discover(ctx context.Context, section types.ArchiveSection, _ types.Window) (discovery.SectionResult, error) {
	f.calls = append(f.calls, section.Name)
	if f.err != nil {
		return discovery.SectionResult{Section: section.Name}, f.err
	}
	records := f.results[section.Name]
	return discovery.SectionResult{Section: section.Name, Records: records, Found: len(records), Stop: discovery.StopStale}, nil
}

func (f *fakeNavigator) Close() error {
	f.closed++
	return nil
}

type fakeFetcher struct {
	articles map[string]fetcher.Article
	fetched  []string
	probed   []string
	onFetch  func(n int)
}

func (f *fakeFetcher) FetchArticle(_ context.Context, rawURL string) fetcher.Article {
	f.fetched = append(f.fetched, rawURL)
	if f.onFetch != nil {
		f.onFetch(len(f.fetched))
	}
	return f.articles[rawURL]
}

func (f *fakeFetcher) Probe(_ context.Context, rawURL string) error {
	f.probed = append(f.probed, rawURL)
	return nil
}

type fakeRobots struct {
	disallow map[string]bool
	delay    time.Duration
}

func (r *fakeRobots) Allowed(_ context.Context, target *url.URL) bool {
	return !r.disallow[target.String()]
}

func (r *fakeRobots) CrawlDelay(context.Context, *url.URL) (time.Duration, bool) {
	return r.delay, r.delay > 0
}

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func testConfig(dir string) config.Config {
	cfg := config.Default()
	cfg.Source = config.SourceConfig{
		Name:           "ecb",
		BaseURL:        base,
		Language:       "en",
		LanguageSuffix: ".en.html",
		HealthPath:     "/press/html/index.en.html",
	}
	cfg.Sections = []config.SectionConfig{
		{Name: "speeches", ListingPath: "/press/key/html/index.en.html", DefaultCategory: "speeches", LinkPattern: `/press/key/date/\d{4}/html/`},
		{Name: "press_releases", ListingPath: "/press/pr/html/index.en.html", DefaultCategory: "pressreleases", LinkPattern: `/press/pr/date/\d{4}/html/`},
	}
	cfg.Export.OutputDir = dir
	return cfg
}

func standardNavigator() *fakeNavigator {
	return &fakeNavigator{results: map[string][]types.DiscoveryRecord{
		"speeches": {
			{URL: speechURL, Title: "Speech by Christine Lagarde, President of the ECB, at the European Parliament", DateHint: date(2025, 3, 12), Category: types.Speeches, Section: "speeches"},
		},
		"press_releases": {
			{URL: decisionURL, Title: "Monetary policy decisions", DateHint: date(2025, 3, 6), Category: types.PressReleases, Section: "press_releases"},
			{URL: accountsURL, Title: "", DateHint: date(2025, 2, 20), Category: types.PressReleases, Section: "press_releases"},
			{URL: emptyURL, Title: "Broken page", DateHint: date(2025, 1, 10), Category: types.PressReleases, Section: "press_releases"},
		},
	}}
}

func standardFetcher() *fakeFetcher {
	return &fakeFetcher{articles: map[string]fetcher.Article{
		speechURL:   {URL: speechURL, Title: "Speech", Text: "Ladies and gentlemen, it is a pleasure to be here today."},
		decisionURL: {URL: decisionURL, Title: "Decisions", Text: "The Governing Council today decided to lower the three key ECB interest rates."},
		accountsURL: {URL: accountsURL, Title: "ECB publishes annual accounts", Text: "The European Central Bank published its annual accounts for the financial year."},
		emptyURL:    {URL: emptyURL},
	}}
}

type harness struct {
	engine *Engine
	nav    *fakeNavigator
	fetch  *fakeFetcher
	robots *fakeRobots
	gate   *fetcher.Gate
	dir    string
}

func newHarness(t *testing.T, nav *fakeNavigator, f *fakeFetcher, robots *fakeRobots) *harness {
	t.Helper()
	dir := t.TempDir()
	if robots == nil {
		robots = &fakeRobots{}
	}
	clock := func() time.Time { return testNow }
	gate := fetcher.NewGate(0)
	engine, err := newEngine(testConfig(dir), slog.New(slog.NewTextHandler(io.Discard, nil)), components{
		fetcher:   f,
		gate:      gate,
		robots:    robots,
		sink:      export.NewSink(dir, export.WithClock(clock)),
		navigator: func() Discoverer { return nav },
		now:       clock,
		newRunID:  func() string { return "run-1" },
	})
	require.NoError(t, err)
	return &harness{engine: engine, nav: nav, fetch: f, robots: robots, gate: gate, dir: dir}
}

func readExport(t *testing.T, path string) []string {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(raw)), "\n")
}

func TestRunClassifiesAndExports(t *testing.T) {
	h := newHarness(t, standardNavigator(), standardFetcher(), nil)

	summary, err := h.engine.Run(context.Background(), window)
	require.NoError(t, err)

	assert.Equal(t, []string{"speeches", "press_releases"}, h.nav.calls)
	assert.Equal(t, 1, h.nav.closed, "rendering session released after discovery")

	assert.Equal(t, 3, summary.Total())
	assert.Equal(t, 1, summary.Counts[types.Speeches])
	assert.Equal(t, 1, summary.Counts[types.Policy])
	assert.Equal(t, 1, summary.Counts[types.PressReleases])
	assert.Equal(t, 1, summary.Stats.Empty, "documents without content are dropped")
	assert.Equal(t, 4, summary.Stats.Fetched)
	require.Len(t, summary.Stats.Sections, 2)
	assert.Equal(t, 3, summary.Stats.Sections[1].New)

	batch := h.collectFile(t, types.Speeches)
	require.Len(t, batch, 1)
	doc := batch[0]
	assert.Equal(t, "ecb", doc.Source)
	assert.Equal(t, "speech", doc.DocumentType)
	require.NotNil(t, doc.Speaker)
	assert.Equal(t, "Christine Lagarde", *doc.Speaker)
	assert.Equal(t, *date(2025, 3, 12), doc.PublishedAt)
	assert.Equal(t, testNow, doc.CollectedAt)
	assert.Equal(t, "en", doc.Language)
	assert.Equal(t, map[string]string{
		"archive_section":  "speeches",
		"section_category": "speeches",
		"scrape_method":    "historical",
		"run_id":           "run-1",
	}, doc.Metadata)

	policy := h.collectFile(t, types.Policy)
	require.Len(t, policy, 1)
	assert.Equal(t, "policy_decision", policy[0].DocumentType)
	assert.Nil(t, policy[0].Speaker)

	press := h.collectFile(t, types.PressReleases)
	require.Len(t, press, 1)
	assert.Equal(t, "ECB publishes annual accounts", press[0].Title, "page title fills a missing listing title")
	assert.Equal(t, "press_release", press[0].DocumentType)
}

func (h *harness) collectFile(t *testing.T, category types.Category) []types.Document {
	t.Helper()
	path := filepath.Join(h.dir, string(category)+"_20250630.jsonl")
	var out []types.Document
	for _, line := range readExport(t, path) {
		var doc types.Document
		require.NoError(t, json.Unmarshal([]byte(line), &doc))
		out = append(out, doc)
	}
	return out
}

func TestSecondRunAddsNothing(t *testing.T) {
	h := newHarness(t, standardNavigator(), standardFetcher(), nil)

	first, err := h.engine.Run(context.Background(), window)
	require.NoError(t, err)
	require.Equal(t, 3, first.Total())
	fetchedAfterFirst := len(h.fetch.fetched)

	second, err := h.engine.Run(context.Background(), window)
	require.NoError(t, err)
	assert.Zero(t, second.Total())
	assert.Equal(t, 3, second.Stats.SkippedKnown)
	assert.Equal(t, 3, second.Stats.KnownURLs)
	assert.Equal(t, fetchedAfterFirst+1, len(h.fetch.fetched), "only the page without content is retried")

	assert.Len(t, readExport(t, filepath.Join(h.dir, "pressreleases_20250630.jsonl")), 1)
}

func TestURLSeenInTwoSectionsIsFetchedOnce(t *testing.T) {
	nav := standardNavigator()
	dup := nav.results["press_releases"][0]
	dup.Section = "speeches"
	nav.results["speeches"] = append(nav.results["speeches"], dup)

	h := newHarness(t, nav, standardFetcher(), nil)
	summary, err := h.engine.Run(context.Background(), window)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Stats.SkippedSeen)
	count := 0
	for _, u := range h.fetch.fetched {
		if u == decisionURL {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestRobotsDisallowedURLsAreSkipped(t *testing.T) {
	robots := &fakeRobots{disallow: map[string]bool{speechURL: true}, delay: 9 * time.Second}
	h := newHarness(t, standardNavigator(), standardFetcher(), robots)

	summary, err := h.engine.Run(context.Background(), window)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Stats.SkippedRobots)
	assert.NotContains(t, h.fetch.fetched, speechURL)
	assert.Zero(t, summary.Counts[types.Speeches])
	assert.Equal(t, 9*time.Second, h.gate.Interval(), "robots crawl-delay raises the politeness interval")
}

func TestSessionInitFailureIsFatal(t *testing.T) {
	nav := &fakeNavigator{err: render.ErrSessionInit}
	h := newHarness(t, nav, standardFetcher(), nil)

	_, err := h.engine.Run(context.Background(), window)
	assert.ErrorIs(t, err, render.ErrSessionInit)
	assert.Equal(t, 1, nav.closed)
	assert.Empty(t, h.fetch.fetched)

	files, _ := filepath.Glob(filepath.Join(h.dir, "*.jsonl"))
	assert.Empty(t, files)
}

func TestInvalidWindow(t *testing.T) {
	h := newHarness(t, standardNavigator(), standardFetcher(), nil)
	_, err := h.engine.Collect(context.Background(), types.Window{Start: testNow, End: testNow.AddDate(0, -1, 0)})
	assert.ErrorIs(t, err, ErrInvalidWindow)
	assert.Empty(t, h.nav.calls)
}

func TestCancellationExportsPartialBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := standardFetcher()
	f.onFetch = func(n int) {
		if n == 1 {
			cancel()
		}
	}
	h := newHarness(t, standardNavigator(), f, nil)

	summary, err := h.engine.Run(ctx, window)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Len(t, h.fetch.fetched, 1)
	assert.Equal(t, 1, summary.Counts[types.Speeches])
	assert.FileExists(t, filepath.Join(h.dir, "speeches_20250630.jsonl"))
}

func TestCollectReturnsBatch(t *testing.T) {
	h := newHarness(t, standardNavigator(), standardFetcher(), nil)
	batch, err := h.engine.Collect(context.Background(), window)
	require.NoError(t, err)
	assert.Equal(t, 3, batch.Total())
	assert.Equal(t, "ecb", h.engine.Name())

	files, _ := filepath.Glob(filepath.Join(h.dir, "*.jsonl"))
	assert.Empty(t, files, "Collect does not export")
}

func TestHealthCheckProbesHealthPath(t *testing.T) {
	h := newHarness(t, standardNavigator(), standardFetcher(), nil)
	require.NoError(t, h.engine.HealthCheck(context.Background()))
	assert.Equal(t, []string{base + "/press/html/index.en.html"}, h.fetch.probed)
}

func TestDefaultWindow(t *testing.T) {
	h := newHarness(t, standardNavigator(), standardFetcher(), nil)
	w := h.engine.DefaultWindow()
	assert.Equal(t, testNow, w.End)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), w.Start, "start is the first full day of the lookback")
}

func TestSectionsCompiledFromConfig(t *testing.T) {
	h := newHarness(t, standardNavigator(), standardFetcher(), nil)
	require.Len(t, h.engine.sections, 2)
	assert.IsType(t, &regexp.Regexp{}, h.engine.sections[0].LinkPattern)
	assert.True(t, h.engine.sections[1].LinkPattern.MatchString(decisionURL))
}
