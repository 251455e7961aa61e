package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"archivecrawler/internal/crawler"
	"archivecrawler/pkg/types"
)

var now = time.Date(2025, 6, 30, 14, 0, 0, 0, time.UTC)

func TestResolveWindowDefaultsToLookback(t *testing.T) {
	w, err := resolveWindow(now, "", "", 180*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, now, w.End)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), w.Start)
}

func TestResolveWindowLookbackStartIncludesFirstDay(t *testing.T) {
	w, err := resolveWindow(now, "", "", 30*24*time.Hour)
	require.NoError(t, err)
	firstDay := time.Date(2025, 5, 31, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, firstDay, w.Start)
	assert.True(t, w.Contains(firstDay), "a document dated at midnight on the first day is in range")
}

func TestResolveWindowExplicitDates(t *testing.T) {
	w, err := resolveWindow(now, "2020-01-01", "2020-12-31", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), w.Start)
	assert.Equal(t, time.Date(2020, 12, 31, 0, 0, 0, 0, time.UTC), w.End)
}

func TestResolveWindowRejectsBadInput(t *testing.T) {
	_, err := resolveWindow(now, "2021-01-01", "2020-01-01", 0)
	assert.Error(t, err, "start after end")

	_, err = resolveWindow(now, "01/02/2020", "", 0)
	assert.Error(t, err)
}

func TestRootCmdFlags(t *testing.T) {
	cmd := newRootCmd()
	for _, name := range []string{"config", "since", "until", "lookback", "check", "show-browser", "log-level"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}

func TestRootCmdFailsOnMissingConfig(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--config", "does/not/exist.yaml"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestPrintSummary(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	printSummary(cmd, crawler.Summary{
		RunID:  "abc",
		Window: types.Window{Start: now.AddDate(0, -1, 0), End: now},
		Counts: map[types.Category]int{types.Speeches: 2, types.Policy: 1},
		Paths:  map[types.Category]string{types.Speeches: "out/speeches.jsonl", types.Policy: "out/policy.jsonl"},
	})
	out := buf.String()
	assert.Contains(t, out, "Run abc: 2025-05-30 to 2025-06-30")
	assert.Contains(t, out, "out/speeches.jsonl")
	assert.Contains(t, out, "Total new documents: 3")
}
