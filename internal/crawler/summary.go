package crawler

import (
	"log/slog"
	"time"

	"archivecrawler/internal/discovery"
	"archivecrawler/pkg/types"
)

// SectionStats describes one section's discovery.
type SectionStats struct {
	Name    string
	Stop    discovery.StopReason
	Steps   int
	Found   int
	InRange int
	New     int
	Error   string
}

// Stats counts what happened to candidates during a run.
type Stats struct {
	Sections      []SectionStats
	KnownURLs     int
	Discovered    int
	SkippedKnown  int
	SkippedSeen   int
	SkippedRobots int
	Fetched       int
	Empty         int
	Documents     int
}

// Summary is the outcome of Engine.Run.
type Summary struct {
	RunID    string
	Window   types.Window
	Stats    Stats
	Counts   map[types.Category]int
	Paths    map[types.Category]string
	Duration time.Duration
}

// Total is the number of exported documents.
func (s Summary) Total() int {
	n := 0
	for _, c := range s.Counts {
		n += c
	}
	return n
}

// Log writes the end-of-run report.
func (s Summary) Log(logger *slog.Logger) {
	for _, sec := range s.Stats.Sections {
		logger.Info("section summary",
			"section", sec.Name,
			"stop", string(sec.Stop),
			"found", sec.Found,
			"in_range", sec.InRange,
			"new", sec.New,
		)
	}
	for _, category := range types.Categories() {
		if n := s.Counts[category]; n > 0 {
			logger.Info("category summary", "category", string(category), "documents", n, "path", s.Paths[category])
		}
	}
	logger.Info("run complete",
		"run_id", s.RunID,
		"documents", s.Total(),
		"discovered", s.Stats.Discovered,
		"skipped_known", s.Stats.SkippedKnown,
		"skipped_robots", s.Stats.SkippedRobots,
		"empty", s.Stats.Empty,
		"duration", s.Duration.Round(time.Second).String(),
	)
}
