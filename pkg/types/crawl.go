package types

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"time"
)

// ArchiveSection is one infinite-scroll listing page of the archive.
type ArchiveSection struct {
	Name            string
	ListingPath     string
	DefaultCategory Category
	LinkPattern     *regexp.Regexp
}

// DiscoveryRecord is a candidate article found while traversing a listing page.
type DiscoveryRecord struct {
	URL      string
	Title    string
	DateHint *time.Time
	Category Category
	Section  string
}

// Window bounds the publication dates a run is interested in.
type Window struct {
	Start time.Time
	End   time.Time
}

// Validate rejects inverted windows.
func (w Window) Validate() error {
	if w.Start.After(w.End) {
		return fmt.Errorf("window start %s is after end %s", w.Start.Format(time.DateOnly), w.End.Format(time.DateOnly))
	}
	return nil
}

// LookbackWindow ends at end and starts lookback earlier, at midnight UTC of
// that day.
func LookbackWindow(end time.Time, lookback time.Duration) Window {
	end = end.UTC()
	s := end.Add(-lookback)
	return Window{
		Start: time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, time.UTC),
		End:   end,
	}
}

// Contains reports whether t falls inside the window, bounds included.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Page represents the fetched content.
type Page struct {
	URL             *url.URL
	FinalURL        *url.URL
	Body            []byte
	ContentType     string
	StatusCode      int
	Headers         http.Header
	FetchedAt       time.Time
	Attempts        int
	ResponseLatency time.Duration
}
