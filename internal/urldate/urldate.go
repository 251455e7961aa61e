// Package urldate recovers publication dates from article URLs. During
// discovery the URL is the only chronological signal available, so the
// navigator relies on it for both early stopping and window filtering.
package urldate

import (
	"net/url"
	"path"
	"regexp"
	"strconv"
	"time"
)

var (
	// ecb.sp260115~abc123.en.html -> 260115; the type code is letters only
	// and the six digits must sit directly before the tilde.
	compactPattern = regexp.MustCompile(`\.[A-Za-z]+(\d{6})~`)
	// /press/key/date/2025/html/ -> 2025
	yearPattern = regexp.MustCompile(`/((?:19|20)\d{2})/`)
)

// Parse returns the best publication date encoded in raw. The compact
// filename date wins; a bare year segment yields January 1 of that year.
func Parse(raw string) (time.Time, bool) {
	p := raw
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		p = u.Path
	}

	if m := compactPattern.FindStringSubmatch(path.Base(p)); m != nil {
		if t, ok := compactDate(m[1]); ok {
			return t, true
		}
	}

	if m := yearPattern.FindStringSubmatch(p); m != nil {
		year, err := strconv.Atoi(m[1])
		if err == nil {
			return time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}

// compactDate decodes YYMMDD with a century pivot at 50.
func compactDate(digits string) (time.Time, bool) {
	yy, _ := strconv.Atoi(digits[0:2])
	mm, _ := strconv.Atoi(digits[2:4])
	dd, _ := strconv.Atoi(digits[4:6])

	year := 1900 + yy
	if yy < 50 {
		year = 2000 + yy
	}
	if mm < 1 || mm > 12 || dd < 1 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(mm), dd, 0, 0, 0, 0, time.UTC)
	if t.Day() != dd || int(t.Month()) != mm {
		return time.Time{}, false
	}
	return t, true
}

// Oldest returns the earliest date recoverable from urls.
func Oldest(urls []string) (time.Time, bool) {
	var oldest time.Time
	found := false
	for _, u := range urls {
		t, ok := Parse(u)
		if !ok {
			continue
		}
		if !found || t.Before(oldest) {
			oldest = t
			found = true
		}
	}
	return oldest, found
}
