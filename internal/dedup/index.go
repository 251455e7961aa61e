// Package dedup tracks which article URLs already exist in the exported
// corpus.
package dedup

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const maxLineBytes = 16 * 1024 * 1024

// Index is a set of known document URLs.
type Index struct {
	mu   sync.RWMutex
	urls map[string]struct{}
}

// New returns an empty index.
func New() *Index {
	return &Index{urls: make(map[string]struct{})}
}

// Load rebuilds the index from every *.jsonl file in dir. A missing dir yields
// an empty index; malformed lines and unreadable files are skipped.
func Load(dir string, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}
	idx := New()

	paths, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("list export files: %w", err)
	}
	if len(paths) == 0 {
		if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
			logger.Debug("export directory missing, starting empty index", "dir", dir)
		}
		return idx, nil
	}
	sort.Strings(paths)

	for _, p := range paths {
		added, skipped, err := idx.loadFile(p)
		if err != nil {
			logger.Warn("skipping unreadable export file", "path", p, "error", err)
			continue
		}
		if skipped > 0 {
			logger.Warn("skipped malformed export lines", "path", p, "lines", skipped)
		}
		logger.Debug("indexed export file", "path", p, "urls", added)
	}
	logger.Info("dedup index loaded", "files", len(paths), "urls", idx.Len())
	return idx, nil
}

type urlOnly struct {
	URL string `json:"url"`
}

func (i *Index) loadFile(path string) (added, skipped int, err error) {
	fh, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec urlOnly
		if err := json.Unmarshal([]byte(line), &rec); err != nil || strings.TrimSpace(rec.URL) == "" {
			skipped++
			continue
		}
		if i.Add(rec.URL) {
			added++
		}
	}
	if err := scanner.Err(); err != nil {
		return added, skipped, fmt.Errorf("scan %s: %w", filepath.Base(path), err)
	}
	return added, skipped, nil
}

// Contains reports whether url is known.
func (i *Index) Contains(url string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.urls[url]
	return ok
}

// Add records url and reports whether it was new.
func (i *Index) Add(url string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.urls[url]; ok {
		return false
	}
	i.urls[url] = struct{}{}
	return true
}

// Len returns the number of known URLs.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.urls)
}
