// Package export appends documents to per-category line-delimited JSON files.
package export

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"archivecrawler/pkg/types"
)

var (
	// ErrValidation is the parent of every rejected-input error.
	ErrValidation = errors.New("export validation failed")
	// ErrEmptyBatch is returned when there is nothing to write.
	ErrEmptyBatch = fmt.Errorf("%w: no documents to export", ErrValidation)
	// ErrInvalidCategory is returned for categories outside the fixed set.
	ErrInvalidCategory = fmt.Errorf("%w: invalid category", ErrValidation)
)

// Sink writes to <dir>/<category>_<YYYYMMDD>.jsonl. Files are only ever
// appended to.
type Sink struct {
	dir    string
	now    func() time.Time
	logger *slog.Logger
}

// Option customises a Sink.
type Option func(*Sink)

// WithClock replaces the clock used to date export files.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) {
		s.now = now
	}
}

// WithLogger sets the sink logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSink returns a sink rooted at dir.
func NewSink(dir string, opts ...Option) *Sink {
	s := &Sink{dir: dir, now: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Dir returns the output directory.
func (s *Sink) Dir() string {
	return s.dir
}

// Path returns the file a category is written to today.
func (s *Sink) Path(category types.Category) string {
	name := fmt.Sprintf("%s_%s.jsonl", category, s.now().UTC().Format("20060102"))
	return filepath.Join(s.dir, name)
}

// Write appends docs to the category file and returns its path.
func (s *Sink) Write(docs []types.Document, category types.Category) (string, error) {
	if len(docs) == 0 {
		return "", ErrEmptyBatch
	}
	if !category.Valid() {
		return "", fmt.Errorf("%w %q", ErrInvalidCategory, category)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	path := s.Path(category)
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}

	w := bufio.NewWriter(fh)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, doc := range docs {
		if err := enc.Encode(doc); err != nil {
			_ = fh.Close()
			return "", fmt.Errorf("encode %s: %w", doc.URL, err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = fh.Close()
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := fh.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", path, err)
	}

	s.logger.Info("exported documents", "category", string(category), "count", len(docs), "path", path)
	return path, nil
}

// WriteAll exports every non-empty category of batch. Unknown categories
// reject the whole batch before anything is written.
func (s *Sink) WriteAll(batch types.Batch) (map[types.Category]string, error) {
	for category, docs := range batch {
		if !category.Valid() && len(docs) > 0 {
			return nil, fmt.Errorf("%w %q", ErrInvalidCategory, category)
		}
	}
	paths := make(map[types.Category]string, len(batch))
	for _, category := range types.Categories() {
		docs := batch[category]
		if len(docs) == 0 {
			s.logger.Debug("no documents for category", "category", string(category))
			continue
		}
		path, err := s.Write(docs, category)
		if err != nil {
			return paths, err
		}
		paths[category] = path
	}
	return paths, nil
}
