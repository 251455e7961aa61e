package types

import (
	"sort"
	"time"
)

// Category routes a document to its export file.
type Category string

const (
	PressReleases Category = "pressreleases"
	Speeches      Category = "speeches"
	Policy        Category = "policy"
	Bulletins     Category = "bulletins"
)

// DefaultCategory is applied when no classification rule matches.
const DefaultCategory = PressReleases

var documentTypes = map[Category]string{
	PressReleases: "press_release",
	Speeches:      "speech",
	Policy:        "policy_decision",
	Bulletins:     "bulletin",
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	_, ok := documentTypes[c]
	return ok
}

// DocumentType returns the value written to the document_type field.
func (c Category) DocumentType() string {
	return documentTypes[c]
}

// Categories lists every known category in a stable order.
func Categories() []Category {
	out := make([]Category, 0, len(documentTypes))
	for c := range documentTypes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Document is one exported record. The same line format is produced by the
// feed collector, so downstream consumers do not care which one wrote it.
type Document struct {
	Source       string            `json:"source"`
	CollectedAt  time.Time         `json:"timestamp_collected"`
	PublishedAt  time.Time         `json:"timestamp_published"`
	URL          string            `json:"url"`
	Title        string            `json:"title"`
	Content      string            `json:"content"`
	DocumentType string            `json:"document_type"`
	Speaker      *string           `json:"speaker"`
	Language     string            `json:"language"`
	Metadata     map[string]string `json:"metadata"`
}

// Batch groups documents by category.
type Batch map[Category][]Document

// Total counts documents across all categories.
func (b Batch) Total() int {
	n := 0
	for _, docs := range b {
		n += len(docs)
	}
	return n
}
