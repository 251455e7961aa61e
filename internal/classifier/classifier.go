package classifier

import (
	"fmt"
	"regexp"

	"archivecrawler/internal/config"
	"archivecrawler/pkg/types"
)

// SummaryLength bounds how much of the body is used for classification and
// speaker detection.
const SummaryLength = 500

type rule struct {
	category types.Category
	patterns []*regexp.Regexp
}

// Classifier assigns documents to categories from their title and summary.
type Classifier struct {
	rules    []rule
	fallback types.Category
}

// New compiles the ordered rule table. Patterns are matched case-insensitively.
func New(cfg config.ClassifierConfig) (*Classifier, error) {
	fallback := types.Category(cfg.DefaultCategory)
	if fallback == "" {
		fallback = types.DefaultCategory
	}
	if !fallback.Valid() {
		return nil, fmt.Errorf("unknown default category %q", fallback)
	}

	rules := make([]rule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		cat := types.Category(r.Category)
		if !cat.Valid() {
			return nil, fmt.Errorf("unknown category %q", r.Category)
		}
		if cat == fallback {
			continue
		}
		compiled := make([]*regexp.Regexp, 0, len(r.Patterns))
		for _, p := range r.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("compile %s pattern %q: %w", cat, p, err)
			}
			compiled = append(compiled, re)
		}
		rules = append(rules, rule{category: cat, patterns: compiled})
	}
	return &Classifier{rules: rules, fallback: fallback}, nil
}

// Default is the classifier built from the default rule table.
func Default() *Classifier {
	c, err := New(config.Default().Classifier)
	if err != nil {
		panic(err)
	}
	return c
}

// Fallback is the category used when nothing matches.
func (c *Classifier) Fallback() types.Category {
	return c.fallback
}

// Classify returns the first category whose patterns match title or summary.
func (c *Classifier) Classify(title, summary string) types.Category {
	text := title + " " + summary
	for _, r := range c.rules {
		for _, re := range r.patterns {
			if re.MatchString(text) {
				return r.category
			}
		}
	}
	return c.fallback
}

// Resolve classifies the text and lets the archive section's category win
// over the generic fallback.
func (c *Classifier) Resolve(title, summary string, sectionDefault types.Category) types.Category {
	got := c.Classify(title, summary)
	if got == c.fallback && sectionDefault.Valid() {
		return sectionDefault
	}
	return got
}

// Prefix returns at most n runes of s.
func Prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
