package discovery

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"archivecrawler/internal/render"
	"archivecrawler/pkg/types"
)

const maxTitleRunes = 300

// parseFinalPage snapshots the rendered listing and extracts one record per
// distinct matching link.
func (n *Navigator) parseFinalPage(ctx context.Context, session render.Session, section types.ArchiveSection, listing string) ([]types.DiscoveryRecord, error) {
	html, err := session.HTML(ctx)
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(listing)
	if err != nil {
		return nil, fmt.Errorf("parse listing url: %w", err)
	}
	if loc, err := session.Location(ctx); err == nil && loc != "" {
		if u, err := url.Parse(loc); err == nil {
			base = u
		}
	}
	return n.extractRecords(html, base, section)
}

func (n *Navigator) extractRecords(html string, base *url.URL, section types.ArchiveSection) ([]types.DiscoveryRecord, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse listing html: %w", err)
	}

	index := make(map[string]int)
	var records []types.DiscoveryRecord

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
			return
		}
		u, err := base.Parse(href)
		if err != nil {
			return
		}
		u.Fragment = ""
		link := u.String()
		if !n.accept(link, section) {
			return
		}

		title := linkTitle(s)
		if i, dup := index[link]; dup {
			if records[i].Title == "" {
				records[i].Title = title
			}
			return
		}
		index[link] = len(records)
		records = append(records, newRecord(link, title, section))
	})
	return records, nil
}

// linkTitle is the anchor text, or the text of the closest block wrapping it.
func linkTitle(s *goquery.Selection) string {
	title := strings.Join(strings.Fields(s.Text()), " ")
	if title == "" {
		title = strings.Join(strings.Fields(s.Closest("div, li, span").First().Text()), " ")
	}
	if utf8.RuneCountInString(title) > maxTitleRunes {
		title = string([]rune(title)[:maxTitleRunes])
	}
	return title
}
