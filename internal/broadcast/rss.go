package broadcast

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

// Draft is a subject/body pair ready to hand to Broadcast.
type Draft struct {
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Items   int    `json:"items"`
}

// Drafter builds a newsletter issue from the site's RSS/Atom feed, so a
// broadcast can be assembled from recent posts instead of hand-written HTML.
type Drafter struct {
	parser *gofeed.Parser
	client *http.Client
}

// NewDrafter creates a feed-backed draft builder.
func NewDrafter() *Drafter {
	return &Drafter{
		parser: gofeed.NewParser(),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// DraftFromFeed fetches feedURL and renders its latest maxItems entries
// into a simple digest. The subject comes from the feed title plus the
// newest entry.
func (d *Drafter) DraftFromFeed(ctx context.Context, feedURL string, maxItems int) (*Draft, error) {
	if maxItems <= 0 {
		maxItems = 5
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build feed request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch feed: status %d", resp.StatusCode)
	}

	feed, err := d.parser.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	if len(feed.Items) == 0 {
		return nil, fmt.Errorf("feed %s has no items", feedURL)
	}

	items := feed.Items
	if len(items) > maxItems {
		items = items[:maxItems]
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("<h1 style=\"font-size: 20px;\">%s</h1>\n", feed.Title))
	for _, item := range items {
		summary := stripHTML(item.Description)
		if len(summary) > 280 {
			summary = summary[:280] + "…"
		}
		b.WriteString(fmt.Sprintf(
			"<div style=\"margin: 24px 0;\">\n  <h2 style=\"font-size: 16px; margin-bottom: 4px;\"><a href=\"%s\">%s</a></h2>\n  <p style=\"color: #444;\">%s</p>\n</div>\n",
			item.Link, item.Title, summary))
	}

	return &Draft{
		Subject: fmt.Sprintf("%s: %s", feed.Title, items[0].Title),
		HTML:    b.String(),
		Items:   len(items),
	}, nil
}

var tagRe = regexp.MustCompile(`<[^>]*>`)

func stripHTML(s string) string {
	return strings.TrimSpace(tagRe.ReplaceAllString(s, ""))
}
