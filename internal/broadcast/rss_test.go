package broadcast

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const sampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Example Weekly</title>
  <link>https://example.dev</link>
  <item>
    <title>Shipping the new search</title>
    <link>https://example.dev/posts/search</link>
    <description>&lt;p&gt;How we rebuilt search &lt;b&gt;from scratch&lt;/b&gt;.&lt;/p&gt;</description>
  </item>
  <item>
    <title>Postmortem: the cache stampede</title>
    <link>https://example.dev/posts/stampede</link>
    <description>What went wrong and what we changed.</description>
  </item>
  <item>
    <title>Older post</title>
    <link>https://example.dev/posts/older</link>
    <description>An older entry.</description>
  </item>
</channel>
</rss>`

func TestDraftFromFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(sampleFeed))
	}))
	defer srv.Close()

	draft, err := NewDrafter().DraftFromFeed(context.Background(), srv.URL, 2)
	if err != nil {
		t.Fatal(err)
	}
	if draft.Subject != "Example Weekly: Shipping the new search" {
		t.Errorf("subject = %q", draft.Subject)
	}
	if draft.Items != 2 {
		t.Errorf("items = %d, want 2 (maxItems honored)", draft.Items)
	}
	if strings.Contains(draft.HTML, "Older post") {
		t.Error("entries past maxItems must be dropped")
	}
	if !strings.Contains(draft.HTML, `href="https://example.dev/posts/search"`) {
		t.Error("digest missing item link")
	}
	if strings.Contains(draft.HTML, "<b>") {
		t.Error("item summaries must have markup stripped")
	}
	if !strings.Contains(draft.HTML, "from scratch") {
		t.Error("stripped summary text missing")
	}
}

func TestDraftFromFeed_EmptyFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0"?><rss version="2.0"><channel><title>Empty</title></channel></rss>`))
	}))
	defer srv.Close()

	if _, err := NewDrafter().DraftFromFeed(context.Background(), srv.URL, 5); err == nil {
		t.Fatal("empty feed must be an error, there is nothing to draft")
	}
}

func TestDraftFromFeed_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := NewDrafter().DraftFromFeed(context.Background(), srv.URL, 5); err == nil {
		t.Fatal("non-200 feed fetch must surface as an error")
	}
}
