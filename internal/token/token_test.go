package token

import (
	"net/url"
	"testing"
)

func TestIssue_URLSafe(t *testing.T) {
	iss := NewIssuer()
	tok, err := iss.Issue()
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if tok == "" {
		t.Fatal("Issue() returned empty token")
	}
	// A bearer token ends up verbatim in query strings and must survive
	// URL encoding unchanged.
	if url.QueryEscape(tok) != tok {
		t.Errorf("token %q is not URL-safe", tok)
	}
	// 24 random bytes encode to 32 base64url characters.
	if len(tok) != 32 {
		t.Errorf("token length = %d, want 32", len(tok))
	}
}

func TestIssue_Unique(t *testing.T) {
	iss := NewIssuer()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		tok, err := iss.Issue()
		if err != nil {
			t.Fatalf("Issue() error = %v", err)
		}
		if seen[tok] {
			t.Fatalf("duplicate token after %d issues", i)
		}
		seen[tok] = true
	}
}
