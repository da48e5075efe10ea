package search

import "testing"

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases scheme and host", "HTTPS://Example.COM/Path", "https://example.com/Path"},
		{"strips trailing slash", "https://example.com/docs/", "https://example.com/docs"},
		{"strips fragment", "https://example.com/a#section-2", "https://example.com/a"},
		{"keeps query", "https://example.com/a?x=1", "https://example.com/a?x=1"},
		{"root", "https://example.com/", "https://example.com"},
		{"not a url", "  not a url/ ", "not a url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeURL(tt.in); got != tt.want {
				t.Errorf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestDedupe(t *testing.T) {
	in := []Source{
		{URL: "https://example.com/a", Title: "first"},
		{URL: "https://EXAMPLE.com/a/", Title: "duplicate"},
		{URL: "", Title: "no url"},
		{URL: "https://example.com/b#top", Title: "second"},
		{URL: "https://example.com/b", Title: "duplicate of second"},
	}

	got := Dedupe(in)
	if len(got) != 2 {
		t.Fatalf("expected 2 sources, got %d: %+v", len(got), got)
	}
	if got[0].Title != "first" || got[1].Title != "second" {
		t.Errorf("expected first-seen order to be kept, got %+v", got)
	}
}
