package deepr

import (
	"strings"

	"github.com/eternisai/enchanted-research/internal/search"
)

// filterSources picks the pool entries mentioning at least one keyword in their title,
// snippet or URL, case-insensitively, keeping pool order and at most limit entries.
func filterSources(pool []search.Source, keywords []string, limit int) []search.Source {
	lowered := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			lowered = append(lowered, k)
		}
	}

	var out []search.Source
	for _, s := range pool {
		if len(out) >= limit {
			break
		}
		text := strings.ToLower(s.Title + " " + s.Snippet + " " + s.URL)
		for _, k := range lowered {
			if strings.Contains(text, k) {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// countUniqueSources counts distinct normalized URLs across all sections.
func countUniqueSources(sections []Section) int {
	seen := make(map[string]struct{})
	for _, section := range sections {
		for _, s := range section.Sources {
			seen[search.NormalizeURL(s.URL)] = struct{}{}
		}
	}
	return len(seen)
}

func countWords(text string) int {
	return len(strings.Fields(text))
}
