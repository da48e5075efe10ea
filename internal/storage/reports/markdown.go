package reports

import (
	"fmt"
	"strings"
)

// Markdown renders a report with a numbered source list per section.
func Markdown(r *Report) []byte {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", r.Title)
	if r.Summary != "" {
		fmt.Fprintf(&b, "%s\n\n", r.Summary)
	}

	for _, s := range r.Sections {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", s.Title, strings.TrimSpace(s.Content))
		if len(s.Sources) == 0 {
			continue
		}
		b.WriteString("**Sources**\n\n")
		for i, src := range s.Sources {
			title := src.Title
			if title == "" {
				title = src.URL
			}
			fmt.Fprintf(&b, "%d. [%s](%s)\n", i+1, title, src.URL)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "---\n%d words, %d sources\n", r.TotalWords, r.TotalSources)
	return []byte(b.String())
}
