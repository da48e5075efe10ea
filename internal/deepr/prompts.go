package deepr

import (
	"fmt"
	"strings"

	"github.com/eternisai/enchanted-research/internal/search"
)

const sectionSystemPrompt = `You are writing one section of a research report titled %q.
Write between %d and %d words of well structured Markdown prose for the section described by the user. Do not repeat the section heading.
%s`

const (
	citeInstruction   = "Cite the numbered sources inline, like [1] or [2][3], wherever you rely on them. Never cite a number that is not listed."
	noSourcesFallback = "No web sources are available for this section. Write from general knowledge and do not add citations."
	sectionUserFormat = "Research question: %s\n\nSection: %s\n%s\n"
	sourceEntryFormat = "\n[%d] %s (%s)\n%s\n"
	sourceListHeading = "\nSources:\n"
)

func sectionPrompts(query string, outline Outline, spec SectionSpec, sources []search.Source, minWords, maxWords int) (system, user string) {
	instruction := citeInstruction
	if len(sources) == 0 {
		instruction = noSourcesFallback
	}
	system = fmt.Sprintf(sectionSystemPrompt, outline.Title, minWords, maxWords, instruction)

	var b strings.Builder
	fmt.Fprintf(&b, sectionUserFormat, query, spec.Title, spec.Description)
	if len(sources) > 0 {
		b.WriteString(sourceListHeading)
		for i, s := range sources {
			fmt.Fprintf(&b, sourceEntryFormat, i+1, s.Title, s.URL, s.Snippet)
		}
	}
	return system, b.String()
}
