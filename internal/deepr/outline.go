package deepr

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
)

var (
	schemaOnce sync.Once
	schemaJSON string
)

// outlineSchema returns the JSON schema of Outline, inlined so it can be pasted into a prompt.
func outlineSchema() string {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			DoNotReference: true,
			ExpandedStruct: true,
		}
		data, err := json.MarshalIndent(r.Reflect(&Outline{}), "", "  ")
		if err != nil {
			// Outline is a static type; this cannot fail at runtime.
			panic(fmt.Sprintf("outline schema: %v", err))
		}
		schemaJSON = string(data)
	})
	return schemaJSON
}

func outlinePrompt(minSections, maxSections int) string {
	return fmt.Sprintf(`You are planning a long-form research report. Produce an outline with between %d and %d sections.
Each section needs a title, a short description and a few lowercase keywords that would appear in relevant web pages.
Respond with a single JSON object and nothing else. It must validate against this JSON schema:

%s`, minSections, maxSections, outlineSchema())
}

// parseOutline extracts the outline JSON from a model response and validates it.
func parseOutline(text string, minSections, maxSections int) (Outline, error) {
	var outline Outline

	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return outline, fmt.Errorf("no JSON object in response")
	}

	if err := json.Unmarshal([]byte(text[start:end+1]), &outline); err != nil {
		return outline, fmt.Errorf("decode outline: %w", err)
	}

	if err := outline.normalize(minSections, maxSections); err != nil {
		return Outline{}, err
	}

	return outline, nil
}

// normalize trims fields, assigns missing ids and checks the section rules.
func (o *Outline) normalize(minSections, maxSections int) error {
	o.Title = strings.TrimSpace(o.Title)
	o.Summary = strings.TrimSpace(o.Summary)

	if n := len(o.Sections); n < minSections || n > maxSections {
		return fmt.Errorf("outline has %d sections, want %d to %d", n, minSections, maxSections)
	}

	for i := range o.Sections {
		s := &o.Sections[i]
		s.Title = strings.TrimSpace(s.Title)
		s.Description = strings.TrimSpace(s.Description)

		if s.Title == "" {
			return fmt.Errorf("section %d has no title", i+1)
		}
		if s.Description == "" {
			return fmt.Errorf("section %d has no description", i+1)
		}

		keywords := s.Keywords[:0]
		for _, k := range s.Keywords {
			if k = strings.TrimSpace(k); k != "" {
				keywords = append(keywords, k)
			}
		}
		if len(keywords) == 0 {
			return fmt.Errorf("section %d has no keywords", i+1)
		}
		s.Keywords = keywords
	}

	// Explicit ids win; generated ids skip every id a later section asks for.
	reserved := make(map[string]bool, len(o.Sections))
	for i := range o.Sections {
		o.Sections[i].ID = strings.TrimSpace(o.Sections[i].ID)
		reserved[o.Sections[i].ID] = true
	}
	seen := make(map[string]bool, len(o.Sections))
	for i := range o.Sections {
		s := &o.Sections[i]
		if s.ID == "" || seen[s.ID] {
			for n := i + 1; ; n++ {
				s.ID = fmt.Sprintf("section-%d", n)
				if !seen[s.ID] && !reserved[s.ID] {
					break
				}
			}
		}
		seen[s.ID] = true
	}

	if o.Title == "" {
		o.Title = o.Sections[0].Title
	}

	return nil
}
