package enrichment

import (
	"github.com/eternisai/enchanted-research/internal/gateway"
	"github.com/eternisai/enchanted-research/internal/search"
)

// Kind tags the variant held by a Result.
type Kind int

const (
	KindAbsent Kind = iota
	KindResearch
	KindAuxiliary
)

func (k Kind) String() string {
	switch k {
	case KindResearch:
		return "research"
	case KindAuxiliary:
		return "auxiliary"
	default:
		return "absent"
	}
}

// ResearchResult is web research ready to be cited and spliced into a prompt.
type ResearchResult struct {
	Sources     []search.Source `json:"sources"`
	ContextText string          `json:"context_text"`
}

// AuxiliaryResult is any other live data, such as weather.
type AuxiliaryResult struct {
	Label       string `json:"label"`
	Payload     any    `json:"payload,omitempty"`
	ContextText string `json:"context_text"`
}

// Result is the outcome of one enrichment provider. Exactly one of Research or Auxiliary is
// set, matching Kind; both are nil for KindAbsent.
type Result struct {
	Kind     Kind
	Provider string

	// Reason explains an absent result. Logged, never shown to the client.
	Reason string

	Research  *ResearchResult
	Auxiliary *AuxiliaryResult
}

func Absent(reason string) Result {
	return Result{Kind: KindAbsent, Reason: reason}
}

func Research(sources []search.Source, contextText string) Result {
	return Result{
		Kind:     KindResearch,
		Research: &ResearchResult{Sources: sources, ContextText: contextText},
	}
}

func Auxiliary(label string, payload any, contextText string) Result {
	return Result{
		Kind:      KindAuxiliary,
		Auxiliary: &AuxiliaryResult{Label: label, Payload: payload, ContextText: contextText},
	}
}

func (r Result) IsAbsent() bool {
	return r.Kind == KindAbsent
}

// ContextText is the text spliced into the prompt, empty for absent results.
func (r Result) ContextText() string {
	switch r.Kind {
	case KindResearch:
		return r.Research.ContextText
	case KindAuxiliary:
		return r.Auxiliary.ContextText
	default:
		return ""
	}
}

// Splice returns a new message list with one system message per usable result inserted
// immediately before the last user message. messages is not modified.
func Splice(messages []gateway.Message, results []Result) []gateway.Message {
	var extra []gateway.Message
	for _, r := range results {
		if text := r.ContextText(); text != "" {
			extra = append(extra, gateway.Message{Role: gateway.RoleSystem, Content: text})
		}
	}
	if len(extra) == 0 {
		return messages
	}

	at := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == gateway.RoleUser {
			at = i
			break
		}
	}

	out := make([]gateway.Message, 0, len(messages)+len(extra))
	out = append(out, messages[:at]...)
	out = append(out, extra...)
	out = append(out, messages[at:]...)
	return out
}
