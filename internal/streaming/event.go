package streaming

import (
	"github.com/eternisai/enchanted-research/internal/errors"
	"github.com/eternisai/enchanted-research/internal/search"
)

// EventKind identifies what an Event carries.
type EventKind string

const (
	EventToken     EventKind = "token"
	EventStatus    EventKind = "status"
	EventCitations EventKind = "citations"
	EventSection   EventKind = "section"
	EventProgress  EventKind = "progress"
	EventResult    EventKind = "result"

	// Terminal kinds. Exactly one of them ends every stream.
	EventError EventKind = "error"
	EventDone  EventKind = "done"
)

// Event is one item on a turn's output stream. Only the fields matching Kind are set.
type Event struct {
	Kind EventKind

	Token     string
	Status    string
	Citations []search.Source
	Progress  int

	// Payload holds the section for EventSection and the report for EventResult.
	Payload any

	Err error
}

// IsTerminal reports whether e ends the stream.
func (e Event) IsTerminal() bool {
	return e.Kind == EventDone || e.Kind == EventError
}

// ErrorKind classifies the error of an EventError. Unclassified errors count as upstream.
func (e Event) ErrorKind() errors.Kind {
	if kind := errors.KindOf(e.Err); kind != "" {
		return kind
	}
	return errors.KindUpstream
}

func TokenEvent(token string) Event {
	return Event{Kind: EventToken, Token: token}
}

func StatusEvent(status string) Event {
	return Event{Kind: EventStatus, Status: status}
}

func CitationsEvent(sources []search.Source) Event {
	return Event{Kind: EventCitations, Citations: sources}
}

// ProgressEvent reports deep-research progress in percent along with a status line.
func ProgressEvent(progress int, status string) Event {
	return Event{Kind: EventProgress, Progress: progress, Status: status}
}

func SectionEvent(section any) Event {
	return Event{Kind: EventSection, Payload: section}
}

func ResultEvent(result any) Event {
	return Event{Kind: EventResult, Payload: result}
}

func ErrorEvent(err error) Event {
	return Event{Kind: EventError, Err: err}
}

func DoneEvent() Event {
	return Event{Kind: EventDone}
}
