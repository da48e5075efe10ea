package streaming

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/eternisai/enchanted-research/internal/errors"
	"github.com/eternisai/enchanted-research/internal/search"
)

// DoneMarker is the payload of the final frame of every stream.
const DoneMarker = "[DONE]"

// Format selects the JSON shape of a stream's frames.
type Format int

const (
	// FormatChat: {"content"}, {"status"}, {"citations"}, {"error","kind"}.
	FormatChat Format = iota
	// FormatResearch: {"type":"progress"|"section"|"result"|"error", ...}.
	FormatResearch
)

type chatContent struct {
	Content string `json:"content"`
}

type chatStatus struct {
	Status string `json:"status"`
}

type chatCitations struct {
	Citations []search.Source `json:"citations"`
}

type chatError struct {
	Error string      `json:"error"`
	Kind  errors.Kind `json:"kind"`
}

type researchFrame struct {
	Type     string `json:"type"`
	Progress *int   `json:"progress,omitempty"`
	Status   string `json:"status,omitempty"`
	Section  any    `json:"section,omitempty"`
	Result   any    `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Encode returns the frame payload for e. ok is false for events the format does not carry.
// The terminal Done event encodes as DoneMarker.
func Encode(format Format, e Event) (payload []byte, ok bool, err error) {
	if e.Kind == EventDone {
		return []byte(DoneMarker), true, nil
	}

	var v any
	switch format {
	case FormatChat:
		v = chatFrame(e)
	case FormatResearch:
		v = researchFrameFor(e)
	default:
		return nil, false, fmt.Errorf("unknown stream format %d", format)
	}
	if v == nil {
		return nil, false, nil
	}

	payload, err = json.Marshal(v)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode %s event: %w", e.Kind, err)
	}
	return payload, true, nil
}

func chatFrame(e Event) any {
	switch e.Kind {
	case EventToken:
		return chatContent{Content: e.Token}
	case EventStatus:
		return chatStatus{Status: e.Status}
	case EventCitations:
		if len(e.Citations) == 0 {
			return nil
		}
		return chatCitations{Citations: e.Citations}
	case EventError:
		kind := e.ErrorKind()
		return chatError{Error: ClientMessage(kind), Kind: kind}
	}
	return nil
}

func researchFrameFor(e Event) any {
	switch e.Kind {
	case EventProgress:
		progress := e.Progress
		return researchFrame{Type: "progress", Progress: &progress, Status: e.Status}
	case EventSection:
		return researchFrame{Type: "section", Section: e.Payload}
	case EventResult:
		return researchFrame{Type: "result", Result: e.Payload}
	case EventError:
		return researchFrame{Type: "error", Error: ClientMessage(e.ErrorKind())}
	}
	return nil
}

// ClientMessage is the text shown to clients for a failed stream. Upstream details stay in
// the logs.
func ClientMessage(kind errors.Kind) string {
	switch kind {
	case errors.KindBackendUnavailable:
		return "No model backend is available to answer this request"
	case errors.KindOutlineGenerationFailed:
		return "Failed to generate a research outline"
	case errors.KindSectionGenerationFailed:
		return "Failed to generate a research section"
	case errors.KindCancelled:
		return "The request was cancelled"
	default:
		return "The model backend failed while generating a response"
	}
}

// SetSSEHeaders prepares w for an event stream.
func SetSSEHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // Disable nginx buffering
}

// SSEWriter writes events as "data: <json>\n\n" frames, flushing after each one.
type SSEWriter struct {
	w       io.Writer
	flusher http.Flusher
	format  Format
}

// NewSSEWriter wraps w. Flushing is skipped when w is not an http.Flusher.
func NewSSEWriter(w io.Writer, format Format) *SSEWriter {
	flusher, _ := w.(http.Flusher)
	return &SSEWriter{w: w, flusher: flusher, format: format}
}

// WriteEvent writes one frame. Events the format does not carry are skipped.
func (s *SSEWriter) WriteEvent(e Event) error {
	payload, ok, err := Encode(s.format, e)
	if err != nil || !ok {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// Pump writes every event from events until the channel closes or a write fails. After a
// write failure the remaining events are drained so producers are never blocked.
func (s *SSEWriter) Pump(events <-chan Event) error {
	var writeErr error
	for e := range events {
		if writeErr != nil {
			continue
		}
		writeErr = s.WriteEvent(e)
	}
	return writeErr
}
