package gateway

import (
	"bufio"
	"io"
	"strings"
)

const maxChunkSize = 1024 * 1024

// sseEvent is one server-sent event assembled from its "event:" and "data:" lines.
type sseEvent struct {
	Type string
	Data string
}

// sseReader reads server-sent events line by line. Comment lines and unknown fields are
// skipped.
type sseReader struct {
	scanner *bufio.Scanner
}

func newSSEReader(body io.Reader) *sseReader {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxChunkSize) // 64KB initial, 1MB max

	return &sseReader{scanner: scanner}
}

// Next returns the next event, or io.EOF when the body is exhausted.
func (r *sseReader) Next() (sseEvent, error) {
	var (
		event   sseEvent
		data    []string
		hasData bool
	)

	for r.scanner.Scan() {
		line := strings.TrimRight(r.scanner.Text(), "\r")

		if line == "" {
			if hasData {
				event.Data = strings.Join(data, "\n")
				return event, nil
			}
			event = sseEvent{}
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			event.Type = value
		case "data":
			data = append(data, value)
			hasData = true
		}
	}

	if err := r.scanner.Err(); err != nil {
		return sseEvent{}, err
	}

	if hasData {
		event.Data = strings.Join(data, "\n")
		return event, nil
	}

	return sseEvent{}, io.EOF
}
