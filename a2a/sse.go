package a2a

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// errStreamStopped signals that the consumer broke out of the sequence.
var errStreamStopped = errors.New("stream stopped by consumer")

// scanEvents reads a text/event-stream and calls emit once per
// dispatched event with the concatenated data payload. Rules:
// successive data: lines join with a newline after trimming one leading
// space each, a blank line dispatches the pending event, lines starting
// with ":" are comments, and event:/id:/retry: fields are ignored.
// Buffered data left at EOF dispatches as a final event.
func scanEvents(r io.Reader, emit func(data string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data strings.Builder
	pending := false

	dispatch := func() error {
		if !pending {
			return nil
		}
		payload := data.String()
		data.Reset()
		pending = false
		return emit(payload)
	}

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		switch {
		case line == "":
			if err := dispatch(); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
			// comment
		case strings.HasPrefix(line, "data:"):
			value := strings.TrimPrefix(line, "data:")
			value = strings.TrimPrefix(value, " ")
			if pending {
				data.WriteString("\n")
			}
			data.WriteString(value)
			pending = true
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return dispatch()
}
