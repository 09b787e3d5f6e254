// Package sseframe implements the server-sent-events wire framing shared
// between the relay's push handler and the client's event-source follower.
//
// spec.md section 9 flags the original relay's framing as emitting an extra
// blank line after the event/id/retry header fields, which can make strict
// parsers reset event context prematurely. This package emits the corrected
// framing: each header field is followed directly by the data block, with a
// single terminating blank line per event.
package sseframe

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// DefaultEvent is the event name a dispatch uses when no "event:" field was
// seen, per the SSE spec and spec.md section 4.1.
const DefaultEvent = "message"

// Encoder writes SSE frames to an underlying writer, flushing after each
// write so the relay's push handler delivers events immediately.
type Encoder struct {
	w       io.Writer
	flusher flusher
}

type flusher interface {
	Flush()
}

// NewEncoder wraps w. If w also implements an http.Flusher-shaped Flush()
// method, the encoder flushes after every frame.
func NewEncoder(w io.Writer) *Encoder {
	e := &Encoder{w: w}
	if f, ok := w.(flusher); ok {
		e.flusher = f
	}
	return e
}

// WriteComment emits a keep-alive comment line. Clients discard these.
func (e *Encoder) WriteComment(comment string) error {
	if _, err := fmt.Fprintf(e.w, ": %s\n\n", comment); err != nil {
		return err
	}
	e.flush()
	return nil
}

// WriteEvent emits one SSE event. name may be empty to use the default
// "message" event. data is split on "\n" and emitted as one "data:" line
// per source line, per the framing in spec.md section 4.1.
func (e *Encoder) WriteEvent(name, data string) error {
	var b strings.Builder
	if name != "" && name != DefaultEvent {
		b.WriteString("event: ")
		b.WriteString(name)
		b.WriteString("\n")
	}
	for _, line := range strings.Split(data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	if _, err := io.WriteString(e.w, b.String()); err != nil {
		return err
	}
	e.flush()
	return nil
}

func (e *Encoder) flush() {
	if e.flusher != nil {
		e.flusher.Flush()
	}
}

// Event is one decoded server-sent event.
type Event struct {
	Name string
	Data string
}

// Decoder parses a byte stream into Events, tolerating the keep-alive
// comment lines and the blank-line dispatch boundary. Grounded on the
// line-accumulation technique in the r3labs/sse client's processEvent and
// on the original Python EventSourceFollower's _get_fields generator.
type Decoder struct {
	r     *bufio.Reader
	event string // pending event name, reset to DefaultEvent after dispatch
	data  []string
}

// NewDecoder wraps r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r), event: DefaultEvent}
}

// Next reads lines until a complete event is dispatched (a blank line after
// at least one data line) or the stream ends. It returns io.EOF when the
// underlying reader is exhausted with no pending event.
func (d *Decoder) Next() (Event, error) {
	for {
		line, err := d.r.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")

		if trimmed == "" {
			if err != nil && line == "" {
				return Event{}, err
			}
			if len(d.data) > 0 {
				ev := Event{Name: d.event, Data: strings.Join(d.data, "\n")}
				d.event = DefaultEvent
				d.data = nil
				return ev, nil
			}
			if err != nil {
				return Event{}, err
			}
			continue
		}

		switch {
		case strings.HasPrefix(trimmed, ":"):
			// comment, ignored
		case strings.HasPrefix(trimmed, "event:"):
			d.event = strings.TrimSpace(strings.TrimPrefix(trimmed, "event:"))
		case strings.HasPrefix(trimmed, "data:"):
			d.data = append(d.data, strings.TrimPrefix(strings.TrimPrefix(trimmed, "data:"), " "))
		case strings.HasPrefix(trimmed, "id:"), strings.HasPrefix(trimmed, "retry:"):
			// not used by this protocol; ignored
		default:
			// unknown field name; ignored per spec.md section 4.3
		}

		if err != nil {
			if len(d.data) > 0 {
				ev := Event{Name: d.event, Data: strings.Join(d.data, "\n")}
				d.event = DefaultEvent
				d.data = nil
				return ev, nil
			}
			return Event{}, err
		}
	}
}
