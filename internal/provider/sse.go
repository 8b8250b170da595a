package provider

import (
	"io"
	"strconv"
	"strings"
)

// SSEEvent is one server-sent event as defined by the WHATWG event-stream
// grammar.
type SSEEvent struct {
	Type  string // "message" when the stream names no event type
	Data  string
	ID    string
	Retry int // -1 when the stream never set one
}

// SSEDecoder incrementally parses an event stream. It handles multi-line
// data fields, CRLF and bare-CR line endings, comment lines, events split
// across reads, and a trailing event with no final newline. The OpenAI
// "[DONE]" terminator is yielded as ordinary data; the caller decides.
type SSEDecoder struct {
	r   io.Reader
	buf []byte

	pending   string
	eventType string
	dataLines []string
	id        string
	retry     int

	queue []SSEEvent
	err   error
}

// NewSSEDecoder wraps r, typically a streaming HTTP response body.
func NewSSEDecoder(r io.Reader) *SSEDecoder {
	return &SSEDecoder{
		r:         r,
		buf:       make([]byte, 4096),
		eventType: "message",
		retry:     -1,
	}
}

// Next returns the next event, or io.EOF once the stream is exhausted.
func (d *SSEDecoder) Next() (SSEEvent, error) {
	for {
		if len(d.queue) > 0 {
			ev := d.queue[0]
			d.queue = d.queue[1:]
			return ev, nil
		}
		if d.err != nil {
			return SSEEvent{}, d.err
		}

		n, err := d.r.Read(d.buf)
		if n > 0 {
			d.consume(string(d.buf[:n]))
		}
		if err != nil {
			d.finish()
			if err != io.EOF {
				d.err = err
			} else {
				d.err = io.EOF
			}
		}
	}
}

// consume appends raw bytes and splits completed lines out of the buffer.
func (d *SSEDecoder) consume(s string) {
	d.pending += s
	d.pending = strings.ReplaceAll(d.pending, "\r\n", "\n")
	d.pending = strings.ReplaceAll(d.pending, "\r", "\n")

	// A trailing CR may be half of a CRLF split across reads. Hold it
	// back so the next read can complete the pair.
	hold := ""
	if strings.HasSuffix(s, "\r") {
		d.pending = strings.TrimSuffix(d.pending, "\n")
		hold = "\r"
	}

	for {
		idx := strings.IndexByte(d.pending, '\n')
		if idx < 0 {
			break
		}
		line := d.pending[:idx]
		d.pending = d.pending[idx+1:]
		d.line(line)
	}
	d.pending += hold
}

// finish flushes the trailing line and any accumulated event.
func (d *SSEDecoder) finish() {
	tail := strings.TrimSuffix(d.pending, "\r")
	d.pending = ""
	if tail != "" {
		d.line(tail)
	}
	if len(d.dataLines) > 0 {
		d.dispatch()
	}
}

func (d *SSEDecoder) line(line string) {
	if line == "" {
		if len(d.dataLines) > 0 {
			d.dispatch()
		}
		// id and retry persist across events.
		d.eventType = "message"
		d.dataLines = nil
		return
	}
	if strings.HasPrefix(line, ":") {
		return
	}

	field, value, found := strings.Cut(line, ":")
	if found {
		value = strings.TrimPrefix(value, " ")
	} else {
		field, value = line, ""
	}

	switch field {
	case "event":
		d.eventType = value
	case "data":
		d.dataLines = append(d.dataLines, value)
	case "id":
		if !strings.ContainsRune(value, 0) {
			d.id = value
		}
	case "retry":
		if n, err := strconv.Atoi(value); err == nil {
			d.retry = n
		}
	}
	// Unknown fields are ignored.
}

func (d *SSEDecoder) dispatch() {
	d.queue = append(d.queue, SSEEvent{
		Type:  d.eventType,
		Data:  strings.Join(d.dataLines, "\n"),
		ID:    d.id,
		Retry: d.retry,
	})
	d.eventType = "message"
	d.dataLines = nil
}
