package gpio

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// MaxLineLen bounds a single TCP line. Longer lines are rejected and
// the remainder of the oversized line is discarded so the stream can
// resynchronize on the next newline.
const MaxLineLen = 4096

// Acknowledgement literals, one per received line.
var (
	AckOK  = []byte("OK\n")
	AckErr = []byte("ERR\n")
)

// ParseError marks a malformed line. The connection stays usable; the
// peer receives ERR and may continue sending.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "gpio line: " + e.Reason }

// LineDecoder frames and parses the TCP line form. It tolerates
// arbitrary read fragmentation: a line is only yielded once its
// terminating newline arrives.
type LineDecoder struct {
	r *bufio.Reader
}

// NewLineDecoder wraps a stream. The internal buffer is sized to the
// line limit so an oversized line can never exhaust memory.
func NewLineDecoder(r io.Reader) *LineDecoder {
	return &LineDecoder{r: bufio.NewReaderSize(r, MaxLineLen)}
}

// Next returns the next decoded event. Empty lines are skipped.
// Malformed or oversized lines yield a *ParseError; the decoder
// remains usable afterwards. io.EOF signals a clean end of stream.
func (d *LineDecoder) Next() (*Event, error) {
	for {
		line, err := d.readLine()
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		return parseLine(line)
	}
}

// readLine reads up to the next newline, enforcing MaxLineLen. On
// overflow the rest of the line is drained and discarded.
func (d *LineDecoder) readLine() (string, error) {
	raw, err := d.r.ReadSlice('\n')
	if err == nil {
		return string(raw[:len(raw)-1]), nil
	}
	if err == bufio.ErrBufferFull {
		// Drain the oversized line so the next read starts clean.
		for err == bufio.ErrBufferFull {
			_, err = d.r.ReadSlice('\n')
		}
		return "", &ParseError{Reason: fmt.Sprintf("line exceeds %d bytes", MaxLineLen)}
	}
	if err == io.EOF && len(raw) > 0 {
		// Unterminated trailing data: not a complete line.
		return "", io.ErrUnexpectedEOF
	}
	return "", err
}

// parseLine splits TYPE[:payload] and validates both halves.
func parseLine(line string) (*Event, error) {
	typ, payload, hasPayload := strings.Cut(line, ":")
	typ = strings.ToUpper(strings.TrimSpace(typ))
	if typ == "" {
		return nil, &ParseError{Reason: "empty event type"}
	}
	for _, r := range typ {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' {
			return nil, &ParseError{Reason: fmt.Sprintf("invalid event type %q", typ)}
		}
	}

	ev := &Event{Type: typ}
	if hasPayload {
		raw := []byte(strings.TrimSpace(payload))
		if !json.Valid(raw) {
			return nil, &ParseError{Reason: "payload is not valid JSON"}
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return nil, &ParseError{Reason: "payload is not valid JSON"}
		}
		ev.Payload = json.RawMessage(buf.Bytes())
	}
	return ev, nil
}

// EncodeLine renders an event in TCP line form, newline included.
func EncodeLine(ev *Event) []byte {
	if len(ev.Payload) == 0 {
		return []byte(ev.Type + "\n")
	}
	out := make([]byte, 0, len(ev.Type)+1+len(ev.Payload)+1)
	out = append(out, ev.Type...)
	out = append(out, ':')
	out = append(out, ev.Payload...)
	out = append(out, '\n')
	return out
}
