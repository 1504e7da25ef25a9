// Package gpio carries automation events between TCP peers and the
// timed-cue track embedded in the transport stream.
//
// Two wire forms exist:
//
//   - TCP line form:   TYPE\n  or  TYPE:<compact JSON>\n
//   - embedded cue:    a SubRip entry whose body is compact JSON
//     {"type":...,"timestamp_ms":...,"payload":...}
//
// Events are best-effort relative to audio: overflow and delivery
// failures drop events, never stall the stream.
package gpio

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Well-known event types. The type field is an open string; these are
// the conventional values automation peers exchange.
const (
	TypeStart    = "START"
	TypeStop     = "STOP"
	TypeSkip     = "SKIP"
	TypeFade     = "FADE"
	TypeVolume   = "VOLUME"
	TypeMarker   = "MARKER"
	TypeMetadata = "METADATA"
)

// Event is one automation event in flight. TimestampMS is
// media-relative and assigned at embed time; OriginMS is the wall
// clock at origination.
type Event struct {
	Type        string
	Payload     json.RawMessage // nil, or a compact JSON value
	TimestampMS int64
	OriginMS    int64
	Seq         uint64
}

// cueBody is the embedded-cue JSON shape. Required keys: type,
// timestamp_ms. Payload is carried only when present.
type cueBody struct {
	Type        string          `json:"type"`
	TimestampMS int64           `json:"timestamp_ms"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// MarshalCueBody renders the embedded-cue JSON body for an event.
func MarshalCueBody(ev *Event) ([]byte, error) {
	b, err := json.Marshal(cueBody{
		Type:        ev.Type,
		TimestampMS: ev.TimestampMS,
		Payload:     ev.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal cue body: %w", err)
	}
	return b, nil
}

// UnmarshalCueBody parses an embedded-cue JSON body into an event.
func UnmarshalCueBody(data []byte) (*Event, error) {
	var body cueBody
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("unmarshal cue body: %w", err)
	}
	if body.Type == "" {
		return nil, fmt.Errorf("cue body missing type")
	}
	return &Event{
		Type:        body.Type,
		TimestampMS: body.TimestampMS,
		Payload:     compact(body.Payload),
	}, nil
}

// compact normalizes raw JSON to its compact form so round-tripped
// payloads compare byte-equal.
func compact(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return json.RawMessage(buf.Bytes())
}
