package gpio

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// CueDurationMS is the fixed duration of an embedded cue. It only
// makes the cue individually addressable; it does not convey event
// duration.
const CueDurationMS = 100

// AppendCue writes one SubRip entry for the event:
//
//	<seq>
//	HH:MM:SS,mmm --> HH:MM:SS,mmm
//	{"type":...,"timestamp_ms":...,"payload":...}
//	<blank line>
//
// Cue start time is the event's media-relative timestamp.
func AppendCue(w io.Writer, seq uint64, ev *Event) error {
	body, err := MarshalCueBody(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%d\n%s --> %s\n%s\n\n",
		seq,
		FormatCueTime(ev.TimestampMS),
		FormatCueTime(ev.TimestampMS+CueDurationMS),
		body)
	return err
}

// FormatCueTime renders milliseconds as the container's timed-text
// timing grammar: HH:MM:SS,mmm.
func FormatCueTime(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	h := ms / 3600000
	m := ms % 3600000 / 60000
	s := ms % 60000 / 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms%1000)
}

var cueTimeRe = regexp.MustCompile(`^(\d{2,}):(\d{2}):(\d{2}),(\d{3})$`)

// ParseCueTime parses HH:MM:SS,mmm back to milliseconds.
func ParseCueTime(s string) (int64, error) {
	m := cueTimeRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("bad cue time %q", s)
	}
	h, _ := strconv.ParseInt(m[1], 10, 64)
	min, _ := strconv.ParseInt(m[2], 10, 64)
	sec, _ := strconv.ParseInt(m[3], 10, 64)
	ms, _ := strconv.ParseInt(m[4], 10, 64)
	return h*3600000 + min*60000 + sec*1000 + ms, nil
}

// ParseCues walks every complete entry in r, in order. Malformed
// entries are logged and skipped; they are never fatal.
func ParseCues(log *zap.Logger, r io.Reader) ([]*Event, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read cues: %w", err)
	}
	entries, rest := SplitCueEntries(data)
	if len(bytes.TrimSpace(rest)) > 0 {
		entries = append(entries, rest)
	}

	events := make([]*Event, 0, len(entries))
	for _, entry := range entries {
		ev, err := ParseCueEntry(entry)
		if err != nil {
			log.Warn("skipping malformed cue", zap.Error(err))
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// SplitCueEntries separates complete entries (terminated by a blank
// line) from a trailing partial entry. The partial remainder must be
// retained by callers tailing a growing artifact.
func SplitCueEntries(data []byte) (entries [][]byte, rest []byte) {
	for {
		idx := bytes.Index(data, []byte("\n\n"))
		if idx < 0 {
			return entries, data
		}
		entry := data[:idx]
		if len(bytes.TrimSpace(entry)) > 0 {
			entries = append(entries, entry)
		}
		data = data[idx+2:]
	}
}

// ParseCueEntry parses one entry: sequence line, timing line, JSON
// body. The body may wrap across lines; everything after the timing
// line belongs to it.
func ParseCueEntry(entry []byte) (*Event, error) {
	lines := strings.Split(strings.TrimSpace(string(entry)), "\n")
	if len(lines) < 3 {
		return nil, fmt.Errorf("cue entry has %d lines, want at least 3", len(lines))
	}

	seq, err := strconv.ParseUint(strings.TrimSpace(lines[0]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad cue sequence %q", lines[0])
	}

	startRaw, _, ok := strings.Cut(lines[1], "-->")
	if !ok {
		return nil, fmt.Errorf("bad cue timing %q", lines[1])
	}
	start, err := ParseCueTime(startRaw)
	if err != nil {
		return nil, err
	}

	ev, err := UnmarshalCueBody([]byte(strings.Join(lines[2:], "\n")))
	if err != nil {
		return nil, err
	}
	ev.Seq = seq
	if ev.TimestampMS == 0 {
		ev.TimestampMS = start
	}
	return ev, nil
}
