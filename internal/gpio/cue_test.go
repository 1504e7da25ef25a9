package gpio

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFormatCueTime(t *testing.T) {
	tests := []struct {
		ms   int64
		want string
	}{
		{0, "00:00:00,000"},
		{1, "00:00:00,001"},
		{61_001, "00:01:01,001"},
		{3_600_000, "01:00:00,000"},
		{90_000_000 + 123, "25:00:00,123"}, // hours exceed a day, no wrap
		{-5, "00:00:00,000"},               // clamped
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, FormatCueTime(tt.ms))
	}
}

func TestParseCueTime_RoundTrip(t *testing.T) {
	for _, ms := range []int64{0, 999, 60_000, 3_661_042, 90_000_123} {
		got, err := ParseCueTime(FormatCueTime(ms))
		require.NoError(t, err)
		require.Equal(t, ms, got)
	}

	_, err := ParseCueTime("1:2:3,4")
	require.Error(t, err)
}

func TestAppendCue_Shape(t *testing.T) {
	var buf bytes.Buffer
	ev := &Event{Type: "FADE", TimestampMS: 61_001, Payload: []byte(`{"ms":500}`)}
	require.NoError(t, AppendCue(&buf, 3, ev))

	want := "3\n" +
		"00:01:01,001 --> 00:01:01,101\n" +
		`{"type":"FADE","timestamp_ms":61001,"payload":{"ms":500}}` + "\n\n"
	require.Equal(t, want, buf.String())
}

func TestAppendCue_NoPayloadOmitsKey(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, AppendCue(&buf, 1, &Event{Type: "START", TimestampMS: 42}))
	require.NotContains(t, buf.String(), "payload")
}

func TestCue_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	events := []*Event{
		{Type: "START", TimestampMS: 10},
		{Type: "VOLUME", TimestampMS: 2_500, Payload: []byte(`{"level":0.8}`)},
		{Type: "STOP", TimestampMS: 60_000},
	}
	for i, ev := range events {
		require.NoError(t, AppendCue(&buf, uint64(i+1), ev))
	}

	got, err := ParseCues(zap.NewNop(), &buf)
	require.NoError(t, err)
	require.Len(t, got, len(events))
	for i, ev := range got {
		require.Equal(t, uint64(i+1), ev.Seq)
		require.Equal(t, events[i].Type, ev.Type)
		require.Equal(t, events[i].TimestampMS, ev.TimestampMS)
		require.Equal(t, string(events[i].Payload), string(ev.Payload))
	}
}

func TestParseCues_SkipsMalformedEntries(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, AppendCue(&buf, 1, &Event{Type: "START", TimestampMS: 10}))
	buf.WriteString("not-a-number\n00:00:01,000 --> 00:00:01,100\n{\"type\":\"X\"}\n\n")
	require.NoError(t, AppendCue(&buf, 2, &Event{Type: "STOP", TimestampMS: 20}))

	got, err := ParseCues(zap.NewNop(), &buf)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "START", got[0].Type)
	require.Equal(t, "STOP", got[1].Type)
}

func TestSplitCueEntries_RetainsPartialTail(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, AppendCue(&buf, 1, &Event{Type: "START", TimestampMS: 10}))
	full := buf.String()

	// Cut mid-entry: the second entry has no terminating blank line yet.
	partial := full + "2\n00:00:02,000 --> 00:00:02,100\n"

	entries, rest := SplitCueEntries([]byte(partial))
	require.Len(t, entries, 1)
	require.Equal(t, "2\n00:00:02,000 --> 00:00:02,100\n", string(rest))

	ev, err := ParseCueEntry(entries[0])
	require.NoError(t, err)
	require.Equal(t, "START", ev.Type)
}

func TestParseCueEntry_TimestampDefaultsToCueStart(t *testing.T) {
	entry := "7\n00:00:05,250 --> 00:00:05,350\n{\"type\":\"MARKER\"}"
	ev, err := ParseCueEntry([]byte(entry))
	require.NoError(t, err)
	require.Equal(t, uint64(7), ev.Seq)
	require.Equal(t, int64(5_250), ev.TimestampMS)
}

func TestParseCueEntry_MultilineBody(t *testing.T) {
	body := "{\"type\":\"METADATA\",\"timestamp_ms\":99,\n\"payload\":{\"title\":\"x\"}}"
	entry := "1\n00:00:00,099 --> 00:00:00,199\n" + body
	ev, err := ParseCueEntry([]byte(entry))
	require.NoError(t, err)
	require.Equal(t, "METADATA", ev.Type)
	require.Equal(t, int64(99), ev.TimestampMS)
	require.True(t, strings.Contains(string(ev.Payload), `"title":"x"`))
}
