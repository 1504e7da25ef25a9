package gpio

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func startEmbedServer(t *testing.T, queueCap int) (*EmbedServer, string) {
	t.Helper()
	cuePath := filepath.Join(t.TempDir(), "gpio-out0.srt")

	srv := NewEmbedServer(zap.NewNop(), EmbedConfig{
		FlowID:      "f",
		OutputIndex: 0,
		Addr:        "127.0.0.1:0",
		CuePath:     cuePath,
		Epoch:       time.Now(),
		QueueCap:    queueCap,
	})
	require.NoError(t, srv.Start())
	return srv, cuePath
}

// sendLine writes one line and reads the single-line acknowledgement.
func sendLine(t *testing.T, conn net.Conn, r *bufio.Reader, line string) string {
	t.Helper()
	_, err := conn.Write([]byte(line + "\n"))
	require.NoError(t, err)
	ack, err := r.ReadString('\n')
	require.NoError(t, err)
	return ack
}

func TestEmbedServer_EventsBecomeCues(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv, cuePath := startEmbedServer(t, 16)
	defer srv.Close()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	r := bufio.NewReader(conn)

	require.Equal(t, "OK\n", sendLine(t, conn, r, "START"))
	require.Equal(t, "OK\n", sendLine(t, conn, r, `VOLUME:{"level":0.5}`))
	require.Equal(t, "OK\n", sendLine(t, conn, r, "STOP"))

	var events []*Event
	require.Eventually(t, func() bool {
		f, err := os.Open(cuePath)
		if err != nil {
			return false
		}
		defer f.Close()
		events, err = ParseCues(zap.NewNop(), f)
		return err == nil && len(events) == 3
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, "START", events[0].Type)
	require.Equal(t, "VOLUME", events[1].Type)
	require.Equal(t, `{"level":0.5}`, string(events[1].Payload))
	require.Equal(t, "STOP", events[2].Type)

	// Sequence numbers are strictly increasing across the artifact.
	for i, ev := range events {
		require.Equal(t, uint64(i+1), ev.Seq)
	}
	// Media-relative timestamps never precede the flow epoch.
	for _, ev := range events {
		require.GreaterOrEqual(t, ev.TimestampMS, int64(0))
	}
}

func TestEmbedServer_MalformedLineGetsErrAndConnectionSurvives(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv, cuePath := startEmbedServer(t, 16)
	defer srv.Close()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	r := bufio.NewReader(conn)

	require.Equal(t, "ERR\n", sendLine(t, conn, r, "START:{not json"))
	require.Equal(t, "OK\n", sendLine(t, conn, r, "START"))

	require.Eventually(t, func() bool {
		f, err := os.Open(cuePath)
		if err != nil {
			return false
		}
		defer f.Close()
		events, err := ParseCues(zap.NewNop(), f)
		return err == nil && len(events) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEmbedServer_CloseFlushesBufferedEvents(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv, cuePath := startEmbedServer(t, 16)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	r := bufio.NewReader(conn)
	require.Equal(t, "OK\n", sendLine(t, conn, r, "MARKER"))
	conn.Close()

	srv.Close()

	f, err := os.Open(cuePath)
	require.NoError(t, err)
	defer f.Close()
	events, err := ParseCues(zap.NewNop(), f)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "MARKER", events[0].Type)
}

func TestEventQueue_OverflowDropsOldest(t *testing.T) {
	q := newEventQueue(2)

	require.False(t, q.push(&Event{Type: "A"}))
	require.False(t, q.push(&Event{Type: "B"}))
	require.True(t, q.push(&Event{Type: "C"})) // evicts A

	got := q.drain()
	require.Len(t, got, 2)
	require.Equal(t, "B", got[0].Type)
	require.Equal(t, "C", got[1].Type)
	require.Equal(t, uint64(1), q.droppedCount())
}

func TestEventQueue_WakeupCoalesces(t *testing.T) {
	q := newEventQueue(8)
	q.push(&Event{Type: "A"})
	q.push(&Event{Type: "B"})

	<-q.wakeup()
	select {
	case <-q.wakeup():
		t.Fatal("expected a single coalesced wakeup")
	default:
	}
	require.Len(t, q.drain(), 2)
}
