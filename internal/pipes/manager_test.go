//go:build linux

package pipes

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/streonhq/streon-server/internal/domain/flow"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(zap.NewNop(), t.TempDir())
	require.NoError(t, err)
	return m
}

func TestPath_IsDeterministicAndCollisionFree(t *testing.T) {
	m := newTestManager(t)

	require.Equal(t, m.Path("studio-a", 0), m.Path("studio-a", 0))
	require.NotEqual(t, m.Path("studio-a", 0), m.Path("studio-a", 1))
	require.NotEqual(t, m.Path("studio-a", 0), m.Path("studio-b", 0))
	require.Contains(t, m.Path("studio-a", 2), "streon_studio-a_out2.fifo")
}

func TestPrepare_CreatesNamedPipe(t *testing.T) {
	m := newTestManager(t)

	path, err := m.Prepare("f", 0)
	require.NoError(t, err)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.ModeNamedPipe, fi.Mode()&os.ModeNamedPipe)
}

func TestPrepare_ReplacesStaleEndpoint(t *testing.T) {
	m := newTestManager(t)

	// A leftover regular file at the endpoint path must not be reused.
	stale := m.Path("f", 0)
	require.NoError(t, os.WriteFile(stale, []byte("junk"), 0o644))

	path, err := m.Prepare("f", 0)
	require.NoError(t, err)
	require.Equal(t, stale, path)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.ModeNamedPipe, fi.Mode()&os.ModeNamedPipe)
}

func TestAwait_ReturnsOnceEndpointExists(t *testing.T) {
	m := newTestManager(t)
	path := m.Path("f", 0)

	go func() {
		time.Sleep(120 * time.Millisecond)
		_ = unix.Mkfifo(path, 0o666)
	}()

	err := m.Await(context.Background(), path, 2*time.Second)
	require.NoError(t, err)
}

func TestAwait_TimesOut(t *testing.T) {
	m := newTestManager(t)

	err := m.Await(context.Background(), filepath.Join(t.TempDir(), "never.fifo"), 150*time.Millisecond)
	var terr *flow.TimeoutError
	require.ErrorAs(t, err, &terr)
	require.Contains(t, terr.WaitPoint, "pipe-ready")
}

func TestAwait_HonorsContextCancellation(t *testing.T) {
	m := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.Await(ctx, filepath.Join(t.TempDir(), "never.fifo"), time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRelease_IsIdempotent(t *testing.T) {
	m := newTestManager(t)

	path, err := m.Prepare("f", 0)
	require.NoError(t, err)

	m.Release(path)
	_, serr := os.Stat(path)
	require.True(t, os.IsNotExist(serr))

	m.Release(path) // second release is a no-op
}
