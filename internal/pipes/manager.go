//go:build linux

// Package pipes owns the named pipes used to hand audio from the
// processing engine to transport encoders: deterministic naming,
// creation, bounded existence-wait, and idempotent removal.
package pipes

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/streonhq/streon-server/internal/domain/flow"
)

const pollInterval = 50 * time.Millisecond

// Manager creates and removes pipe endpoints under a single directory.
// Paths embed the flow ID and output index, so endpoints of distinct
// flows can never collide.
type Manager struct {
	log *zap.Logger
	dir string
}

// NewManager returns a manager rooted at dir (created if absent).
func NewManager(log *zap.Logger, dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &Manager{log: log.Named("pipes"), dir: dir}, nil
}

// Path returns the deterministic endpoint path for one transport
// output. The naming is a contract shared with the rendered engine
// script and the encoder argv.
func (m *Manager) Path(flowID string, outputIndex int) string {
	return filepath.Join(m.dir, fmt.Sprintf("streon_%s_out%d.fifo", flowID, outputIndex))
}

// Prepare creates the endpoint with permissions allowing both the
// engine and the transport process to open it. A stale endpoint left
// over from a previous run is replaced, never reused.
func (m *Manager) Prepare(flowID string, outputIndex int) (string, error) {
	path := m.Path(flowID, outputIndex)

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("remove stale endpoint %s: %w", path, err)
	}
	if err := unix.Mkfifo(path, 0o666); err != nil {
		return "", fmt.Errorf("mkfifo %s: %w", path, err)
	}
	// mkfifo is subject to umask; force the intended mode.
	if err := os.Chmod(path, 0o666); err != nil {
		m.log.Warn("chmod endpoint failed", zap.String("path", path), zap.Error(err))
	}

	m.log.Debug("endpoint prepared", zap.String("path", path))
	return path, nil
}

// Await polls until the endpoint exists or the budget expires. The
// engine never signals readiness; observing the filesystem object is
// the only portable barrier.
func (m *Manager) Await(ctx context.Context, path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return &flow.TimeoutError{WaitPoint: "pipe-ready " + path, Budget: timeout.String()}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Release removes the endpoint. Already-absent paths are not an error;
// release is called from cleanup paths that must be idempotent.
func (m *Manager) Release(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		m.log.Warn("endpoint release failed", zap.String("path", path), zap.Error(err))
		return
	}
	m.log.Debug("endpoint released", zap.String("path", path))
}
