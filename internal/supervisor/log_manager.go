package supervisor

import "sync"

// LogManager holds per-process log buffers, keyed by the supervised
// process name ("<flowID>/engine", "<flowID>/encoder0", ...). Buffers
// are created lazily and survive process restarts so the last lines of
// a crashed process stay inspectable.
type LogManager struct {
	mu   sync.RWMutex
	bufs map[string]*logBuffer
}

// NewLogManager initializes an empty log-buffer registry.
func NewLogManager() *LogManager {
	return &LogManager{bufs: make(map[string]*logBuffer)}
}

// Get returns the buffer for a process name, creating it if missing.
func (lm *LogManager) Get(name string) *logBuffer {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if buf, ok := lm.bufs[name]; ok {
		return buf
	}
	buf := new(logBuffer)
	lm.bufs[name] = buf
	return buf
}

// Read returns the last n lines for a process name, newest first.
// Unknown names yield nil.
func (lm *LogManager) Read(name string, n int) []string {
	lm.mu.RLock()
	buf, ok := lm.bufs[name]
	lm.mu.RUnlock()
	if !ok {
		return nil
	}
	return buf.Read(n)
}
