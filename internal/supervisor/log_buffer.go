package supervisor

import "sync"

// logBuffer is a thread-safe circular buffer holding the most recent
// diagnostic lines of one supervised process. The supervisor never
// parses process output for control decisions; this exists purely for
// operator inspection.
type logBuffer struct {
	entries [500]string
	head    int
	size    int
	full    bool
	mu      sync.RWMutex
}

// Append adds a line, overwriting the oldest when full.
func (b *logBuffer) Append(entry string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	const capN = len(b.entries)

	b.entries[b.head] = entry
	b.head = (b.head + 1) % capN

	if b.full {
		return
	}
	b.size++
	if b.size == capN {
		b.full = true
	}
}

// Read returns the last n lines, newest first. n <= 0 or n beyond
// capacity returns everything available.
func (b *logBuffer) Read(n int) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	const capN = len(b.entries)
	if b.size == 0 {
		return nil
	}
	if n <= 0 || n > capN {
		n = capN
	}
	if n > b.size {
		n = b.size
	}

	var newest int
	if b.full {
		newest = (b.head - 1 + capN) % capN
	} else {
		newest = b.size - 1
	}

	result := make([]string, n)
	for i := 0; i < n; i++ {
		result[i] = b.entries[(newest-i+capN)%capN]
	}
	return result
}
