package gpio

import (
	"net"
	"os"
	"time"

	"go.uber.org/zap"
)

// ExtractConfig wires one extract forwarder to a transport input.
type ExtractConfig struct {
	FlowID       string
	Path         string // cue artifact appended by the transport decoder
	DestAddr     string // host:port receiving TCP line events
	PollInterval time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// ExtractForwarder tails the extraction artifact for newly appended
// cues and forwards each as a TCP line to the configured destination,
// preserving decode order. Connection failures drop the event; there
// is no queueing across restarts.
type ExtractForwarder struct {
	log *zap.Logger
	cfg ExtractConfig

	offset int64
	rest   []byte
	conn   net.Conn

	closed chan struct{}
	done   chan struct{}
}

// NewExtractForwarder constructs the forwarder; Start launches the
// watcher task.
func NewExtractForwarder(log *zap.Logger, cfg ExtractConfig) *ExtractForwarder {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	return &ExtractForwarder{
		log:    log.Named("gpio-extract").With(zap.String("flow_id", cfg.FlowID)),
		cfg:    cfg,
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the background watcher.
func (f *ExtractForwarder) Start() {
	go f.run()
}

// Close stops the watcher and drops the outbound connection.
func (f *ExtractForwarder) Close() {
	close(f.closed)
	<-f.done
	if f.conn != nil {
		_ = f.conn.Close()
		f.conn = nil
	}
}

func (f *ExtractForwarder) run() {
	defer close(f.done)
	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.closed:
			f.poll() // final sweep so already-written cues are not lost
			return
		case <-ticker.C:
			f.poll()
		}
	}
}

// poll reads bytes appended since the last offset, extracts complete
// cue entries, and forwards them in order. A truncated artifact (the
// decoder was restarted) resets the tail.
func (f *ExtractForwarder) poll() {
	fi, err := os.Stat(f.cfg.Path)
	if err != nil {
		return // artifact not produced yet
	}
	if fi.Size() < f.offset {
		f.log.Info("extract artifact truncated, resetting tail")
		f.offset = 0
		f.rest = nil
	}
	if fi.Size() == f.offset {
		return
	}

	file, err := os.Open(f.cfg.Path)
	if err != nil {
		f.log.Warn("open extract artifact failed", zap.Error(err))
		return
	}
	defer file.Close()

	if _, err := file.Seek(f.offset, 0); err != nil {
		f.log.Warn("seek extract artifact failed", zap.Error(err))
		return
	}
	buf := make([]byte, fi.Size()-f.offset)
	n, err := file.Read(buf)
	if err != nil && n == 0 {
		return
	}
	f.offset += int64(n)

	data := append(f.rest, buf[:n]...)
	entries, rest := SplitCueEntries(data)
	f.rest = rest

	for _, entry := range entries {
		ev, err := ParseCueEntry(entry)
		if err != nil {
			f.log.Warn("skipping malformed cue", zap.Error(err))
			continue
		}
		f.forward(ev)
	}
}

// forward writes one event in TCP line form. Failures close the
// connection and drop the event; the next event redials.
func (f *ExtractForwarder) forward(ev *Event) {
	if f.conn == nil {
		conn, err := net.DialTimeout("tcp", f.cfg.DestAddr, f.cfg.DialTimeout)
		if err != nil {
			f.log.Warn("gpio destination unreachable, dropping event",
				zap.String("dest", f.cfg.DestAddr),
				zap.String("type", ev.Type),
				zap.Error(err))
			return
		}
		f.conn = conn
	}

	_ = f.conn.SetWriteDeadline(time.Now().Add(f.cfg.WriteTimeout))
	if _, err := f.conn.Write(EncodeLine(ev)); err != nil {
		f.log.Warn("gpio forward failed, dropping event",
			zap.String("type", ev.Type), zap.Error(err))
		_ = f.conn.Close()
		f.conn = nil
		return
	}
	f.log.Debug("event forwarded",
		zap.String("type", ev.Type),
		zap.Int64("timestamp_ms", ev.TimestampMS))
}
