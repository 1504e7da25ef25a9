package gpio

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EmbedConfig wires one embed listener to one transport output.
type EmbedConfig struct {
	FlowID      string
	OutputIndex int
	Addr        string    // TCP listen address, e.g. ":7002"
	CuePath     string    // timed-cue artifact consumed by the encoder
	Epoch       time.Time // media timeline zero (flow start)
	QueueCap    int       // bounded buffer between ingress and writer
}

// EmbedServer accepts line-framed automation events over TCP, stamps
// them onto the media timeline, and appends them as timed cues to the
// output's cue artifact. Each accepted line is acknowledged with OK,
// each malformed line with ERR; the connection stays open either way.
type EmbedServer struct {
	log   *zap.Logger
	cfg   EmbedConfig
	ln    net.Listener
	queue *eventQueue

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	seq   uint64

	closed chan struct{}
	wg     sync.WaitGroup
}

// NewEmbedServer constructs the server; Start binds the listener.
func NewEmbedServer(log *zap.Logger, cfg EmbedConfig) *EmbedServer {
	return &EmbedServer{
		log: log.Named("gpio-embed").With(
			zap.String("flow_id", cfg.FlowID),
			zap.Int("output", cfg.OutputIndex)),
		cfg:    cfg,
		queue:  newEventQueue(cfg.QueueCap),
		conns:  make(map[net.Conn]struct{}),
		closed: make(chan struct{}),
	}
}

// Start binds the TCP listener and launches the accept and writer
// loops. A bind failure (port collision) is returned to the caller.
func (s *EmbedServer) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gpio embed listen %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	s.log.Info("embed listener bound", zap.String("addr", ln.Addr().String()))

	s.wg.Add(2)
	go s.acceptLoop()
	go s.writeLoop()
	return nil
}

// Close stops accepting, closes live connections, flushes buffered
// events to the artifact, and waits for both loops to exit. Idempotent
// callers must not call Close twice.
func (s *EmbedServer) Close() {
	close(s.closed)
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Addr reports the bound listener address, nil before Start.
func (s *EmbedServer) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Dropped reports how many events were evicted from the buffer.
func (s *EmbedServer) Dropped() uint64 { return s.queue.droppedCount() }

func (s *EmbedServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.log.Warn("accept failed", zap.Error(err))
			}
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *EmbedServer) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	s.log.Debug("connection accepted", zap.String("peer", conn.RemoteAddr().String()))
	dec := NewLineDecoder(conn)

	for {
		ev, err := dec.Next()
		if err != nil {
			var perr *ParseError
			if errors.As(err, &perr) {
				s.log.Warn("malformed event line", zap.String("reason", perr.Reason))
				if _, werr := conn.Write(AckErr); werr != nil {
					return
				}
				continue
			}
			if err != io.EOF && err != io.ErrUnexpectedEOF {
				select {
				case <-s.closed:
				default:
					s.log.Debug("connection read ended", zap.Error(err))
				}
			}
			return
		}

		now := time.Now()
		ev.OriginMS = now.UnixMilli()
		ev.TimestampMS = now.Sub(s.cfg.Epoch).Milliseconds()

		if s.queue.push(ev) {
			s.log.Warn("embed buffer full, dropped oldest event")
		}
		if _, err := conn.Write(AckOK); err != nil {
			return
		}
	}
}

// writeLoop drains the queue into the cue artifact. The file is opened
// per batch so a restarted encoder reopening the artifact never races
// a long-lived descriptor.
func (s *EmbedServer) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.closed:
			s.flush()
			return
		case <-s.queue.wakeup():
			s.flush()
		}
	}
}

func (s *EmbedServer) flush() {
	events := s.queue.drain()
	if len(events) == 0 {
		return
	}

	f, err := os.OpenFile(s.cfg.CuePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.log.Error("open cue artifact failed", zap.Error(err))
		return
	}
	defer f.Close()

	for _, ev := range events {
		s.seq++
		ev.Seq = s.seq
		if err := AppendCue(f, s.seq, ev); err != nil {
			s.log.Error("append cue failed", zap.Error(err))
			return
		}
		s.log.Debug("cue embedded",
			zap.String("type", ev.Type),
			zap.Int64("timestamp_ms", ev.TimestampMS))
	}
}
