//go:build linux

package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// process encapsulates one supervised external command:
//
//   - race-free stdout/stderr pipe setup
//   - output drained into a bounded ring buffer for diagnostics
//   - deterministic teardown (SIGTERM → grace → SIGKILL)
//   - single Wait() reap with exit metadata retained
//
// Canonical usage: p → Start() → interact → <-Done().
type process struct {
	log    *zap.Logger
	logBuf *logBuffer
	grace  time.Duration

	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser

	// Closed after the process is fully reaped.
	done      chan struct{}
	closeOnce sync.Once
	startOnce sync.Once

	started atomic.Bool
	cmdPID  atomic.Int64

	// Exit metadata; written before done closes, read after.
	mu       sync.Mutex
	exitCode int
	signaled bool
	signal   string
}

// newProcess constructs a process wrapper around exec.Cmd. It applies
// Linux-specific attributes:
//   - Setpgid: isolates the child into its own process group
//   - Pdeathsig: child receives SIGKILL if the supervisor dies
func newProcess(log *zap.Logger, logBuf *logBuffer, env, argv []string, grace time.Duration) (*process, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty argv")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	return &process{
		log:      log,
		logBuf:   logBuf,
		grace:    grace,
		cmd:      cmd,
		stdout:   stdout,
		stderr:   stderr,
		done:     make(chan struct{}),
		exitCode: -1,
	}, nil
}

// Start launches the command exactly once. On success the background
// supervisor begins draining output; Done() fires once the process is
// reaped.
func (p *process) Start() error {
	err := errors.New("process already started")
	p.startOnce.Do(func() {
		if serr := p.cmd.Start(); serr != nil {
			err = fmt.Errorf("start command: %w", serr)
			return
		}
		err = nil

		pid := p.cmd.Process.Pid
		p.started.Store(true)
		p.cmdPID.Store(int64(pid))

		p.log.Info("process started", zap.Int("cmd_pid", pid))
		go p.supervise()
	})
	return err
}

// supervise drains both pipes, reaps the child exactly once, records
// exit metadata, and fires Done().
func (p *process) supervise() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.drain(p.stdout, "stdout")
	}()
	go func() {
		defer wg.Done()
		p.drain(p.stderr, "stderr")
	}()
	wg.Wait()

	p.mu.Lock()
	if err := p.cmd.Wait(); err != nil {
		var eerr *exec.ExitError
		if errors.As(err, &eerr) {
			status := eerr.ProcessState.Sys().(syscall.WaitStatus)
			if status.Signaled() {
				p.signaled = true
				p.signal = status.Signal().String()
				p.exitCode = -1
			} else {
				p.exitCode = status.ExitStatus()
			}
			p.log.Info("process exited with error status",
				zap.Int("exit_code", p.exitCode),
				zap.Bool("signaled", p.signaled),
				zap.String("signal", p.signal))
		} else {
			p.exitCode = -1
			p.log.Error("failed to wait for process", zap.Error(err))
		}
	} else {
		p.exitCode = 0
		p.log.Info("process exited cleanly")
	}
	p.mu.Unlock()

	close(p.done)
}

// drain streams one pipe into the shared log buffer. Scanner I/O
// failures are logged, not fatal.
func (p *process) drain(r io.Reader, pipe string) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	for sc.Scan() {
		p.logBuf.Append(sc.Text())
	}
	if err := sc.Err(); err != nil {
		p.log.Error("pipe scanner failure", zap.String("pipe", pipe), zap.Error(err))
	}
}

// PID returns the OS process identifier (0 before Start).
func (p *process) PID() int { return int(p.cmdPID.Load()) }

// Done fires once the process has been reaped.
func (p *process) Done() <-chan struct{} { return p.done }

// ExitStatus reports the recorded exit metadata. Only meaningful after
// Done() has fired.
func (p *process) ExitStatus() ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ExitStatus{Code: p.exitCode, Signaled: p.signaled, Signal: p.signal}
}

// Terminate initiates deterministic shutdown: SIGTERM to the process
// group, escalating to SIGKILL after the grace period. Idempotent and
// concurrency-safe; completion is observed via Done().
func (p *process) Terminate() {
	p.closeOnce.Do(func() {
		go func() {
			if !p.started.Load() {
				return
			}
			select {
			case <-p.done:
				return
			default:
			}

			pid := int(p.cmdPID.Load())
			p.log.Info("sending SIGTERM", zap.Int("cmd_pid", pid))
			if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
				p.log.Warn("SIGTERM failed", zap.Error(err), zap.Int("cmd_pid", pid))
			}

			timer := time.NewTimer(p.grace)
			defer timer.Stop()

			select {
			case <-p.done:
				p.log.Info("process exited gracefully", zap.Int("cmd_pid", pid))
			case <-timer.C:
				p.log.Warn("grace timeout expired, sending SIGKILL", zap.Int("cmd_pid", pid))
				if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
					p.log.Error("SIGKILL failed", zap.Error(err), zap.Int("cmd_pid", pid))
				}
			}
		}()
	})
}
