// Package supervisor owns one flow's process group: it renders the
// configuration artifacts, prepares pipe endpoints, spawns and watches
// the processing engine and transport processes, and applies the flow
// lifecycle state machine.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/streonhq/streon-server/internal/domain/flow"
	"github.com/streonhq/streon-server/internal/gpio"
	"github.com/streonhq/streon-server/internal/pipes"
	"github.com/streonhq/streon-server/internal/render"
)

// Options are the per-server knobs shared by all supervisors.
type Options struct {
	EngineBin    string        // processing engine binary
	TransportBin string        // transport encoder/decoder binary
	RunDir       string        // per-flow artifacts live under RunDir/flows/<id>
	PresetDir    string        // engine preset files
	PipeTimeout  time.Duration // bounded wait for pipe readiness
	TermGrace    time.Duration // SIGTERM → SIGKILL escalation window
	GPIOQueueCap int           // embed buffer capacity
}

func (o *Options) withDefaults() {
	if o.PipeTimeout <= 0 {
		o.PipeTimeout = 5 * time.Second
	}
	if o.TermGrace <= 0 {
		o.TermGrace = 5 * time.Second
	}
	if o.GPIOQueueCap <= 0 {
		o.GPIOQueueCap = 256
	}
}

// Supervisor drives one flow through stopped → starting → running →
// stopping → stopped, or into error on unexpected process exit. The
// registry serializes mutating calls per flow; the internal mutex only
// guards snapshot coherence for concurrent Status readers.
type Supervisor struct {
	log      *zap.Logger
	opts     Options
	pipeMgr  *pipes.Manager
	launcher Launcher

	mu        sync.Mutex
	cfg       *flow.Flow
	state     flow.State
	group     *Group
	pipePaths []string
	embeds    []*gpio.EmbedServer
	extract   *gpio.ExtractForwarder
	lastErr   string
	startedAt time.Time
	gen       uint64 // start generation; stale watchers check it
}

// New builds a supervisor for one flow configuration.
func New(log *zap.Logger, cfg *flow.Flow, opts Options, pipeMgr *pipes.Manager, launcher Launcher) *Supervisor {
	opts.withDefaults()
	return &Supervisor{
		log:      log.Named("supervisor").With(zap.String("flow_id", cfg.ID)),
		opts:     opts,
		pipeMgr:  pipeMgr,
		launcher: launcher,
		cfg:      cfg,
		state:    flow.Stopped,
	}
}

// Config returns the current flow configuration.
func (s *Supervisor) Config() *flow.Flow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Update swaps the flow configuration. Only valid while stopped.
func (s *Supervisor) Update(cfg *flow.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != flow.Stopped && s.state != flow.Error {
		return &flow.ConflictError{Op: "update", State: s.state}
	}
	s.cfg = cfg
	return nil
}

// Start moves the flow from stopped (or error) to running. Any failure
// along the way triggers best-effort cleanup of everything already
// spawned and lands the flow in error with the cause retained.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != flow.Stopped && s.state != flow.Error {
		st := s.state
		s.mu.Unlock()
		return &flow.ConflictError{Op: "start", State: st}
	}
	s.state = flow.Starting
	s.lastErr = ""
	s.gen++
	gen := s.gen
	cfg := s.cfg
	s.mu.Unlock()

	s.log.Info("starting flow")
	group, err := s.launch(ctx, cfg)
	if err != nil {
		s.log.Error("start failed", zap.Error(err))
		s.teardown(group)
		s.mu.Lock()
		s.state = flow.Error
		s.lastErr = err.Error()
		s.group = nil
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.group = group
	s.state = flow.Running
	s.startedAt = time.Now()
	s.mu.Unlock()

	go s.watch(gen, group)
	s.log.Info("flow running",
		zap.Int("engine_pid", group.engine.handle.PID()),
		zap.Ints("encoder_pids", group.encoderPIDs()))
	return nil
}

// launch performs the ordered startup sequence: render artifacts,
// prepare pipes, spawn engine, spawn decoder, await each pipe and
// spawn its encoder, then bring up the automation tasks. The partial
// group is returned even on failure so the caller can tear it down.
func (s *Supervisor) launch(ctx context.Context, cfg *flow.Flow) (*Group, error) {
	group := &Group{}

	art, err := render.Render(cfg, s.renderPaths(cfg))
	if err != nil {
		return group, err
	}

	flowDir := s.flowDir(cfg.ID)
	if err := os.MkdirAll(flowDir, 0o755); err != nil {
		return group, fmt.Errorf("mkdir %s: %w", flowDir, err)
	}
	scriptPath := filepath.Join(flowDir, "script.liq")
	if err := os.WriteFile(scriptPath, []byte(art.Script), 0o755); err != nil {
		return group, fmt.Errorf("write engine script: %w", err)
	}

	outputs := cfg.EnabledOutputs()
	s.mu.Lock()
	s.pipePaths = nil
	s.mu.Unlock()
	for _, io := range outputs {
		path, err := s.pipeMgr.Prepare(cfg.ID, io.Index)
		if err != nil {
			return group, flow.Validationf("pipe endpoint: %v", err)
		}
		s.mu.Lock()
		s.pipePaths = append(s.pipePaths, path)
		s.mu.Unlock()
	}

	engine, err := s.launcher.Launch(cfg.ID+"/engine", []string{s.opts.EngineBin, scriptPath})
	if err != nil {
		return group, fmt.Errorf("spawn engine: %w", err)
	}
	epoch := time.Now()
	group.engine = &member{name: "engine", handle: engine, startedAt: epoch}

	// Decoders have no pipe to wait on; spawn immediately.
	if cfg.Input != nil {
		h, err := s.launcher.Launch(cfg.ID+"/decoder", art.DecoderArgs)
		if err != nil {
			return group, fmt.Errorf("spawn decoder: %w", err)
		}
		group.decoder = &member{name: "decoder", handle: h, startedAt: time.Now()}
	}

	// Per-output: await the endpoint, then spawn the encoder. Outputs
	// proceed concurrently; one failure aborts the whole start attempt.
	group.encoders = make([]*member, len(outputs))
	eg, egctx := errgroup.WithContext(ctx)
	for i, io := range outputs {
		i, io := i, io
		eg.Go(func() error {
			path := s.pipeMgr.Path(cfg.ID, io.Index)
			if err := s.pipeMgr.Await(egctx, path, s.opts.PipeTimeout); err != nil {
				return err
			}
			name := fmt.Sprintf("encoder%d", io.Index)
			h, err := s.launcher.Launch(cfg.ID+"/"+name, art.EncoderArgs[i])
			if err != nil {
				return fmt.Errorf("spawn %s: %w", name, err)
			}
			group.encoders[i] = &member{name: name, handle: h, startedAt: time.Now()}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return group, err
	}

	if err := s.startAutomation(cfg, epoch); err != nil {
		return group, err
	}
	return group, nil
}

// startAutomation brings up the embed listeners and the extract
// forwarder. Bind failures abort the start; delivery failures later on
// never do.
func (s *Supervisor) startAutomation(cfg *flow.Flow, epoch time.Time) error {
	var embeds []*gpio.EmbedServer
	for _, io := range cfg.EnabledOutputs() {
		if !io.Output.GPIOEmbed {
			continue
		}
		srv := gpio.NewEmbedServer(s.log, gpio.EmbedConfig{
			FlowID:      cfg.ID,
			OutputIndex: io.Index,
			Addr:        fmt.Sprintf(":%d", io.Output.GPIOPort),
			CuePath:     s.cuePath(cfg.ID, io.Index),
			Epoch:       epoch,
			QueueCap:    s.opts.GPIOQueueCap,
		})
		if err := srv.Start(); err != nil {
			for _, e := range embeds {
				e.Close()
			}
			return flow.Validationf("gpio embed port %d: %v", io.Output.GPIOPort, err)
		}
		embeds = append(embeds, srv)
	}

	var extract *gpio.ExtractForwarder
	if cfg.Input != nil && cfg.Input.GPIOExtract {
		extract = gpio.NewExtractForwarder(s.log, gpio.ExtractConfig{
			FlowID:   cfg.ID,
			Path:     s.extractPath(cfg.ID),
			DestAddr: fmt.Sprintf("%s:%d", cfg.Input.GPIOHost, cfg.Input.GPIOPort),
		})
		extract.Start()
	}

	s.mu.Lock()
	s.embeds = embeds
	s.extract = extract
	s.mu.Unlock()
	return nil
}

// watch waits for the first group member to exit. An exit while the
// flow is not stopping is unexpected: the flow moves to error, exit
// metadata is retained, and the rest of the group is torn down.
func (s *Supervisor) watch(gen uint64, group *Group) {
	type exited struct{ m *member }
	events := make(chan exited, len(group.members()))
	for _, m := range group.members() {
		m := m
		go func() {
			<-m.handle.Done()
			events <- exited{m}
		}()
	}

	ev := <-events

	s.mu.Lock()
	if s.gen != gen || s.state == flow.Stopping || s.state == flow.Stopped {
		s.mu.Unlock()
		return
	}
	st := ev.m.handle.ExitStatus()
	perr := &flow.ProcessExitError{
		Process:  ev.m.name,
		Code:     st.Code,
		Signaled: st.Signaled,
		Signal:   st.Signal,
	}
	s.state = flow.Error
	s.lastErr = perr.Error()
	s.group = nil
	s.mu.Unlock()

	s.log.Error("process exited unexpectedly",
		zap.String("proc", ev.m.name),
		zap.Int("exit_code", st.Code),
		zap.Bool("signaled", st.Signaled))
	s.teardown(group)
}

// Stop moves a running flow to stopped. Transport processes are
// terminated strictly before the engine. Stopping a flow that is in
// error clears the retained failure; stopping a stopped flow is a
// conflict.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	switch s.state {
	case flow.Running:
	case flow.Error:
		// Group already torn down by the watcher; just settle the state.
		s.state = flow.Stopped
		s.mu.Unlock()
		return nil
	default:
		st := s.state
		s.mu.Unlock()
		return &flow.ConflictError{Op: "stop", State: st}
	}
	s.state = flow.Stopping
	s.gen++
	group := s.group
	s.mu.Unlock()

	s.log.Info("stopping flow")
	s.teardown(group)

	s.mu.Lock()
	s.state = flow.Stopped
	s.group = nil
	s.mu.Unlock()
	s.log.Info("flow stopped")
	return nil
}

// teardown is the single cleanup path for stop, failed start, and
// unexpected exit. It is idempotent: nil members and already-released
// pipes are skipped, and failures are logged, never re-raised.
func (s *Supervisor) teardown(group *Group) {
	waitBudget := s.opts.TermGrace + 2*time.Second

	if group != nil {
		// Transports first, so nothing writes into an unread pipe.
		for _, m := range group.transports() {
			m.handle.Terminate()
		}
		for _, m := range group.transports() {
			s.awaitExit(m, waitBudget)
		}
		if group.engine != nil {
			group.engine.handle.Terminate()
			s.awaitExit(group.engine, waitBudget)
		}
	}

	s.mu.Lock()
	embeds := s.embeds
	extract := s.extract
	paths := s.pipePaths
	s.embeds = nil
	s.extract = nil
	s.pipePaths = nil
	s.mu.Unlock()

	for _, e := range embeds {
		e.Close()
	}
	if extract != nil {
		extract.Close()
	}
	// Endpoint paths are released only after confirmed process exit.
	for _, p := range paths {
		s.pipeMgr.Release(p)
	}
}

// awaitExit waits for one member to be reaped, bounded so a wedged
// process cannot stall the whole shutdown.
func (s *Supervisor) awaitExit(m *member, budget time.Duration) {
	select {
	case <-m.handle.Done():
	case <-time.After(budget):
		s.log.Warn("process did not exit within budget", zap.String("proc", m.name))
	}
}

// Status returns a coherent snapshot: state, PIDs, uptime, and the
// last error text when in error.
func (s *Supervisor) Status() flow.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := flow.Status{
		FlowID:    s.cfg.ID,
		State:     s.state,
		LastError: s.lastErr,
	}
	if s.group != nil {
		if s.group.engine != nil {
			st.EnginePID = s.group.engine.handle.PID()
		}
		st.EncoderPIDs = s.group.encoderPIDs()
		if s.group.decoder != nil {
			st.DecoderPID = s.group.decoder.handle.PID()
		}
	}
	if s.state == flow.Running {
		st.UptimeSeconds = int64(time.Since(s.startedAt).Seconds())
	}
	return st
}

// --- artifact path helpers ---------------------------------------------------

func (s *Supervisor) flowDir(id string) string {
	return filepath.Join(s.opts.RunDir, "flows", id)
}

func (s *Supervisor) cuePath(id string, idx int) string {
	return filepath.Join(s.flowDir(id), fmt.Sprintf("gpio-out%d.srt", idx))
}

func (s *Supervisor) extractPath(id string) string {
	return filepath.Join(s.flowDir(id), "gpio-extract.srt")
}

func (s *Supervisor) renderPaths(cfg *flow.Flow) render.Paths {
	presetPath := ""
	if cfg.Processing.PresetID != "" {
		presetPath = filepath.Join(s.opts.PresetDir, cfg.Processing.PresetID+".sts")
	}
	return render.Paths{
		EncoderBin:  s.opts.TransportBin,
		DecoderBin:  s.opts.TransportBin,
		PipePath:    func(i int) string { return s.pipeMgr.Path(cfg.ID, i) },
		CuePath:     func(i int) string { return s.cuePath(cfg.ID, i) },
		ExtractPath: s.extractPath(cfg.ID),
		PresetPath:  presetPath,
	}
}
