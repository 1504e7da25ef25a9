// Package registry maps flow IDs to their supervisors and is the only
// surface the API layer talks to. Mutations on the same flow are
// serialized through a per-ID mutex; distinct flows proceed fully in
// parallel and never share locks.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streonhq/streon-server/internal/domain/flow"
	"github.com/streonhq/streon-server/internal/pipes"
	"github.com/streonhq/streon-server/internal/redis"
	"github.com/streonhq/streon-server/internal/supervisor"
)

// FlowStore is the persistence seam. The Redis repository implements
// it in production; tests substitute an in-memory store.
type FlowStore interface {
	Has(ctx context.Context, id string) (bool, error)
	Save(ctx context.Context, f *flow.Flow) error
	Get(ctx context.Context, id string) (*flow.Flow, error)
	GetAll(ctx context.Context) ([]*flow.Flow, error)
	Delete(ctx context.Context, id string) error
}

// Registry owns every flow supervisor in the server process.
type Registry struct {
	log      *zap.Logger
	store    FlowStore
	opts     supervisor.Options
	pipeMgr  *pipes.Manager
	launcher supervisor.Launcher
	logs     *supervisor.LogManager

	mu   sync.Mutex // guards sups
	sups map[string]*supervisor.Supervisor

	// per-flow locks to serialize mutations on the same ID
	muxes sync.Map // map[string]*sync.Mutex
}

// New constructs the registry with its dependencies.
func New(log *zap.Logger, store FlowStore, opts supervisor.Options, pipeMgr *pipes.Manager, launcher supervisor.Launcher, logs *supervisor.LogManager) *Registry {
	return &Registry{
		log:      log.Named("registry"),
		store:    store,
		opts:     opts,
		pipeMgr:  pipeMgr,
		launcher: launcher,
		logs:     logs,
		sups:     make(map[string]*supervisor.Supervisor),
	}
}

// lock acquires the per-flow mutex and returns an unlock func. The
// same ID always maps to the same mutex.
func (r *Registry) lock(id string) func() {
	v, _ := r.muxes.LoadOrStore(id, &sync.Mutex{})
	m := v.(*sync.Mutex)
	m.Lock()
	return func() { m.Unlock() }
}

// Create validates and persists a new flow. A blank ID gets a
// generated one. The flow starts out stopped; nothing is spawned.
func (r *Registry) Create(ctx context.Context, f *flow.Flow) (string, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if err := f.Validate(); err != nil {
		return "", err
	}

	unlock := r.lock(f.ID)
	defer unlock()

	exists, err := r.store.Has(ctx, f.ID)
	if err != nil {
		return "", fmt.Errorf("has: %w", err)
	}
	if exists {
		return "", flow.Validationf("flow already exists: %s", f.ID)
	}
	if err := r.store.Save(ctx, f); err != nil {
		return "", fmt.Errorf("save: %w", err)
	}

	r.log.Info("flow created", zap.String("flow_id", f.ID))
	return f.ID, nil
}

// Update replaces a stopped flow's configuration. Running flows must
// be stopped first.
func (r *Registry) Update(ctx context.Context, f *flow.Flow) error {
	if err := f.Validate(); err != nil {
		return err
	}

	unlock := r.lock(f.ID)
	defer unlock()

	if _, err := r.get(ctx, f.ID); err != nil {
		return err
	}

	r.mu.Lock()
	sup := r.sups[f.ID]
	r.mu.Unlock()
	if sup != nil {
		if err := sup.Update(f); err != nil {
			return err
		}
	}

	if err := r.store.Save(ctx, f); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	r.log.Info("flow updated", zap.String("flow_id", f.ID))
	return nil
}

// Start brings a flow up. Conflicts when the flow is already running
// or mid-transition.
func (r *Registry) Start(ctx context.Context, id string) error {
	unlock := r.lock(id)
	defer unlock()
	return r.startLocked(ctx, id)
}

// Stop tears a running flow down.
func (r *Registry) Stop(ctx context.Context, id string) error {
	unlock := r.lock(id)
	defer unlock()
	return r.stopLocked(ctx, id)
}

// Restart is stop followed by start under one per-flow critical
// section: no other lifecycle call on this flow can interleave, so the
// sequence is atomic from the caller's point of view.
func (r *Registry) Restart(ctx context.Context, id string) error {
	unlock := r.lock(id)
	defer unlock()

	if err := r.stopLocked(ctx, id); err != nil {
		return err
	}
	return r.startLocked(ctx, id)
}

// Delete removes a flow's persisted configuration. Only valid while
// stopped; the supervisor and its reserved paths are released.
func (r *Registry) Delete(ctx context.Context, id string) error {
	unlock := r.lock(id)
	defer unlock()

	if _, err := r.get(ctx, id); err != nil {
		return err
	}

	r.mu.Lock()
	sup := r.sups[id]
	r.mu.Unlock()
	if sup != nil {
		if st := sup.Status().State; st != flow.Stopped && st != flow.Error {
			return &flow.ConflictError{Op: "delete", State: st}
		}
	}

	if err := r.store.Delete(ctx, id); err != nil {
		if errors.Is(err, redis.ErrFlowNotFound) {
			return &flow.NotFoundError{ID: id}
		}
		return fmt.Errorf("delete: %w", err)
	}

	r.mu.Lock()
	delete(r.sups, id)
	r.mu.Unlock()
	r.muxes.Delete(id)

	r.log.Info("flow deleted", zap.String("flow_id", id))
	return nil
}

// Get returns the persisted configuration of one flow.
func (r *Registry) Get(ctx context.Context, id string) (*flow.Flow, error) {
	return r.get(ctx, id)
}

// Status returns the runtime snapshot for one flow. Reads take no
// per-flow lock.
func (r *Registry) Status(ctx context.Context, id string) (flow.Status, error) {
	r.mu.Lock()
	sup := r.sups[id]
	r.mu.Unlock()
	if sup != nil {
		return sup.Status(), nil
	}

	if _, err := r.get(ctx, id); err != nil {
		return flow.Status{}, err
	}
	return flow.Status{FlowID: id, State: flow.Stopped}, nil
}

// List returns a snapshot for every persisted flow.
func (r *Registry) List(ctx context.Context) ([]flow.Status, error) {
	flows, err := r.store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("get all: %w", err)
	}

	out := make([]flow.Status, 0, len(flows))
	for _, f := range flows {
		st, err := r.Status(ctx, f.ID)
		if err != nil {
			continue // deleted concurrently
		}
		out = append(out, st)
	}
	return out, nil
}

// Logs returns the last n diagnostic lines of one of a flow's
// processes ("engine", "encoder0", "decoder"), newest first.
func (r *Registry) Logs(id, proc string, n int) []string {
	return r.logs.Read(id+"/"+proc, n)
}

// --- internals ---------------------------------------------------------------

// get loads a flow, mapping the store's sentinel to the caller-facing
// NotFoundError.
func (r *Registry) get(ctx context.Context, id string) (*flow.Flow, error) {
	f, err := r.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, redis.ErrFlowNotFound) {
			return nil, &flow.NotFoundError{ID: id}
		}
		return nil, fmt.Errorf("get: %w", err)
	}
	return f, nil
}

// supFor returns the flow's supervisor, creating it on first use.
func (r *Registry) supFor(cfg *flow.Flow) *supervisor.Supervisor {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sup, ok := r.sups[cfg.ID]; ok {
		return sup
	}
	sup := supervisor.New(r.log, cfg, r.opts, r.pipeMgr, r.launcher)
	r.sups[cfg.ID] = sup
	return sup
}

func (r *Registry) startLocked(ctx context.Context, id string) error {
	cfg, err := r.get(ctx, id)
	if err != nil {
		return err
	}
	sup := r.supFor(cfg)

	// Pick up config changes persisted while the flow was down.
	if sup.Status().State == flow.Stopped || sup.Status().State == flow.Error {
		if err := sup.Update(cfg); err != nil {
			return err
		}
	}
	return sup.Start(ctx)
}

func (r *Registry) stopLocked(ctx context.Context, id string) error {
	if _, err := r.get(ctx, id); err != nil {
		return err
	}

	r.mu.Lock()
	sup := r.sups[id]
	r.mu.Unlock()
	if sup == nil {
		return &flow.ConflictError{Op: "stop", State: flow.Stopped}
	}
	return sup.Stop()
}
