//go:build linux

package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/streonhq/streon-server/internal/domain/flow"
	"github.com/streonhq/streon-server/internal/pipes"
	"github.com/streonhq/streon-server/internal/redis"
	"github.com/streonhq/streon-server/internal/supervisor"
)

// memStore is an in-memory FlowStore sharing the Redis repository's
// not-found sentinel.
type memStore struct {
	mu    sync.Mutex
	flows map[string]*flow.Flow
}

func newMemStore() *memStore {
	return &memStore{flows: make(map[string]*flow.Flow)}
}

func (s *memStore) Has(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.flows[id]
	return ok, nil
}

func (s *memStore) Save(_ context.Context, f *flow.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	s.flows[f.ID] = &cp
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*flow.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	if !ok {
		return nil, redis.ErrFlowNotFound
	}
	cp := *f
	return &cp, nil
}

func (s *memStore) GetAll(_ context.Context) ([]*flow.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*flow.Flow, 0, len(s.flows))
	for _, f := range s.flows {
		cp := *f
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flows[id]; !ok {
		return redis.ErrFlowNotFound
	}
	delete(s.flows, id)
	return nil
}

// immortalHandle is a process stand-in that only dies on Terminate.
type immortalHandle struct {
	pid  int
	once sync.Once
	done chan struct{}
}

func (h *immortalHandle) PID() int              { return h.pid }
func (h *immortalHandle) Done() <-chan struct{} { return h.done }
func (h *immortalHandle) ExitStatus() supervisor.ExitStatus {
	return supervisor.ExitStatus{Signaled: true, Signal: "terminated"}
}
func (h *immortalHandle) Terminate() { h.once.Do(func() { close(h.done) }) }

type fakeLauncher struct {
	mu      sync.Mutex
	nextPID int
}

func (l *fakeLauncher) Launch(name string, argv []string) (supervisor.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextPID++
	return &immortalHandle{pid: l.nextPID, done: make(chan struct{})}, nil
}

func newTestRegistry(t *testing.T) (*Registry, *memStore) {
	t.Helper()
	pipeMgr, err := pipes.NewManager(zap.NewNop(), t.TempDir())
	require.NoError(t, err)

	store := newMemStore()
	reg := New(zap.NewNop(), store, supervisor.Options{
		EngineBin:    "/opt/engine",
		TransportBin: "/opt/transport",
		RunDir:       t.TempDir(),
		PipeTimeout:  2 * time.Second,
		TermGrace:    100 * time.Millisecond,
	}, pipeMgr, &fakeLauncher{}, supervisor.NewLogManager())
	return reg, store
}

func testFlow(id string) *flow.Flow {
	return &flow.Flow{
		ID: id,
		Inputs: []flow.Input{
			{Type: "alsa", Device: "hw:0", Priority: 1},
		},
		Outputs: []flow.TransportOutput{
			{Enabled: true, Mode: "listener", Port: 9000, Codec: "opus", BitrateKBs: 96, Container: "matroska"},
		},
	}
}

func TestCreate_PersistsAndGeneratesID(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	id, err := reg.Create(ctx, testFlow("studio-a"))
	require.NoError(t, err)
	require.Equal(t, "studio-a", id)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "studio-a", got.ID)
}

func TestCreate_BlankIDGetsGenerated(t *testing.T) {
	reg, _ := newTestRegistry(t)

	f := testFlow("")
	id, err := reg.Create(context.Background(), f)
	require.NoError(t, err)
	require.NotEmpty(t, id)
}

func TestCreate_DuplicateIDIsRejected(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, testFlow("studio-a"))
	require.NoError(t, err)

	_, err = reg.Create(ctx, testFlow("studio-a"))
	var verr *flow.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestLifecycle_StartStopDelete(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, testFlow("studio-a"))
	require.NoError(t, err)

	require.NoError(t, reg.Start(ctx, "studio-a"))
	st, err := reg.Status(ctx, "studio-a")
	require.NoError(t, err)
	require.Equal(t, flow.Running, st.State)
	require.NotZero(t, st.EnginePID)

	require.NoError(t, reg.Stop(ctx, "studio-a"))
	st, err = reg.Status(ctx, "studio-a")
	require.NoError(t, err)
	require.Equal(t, flow.Stopped, st.State)

	require.NoError(t, reg.Delete(ctx, "studio-a"))
	_, err = reg.Status(ctx, "studio-a")
	var nerr *flow.NotFoundError
	require.ErrorAs(t, err, &nerr)
}

func TestStart_UnknownFlow(t *testing.T) {
	reg, _ := newTestRegistry(t)

	err := reg.Start(context.Background(), "ghost")
	var nerr *flow.NotFoundError
	require.ErrorAs(t, err, &nerr)
}

func TestStart_TwiceIsAConflict(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, testFlow("studio-a"))
	require.NoError(t, err)
	require.NoError(t, reg.Start(ctx, "studio-a"))
	defer reg.Stop(ctx, "studio-a")

	err = reg.Start(ctx, "studio-a")
	var cerr *flow.ConflictError
	require.ErrorAs(t, err, &cerr)
}

func TestDelete_RunningFlowIsAConflict(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, testFlow("studio-a"))
	require.NoError(t, err)
	require.NoError(t, reg.Start(ctx, "studio-a"))
	defer reg.Stop(ctx, "studio-a")

	err = reg.Delete(ctx, "studio-a")
	var cerr *flow.ConflictError
	require.ErrorAs(t, err, &cerr)
}

func TestRestart_RunsUnderOneCriticalSection(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, testFlow("studio-a"))
	require.NoError(t, err)
	require.NoError(t, reg.Start(ctx, "studio-a"))

	firstPID, err := reg.Status(ctx, "studio-a")
	require.NoError(t, err)

	require.NoError(t, reg.Restart(ctx, "studio-a"))
	defer reg.Stop(ctx, "studio-a")

	st, err := reg.Status(ctx, "studio-a")
	require.NoError(t, err)
	require.Equal(t, flow.Running, st.State)
	require.NotEqual(t, firstPID.EnginePID, st.EnginePID)
}

func TestUpdate_AppliesToNextStart(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, testFlow("studio-a"))
	require.NoError(t, err)

	next := testFlow("studio-a")
	next.Name = "renamed"
	require.NoError(t, reg.Update(ctx, next))

	got, err := store.Get(ctx, "studio-a")
	require.NoError(t, err)
	require.Equal(t, "renamed", got.Name)

	require.NoError(t, reg.Start(ctx, "studio-a"))
	require.NoError(t, reg.Stop(ctx, "studio-a"))
}

func TestUpdate_RunningFlowIsAConflict(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, testFlow("studio-a"))
	require.NoError(t, err)
	require.NoError(t, reg.Start(ctx, "studio-a"))
	defer reg.Stop(ctx, "studio-a")

	err = reg.Update(ctx, testFlow("studio-a"))
	var cerr *flow.ConflictError
	require.ErrorAs(t, err, &cerr)
}

func TestUpdate_ValidatesBeforeTouchingState(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, testFlow("studio-a"))
	require.NoError(t, err)

	bad := testFlow("studio-a")
	bad.Outputs[0].Codec = "mp3"
	err = reg.Update(ctx, bad)
	var verr *flow.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestList_ReturnsSnapshotPerFlow(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := reg.Create(ctx, testFlow(id))
		require.NoError(t, err)
	}
	require.NoError(t, reg.Start(ctx, "b"))
	defer reg.Stop(ctx, "b")

	sts, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, sts, 3)

	byID := make(map[string]flow.State, len(sts))
	for _, st := range sts {
		byID[st.FlowID] = st.State
	}
	require.Equal(t, flow.Running, byID["b"])
	require.Equal(t, flow.Stopped, byID["a"])
	require.Equal(t, flow.Stopped, byID["c"])
}

func TestStop_NeverStartedFlowIsAConflict(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, testFlow("studio-a"))
	require.NoError(t, err)

	err = reg.Stop(ctx, "studio-a")
	var cerr *flow.ConflictError
	require.ErrorAs(t, err, &cerr)
}

func TestConcurrentStarts_ExactlyOneWins(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, testFlow("studio-a"))
	require.NoError(t, err)

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- reg.Start(ctx, "studio-a")
		}()
	}
	wg.Wait()
	close(errs)

	var ok, conflicts int
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		var cerr *flow.ConflictError
		require.ErrorAs(t, err, &cerr)
		conflicts++
	}
	require.Equal(t, 1, ok)
	require.Equal(t, n-1, conflicts)

	require.NoError(t, reg.Stop(ctx, "studio-a"))
}
