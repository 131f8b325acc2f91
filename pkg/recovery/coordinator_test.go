package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/ftcic/pkg/fterr"
	"github.com/daviddao/ftcic/pkg/history"
	"github.com/daviddao/ftcic/pkg/location"
	"github.com/daviddao/ftcic/pkg/model"
	"github.com/daviddao/ftcic/pkg/resource"
	"github.com/daviddao/ftcic/pkg/store"
	"github.com/daviddao/ftcic/pkg/workqueue"
)

type fakeEngine struct {
	mu        sync.Mutex
	instances []Handle
	replays   map[model.BodyID][]model.BodyID
	from      map[model.BodyID]int64
	calls     []string
	failWith  error
	acceptErr error
	onAccept  func(Handle)
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{replays: make(map[model.BodyID][]model.BodyID), from: make(map[model.BodyID]int64)}
}

func (f *fakeEngine) Instantiate(_ context.Context, host model.Address, ckpt model.Checkpoint, inc model.Incarnation) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return Handle{}, f.failWith
	}
	h := Handle{Body: ckpt.BodyID, Incarnation: inc, Address: host}
	f.instances = append(f.instances, h)
	f.calls = append(f.calls, "instantiate")
	return h, nil
}

func (f *fakeEngine) BlockCommunication(context.Context, Handle) error {
	f.mu.Lock()
	f.calls = append(f.calls, "block")
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) Replay(_ context.Context, h Handle, from int64, entries []model.BodyID) error {
	f.mu.Lock()
	f.replays[h.Body] = entries
	f.from[h.Body] = from
	f.calls = append(f.calls, "replay")
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) AcceptCommunication(_ context.Context, h Handle) error {
	f.mu.Lock()
	f.calls = append(f.calls, "accept")
	hook, err := f.onAccept, f.acceptErr
	f.mu.Unlock()
	if hook != nil {
		hook(h)
	}
	return err
}

func (f *fakeEngine) instanceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.instances)
}

// gatedAllocator blocks every allocation until release is closed.
type gatedAllocator struct {
	inner   Allocator
	entered chan struct{}
	release chan struct{}
}

func (g *gatedAllocator) Allocate(ctx context.Context) (model.Address, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.inner.Allocate(ctx)
}

type fixture struct {
	coord  *Coordinator
	store  *store.Store
	locs   *location.Service
	hosts  *resource.Pool
	engine *fakeEngine
	pool   *workqueue.Pool
	errs   chan error
}

func quietLog() log15.Logger {
	l := log15.New()
	l.SetHandler(log15.DiscardHandler())
	return l
}

func newFixture(t *testing.T, alloc func(Allocator) Allocator) *fixture {
	t.Helper()
	f := &fixture{
		store:  store.New(store.Config{Log: quietLog()}),
		locs:   location.NewService(),
		hosts:  resource.NewPool("host-2:1100"),
		engine: newFakeEngine(),
		errs:   make(chan error, 8),
	}
	var a Allocator = f.hosts
	if alloc != nil {
		a = alloc(a)
	}
	pool := workqueue.NewPool(workqueue.Config{Size: 4, Log: quietLog()})
	f.pool = pool
	f.coord = New(Config{
		Pool:    pool,
		OnError: func(_ model.BodyID, err error) { f.errs <- err },
		Log:     quietLog(),
	}, f.store, f.locs, a, f.engine)
	t.Cleanup(func() { pool.Close(context.Background()) })
	return f
}

func (f *fixture) register(t *testing.T, id model.BodyID) {
	t.Helper()
	require.NoError(t, f.coord.Register(id))
	f.locs.Update(id, "host-1:1100")
}

func (f *fixture) checkpoint(t *testing.T, id model.BodyID, index int64) {
	t.Helper()
	require.NoError(t, f.store.Put(context.Background(), model.Checkpoint{
		BodyID: id, Index: index, Incarnation: model.FirstIncarnation,
		Info: model.ProtocolInfo{LastCommittedIndex: -1, LastRcvdRequestIndex: -1},
	}))
}

// drain waits until every job queued for id so far has run.
func (f *fixture) drain(t *testing.T, id model.BodyID) {
	t.Helper()
	b, err := f.coord.SubmitJobWithBarrier(id, func(context.Context) error { return nil })
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Wait(ctx))
}

func TestRegisterIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "b")
	st, _ := f.coord.Status("b")
	require.NoError(t, f.coord.Register("b"))
	st2, _ := f.coord.Status("b")
	assert.Equal(t, st, st2)
	assert.Equal(t, 1, f.coord.Registered())
	assert.Equal(t, model.StateRunning, st.State)
	assert.Equal(t, model.FirstIncarnation, st.Incarnation)
}

func TestRegisterPicksUpStoredIncarnation(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.store.Put(context.Background(), model.Checkpoint{
		BodyID: "b", Index: 4, Incarnation: 3,
		Info: model.ProtocolInfo{LastCommittedIndex: -1, LastRcvdRequestIndex: -1},
	}))
	f.register(t, "b")
	st, err := f.coord.Status("b")
	require.NoError(t, err)
	assert.Equal(t, model.Incarnation(3), st.Incarnation)

	require.NoError(t, f.coord.RecoverAndWait(context.Background(), "b"))
	st, _ = f.coord.Status("b")
	assert.Equal(t, model.Incarnation(4), st.Incarnation)
}

func TestConcurrentFailureReportsSubmitOneJob(t *testing.T) {
	gate := &gatedAllocator{entered: make(chan struct{}, 4), release: make(chan struct{})}
	f := newFixture(t, func(a Allocator) Allocator { gate.inner = a; return gate })
	f.register(t, "b")
	f.checkpoint(t, "b", 5)

	var wg sync.WaitGroup
	submitted := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := f.coord.FailureDetected("b")
			assert.NoError(t, err)
			submitted <- ok
		}()
	}
	wg.Wait()
	close(submitted)
	n := 0
	for ok := range submitted {
		if ok {
			n++
		}
	}
	assert.Equal(t, 1, n, "exactly one report must submit a job")

	<-gate.entered
	st, _ := f.coord.Status("b")
	assert.Equal(t, model.StateRecovering, st.State)
	assert.Equal(t, 1, st.Submitted)

	ok, err := f.coord.FailureDetected("b")
	require.NoError(t, err)
	assert.False(t, ok, "report while recovering must be absorbed")
	st, _ = f.coord.Status("b")
	assert.Equal(t, 1, st.Submitted)

	close(gate.release)
	f.drain(t, "b")
	st, _ = f.coord.Status("b")
	assert.Equal(t, model.StateRunning, st.State)
	assert.Equal(t, model.Incarnation(2), st.Incarnation)
	assert.Equal(t, 1, f.engine.instanceCount())
}

func TestRecoveryMovesBodyAndBumpsIncarnation(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "b")
	f.checkpoint(t, "b", 5)

	require.NoError(t, f.coord.RecoverAndWait(context.Background(), "b"))

	addr, err := f.locs.Resolve("b")
	require.NoError(t, err)
	assert.Equal(t, model.Address("host-2:1100"), addr)
	assert.Equal(t, model.Incarnation(2), f.store.Incarnation("b"))
	assert.Equal(t, []string{"instantiate", "block", "replay", "accept"}, f.engine.calls)

	// old incarnation can no longer checkpoint
	err = f.store.Put(context.Background(), model.Checkpoint{BodyID: "b", Index: 6, Incarnation: 1})
	assert.True(t, fterr.StaleIncarnation.Contains(err))

	// second recovery yields incarnation 3
	require.NoError(t, f.coord.RecoverAndWait(context.Background(), "b"))
	st, _ := f.coord.Status("b")
	assert.Equal(t, model.Incarnation(3), st.Incarnation)
	assert.Equal(t, 2, st.Recoveries)
}

func TestRecoveryReplaysOnlyRecoverableHistory(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.register(t, "b")

	entries := []model.BodyID{"s0", "s1", "s2", "s3", "s4", "s5", "s6", "s7"}
	_, err := f.store.CommitHistory(ctx, model.HistoryUpdate{Owner: "b", Incarnation: 1, Base: 0, Last: 7, Entries: entries})
	require.NoError(t, err)
	require.NoError(t, f.store.Put(ctx, model.Checkpoint{
		BodyID: "b", Index: 1, Incarnation: 1,
		Info: model.ProtocolInfo{
			LastCommittedIndex:   7,
			LastRcvdRequestIndex: 4,
			HistoryBase:          3,
			History:              []model.BodyID{"s3", "s4"},
		},
	}))
	// received after the checkpoint, never confirmed
	_, err = f.store.CommitHistory(ctx, model.HistoryUpdate{Owner: "b", Incarnation: 1, Base: 8, Last: 9, Entries: []model.BodyID{"s8", "s9"}})
	require.NoError(t, err)

	require.NoError(t, f.coord.RecoverAndWait(ctx, "b"))

	f.engine.mu.Lock()
	assert.Equal(t, int64(5), f.engine.from["b"])
	assert.Equal(t, []model.BodyID{"s5", "s6", "s7"}, f.engine.replays["b"])
	f.engine.mu.Unlock()

	w := f.store.History("b").Watermarks()
	assert.Equal(t, int64(3), w.Base)
	assert.Equal(t, int64(7), w.LastCommitted)
	assert.Equal(t, int64(7), w.LastRecoverable)
}

func TestNewIncarnationHistorySurvivesRecovery(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.register(t, "b")

	_, err := f.store.CommitHistory(ctx, model.HistoryUpdate{
		Owner: "b", Incarnation: 1, Base: 0, Last: 5,
		Entries: []model.BodyID{"s0", "s1", "s2", "s3", "s4", "s5"},
	})
	require.NoError(t, err)
	require.NoError(t, f.store.Put(ctx, model.Checkpoint{
		BodyID: "b", Index: 1, Incarnation: 1,
		Info: model.ProtocolInfo{LastCommittedIndex: 5, LastRcvdRequestIndex: 3},
	}))

	// the new incarnation receives s6 the moment it accepts messages
	var pushErr error
	var pushed history.Outcome
	f.engine.onAccept = func(h Handle) {
		pushed, pushErr = f.store.CommitHistory(ctx, model.HistoryUpdate{
			Owner: "b", Incarnation: h.Incarnation, Base: 6, Last: 6, Entries: []model.BodyID{"s6"},
		})
	}

	require.NoError(t, f.coord.RecoverAndWait(ctx, "b"))
	require.NoError(t, pushErr)
	assert.Equal(t, history.Merged, pushed)

	w := f.store.History("b").Watermarks()
	assert.Equal(t, int64(4), w.Base)
	assert.Equal(t, int64(6), w.LastCommitted, "history acknowledged after accept must be kept")
	assert.Equal(t, int64(5), w.LastRecoverable)
	assert.Equal(t, []model.BodyID{"s6"}, f.store.History("b").Since(6))
}

func TestAcceptFailureRestoresHistory(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.register(t, "b")
	f.checkpoint(t, "b", 1)
	_, err := f.store.CommitHistory(ctx, model.HistoryUpdate{
		Owner: "b", Incarnation: 1, Base: 0, Last: 2, Entries: []model.BodyID{"s0", "s1", "s2"},
	})
	require.NoError(t, err)
	live := f.store.History("b")
	f.engine.acceptErr = errors.New("connection reset")

	err = f.coord.RecoverAndWait(ctx, "b")
	assert.True(t, fterr.InstantiationError.Contains(err), "got %v", err)
	assert.Same(t, live, f.store.History("b"))
	assert.Equal(t, model.Incarnation(2), f.store.Incarnation("b"), "the abandoned incarnation stays fenced")

	st, _ := f.coord.Status("b")
	assert.Equal(t, model.StateRecovering, st.State)
	addr, _ := f.locs.Resolve("b")
	assert.Equal(t, model.Address("host-1:1100"), addr)
}

func TestSubmitFailureAllowsRetry(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "b")
	f.checkpoint(t, "b", 1)
	require.NoError(t, f.pool.Close(context.Background()))

	ok, err := f.coord.FailureDetected("b")
	assert.False(t, ok)
	assert.True(t, fterr.Closed.Contains(err), "got %v", err)
	st, _ := f.coord.Status("b")
	assert.Equal(t, model.StateRecovering, st.State)
	assert.NotEmpty(t, st.LastError)

	// not absorbed as an in-flight recovery: the next report tries again
	ok, err = f.coord.FailureDetected("b")
	assert.False(t, ok)
	assert.True(t, fterr.Closed.Contains(err), "got %v", err)
	st, _ = f.coord.Status("b")
	assert.Equal(t, 2, st.Submitted)

	err = f.coord.RecoverAndWait(context.Background(), "b")
	assert.True(t, fterr.Closed.Contains(err), "got %v", err)
	st, _ = f.coord.Status("b")
	assert.Equal(t, 3, st.Submitted)
}

func TestNoCheckpointLeavesBodyRecovering(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "b")

	err := f.coord.RecoverAndWait(context.Background(), "b")
	assert.True(t, fterr.NoCheckpointAvailable.Contains(err), "got %v", err)
	assert.True(t, fterr.NoCheckpointAvailable.Contains(<-f.errs))

	st, _ := f.coord.Status("b")
	assert.Equal(t, model.StateRecovering, st.State)
	assert.NotEmpty(t, st.LastError)
	addr, _ := f.locs.Resolve("b")
	assert.Equal(t, model.Address("host-1:1100"), addr, "location must not move on failure")

	// once a checkpoint exists, a new report retries
	f.checkpoint(t, "b", 1)
	ok, err := f.coord.FailureDetected("b")
	require.NoError(t, err)
	assert.True(t, ok)
	f.drain(t, "b")
	st, _ = f.coord.Status("b")
	assert.Equal(t, model.StateRunning, st.State)
	assert.Empty(t, st.LastError)
}

func TestNoResourceLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "b")
	f.checkpoint(t, "b", 1)
	f.hosts.Remove("host-2:1100")

	err := f.coord.RecoverAndWait(context.Background(), "b")
	assert.True(t, fterr.NoResourceAvailable.Contains(err), "got %v", err)
	assert.Equal(t, model.FirstIncarnation, f.store.Incarnation("b"))
	assert.Equal(t, 0, f.engine.instanceCount())
}

func TestInstantiationFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "b")
	f.checkpoint(t, "b", 1)
	f.engine.failWith = errors.New("class not found")

	err := f.coord.RecoverAndWait(context.Background(), "b")
	assert.True(t, fterr.InstantiationError.Contains(err), "got %v", err)
	st, _ := f.coord.Status("b")
	assert.Equal(t, model.StateRecovering, st.State)
}

func TestUnregisterDuringRecovery(t *testing.T) {
	gate := &gatedAllocator{entered: make(chan struct{}, 1), release: make(chan struct{})}
	f := newFixture(t, func(a Allocator) Allocator { gate.inner = a; return gate })
	f.register(t, "b")
	f.checkpoint(t, "b", 1)

	ok, err := f.coord.FailureDetected("b")
	require.NoError(t, err)
	require.True(t, ok)
	<-gate.entered
	b, err := f.coord.SubmitJobWithBarrier("b", func(context.Context) error { return nil })
	require.NoError(t, err)

	f.coord.Unregister("b")
	close(gate.release)
	require.NoError(t, b.Wait(context.Background()))
	assert.Equal(t, 1, f.engine.instanceCount())

	assert.True(t, fterr.NotFound.Contains(f.coord.UpdateState("b", model.StateRunning)))
	_, err = f.locs.Resolve("b")
	assert.True(t, fterr.NotFound.Contains(err))

	ok, err = f.coord.FailureDetected("b")
	assert.NoError(t, err)
	assert.False(t, ok, "reports for unregistered bodies are ignored")
}

func TestUpdateState(t *testing.T) {
	f := newFixture(t, nil)
	assert.True(t, fterr.NotFound.Contains(f.coord.UpdateState("ghost", model.StateRunning)))

	f.register(t, "b")
	require.NoError(t, f.coord.UpdateState("b", model.StateRecovering))
	st, _ := f.coord.Status("b")
	assert.Equal(t, model.StateRecovering, st.State)
	require.NoError(t, f.coord.UpdateState("b", model.StateRunning))
	st, _ = f.coord.Status("b")
	assert.Equal(t, model.StateRunning, st.State)
}

func TestSubmitJobWithBarrierRunsAfterQueuedJobs(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "b")
	f.checkpoint(t, "b", 1)

	_, err := f.coord.FailureDetected("b")
	require.NoError(t, err)
	var seen model.State
	b, err := f.coord.SubmitJobWithBarrier("b", func(context.Context) error {
		st, _ := f.coord.Status("b")
		seen = st.State
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, b.Wait(context.Background()))
	assert.Equal(t, model.StateRunning, seen, "barrier job must run after the recovery")

	_, err = f.coord.SubmitJobWithBarrier("ghost", func(context.Context) error { return nil })
	assert.True(t, fterr.NotFound.Contains(err))
}
