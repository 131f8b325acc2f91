package recovery

import (
	"context"
	"sync"

	"github.com/inconshreveable/log15"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/daviddao/ftcic/pkg/fterr"
	"github.com/daviddao/ftcic/pkg/history"
	"github.com/daviddao/ftcic/pkg/model"
	"github.com/daviddao/ftcic/pkg/shard"
	"github.com/daviddao/ftcic/pkg/workqueue"
)

// Coordinator owns the recovery state of every registered body.
type Coordinator struct {
	cfg     Config
	store   Checkpoints
	locs    Locations
	alloc   Allocator
	engine  Engine
	log     log15.Logger
	tracer  trace.Tracer
	entries *shard.Map[model.BodyID, *entry]
}

type entry struct {
	mu          sync.Mutex
	state       model.State
	incarnation model.Incarnation
	queue       *workqueue.Queue
	removed     bool
	inflight    bool
	submitted   int
	recoveries  int
	lastErr     error
}

// New returns a coordinator. It does not own its collaborators.
func New(cfg Config, store Checkpoints, locs Locations, alloc Allocator, engine Engine) *Coordinator {
	cfg = cfg.withDefaults()
	return &Coordinator{
		cfg:     cfg,
		store:   store,
		locs:    locs,
		alloc:   alloc,
		engine:  engine,
		log:     cfg.Log,
		tracer:  otel.Tracer("github.com/daviddao/ftcic/pkg/recovery"),
		entries: shard.New[model.BodyID, *entry](0),
	}
}

// Register creates the RUNNING state of id and binds it to a worker
// queue. Registering a known body is a no-op.
func (c *Coordinator) Register(id model.BodyID) error {
	if _, ok := c.entries.Get(id); ok {
		return nil
	}
	q, err := c.cfg.Pool.Assign()
	if err != nil {
		return err
	}
	inc := c.store.Incarnation(id)
	_, existed := c.entries.GetOrCreate(id, func() *entry {
		return &entry{state: model.StateRunning, incarnation: inc, queue: q}
	})
	if !existed {
		c.log.Debug("body registered", "body", id, "queue", q.ID())
	}
	return nil
}

// Unregister forgets id and its location. A recovery job already running
// completes but its result is discarded. Unknown ids are ignored.
func (c *Coordinator) Unregister(id model.BodyID) {
	e, ok := c.entries.Delete(id)
	if !ok {
		return
	}
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
	c.locs.Remove(id)
}

// FailureDetected starts the recovery of id if it is RUNNING. It returns
// true when a job was submitted. Reports for unknown bodies, and for
// bodies with a recovery in flight, are absorbed. A body left RECOVERING
// by a failed job is resubmitted, which is how callers retry.
func (c *Coordinator) FailureDetected(id model.BodyID) (bool, error) {
	e, ok := c.entries.Get(id)
	if !ok {
		c.log.Debug("failure report for unknown body ignored", "body", id)
		return false, nil
	}
	q, inc, ok := c.begin(e)
	if !ok {
		return false, nil
	}
	if err := q.Submit(c.job(id, e, inc)); err != nil {
		c.abort(e, err)
		return false, err
	}
	return true, nil
}

// RecoverAndWait is FailureDetected followed by waiting for the body's
// queue to finish the recovery. If a recovery is already in flight it
// waits for that one. It returns the recovery's error, if any.
func (c *Coordinator) RecoverAndWait(ctx context.Context, id model.BodyID) error {
	e, ok := c.entries.Get(id)
	if !ok {
		return fterr.NotFound.New("body %s is not registered", id)
	}
	// already recovering: wait behind the in-flight job and report its outcome
	job := func(context.Context) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.lastErr
	}
	began := false
	if _, inc, ok := c.begin(e); ok {
		job = c.job(id, e, inc)
		began = true
	}
	b, err := c.SubmitJobWithBarrier(id, job)
	if err != nil {
		if began {
			c.abort(e, err)
		}
		return err
	}
	return b.Wait(ctx)
}

// SubmitJobWithBarrier queues job behind every job already queued for id.
func (c *Coordinator) SubmitJobWithBarrier(id model.BodyID, job workqueue.Job) (*workqueue.Barrier, error) {
	e, ok := c.entries.Get(id)
	if !ok {
		return nil, fterr.NotFound.New("body %s is not registered", id)
	}
	e.mu.Lock()
	q := e.queue
	e.mu.Unlock()
	return q.SubmitWithBarrier(job)
}

// UpdateState sets the state of id, typically RUNNING once a recovering
// incarnation reports itself ready.
func (c *Coordinator) UpdateState(id model.BodyID, state model.State) error {
	e, ok := c.entries.Get(id)
	if !ok {
		return fterr.NotFound.New("body %s is not registered", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return fterr.NotFound.New("body %s is not registered", id)
	}
	if e.state != state {
		c.log.Info("state updated", "body", id, "from", e.state, "to", state)
	}
	e.state = state
	return nil
}

// Status returns a snapshot of id.
func (c *Coordinator) Status(id model.BodyID) (Status, error) {
	e, ok := c.entries.Get(id)
	if !ok {
		return Status{}, fterr.NotFound.New("body %s is not registered", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		State:       e.state,
		Incarnation: e.incarnation,
		Queue:       e.queue.ID(),
		Submitted:   e.submitted,
		Recoveries:  e.recoveries,
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	return st, nil
}

// Registered returns the number of registered bodies.
func (c *Coordinator) Registered() int { return c.entries.Len() }

// Bodies returns the registered body ids.
func (c *Coordinator) Bodies() []model.BodyID {
	var ids []model.BodyID
	c.entries.Range(func(id model.BodyID, _ *entry) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// begin applies the RUNNING -> RECOVERING gate.
func (c *Coordinator) begin(e *entry) (*workqueue.Queue, model.Incarnation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || e.inflight {
		return nil, 0, false
	}
	if e.state == model.StateRecovering && e.lastErr == nil {
		return nil, 0, false
	}
	e.state = model.StateRecovering
	e.inflight = true
	e.submitted++
	return e.queue, e.incarnation, true
}

// abort undoes begin for a job that never reached its queue. The body
// stays RECOVERING with err recorded, so the next report retries.
func (c *Coordinator) abort(e *entry, err error) {
	e.mu.Lock()
	e.inflight = false
	e.lastErr = err
	e.mu.Unlock()
}

func (c *Coordinator) job(id model.BodyID, e *entry, failed model.Incarnation) workqueue.Job {
	return func(ctx context.Context) error {
		next := failed + 1
		if cur := c.store.Incarnation(id); cur >= next {
			next = cur + 1
		}
		ctx, span := c.tracer.Start(ctx, "recovery.job", trace.WithAttributes(
			attribute.String("body", string(id)),
			attribute.Int64("incarnation", int64(next)),
		))
		defer span.End()

		log := c.log.New("body", id, "incarnation", next)
		log.Info("recovery started")
		err := c.recover(ctx, log, id, e, next)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.mu.Lock()
			e.lastErr = err
			e.inflight = false
			e.mu.Unlock()
			log.Error("recovery failed", "err", err)
			c.cfg.OnError(id, err)
		}
		return err
	}
}

func (c *Coordinator) recover(ctx context.Context, log log15.Logger, id model.BodyID, e *entry, inc model.Incarnation) error {
	ckpt, err := c.store.Latest(ctx, id)
	if err != nil {
		if fterr.NotFound.Contains(err) {
			return fterr.NoCheckpointAvailable.New("cannot recover %s: no checkpoint stored", id)
		}
		return err
	}
	host, err := c.alloc.Allocate(ctx)
	if err != nil {
		return err
	}

	rebuilt, err := rebuildHistory(ckpt.Info, c.store.History(id))
	if err != nil {
		return err
	}
	from := ckpt.Info.LastRcvdRequestIndex + 1
	replay := rebuilt.Since(from)

	h, err := c.engine.Instantiate(ctx, host, ckpt, inc)
	if err != nil {
		return fterr.InstantiationError.New("instantiate %s from checkpoint %d on %s: %v", id, ckpt.Index, host, err)
	}
	if err := c.engine.BlockCommunication(ctx, h); err != nil {
		return fterr.InstantiationError.New("block communication of %s: %v", id, err)
	}
	if err := c.engine.Replay(ctx, h, from, replay); err != nil {
		return fterr.InstantiationError.New("replay history of %s: %v", id, err)
	}

	// The new incarnation pushes history as soon as it accepts messages,
	// so its log and incarnation must be in place first.
	e.mu.Lock()
	if e.removed {
		e.inflight = false
		e.mu.Unlock()
		log.Info("body unregistered during recovery, result dropped")
		return nil
	}
	e.mu.Unlock()
	prev := c.store.History(id)
	c.store.SetIncarnation(id, inc)
	c.store.ReplaceHistory(id, rebuilt)
	if err := c.engine.AcceptCommunication(ctx, h); err != nil {
		// inc stays fenced off; the live log goes back as it was
		c.store.ReplaceHistory(id, prev)
		return fterr.InstantiationError.New("accept communication of %s: %v", id, err)
	}

	e.mu.Lock()
	e.inflight = false
	if e.removed {
		e.mu.Unlock()
		log.Info("body unregistered during recovery, result dropped")
		return nil
	}
	c.locs.Update(id, h.Address)
	e.incarnation = inc
	e.state = model.StateRunning
	e.recoveries++
	e.lastErr = nil
	e.mu.Unlock()

	log.Info("recovered", "checkpoint", ckpt.Index, "addr", h.Address, "replayed", len(replay))
	c.cfg.OnRecovered(id, h)
	return nil
}

// rebuildHistory builds a fresh log from the history embedded in a
// checkpoint plus the recoverable part of the live log. The live log is
// not modified.
func rebuildHistory(info model.ProtocolInfo, live *history.Log) (*history.Log, error) {
	rebuilt := history.New()
	if n := int64(len(info.History)); n > 0 {
		if _, err := rebuilt.Append(model.HistoryUpdate{
			Base:    info.HistoryBase,
			Last:    info.HistoryBase + n - 1,
			Entries: info.History,
		}); err != nil {
			return nil, err
		}
	}
	base, entries := live.PeekRecoverable()
	if n := int64(len(entries)); n > 0 {
		if _, err := rebuilt.Append(model.HistoryUpdate{
			Base:    base,
			Last:    base + n - 1,
			Entries: entries,
		}); err != nil {
			return nil, err
		}
	}
	rebuilt.ConfirmLastUpdate()
	return rebuilt, nil
}
