// Package engine hosts body incarnations in process.
//
// Local stands in for a remote execution engine: it restores incarnations
// from checkpoints, holds their inbound traffic while history is replayed,
// delivers server events and answers liveness probes. ftd serve uses it to
// run a self-contained server; tests use it to crash and recover bodies.
package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/inconshreveable/log15"

	"github.com/daviddao/ftcic/pkg/fterr"
	"github.com/daviddao/ftcic/pkg/model"
	"github.com/daviddao/ftcic/pkg/recovery"
)

// Config configures a Local engine.
type Config struct {
	Log log15.Logger // default: log15.New("module", "engine")
}

// Instance is a snapshot of a hosted incarnation.
type Instance struct {
	Handle          recovery.Handle
	CheckpointIndex int64 // -1 for an incarnation started fresh
	State           []byte
	Info            model.ProtocolInfo
	Blocked         bool
	ReplayFrom      int64
	Replayed        []model.BodyID
	Events          []model.Event // delivered, in order
	Held            int           // events waiting for AcceptCommunication
}

type instance struct {
	Instance
	held []model.Event
}

func (in *instance) snapshot() Instance {
	s := in.Instance
	s.State = append([]byte(nil), in.State...)
	s.Replayed = append([]model.BodyID(nil), in.Replayed...)
	s.Events = append([]model.Event(nil), in.Events...)
	s.Held = len(in.held)
	return s
}

// Local is an in-memory engine. At most one incarnation per body is hosted;
// a newer incarnation replaces the older one.
type Local struct {
	log log15.Logger

	mu        sync.Mutex
	instances map[model.BodyID]*instance
}

var _ recovery.Engine = (*Local)(nil)

// NewLocal returns an empty engine.
func NewLocal(cfg Config) *Local {
	if cfg.Log == nil {
		cfg.Log = log15.New("module", "engine")
	}
	return &Local{log: cfg.Log, instances: make(map[model.BodyID]*instance)}
}

// Start hosts the first incarnation of id at addr.
func (l *Local) Start(id model.BodyID, addr model.Address, state []byte) recovery.Handle {
	h := recovery.Handle{Body: id, Incarnation: model.FirstIncarnation, Address: addr}
	l.mu.Lock()
	l.instances[id] = &instance{Instance: Instance{
		Handle:          h,
		CheckpointIndex: -1,
		State:           append([]byte(nil), state...),
		ReplayFrom:      -1,
	}}
	l.mu.Unlock()
	l.log.Debug("incarnation started", "body", id, "addr", addr)
	return h
}

// Serialize returns the current state and protocol info of id, the inputs
// of a checkpoint.
func (l *Local) Serialize(id model.BodyID) ([]byte, model.ProtocolInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	in, ok := l.instances[id]
	if !ok {
		return nil, model.ProtocolInfo{}, fterr.NotFound.New("no incarnation of %s hosted", id)
	}
	return append([]byte(nil), in.State...), in.Info, nil
}

// Kill drops the incarnation of id, as a crash would. It reports whether
// one was hosted.
func (l *Local) Kill(id model.BodyID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.instances[id]; !ok {
		return false
	}
	delete(l.instances, id)
	l.log.Info("incarnation killed", "body", id)
	return true
}

// Instantiate restores ckpt as incarnation inc on host. It fails if an
// incarnation at least as recent is already hosted.
func (l *Local) Instantiate(ctx context.Context, host model.Address, ckpt model.Checkpoint, inc model.Incarnation) (recovery.Handle, error) {
	if err := ctx.Err(); err != nil {
		return recovery.Handle{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.instances[ckpt.BodyID]; ok && cur.Handle.Incarnation >= inc {
		return recovery.Handle{}, fterr.InstantiationError.New("%s already runs incarnation %d, asked for %d",
			ckpt.BodyID, cur.Handle.Incarnation, inc)
	}
	h := recovery.Handle{Body: ckpt.BodyID, Incarnation: inc, Address: host}
	l.instances[ckpt.BodyID] = &instance{Instance: Instance{
		Handle:          h,
		CheckpointIndex: ckpt.Index,
		State:           append([]byte(nil), ckpt.State...),
		Info:            ckpt.Info,
		ReplayFrom:      -1,
	}}
	l.log.Info("incarnation instantiated", "body", ckpt.BodyID, "incarnation", inc, "addr", host, "checkpoint", ckpt.Index)
	return h, nil
}

// lookupLocked returns the instance h names, or NotFound if it was killed or
// superseded.
func (l *Local) lookupLocked(h recovery.Handle) (*instance, error) {
	in, ok := l.instances[h.Body]
	if !ok || in.Handle.Incarnation != h.Incarnation {
		return nil, fterr.NotFound.New("incarnation %d of %s is not hosted", h.Incarnation, h.Body)
	}
	return in, nil
}

// BlockCommunication holds events sent to h until AcceptCommunication.
func (l *Local) BlockCommunication(_ context.Context, h recovery.Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	in, err := l.lookupLocked(h)
	if err != nil {
		return err
	}
	in.Blocked = true
	return nil
}

// Replay records the senders h must serve again.
func (l *Local) Replay(ctx context.Context, h recovery.Handle, from int64, entries []model.BodyID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	in, err := l.lookupLocked(h)
	if err != nil {
		return err
	}
	in.ReplayFrom = from
	in.Replayed = append(in.Replayed[:0], entries...)
	return nil
}

// AcceptCommunication delivers the held events and unblocks h.
func (l *Local) AcceptCommunication(_ context.Context, h recovery.Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	in, err := l.lookupLocked(h)
	if err != nil {
		return err
	}
	in.Blocked = false
	in.Events = append(in.Events, in.held...)
	in.held = nil
	return nil
}

// Deliver hands ev to the incarnation of id at addr. It fails with
// fterr.Unreachable when nothing is hosted for id and with
// fterr.StaleLocation when id lives elsewhere.
func (l *Local) Deliver(ctx context.Context, id model.BodyID, addr model.Address, ev model.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	in, ok := l.instances[id]
	if !ok {
		return fterr.Unreachable.New("%s at %s is not running", id, addr)
	}
	if in.Handle.Address != addr {
		return fterr.StaleLocation.New("%s moved from %s to %s", id, addr, in.Handle.Address)
	}
	if in.Blocked {
		in.held = append(in.held, ev)
		return nil
	}
	in.Events = append(in.Events, ev)
	return nil
}

// Probe answers liveness checks: a body is alive if an incarnation is
// hosted at addr.
func (l *Local) Probe(ctx context.Context, id model.BodyID, addr model.Address) error {
	if err := ctx.Err(); err != nil {
		return fterr.ProbeMissed.Wrap(err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	in, ok := l.instances[id]
	if !ok || in.Handle.Address != addr {
		return fterr.Unreachable.New("nothing hosts %s at %s", id, addr)
	}
	return nil
}

// Get returns a snapshot of the incarnation hosted for id.
func (l *Local) Get(id model.BodyID) (Instance, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	in, ok := l.instances[id]
	if !ok {
		return Instance{}, false
	}
	return in.snapshot(), true
}

// Instances lists the hosted incarnations ordered by body id.
func (l *Local) Instances() []recovery.Handle {
	l.mu.Lock()
	out := make([]recovery.Handle, 0, len(l.instances))
	for _, in := range l.instances {
		out = append(out, in.Handle)
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Body < out[j].Body })
	return out
}
