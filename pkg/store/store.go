// Package store is the checkpoint store of the fault-tolerance server.
//
// It appends checkpoints per body in strictly increasing index order,
// rejects writes from superseded incarnations, and owns the reception
// history log of every body: bodies push history updates here, and each
// durable checkpoint confirms the history it covers. A retention policy,
// applied by Collect, bounds what stays on the backend; the latest
// checkpoint of a body is never collected.
package store

import (
	"context"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/inconshreveable/log15"

	"github.com/daviddao/ftcic/pkg/fterr"
	"github.com/daviddao/ftcic/pkg/history"
	"github.com/daviddao/ftcic/pkg/model"
	"github.com/daviddao/ftcic/pkg/shard"
)

// Config configures a Store. Zero values get defaults.
type Config struct {
	Backend   Backend      // default: NewMemBackend()
	Retention Policy       // default: KeepLast(2)
	Log       log15.Logger // default: log15.New("module", "store")
}

func (c Config) withDefaults() Config {
	if c.Backend == nil {
		c.Backend = NewMemBackend()
	}
	if c.Retention == nil {
		c.Retention = KeepLast(2)
	}
	if c.Log == nil {
		c.Log = log15.New("module", "store")
	}
	return c
}

// Store is safe for concurrent use. Writes for one body serialize on that
// body's slot; different bodies never share a lock.
type Store struct {
	backend Backend
	policy  Policy
	log     log15.Logger
	bodies  *shard.Map[model.BodyID, *slot]
}

type slot struct {
	mu          sync.Mutex
	loaded      bool
	latest      int64 // -1 until the body stores a checkpoint
	incarnation model.Incarnation
	hist        *history.Log
}

// New returns a store over cfg.Backend.
func New(cfg Config) *Store {
	cfg = cfg.withDefaults()
	return &Store{
		backend: cfg.Backend,
		policy:  cfg.Retention,
		log:     cfg.Log,
		bodies:  shard.New[model.BodyID, *slot](0),
	}
}

// Close closes the backend.
func (s *Store) Close() error { return s.backend.Close() }

func (s *Store) slot(id model.BodyID) *slot {
	sl, _ := s.bodies.GetOrCreate(id, func() *slot {
		return &slot{latest: -1, incarnation: model.FirstIncarnation, hist: history.New()}
	})
	return sl
}

// loadLocked pulls the latest index and incarnation from the backend the
// first time a body is touched, so a restarted server keeps enforcing
// ordering.
func (s *Store) loadLocked(ctx context.Context, id model.BodyID, sl *slot) error {
	if sl.loaded {
		return nil
	}
	c, err := s.backend.Latest(ctx, id)
	switch {
	case err == nil:
		sl.latest = c.Index
		if c.Incarnation > sl.incarnation {
			sl.incarnation = c.Incarnation
		}
	case fterr.NotFound.Contains(err):
	default:
		return err
	}
	sl.loaded = true
	return nil
}

// Put appends ckpt. It fails with fterr.StaleIncarnation if ckpt comes from
// an incarnation older than the body's current one, and with
// fterr.OrderingError if its index does not exceed the latest stored index.
//
// Once the checkpoint is durable, the body's history is confirmed up to
// Info.LastCommittedIndex and entries the checkpoint already covers are
// trimmed.
func (s *Store) Put(ctx context.Context, ckpt model.Checkpoint) error {
	sl := s.slot(ckpt.BodyID)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if err := s.loadLocked(ctx, ckpt.BodyID, sl); err != nil {
		return err
	}
	if ckpt.Incarnation < sl.incarnation {
		s.log.Warn("rejected checkpoint from stale incarnation",
			"body", ckpt.BodyID, "index", ckpt.Index, "incarnation", ckpt.Incarnation, "current", sl.incarnation)
		return fterr.StaleIncarnation.New("checkpoint %d of %s from incarnation %d, current is %d",
			ckpt.Index, ckpt.BodyID, ckpt.Incarnation, sl.incarnation)
	}
	if ckpt.Index <= sl.latest {
		return fterr.OrderingError.New("checkpoint %d of %s is not after %d", ckpt.Index, ckpt.BodyID, sl.latest)
	}
	ckpt.Info.CheckpointIndex = ckpt.Index
	if err := s.backend.Append(ctx, ckpt); err != nil {
		return err
	}
	sl.latest = ckpt.Index
	if ckpt.Incarnation > sl.incarnation {
		sl.incarnation = ckpt.Incarnation
	}

	sl.hist.ConfirmUpTo(ckpt.Info.LastCommittedIndex)
	w := sl.hist.Watermarks()
	if next := ckpt.Info.LastRcvdRequestIndex + 1; next > w.Base && next <= w.LastCommitted+1 {
		if err := sl.hist.AdvanceBase(next); err != nil {
			return err
		}
	}

	s.log.Info("checkpoint stored", "body", ckpt.BodyID, "index", ckpt.Index,
		"incarnation", ckpt.Incarnation, "size", humanize.Bytes(uint64(len(ckpt.State))))
	return nil
}

// CommitHistory appends a history update pushed by a body.
//
// A gap replaces the log; the owner vouches that the skipped range is
// covered elsewhere. When that replacement drops entries that were not
// yet recoverable, a warning is logged.
func (s *Store) CommitHistory(ctx context.Context, u model.HistoryUpdate) (history.Outcome, error) {
	sl := s.slot(u.Owner)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if err := s.loadLocked(ctx, u.Owner, sl); err != nil {
		return history.Noop, err
	}
	if u.Incarnation < sl.incarnation {
		return history.Noop, fterr.StaleIncarnation.New("history of %s from incarnation %d, current is %d",
			u.Owner, u.Incarnation, sl.incarnation)
	}
	before := sl.hist.Watermarks()
	out, err := sl.hist.Append(u)
	if err != nil {
		return out, err
	}
	if out == history.Replaced && before.LastCommitted > before.LastRecoverable {
		s.log.Warn("history replaced over unconfirmed entries",
			"body", u.Owner, "dropped_from", before.LastRecoverable+1, "dropped_to", before.LastCommitted,
			"new_base", u.Base)
	}
	return out, nil
}

// Latest returns the most recent checkpoint of id, or fterr.NotFound.
func (s *Store) Latest(ctx context.Context, id model.BodyID) (model.Checkpoint, error) {
	return s.backend.Latest(ctx, id)
}

// Get returns checkpoint index of id, or fterr.NotFound.
func (s *Store) Get(ctx context.Context, id model.BodyID, index int64) (model.Checkpoint, error) {
	return s.backend.Get(ctx, id, index)
}

// Indices lists the retained checkpoint indices of id.
func (s *Store) Indices(ctx context.Context, id model.BodyID) ([]int64, error) {
	return s.backend.Indices(ctx, id)
}

// History returns the reception history log of id, creating it if needed.
func (s *Store) History(id model.BodyID) *history.Log {
	sl := s.slot(id)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.hist
}

// ReplaceHistory installs log as the history of id. Recovery calls it with
// the log rebuilt for the new incarnation.
func (s *Store) ReplaceHistory(id model.BodyID, log *history.Log) {
	sl := s.slot(id)
	sl.mu.Lock()
	sl.hist = log
	sl.mu.Unlock()
}

// Incarnation returns the current incarnation known for id. A backend
// read error leaves the in-memory value, at least FirstIncarnation.
func (s *Store) Incarnation(id model.BodyID) model.Incarnation {
	sl := s.slot(id)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if err := s.loadLocked(context.Background(), id, sl); err != nil {
		s.log.Warn("could not load body state", "body", id, "err", err)
	}
	return sl.incarnation
}

// SetIncarnation raises the current incarnation of id. From then on,
// writes from older incarnations are rejected.
func (s *Store) SetIncarnation(id model.BodyID, inc model.Incarnation) {
	sl := s.slot(id)
	sl.mu.Lock()
	if inc > sl.incarnation {
		sl.incarnation = inc
	}
	sl.mu.Unlock()
}

// LastIndex returns the latest checkpoint index stored for id, or -1.
func (s *Store) LastIndex(ctx context.Context, id model.BodyID) (int64, error) {
	sl := s.slot(id)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if err := s.loadLocked(ctx, id, sl); err != nil {
		return -1, err
	}
	return sl.latest, nil
}

// Watermarks returns the latest checkpoint index of every body the store
// has seen since it started.
func (s *Store) Watermarks() map[model.BodyID]int64 {
	out := make(map[model.BodyID]int64)
	s.bodies.Range(func(id model.BodyID, sl *slot) bool {
		sl.mu.Lock()
		if sl.latest >= 0 {
			out[id] = sl.latest
		}
		sl.mu.Unlock()
		return true
	})
	return out
}

// Forget drops the in-memory state of id. Stored checkpoints stay on the
// backend until Collect removes them.
func (s *Store) Forget(id model.BodyID) {
	s.bodies.Delete(id)
}

// Collect applies the retention policy to every body on the backend and
// returns the number of checkpoints deleted.
func (s *Store) Collect(ctx context.Context) (int, error) {
	ids, err := s.backend.Bodies(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		indices, err := s.backend.Indices(ctx, id)
		if err != nil {
			return total, err
		}
		if len(indices) == 0 {
			continue
		}
		last := indices[len(indices)-1]
		var drop []int64
		for _, idx := range s.policy.Collect(id, indices) {
			if idx != last {
				drop = append(drop, idx)
			}
		}
		if len(drop) == 0 {
			continue
		}
		if err := s.backend.Delete(ctx, id, drop); err != nil {
			return total, err
		}
		total += len(drop)
		s.log.Debug("collected checkpoints", "body", id, "count", len(drop), "kept_latest", last)
	}
	return total, nil
}
