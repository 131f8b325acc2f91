package ftserver

import (
	"context"
	"time"

	"github.com/spacemonkeygo/errors"

	"github.com/daviddao/ftcic/pkg/fterr"
	"github.com/daviddao/ftcic/pkg/model"
)

// LastGlobalState returns the highest checkpoint index stored by every
// registered body, or -1.
func (s *Server) LastGlobalState() int64 {
	s.gsMu.Lock()
	defer s.gsMu.Unlock()
	return s.globalState
}

// checkGlobalState recomputes the global state and broadcasts its
// completion when it advanced. It never moves backwards: a body
// registering without checkpoints holds it where it is.
func (s *Server) checkGlobalState(ctx context.Context) error {
	ids := s.coord.Bodies()
	if len(ids) == 0 {
		return nil
	}
	line, err := s.completeLine(ctx, ids, s.LastGlobalState())
	if err != nil || line < 0 {
		return err
	}

	s.gsMu.Lock()
	if line <= s.globalState {
		s.gsMu.Unlock()
		return nil
	}
	s.globalState = line
	s.gsMu.Unlock()

	s.log.Info("global state completed", "index", line, "bodies", len(ids))
	if err := s.BroadcastEvent(ctx, model.Event{Kind: model.EventGlobalStateCompletion, Index: line}); err != nil {
		// delivery failures only wake the detector; the state itself is stored
		s.log.Warn("global state broadcast incomplete", "index", line, "err", err)
	}
	return nil
}

// completeLine returns the highest index above floor that every body in
// ids has stored, or -1. CollectGarbage keeps every index above the last
// global state, so the backend still holds every candidate.
func (s *Server) completeLine(ctx context.Context, ids []model.BodyID, floor int64) (int64, error) {
	var common map[int64]bool
	for _, id := range ids {
		indices, err := s.store.Indices(ctx, id)
		if err != nil {
			return -1, err
		}
		stored := make(map[int64]bool, len(indices))
		for _, idx := range indices {
			if idx > floor && (common == nil || common[idx]) {
				stored[idx] = true
			}
		}
		if len(stored) == 0 {
			return -1, nil
		}
		common = stored
	}
	line := int64(-1)
	for idx := range common {
		if idx > line {
			line = idx
		}
	}
	return line, nil
}

// BroadcastEvent delivers ev to every located body. Bodies that cannot be
// reached make the detector scan at once. The returned error groups the
// failed deliveries.
func (s *Server) BroadcastEvent(ctx context.Context, ev model.Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	group := errors.NewErrorGroup()
	force := false
	for id, addr := range s.locs.All() {
		err := s.notifier.Deliver(ctx, id, addr, ev)
		if err == nil {
			continue
		}
		s.log.Debug("event not delivered", "body", id, "addr", addr, "kind", ev.Kind, "err", err)
		if fterr.ProbeMissed.Contains(err) || fterr.StaleLocation.Contains(err) {
			force = true
		}
		group.Add(err)
	}
	if force {
		s.det.ForceDetection()
	}
	return group.Finalize()
}

// CollectGarbage deletes the checkpoints no longer needed: beyond the
// newest Config.Keep of a body, and older than the body's member of the
// last global state.
func (s *Server) CollectGarbage(ctx context.Context) (int, error) {
	n, err := s.store.Collect(ctx)
	if n > 0 {
		s.log.Info("checkpoints collected", "count", n, "line", s.LastGlobalState())
	}
	return n, err
}

func (s *Server) gcLoop() {
	defer close(s.gcDone)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stop
		cancel()
	}()

	ticker := time.NewTicker(s.cfg.GCPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
		if _, err := s.CollectGarbage(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("garbage collection failed", "err", err)
		}
	}
}
