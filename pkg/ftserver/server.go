// Package ftserver is the fault-tolerance server: it owns the checkpoint
// store, the location service, the fault detector and the recovery
// coordinator of one fault-tolerant domain, and exposes their operations
// to the bodies of that domain.
package ftserver

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/spacemonkeygo/errors"

	"github.com/daviddao/ftcic/pkg/clock"
	"github.com/daviddao/ftcic/pkg/detector"
	"github.com/daviddao/ftcic/pkg/fterr"
	"github.com/daviddao/ftcic/pkg/history"
	"github.com/daviddao/ftcic/pkg/location"
	"github.com/daviddao/ftcic/pkg/model"
	"github.com/daviddao/ftcic/pkg/recovery"
	"github.com/daviddao/ftcic/pkg/resource"
	"github.com/daviddao/ftcic/pkg/store"
	"github.com/daviddao/ftcic/pkg/tagger"
	"github.com/daviddao/ftcic/pkg/workqueue"
)

// Notifier delivers server events to a body.
type Notifier interface {
	Deliver(ctx context.Context, id model.BodyID, addr model.Address, ev model.Event) error
}

// Deps are the external collaborators of a Server.
type Deps struct {
	Engine   recovery.Engine // required
	Notifier Notifier        // required
	Prober   detector.Prober // default: detector.GRPCProber{}
}

// Config configures a Server. Zero values get defaults.
type Config struct {
	Backend  store.Backend   // default: in-memory
	Keep     int             // checkpoints retained per body, default 2
	GCPeriod time.Duration   // default 40s
	Queues   int             // recovery worker queues, default and cap workqueue.MaxQueues
	Hosts    []model.Address // initial free hosts
	Detector detector.Config // OnFailure is set by the server
	Log      log15.Logger    // default: log15.New("module", "ftserver")
}

func (c Config) withDefaults() Config {
	if c.Backend == nil {
		c.Backend = store.NewMemBackend()
	}
	if c.Keep <= 0 {
		c.Keep = 2
	}
	if c.GCPeriod <= 0 {
		c.GCPeriod = 40 * time.Second
	}
	if c.Log == nil {
		c.Log = log15.New("module", "ftserver")
	}
	return c
}

// Server is safe for concurrent use.
type Server struct {
	cfg      Config
	log      log15.Logger
	store    *store.Store
	locs     *location.Service
	hosts    *resource.Pool
	pool     *workqueue.Pool
	coord    *recovery.Coordinator
	det      *detector.Detector
	notifier Notifier

	gsMu        sync.Mutex
	globalState int64 // -1 until every registered body stored a checkpoint

	started atomic.Bool
	closed  atomic.Bool
	stop    chan struct{}
	gcDone  chan struct{}
}

// New wires a server. Call Start to launch the detector and the garbage
// collector.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Engine == nil || deps.Notifier == nil {
		return nil, fmt.Errorf("ftserver: engine and notifier are required")
	}
	if deps.Prober == nil {
		deps.Prober = detector.GRPCProber{}
	}
	cfg = cfg.withDefaults()

	s := &Server{
		cfg:         cfg,
		log:         cfg.Log,
		locs:        location.NewService(),
		hosts:       resource.NewPool(cfg.Hosts...),
		notifier:    deps.Notifier,
		globalState: -1,
		stop:        make(chan struct{}),
		gcDone:      make(chan struct{}),
	}
	s.store = store.New(store.Config{
		Backend:   cfg.Backend,
		Retention: store.Intersect(store.KeepLast(cfg.Keep), store.RecoveryLine{Line: s.LastGlobalState}),
		Log:       cfg.Log.New("module", "store"),
	})
	s.pool = workqueue.NewPool(workqueue.Config{Size: cfg.Queues, Log: cfg.Log.New("module", "workqueue")})
	s.coord = recovery.New(recovery.Config{
		Pool:        s.pool,
		OnRecovered: s.onRecovered,
		Log:         cfg.Log.New("module", "recovery"),
	}, s.store, s.locs, s.hosts, deps.Engine)

	dcfg := cfg.Detector
	if dcfg.Log == nil {
		dcfg.Log = cfg.Log.New("module", "detector")
	}
	dcfg.OnFailure = s.onFailure
	s.det = detector.New(dcfg, deps.Prober, s.locs)
	return s, nil
}

// Start launches the fault detector and the garbage collection loop.
func (s *Server) Start() {
	if s.closed.Load() || !s.started.CompareAndSwap(false, true) {
		return
	}
	s.det.Start()
	go s.gcLoop()
	s.log.Info("server started", "hosts", s.hosts.Len(), "keep", s.cfg.Keep, "gc_period", s.cfg.GCPeriod)
}

// Shutdown stops the detector and the garbage collector, lets queued
// recovery jobs finish within ctx and closes the store. Later calls to
// mutating operations fail with fterr.Closed.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.det.Stop()
	close(s.stop)
	if s.started.Load() {
		<-s.gcDone
	}
	group := errors.NewErrorGroup()
	group.Add(s.pool.Close(ctx))
	group.Add(s.store.Close())
	s.log.Info("server stopped")
	return group.Finalize()
}

func (s *Server) checkOpen() error {
	if s.closed.Load() {
		return fterr.Closed.New("fault-tolerance server is shut down")
	}
	return nil
}

func (s *Server) onFailure(id model.BodyID) {
	if _, err := s.ReportFailure(context.Background(), id); err != nil {
		s.log.Error("could not start recovery", "body", id, "err", err)
	}
}

func (s *Server) onRecovered(id model.BodyID, h recovery.Handle) {
	s.det.Recovered(id)
}

// Register makes id known to the server at addr, in state RUNNING, and
// starts watching it. Registering again updates the location and clears
// any suspicion of the detector.
func (s *Server) Register(ctx context.Context, id model.BodyID, addr model.Address) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.coord.Register(id); err != nil {
		return err
	}
	s.locs.Update(id, addr)
	s.det.Register(id)
	s.log.Info("body registered", "body", id, "addr", addr, "incarnation", s.store.Incarnation(id))
	return nil
}

// Unregister forgets id. Its stored checkpoints stay until collected.
func (s *Server) Unregister(ctx context.Context, id model.BodyID) error {
	s.coord.Unregister(id)
	s.det.Unregister(id)
	s.store.Forget(id)
	s.log.Info("body unregistered", "body", id)
	// the remaining bodies may now form a complete global state
	return s.checkGlobalState(ctx)
}

// ReportFailure starts the recovery of id unless one is in flight. It
// reports whether a recovery job was submitted.
func (s *Server) ReportFailure(ctx context.Context, id model.BodyID) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	ok, err := s.coord.FailureDetected(id)
	if ok {
		s.log.Info("failure reported", "body", id)
	}
	return ok, err
}

// RecoverAndWait recovers id, or joins the recovery in flight, and waits
// for the outcome.
func (s *Server) RecoverAndWait(ctx context.Context, id model.BodyID) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.coord.RecoverAndWait(ctx, id)
}

// UpdateState is the signal of a body about its own recovery state.
func (s *Server) UpdateState(ctx context.Context, id model.BodyID, state model.State) error {
	if err := s.coord.UpdateState(id, state); err != nil {
		return err
	}
	if state == model.StateRunning {
		s.det.Recovered(id)
	}
	return nil
}

// Status returns the recovery status of id.
func (s *Server) Status(id model.BodyID) (recovery.Status, error) {
	return s.coord.Status(id)
}

// StoreCheckpoint stores ckpt, then advances the global state if ckpt
// completed one.
func (s *Server) StoreCheckpoint(ctx context.Context, ckpt model.Checkpoint) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if ckpt.CreatedAt.IsZero() {
		ckpt.CreatedAt = time.Now().UTC()
	}
	if err := s.store.Put(ctx, ckpt); err != nil {
		return err
	}
	return s.checkGlobalState(ctx)
}

// CommitHistory appends a reception history update of its owner.
func (s *Server) CommitHistory(ctx context.Context, u model.HistoryUpdate) (history.Outcome, error) {
	if err := s.checkOpen(); err != nil {
		return history.Noop, err
	}
	return s.store.CommitHistory(ctx, u)
}

// LatestCheckpoint returns the last checkpoint stored by id.
func (s *Server) LatestCheckpoint(ctx context.Context, id model.BodyID) (model.Checkpoint, error) {
	return s.store.Latest(ctx, id)
}

// GetLocation returns the current address of id.
func (s *Server) GetLocation(ctx context.Context, id model.BodyID) (model.Address, error) {
	return s.locs.Resolve(id)
}

// SearchLocation is GetLocation for a caller that failed to reach id at
// old. If the server still knows id at old, the body is probably dead: the
// detector is woken up and fterr.StaleLocation is returned so the caller
// retries later.
func (s *Server) SearchLocation(ctx context.Context, id model.BodyID, old model.Address) (model.Address, error) {
	addr, err := s.locs.Search(id, old)
	if fterr.StaleLocation.Contains(err) {
		s.log.Debug("stale location reported, forcing detection", "body", id, "addr", old)
		s.det.ForceDetection()
	}
	return addr, err
}

// UpdateLocation records that id now runs at addr.
func (s *Server) UpdateLocation(ctx context.Context, id model.BodyID, addr model.Address) error {
	if _, err := s.coord.Status(id); err != nil {
		return err
	}
	s.locs.Update(id, addr)
	return nil
}

// AddFreeHost makes addr available to host recovered incarnations.
func (s *Server) AddFreeHost(addr model.Address) bool {
	return s.hosts.Add(addr)
}

// OutputCommit checks whether a reply carrying vc may leave the domain:
// every body vc depends on must have checkpointed past its entry.
func (s *Server) OutputCommit(ctx context.Context, vc clock.Vector) (tagger.ReleaseStatus, error) {
	marks := make(map[model.BodyID]int64, len(vc))
	for _, id := range vc.IDs() {
		last, err := s.store.LastIndex(ctx, id)
		if err != nil {
			return tagger.ReleaseStatus{}, err
		}
		if last >= 0 {
			marks[id] = last
		}
	}
	return tagger.Release(vc, marks), nil
}
