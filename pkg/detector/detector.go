// Package detector probes registered bodies and reports the ones that
// stopped answering.
//
// Each scan probes every registered body concurrently, each probe bounded
// by Config.Timeout. A hard failure (fterr.Unreachable, e.g. connection
// refused) is reported at once; soft misses are counted and reported after
// Config.Misses consecutive ones. A reported body is suspected: it is not
// probed, and so not reported again, until Recovered or Register is called
// for it.
package detector

import (
	"context"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/daviddao/ftcic/pkg/fterr"
	"github.com/daviddao/ftcic/pkg/model"
)

// Prober checks one body. It returns nil when the body is alive, an
// fterr.Unreachable error for hard failures and any other error for a
// soft miss.
type Prober interface {
	Probe(ctx context.Context, id model.BodyID, addr model.Address) error
}

// Locator resolves the address to probe.
type Locator interface {
	Resolve(id model.BodyID) (model.Address, error)
}

// Config configures a Detector.
type Config struct {
	Period  time.Duration // between scans, default 10s
	Timeout time.Duration // per probe, default 2s
	Misses  int           // consecutive soft misses before reporting, default 3

	// OnFailure is called once per failure episode, from the scan
	// goroutine. It must not block for long.
	OnFailure func(id model.BodyID)

	Log log15.Logger // default: log15.New("module", "detector")
}

func (c Config) withDefaults() Config {
	if c.Period <= 0 {
		c.Period = 10 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.Misses <= 0 {
		c.Misses = 3
	}
	if c.OnFailure == nil {
		c.OnFailure = func(model.BodyID) {}
	}
	if c.Log == nil {
		c.Log = log15.New("module", "detector")
	}
	return c
}

type watch struct {
	misses    int
	suspected bool
}

// Detector runs the probe loop.
type Detector struct {
	cfg     Config
	prober  Prober
	locator Locator

	mu      sync.Mutex
	watched map[model.BodyID]*watch

	force   chan struct{}
	stop    chan struct{}
	stopped chan struct{}
	running bool
}

// New returns a detector. Call Start to launch the loop.
func New(cfg Config, prober Prober, locator Locator) *Detector {
	return &Detector{
		cfg:     cfg.withDefaults(),
		prober:  prober,
		locator: locator,
		watched: make(map[model.BodyID]*watch),
		force:   make(chan struct{}, 1),
	}
}

// Register starts watching id, or clears its suspicion if already watched.
func (d *Detector) Register(id model.BodyID) {
	d.mu.Lock()
	d.watched[id] = &watch{}
	d.mu.Unlock()
}

// Unregister stops watching id.
func (d *Detector) Unregister(id model.BodyID) {
	d.mu.Lock()
	delete(d.watched, id)
	d.mu.Unlock()
}

// Recovered ends the failure episode of id; it is probed again.
func (d *Detector) Recovered(id model.BodyID) {
	d.mu.Lock()
	if w, ok := d.watched[id]; ok {
		w.suspected = false
		w.misses = 0
	}
	d.mu.Unlock()
}

// Suspected reports whether id is in a failure episode.
func (d *Detector) Suspected(id model.BodyID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.watched[id]
	return ok && w.suspected
}

// ForceDetection asks the loop to scan now instead of at the next tick.
func (d *Detector) ForceDetection() {
	select {
	case d.force <- struct{}{}:
	default:
	}
}

// Start launches the probe loop. It is a no-op if already running.
func (d *Detector) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.stop = make(chan struct{})
	d.stopped = make(chan struct{})
	go d.loop(d.stop, d.stopped)
}

// Stop ends the probe loop and waits for the current scan to finish.
func (d *Detector) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	stop, stopped := d.stop, d.stopped
	d.mu.Unlock()
	close(stop)
	<-stopped
}

func (d *Detector) loop(stop, stopped chan struct{}) {
	defer close(stopped)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	ticker := time.NewTicker(d.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		case <-d.force:
			d.cfg.Log.Debug("forced detection")
		}
		d.Scan(ctx)
	}
}

type result struct {
	id  model.BodyID
	err error
}

// Scan probes every watched, unsuspected body once and reports the ones
// that crossed the failure threshold. It returns the reported bodies.
func (d *Detector) Scan(ctx context.Context) []model.BodyID {
	ctx, span := otel.Tracer("github.com/daviddao/ftcic/pkg/detector").Start(ctx, "detector.scan")
	defer span.End()

	d.mu.Lock()
	var ids []model.BodyID
	for id, w := range d.watched {
		if !w.suspected {
			ids = append(ids, id)
		}
	}
	d.mu.Unlock()
	span.SetAttributes(attribute.Int("bodies", len(ids)))

	results := make(chan result, len(ids))
	var wg sync.WaitGroup
	for _, id := range ids {
		addr, err := d.locator.Resolve(id)
		if err != nil {
			// not located yet, or removed under us
			continue
		}
		wg.Add(1)
		go func(id model.BodyID, addr model.Address) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
			defer cancel()
			results <- result{id: id, err: d.prober.Probe(pctx, id, addr)}
		}(id, addr)
	}
	wg.Wait()
	close(results)

	if ctx.Err() != nil {
		// stopping; a canceled probe says nothing about the body
		return nil
	}

	var failed []model.BodyID
	d.mu.Lock()
	for r := range results {
		w, ok := d.watched[r.id]
		if !ok || w.suspected {
			continue
		}
		switch {
		case r.err == nil:
			w.misses = 0
		case fterr.Unreachable.Contains(r.err):
			w.suspected = true
			failed = append(failed, r.id)
		default:
			w.misses++
			d.cfg.Log.Debug("probe missed", "body", r.id, "misses", w.misses, "err", r.err)
			if w.misses >= d.cfg.Misses {
				w.suspected = true
				failed = append(failed, r.id)
			}
		}
	}
	d.mu.Unlock()

	for _, id := range failed {
		d.cfg.Log.Warn("failure detected", "body", id)
		d.cfg.OnFailure(id)
	}
	return failed
}
