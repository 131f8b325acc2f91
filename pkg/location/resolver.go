package location

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/inconshreveable/log15"

	"github.com/daviddao/ftcic/pkg/fterr"
	"github.com/daviddao/ftcic/pkg/model"
)

// Lookup asks the location authority for the address of id. old is the
// address the caller last failed to reach, or empty.
type Lookup func(ctx context.Context, id model.BodyID, old model.Address) (model.Address, error)

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	Size     int          // cached addresses, default 1024
	Attempts int          // sends per call before giving up, default 3
	Log      log15.Logger // default: log15.New("module", "resolver")
}

// Resolver is a sender-side address cache.
type Resolver struct {
	lookup   Lookup
	cache    *lru.Cache[model.BodyID, model.Address]
	attempts int
	log      log15.Logger
}

// NewResolver returns a resolver backed by lookup.
func NewResolver(lookup Lookup, cfg ResolverConfig) (*Resolver, error) {
	if cfg.Size <= 0 {
		cfg.Size = 1024
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Log == nil {
		cfg.Log = log15.New("module", "resolver")
	}
	cache, err := lru.New[model.BodyID, model.Address](cfg.Size)
	if err != nil {
		return nil, err
	}
	return &Resolver{lookup: lookup, cache: cache, attempts: cfg.Attempts, log: cfg.Log}, nil
}

// Resolve returns the cached address of id, asking the authority on a miss.
func (r *Resolver) Resolve(ctx context.Context, id model.BodyID) (model.Address, error) {
	if addr, ok := r.cache.Get(id); ok {
		return addr, nil
	}
	addr, err := r.lookup(ctx, id, "")
	if err != nil {
		return "", err
	}
	r.cache.Add(id, addr)
	return addr, nil
}

// Invalidate drops the cached address of id.
func (r *Resolver) Invalidate(id model.BodyID) { r.cache.Remove(id) }

// Do runs send against the address of id. Each time send fails with
// fterr.StaleLocation the address is resolved again, passing the stale one
// to the authority, and send is retried.
func (r *Resolver) Do(ctx context.Context, id model.BodyID, send func(context.Context, model.Address) error) error {
	addr, err := r.Resolve(ctx, id)
	if err != nil {
		return err
	}
	for attempt := 1; ; attempt++ {
		err = send(ctx, addr)
		if err == nil || !fterr.StaleLocation.Contains(err) || attempt >= r.attempts {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		r.log.Debug("stale location, resolving again", "body", id, "addr", addr, "attempt", attempt)
		r.cache.Remove(id)
		next, lerr := r.lookup(ctx, id, addr)
		if lerr != nil {
			return lerr
		}
		r.cache.Add(id, next)
		addr = next
	}
}
