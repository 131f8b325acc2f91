// Package location maps body identities to the address of their current
// incarnation.
//
// The server-side Service is authoritative. Senders keep a Resolver, which
// caches addresses and resolves again whenever a send fails with
// fterr.StaleLocation: recovery moves a body without telling anyone.
package location

import (
	"github.com/daviddao/ftcic/pkg/fterr"
	"github.com/daviddao/ftcic/pkg/model"
	"github.com/daviddao/ftcic/pkg/shard"
)

// Service is the authoritative location table. Safe for concurrent use.
type Service struct {
	table *shard.Map[model.BodyID, model.Address]
}

// NewService returns an empty location table.
func NewService() *Service {
	return &Service{table: shard.New[model.BodyID, model.Address](0)}
}

// Resolve returns the current address of id, or fterr.NotFound.
func (s *Service) Resolve(id model.BodyID) (model.Address, error) {
	addr, ok := s.table.Get(id)
	if !ok {
		return "", fterr.NotFound.New("no location for %s", id)
	}
	return addr, nil
}

// Search is Resolve for a caller that just failed to reach id at old. It
// returns fterr.StaleLocation when the table still holds old, meaning the
// body has not been relocated yet (it is probably dead).
func (s *Service) Search(id model.BodyID, old model.Address) (model.Address, error) {
	addr, err := s.Resolve(id)
	if err != nil {
		return "", err
	}
	if old != "" && addr == old {
		return "", fterr.StaleLocation.New("%s is still registered at %s", id, old)
	}
	return addr, nil
}

// Update sets the address of id.
func (s *Service) Update(id model.BodyID, addr model.Address) {
	s.table.Set(id, addr)
}

// Remove deletes the entry of id. It reports whether one existed.
func (s *Service) Remove(id model.BodyID) bool {
	_, ok := s.table.Delete(id)
	return ok
}

// All returns a snapshot of the table.
func (s *Service) All() map[model.BodyID]model.Address {
	out := make(map[model.BodyID]model.Address, s.table.Len())
	s.table.Range(func(id model.BodyID, addr model.Address) bool {
		out[id] = addr
		return true
	})
	return out
}

// Len returns the number of located bodies.
func (s *Service) Len() int { return s.table.Len() }
