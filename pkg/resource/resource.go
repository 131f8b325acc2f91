// Package resource hands out free hosts for recovered incarnations.
package resource

import (
	"context"
	"sync"

	"github.com/daviddao/ftcic/pkg/fterr"
	"github.com/daviddao/ftcic/pkg/model"
)

// Pool allocates hosts round-robin. Hosts are not consumed: several
// incarnations may share one host.
type Pool struct {
	mu    sync.Mutex
	hosts []model.Address
	next  int
}

// NewPool returns a pool over hosts, ignoring duplicates.
func NewPool(hosts ...model.Address) *Pool {
	p := &Pool{}
	for _, h := range hosts {
		p.Add(h)
	}
	return p
}

// Add registers a free host. It reports false if the host was known.
func (p *Pool) Add(h model.Address) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, known := range p.hosts {
		if known == h {
			return false
		}
	}
	p.hosts = append(p.hosts, h)
	return true
}

// Remove drops a host, e.g. one that failed. It reports whether the host
// was known.
func (p *Pool) Remove(h model.Address) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, known := range p.hosts {
		if known == h {
			p.hosts = append(p.hosts[:i], p.hosts[i+1:]...)
			if p.next > i {
				p.next--
			}
			if p.next >= len(p.hosts) {
				p.next = 0
			}
			return true
		}
	}
	return false
}

// Allocate returns the next host, or fterr.NoResourceAvailable.
func (p *Pool) Allocate(context.Context) (model.Address, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.hosts) == 0 {
		return "", fterr.NoResourceAvailable.New("no free host registered")
	}
	h := p.hosts[p.next]
	p.next = (p.next + 1) % len(p.hosts)
	return h, nil
}

// Len returns the number of registered hosts.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.hosts)
}
