package store

import (
	"context"
	"sort"
	"sync"

	"github.com/daviddao/ftcic/pkg/fterr"
	"github.com/daviddao/ftcic/pkg/model"
)

// MemBackend keeps checkpoints in memory. It is used by tests and by
// servers that accept losing checkpoints when the server itself dies.
type MemBackend struct {
	mu     sync.RWMutex
	bodies map[model.BodyID][]model.Checkpoint // ascending by Index
}

// NewMemBackend returns an empty in-memory backend.
func NewMemBackend() *MemBackend {
	return &MemBackend{bodies: make(map[model.BodyID][]model.Checkpoint)}
}

func (m *MemBackend) Append(_ context.Context, ckpt model.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.bodies[ckpt.BodyID]
	if n := len(list); n > 0 && ckpt.Index <= list[n-1].Index {
		return fterr.OrderingError.New("checkpoint %d of %s is not after %d", ckpt.Index, ckpt.BodyID, list[n-1].Index)
	}
	m.bodies[ckpt.BodyID] = append(list, ckpt)
	return nil
}

func (m *MemBackend) Latest(_ context.Context, id model.BodyID) (model.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.bodies[id]
	if len(list) == 0 {
		return model.Checkpoint{}, fterr.NotFound.New("no checkpoint for %s", id)
	}
	return list[len(list)-1], nil
}

func (m *MemBackend) Get(_ context.Context, id model.BodyID, index int64) (model.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.bodies[id]
	i := sort.Search(len(list), func(i int) bool { return list[i].Index >= index })
	if i == len(list) || list[i].Index != index {
		return model.Checkpoint{}, fterr.NotFound.New("no checkpoint %d for %s", index, id)
	}
	return list[i], nil
}

func (m *MemBackend) Indices(_ context.Context, id model.BodyID) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.bodies[id]
	out := make([]int64, len(list))
	for i, c := range list {
		out[i] = c.Index
	}
	return out, nil
}

func (m *MemBackend) Bodies(context.Context) ([]model.BodyID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.BodyID, 0, len(m.bodies))
	for id, list := range m.bodies {
		if len(list) > 0 {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *MemBackend) Delete(_ context.Context, id model.BodyID, indices []int64) error {
	if len(indices) == 0 {
		return nil
	}
	drop := make(map[int64]bool, len(indices))
	for _, idx := range indices {
		drop[idx] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.bodies[id]
	kept := list[:0]
	for _, c := range list {
		if !drop[c.Index] {
			kept = append(kept, c)
		}
	}
	m.bodies[id] = kept
	return nil
}

func (m *MemBackend) Close() error { return nil }
