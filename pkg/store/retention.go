package store

import (
	"github.com/daviddao/ftcic/pkg/model"
)

// Policy decides which checkpoints of a body the garbage collector may
// delete. indices is ascending. The store never deletes the last index,
// whatever the policy returns.
type Policy interface {
	Collect(id model.BodyID, indices []int64) []int64
}

// KeepLast retains the n most recent checkpoints of each body. Values
// below 1 are treated as 1.
type KeepLast int

func (n KeepLast) Collect(_ model.BodyID, indices []int64) []int64 {
	keep := int(n)
	if keep < 1 {
		keep = 1
	}
	if len(indices) <= keep {
		return nil
	}
	return append([]int64(nil), indices[:len(indices)-keep]...)
}

type keepAll struct{}

func (keepAll) Collect(model.BodyID, []int64) []int64 { return nil }

// KeepAll never collects anything.
var KeepAll Policy = keepAll{}

// RecoveryLine keeps every checkpoint at or above the recovery line, plus
// the newest one below it, and collects the rest. Line returns the index of
// the last complete global state, or a negative value when none exists.
type RecoveryLine struct {
	Line func() int64
}

func (r RecoveryLine) Collect(_ model.BodyID, indices []int64) []int64 {
	line := r.Line()
	if line < 0 {
		return nil
	}
	// newest index <= line is the body's member of the recovery line
	member := -1
	for i, idx := range indices {
		if idx <= line {
			member = i
		}
	}
	if member <= 0 {
		return nil
	}
	return append([]int64(nil), indices[:member]...)
}

// Intersect collects an index only when every policy collects it.
func Intersect(policies ...Policy) Policy { return intersect(policies) }

type intersect []Policy

func (ps intersect) Collect(id model.BodyID, indices []int64) []int64 {
	if len(ps) == 0 {
		return nil
	}
	votes := make(map[int64]int, len(indices))
	for _, p := range ps {
		for _, idx := range p.Collect(id, indices) {
			votes[idx]++
		}
	}
	var out []int64
	for _, idx := range indices {
		if votes[idx] == len(ps) {
			out = append(out, idx)
		}
	}
	return out
}
