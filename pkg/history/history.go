// Package history implements the per-body reception history log.
//
// The log records, in delivery order, the sender of every request a body
// received. Entry i is the i-th reception; the log only keeps indices in
// [Base, LastCommitted]. Two watermarks govern what recovery may trust:
//
//	LastCommitted    highest index pushed to the log by its owner
//	LastRecoverable  highest index covered by a durably stored checkpoint
//
// Invariants: Base <= LastCommitted+1 and LastRecoverable <= LastCommitted.
// Entries above LastRecoverable are never replayed.
package history

import (
	"sync"

	"github.com/daviddao/ftcic/pkg/fterr"
	"github.com/daviddao/ftcic/pkg/model"
)

// Outcome describes what Append did with an update.
type Outcome int

const (
	// Noop: the update was entirely covered by the log.
	Noop Outcome = iota
	// Merged: the uncovered suffix of the update was appended.
	Merged
	// Replaced: the update started past LastCommitted+1 and replaced the log.
	Replaced
)

func (o Outcome) String() string {
	switch o {
	case Noop:
		return "noop"
	case Merged:
		return "merged"
	case Replaced:
		return "replaced"
	default:
		return "unknown"
	}
}

// Watermarks is a point-in-time view of a log's bounds.
type Watermarks struct {
	Base            int64 `json:"base"`
	LastCommitted   int64 `json:"last_committed"`
	LastRecoverable int64 `json:"last_recoverable"`
	Len             int   `json:"len"`
}

// Log is a reception history. It is safe for concurrent use; all methods
// serialize on a per-log mutex.
type Log struct {
	mu              sync.Mutex
	base            int64
	lastCommitted   int64
	lastRecoverable int64
	entries         []model.BodyID
}

// New returns an empty log starting at index 0.
func New() *Log {
	return &Log{lastCommitted: -1, lastRecoverable: -1}
}

// Append merges a contiguous update into the log.
//
// If the update starts past LastCommitted+1 the log is replaced wholesale:
// the caller asserts the skipped range is already committed elsewhere. The
// returned Outcome lets callers notice replacements that discarded entries
// not yet recoverable (see Watermarks before the call).
func (l *Log) Append(u model.HistoryUpdate) (Outcome, error) {
	if u.Last < u.Base-1 {
		return Noop, fterr.OrderingError.New("history update range [%d, %d] is inverted", u.Base, u.Last)
	}
	if int64(len(u.Entries)) != u.Last-u.Base+1 {
		return Noop, fterr.Malformed.New("history update [%d, %d] carries %d entries", u.Base, u.Last, len(u.Entries))
	}
	if u.Empty() {
		return Noop, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if u.Base > l.lastCommitted+1 {
		l.entries = append([]model.BodyID(nil), u.Entries...)
		l.base = u.Base
		l.lastCommitted = u.Last
		return Replaced, nil
	}
	if u.Last <= l.lastCommitted {
		return Noop, nil
	}
	skip := l.lastCommitted + 1 - u.Base
	l.entries = append(l.entries, u.Entries[skip:]...)
	l.lastCommitted = u.Last
	return Merged, nil
}

// AdvanceBase drops every entry below next. It fails if next moves the base
// backwards or past LastCommitted+1.
func (l *Log) AdvanceBase(next int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if next < l.base {
		return fterr.OrderingError.New("history base cannot move back from %d to %d", l.base, next)
	}
	if next > l.lastCommitted+1 {
		return fterr.OrderingError.New("history base %d is past last committed %d", next, l.lastCommitted)
	}
	drop := next - l.base
	l.entries = append([]model.BodyID(nil), l.entries[drop:]...)
	l.base = next
	return nil
}

// ConfirmLastUpdate marks everything committed so far as recoverable. Call
// it only once a checkpoint covering these entries is durable.
func (l *Log) ConfirmLastUpdate() {
	l.mu.Lock()
	l.lastRecoverable = l.lastCommitted
	l.mu.Unlock()
}

// ConfirmUpTo raises LastRecoverable to min(index, LastCommitted). It never
// lowers the watermark.
func (l *Log) ConfirmUpTo(index int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index > l.lastCommitted {
		index = l.lastCommitted
	}
	if index > l.lastRecoverable {
		l.lastRecoverable = index
	}
}

// RecoverableSlice returns the base index and the entries safe to replay.
// When part of the log is not yet recoverable, that part is discarded.
func (l *Log) RecoverableSlice() (int64, []model.BodyID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	base, out := l.recoverableLocked()
	l.compactLocked()
	return base, out
}

// PeekRecoverable is RecoverableSlice without the compaction side effect.
func (l *Log) PeekRecoverable() (int64, []model.BodyID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recoverableLocked()
}

// Compact discards the entries in (LastRecoverable, LastCommitted]. Later
// appends refill that range from their own base.
func (l *Log) Compact() {
	l.mu.Lock()
	l.compactLocked()
	l.mu.Unlock()
}

// Since returns a copy of the entries with index >= from.
func (l *Log) Since(from int64) []model.BodyID {
	l.mu.Lock()
	defer l.mu.Unlock()
	if from < l.base {
		from = l.base
	}
	if from > l.lastCommitted {
		return nil
	}
	return append([]model.BodyID(nil), l.entries[from-l.base:]...)
}

// Watermarks returns the current bounds of the log.
func (l *Log) Watermarks() Watermarks {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Watermarks{
		Base:            l.base,
		LastCommitted:   l.lastCommitted,
		LastRecoverable: l.lastRecoverable,
		Len:             len(l.entries),
	}
}

func (l *Log) recoverableLocked() (int64, []model.BodyID) {
	if l.lastRecoverable == l.lastCommitted {
		return l.base, append([]model.BodyID(nil), l.entries...)
	}
	n := l.lastRecoverable - l.base + 1
	if n <= 0 {
		return l.base, nil
	}
	return l.base, append([]model.BodyID(nil), l.entries[:n]...)
}

func (l *Log) compactLocked() {
	if l.lastRecoverable >= l.lastCommitted {
		return
	}
	keep := l.lastRecoverable - l.base + 1
	if keep < 0 {
		keep = 0
	}
	l.entries = l.entries[:keep]
	l.lastCommitted = l.base + keep - 1
}
