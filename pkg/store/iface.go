// iface.go defines the Backend interface the checkpoint store persists to.
//
// MemBackend keeps checkpoints in process memory; SQLiteBackend writes them
// to a WAL-mode SQLite file. Both enforce per-body index ordering on their
// own, so a Backend shared by two Stores still never goes backwards.
package store

import (
	"context"

	"github.com/daviddao/ftcic/pkg/model"
)

// Backend is durable checkpoint storage keyed by (body, index).
type Backend interface {
	// Append stores ckpt. It fails with fterr.OrderingError if ckpt.Index
	// is not greater than the latest index stored for the body.
	Append(ctx context.Context, ckpt model.Checkpoint) error

	// Latest returns the highest-index checkpoint of a body, or
	// fterr.NotFound.
	Latest(ctx context.Context, id model.BodyID) (model.Checkpoint, error)

	// Get returns one checkpoint, or fterr.NotFound.
	Get(ctx context.Context, id model.BodyID, index int64) (model.Checkpoint, error)

	// Indices lists the stored indices of a body in ascending order.
	Indices(ctx context.Context, id model.BodyID) ([]int64, error)

	// Bodies lists every body with at least one checkpoint.
	Bodies(ctx context.Context) ([]model.BodyID, error)

	// Delete removes the given indices. Missing indices are ignored.
	Delete(ctx context.Context, id model.BodyID, indices []int64) error

	// Close releases the backend.
	Close() error
}

// Compile-time checks.
var (
	_ Backend = (*MemBackend)(nil)
	_ Backend = (*SQLiteBackend)(nil)
)
