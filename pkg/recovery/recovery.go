// Package recovery drives the recover-from-checkpoint sequence of failed
// bodies.
//
// Every registered body is RUNNING or RECOVERING. A failure report moves a
// RUNNING body to RECOVERING and queues one recovery job on the body's
// worker queue; reports for a RECOVERING body are absorbed, so at most one
// recovery per body is ever in flight. The job:
//
//  1. fetches the latest checkpoint (fterr.NoCheckpointAvailable if none),
//  2. allocates a host,
//  3. rebuilds the reception history from the checkpoint's embedded
//     history plus the recoverable slice held by the store,
//  4. instantiates incarnation n+1 on the host with communication blocked,
//     replays the history past the checkpoint, then reopens communication,
//  5. installs the rebuilt history and the new incarnation, moves the
//     location and sets the body RUNNING.
//
// Nothing is written before step 5. A failing job leaves the body
// RECOVERING with its error recorded; resubmission is up to the caller.
package recovery

import (
	"context"

	"github.com/inconshreveable/log15"

	"github.com/daviddao/ftcic/pkg/history"
	"github.com/daviddao/ftcic/pkg/model"
	"github.com/daviddao/ftcic/pkg/workqueue"
)

// Handle names an instantiated incarnation.
type Handle struct {
	Body        model.BodyID      `json:"body"`
	Incarnation model.Incarnation `json:"incarnation"`
	Address     model.Address     `json:"address"`
}

// Engine creates and controls incarnations.
type Engine interface {
	// Instantiate restores ckpt as incarnation inc on host. The new
	// incarnation must not process messages until AcceptCommunication.
	Instantiate(ctx context.Context, host model.Address, ckpt model.Checkpoint, inc model.Incarnation) (Handle, error)

	// BlockCommunication holds incoming messages of h.
	BlockCommunication(ctx context.Context, h Handle) error

	// Replay hands h the senders of the requests to serve again, in
	// reception order; entries[0] is reception number from.
	Replay(ctx context.Context, h Handle, from int64, entries []model.BodyID) error

	// AcceptCommunication releases the messages held for h.
	AcceptCommunication(ctx context.Context, h Handle) error
}

// Allocator provides hosts for new incarnations.
type Allocator interface {
	Allocate(ctx context.Context) (model.Address, error)
}

// Checkpoints is the part of the checkpoint store recovery needs.
type Checkpoints interface {
	Latest(ctx context.Context, id model.BodyID) (model.Checkpoint, error)
	History(id model.BodyID) *history.Log
	ReplaceHistory(id model.BodyID, log *history.Log)
	Incarnation(id model.BodyID) model.Incarnation
	SetIncarnation(id model.BodyID, inc model.Incarnation)
}

// Locations is the part of the location service recovery updates.
type Locations interface {
	Update(id model.BodyID, addr model.Address)
	Remove(id model.BodyID) bool
}

// Config configures a Coordinator.
type Config struct {
	// Pool runs recovery jobs. Default: workqueue.NewPool with
	// workqueue.MaxQueues queues.
	Pool *workqueue.Pool

	// OnRecovered is called after a body is back to RUNNING.
	OnRecovered func(id model.BodyID, h Handle)

	// OnError is called when a recovery job fails.
	OnError func(id model.BodyID, err error)

	Log log15.Logger // default: log15.New("module", "recovery")
}

func (c Config) withDefaults() Config {
	if c.Log == nil {
		c.Log = log15.New("module", "recovery")
	}
	if c.Pool == nil {
		c.Pool = workqueue.NewPool(workqueue.Config{Log: c.Log})
	}
	if c.OnRecovered == nil {
		c.OnRecovered = func(model.BodyID, Handle) {}
	}
	if c.OnError == nil {
		c.OnError = func(model.BodyID, error) {}
	}
	return c
}

// Status is a snapshot of a registered body.
type Status struct {
	State       model.State       `json:"state"`
	Incarnation model.Incarnation `json:"incarnation"`
	Queue       int               `json:"queue"`
	Submitted   int               `json:"submitted"`
	Recoveries  int               `json:"recoveries"`
	LastError   string            `json:"last_error,omitempty"`
}
