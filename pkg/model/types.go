// Package model defines the core domain types for ftcic.
//
// ftcic keeps long-lived active objects ("bodies") alive across machine
// crashes using a communication-induced checkpointing protocol:
//
//   - Every body checkpoints periodically, and is forced to checkpoint
//     whenever it receives a message tagged with a checkpoint index above
//     its own. This keeps the stored checkpoints of all bodies mutually
//     consistent without a global barrier.
//
//   - Every body logs the order in which it received requests (the
//     reception history). After a crash the body is rebuilt from its last
//     checkpoint and the durable slice of that history is replayed.
//
//   - Each recovery starts a new incarnation. Messages from an older
//     incarnation depend on rolled-back state; they are orphans and are
//     dropped by their receivers.
package model

import (
	"time"

	"github.com/google/uuid"
)

// BodyID is the stable identity of a body. It survives recoveries; the
// running instance is named by the (BodyID, Incarnation) pair.
type BodyID string

// NewBodyID returns a fresh random body identity.
func NewBodyID() BodyID { return BodyID(uuid.NewString()) }

func (id BodyID) String() string { return string(id) }

// Incarnation counts the recoveries of a body. A freshly registered body
// runs as incarnation 1.
type Incarnation int64

// FirstIncarnation is the incarnation of a body that never recovered.
const FirstIncarnation Incarnation = 1

// Address is the physical location of a running incarnation, as understood
// by the transport (e.g. "10.0.0.7:9081").
type Address string

// State is the recovery state of a registered body.
type State int

const (
	StateRunning State = iota
	StateRecovering
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// MessageID identifies an in-flight request or reply.
type MessageID string

// MessageRef is a logged outbound message that must be sent again after a
// recovery.
type MessageRef struct {
	ID      MessageID `json:"id"`
	Source  BodyID    `json:"source"`
	Target  BodyID    `json:"target"`
	Method  string    `json:"method,omitempty"`
	Payload []byte    `json:"payload,omitempty"`
}

// ProtocolInfo is the checkpointing protocol bookkeeping stored alongside
// the opaque body state.
type ProtocolInfo struct {
	// CheckpointIndex is the index of the checkpoint this info belongs to.
	CheckpointIndex int64 `json:"checkpoint_index"`

	// RequestsToResend and RepliesToResend are outbound requests not yet
	// acknowledged and replies not yet committed. They are replayed first.
	RequestsToResend []MessageRef `json:"requests_to_resend,omitempty"`
	RepliesToResend  []MessageRef `json:"replies_to_resend,omitempty"`

	// PendingRequest was being served when the checkpoint was taken; it is
	// served first on recovery.
	PendingRequest *MessageRef `json:"pending_request,omitempty"`

	// Requeue lists messages re-appended to the incoming queue on recovery.
	Requeue []MessageID `json:"requeue,omitempty"`

	LastRcvdRequestIndex int64 `json:"last_rcvd_request_index"`
	LastCommittedIndex   int64 `json:"last_committed_index"`

	// HistoryBase is the reception index of History[0].
	HistoryBase int64    `json:"history_base"`
	History     []BodyID `json:"history,omitempty"`
}

// Checkpoint is one durable snapshot of a body. Index is strictly
// increasing per body.
type Checkpoint struct {
	BodyID      BodyID       `json:"body_id"`
	Index       int64        `json:"index"`
	Incarnation Incarnation  `json:"incarnation"`
	State       []byte       `json:"state"`
	Info        ProtocolInfo `json:"info"`
	CreatedAt   time.Time    `json:"created_at"`
}

// HistoryUpdate carries a contiguous range [Base, Last] of reception
// events from a body to the checkpoint store.
type HistoryUpdate struct {
	Owner           BodyID      `json:"owner"`
	Incarnation     Incarnation `json:"incarnation"`
	CheckpointIndex int64       `json:"checkpoint_index"`
	Base            int64       `json:"base"`
	Last            int64       `json:"last"`
	Entries         []BodyID    `json:"entries,omitempty"`
}

// Empty reports whether the update carries no entries.
func (u HistoryUpdate) Empty() bool { return u.Last < u.Base }

// EventKind enumerates the fault-tolerance events broadcast to bodies.
type EventKind string

const (
	EventGlobalStateCompletion EventKind = "global_state_completion"
	EventHeartbeat             EventKind = "heartbeat"
)

// Event is a protocol notification pushed from the server to bodies.
type Event struct {
	Kind  EventKind `json:"kind"`
	Index int64     `json:"index,omitempty"`
	At    time.Time `json:"at"`
}
