// Package tagger stamps and interprets the protocol metadata carried by
// every request and reply exchanged between fault-tolerant bodies.
//
// On send, a message is tagged with the sender's checkpoint index, history
// index, incarnation and last recovery index. On receipt it is classified:
//
//	FRESH   deliver normally
//	ORPHAN  depends on state a recovery rolled back; drop it silently
//	RESEND  sent by a newer incarnation than the receiver, which has not
//	        finished recovering yet; the sender retries later
//
// Replies leaving the fault-tolerant domain also carry a vector clock; they
// are held back until every body they depend on has checkpointed past the
// matching entry (the output commit rule, see ReleaseStatus).
package tagger

import (
	"github.com/daviddao/ftcic/pkg/clock"
	"github.com/daviddao/ftcic/pkg/model"
)

// NoOrphan is the OrphanFor value of a message that is not orphan for any
// checkpoint.
const NoOrphan int64 = -1

// MessageInfo is the metadata attached to a message.
type MessageInfo struct {
	CheckpointIndex int64             `json:"checkpoint_index"`
	HistoryIndex    int64             `json:"history_index"`
	Incarnation     model.Incarnation `json:"incarnation"`
	LastRecovery    int64             `json:"last_recovery"`

	// OrphanFor is set on delivery: the message becomes an orphan for every
	// checkpoint of the receiver with index >= OrphanFor.
	OrphanFor int64 `json:"orphan_for"`

	// FromHalfBody marks messages from senders that are not running bodies
	// (e.g. external clients). They carry no protocol meaning.
	FromHalfBody bool `json:"from_half_body,omitempty"`

	VectorClock clock.Vector `json:"vector_clock,omitempty"`
}

// Tagged is a message together with its metadata. Info is nil for
// messages from outside the protocol.
type Tagged struct {
	Message model.MessageRef `json:"message"`
	Info    *MessageInfo     `json:"info,omitempty"`
}

// BodyState is the protocol view of a running body needed to tag and
// classify messages.
type BodyState struct {
	ID              model.BodyID
	CheckpointIndex int64
	HistoryIndex    int64
	Incarnation     model.Incarnation

	// LastRecovery is the checkpoint index the body last recovered to, or
	// zero if it never recovered.
	LastRecovery int64

	// Clock is the body's vector clock; only read when tagging replies
	// that leave the domain.
	Clock clock.Vector
}

// Verdict is the outcome of Classify.
type Verdict int

const (
	Fresh Verdict = iota
	Orphan
	Resend
)

func (v Verdict) String() string {
	switch v {
	case Fresh:
		return "FRESH"
	case Orphan:
		return "ORPHAN"
	case Resend:
		return "RESEND"
	default:
		return "UNKNOWN"
	}
}

// TagOutgoing stamps msg with the sender's current protocol state. When
// leavesDomain is set, a snapshot of the sender's vector clock is attached
// for the output commit rule.
func TagOutgoing(msg model.MessageRef, sender BodyState, leavesDomain bool) Tagged {
	info := &MessageInfo{
		CheckpointIndex: sender.CheckpointIndex,
		HistoryIndex:    sender.HistoryIndex,
		Incarnation:     sender.Incarnation,
		LastRecovery:    sender.LastRecovery,
		OrphanFor:       NoOrphan,
	}
	if leavesDomain {
		info.VectorClock = sender.Clock.Clone()
	}
	return Tagged{Message: msg, Info: info}
}

// Classify decides whether the receiver may deliver m.
func Classify(m Tagged, receiver BodyState) Verdict {
	mi := m.Info
	if mi == nil || mi.FromHalfBody {
		return Fresh
	}
	switch {
	case mi.Incarnation > receiver.Incarnation:
		return Resend
	case mi.Incarnation < receiver.Incarnation:
		return Orphan
	}
	// The sender has not seen the receiver's last recovery yet claims
	// progress past it: that progress was rolled back.
	if receiver.LastRecovery > 0 && mi.LastRecovery < receiver.LastRecovery && mi.CheckpointIndex > receiver.LastRecovery {
		return Orphan
	}
	return Fresh
}

// MarkDelivered records the delivery of a FRESH message. It reports whether
// the receiver is forced to checkpoint (the sender is ahead), and in that
// case marks the message orphan for the checkpoint that catches up.
func MarkDelivered(m Tagged, receiver BodyState) (forceCheckpoint bool) {
	mi := m.Info
	if mi == nil || mi.FromHalfBody {
		return false
	}
	if mi.CheckpointIndex > receiver.CheckpointIndex {
		mi.OrphanFor = mi.CheckpointIndex
		return true
	}
	return false
}

// OrphanAt reports whether a queued message is orphan for the checkpoint
// with the given index; such messages are replaced by placeholders when
// the checkpoint is taken.
func OrphanAt(m Tagged, checkpointIndex int64) bool {
	if m.Info == nil || m.Info.OrphanFor == NoOrphan {
		return false
	}
	return m.Info.OrphanFor <= checkpointIndex
}
