package tagger

import (
	"github.com/daviddao/ftcic/pkg/clock"
	"github.com/daviddao/ftcic/pkg/model"
)

// Blocker is one vector clock entry not yet covered by a checkpoint.
type Blocker struct {
	Body         model.BodyID `json:"body"`
	Needed       int64        `json:"needed"`
	Checkpointed int64        `json:"checkpointed"`
}

// ReleaseStatus is the result of an output commit check.
type ReleaseStatus struct {
	Releasable bool      `json:"releasable"`
	BlockedBy  []Blocker `json:"blocked_by,omitempty"`
}

// Release checks a vector clock against the last checkpointed index of
// each body. A body absent from watermarks counts as checkpointed at 0.
// BlockedBy is sorted by body.
func Release(vc clock.Vector, watermarks map[model.BodyID]int64) ReleaseStatus {
	status := ReleaseStatus{Releasable: true}
	for _, id := range vc.IDs() {
		need := vc[id]
		have := watermarks[id]
		if need > have {
			status.Releasable = false
			status.BlockedBy = append(status.BlockedBy, Blocker{Body: id, Needed: need, Checkpointed: have})
		}
	}
	return status
}

// CanRelease implements the output commit rule for a tagged reply. Replies
// without a vector clock depend on nothing and are always releasable.
func CanRelease(m Tagged, watermarks map[model.BodyID]int64) bool {
	if m.Info == nil {
		return true
	}
	return Release(m.Info.VectorClock, watermarks).Releasable
}
