package tagger

import (
	"testing"

	"github.com/daviddao/ftcic/pkg/clock"
	"github.com/daviddao/ftcic/pkg/model"
)

func body(id model.BodyID, ckpt int64, inc model.Incarnation) BodyState {
	return BodyState{ID: id, CheckpointIndex: ckpt, HistoryIndex: ckpt, Incarnation: inc}
}

func TestTagOutgoing(t *testing.T) {
	s := body("a", 3, 2)
	s.LastRecovery = 2
	s.Clock = clock.Vector{"a": 7, "b": 1}

	m := TagOutgoing(model.MessageRef{ID: "m1", Source: "a", Target: "b"}, s, false)
	if m.Info.CheckpointIndex != 3 || m.Info.Incarnation != 2 || m.Info.LastRecovery != 2 {
		t.Fatalf("info = %+v", m.Info)
	}
	if m.Info.OrphanFor != NoOrphan {
		t.Fatalf("fresh tag should not be orphan, got %d", m.Info.OrphanFor)
	}
	if m.Info.VectorClock != nil {
		t.Fatal("internal messages carry no vector clock")
	}

	out := TagOutgoing(model.MessageRef{ID: "r1"}, s, true)
	s.Clock.Tick("a")
	if out.Info.VectorClock["a"] != 7 {
		t.Fatalf("vector clock not snapshotted: %v", out.Info.VectorClock)
	}
}

func TestClassify(t *testing.T) {
	recovered := body("b", 5, 2)
	recovered.LastRecovery = 5

	tests := []struct {
		name     string
		sender   BodyState
		half     bool
		receiver BodyState
		want     Verdict
	}{
		{"same incarnation", body("a", 1, 1), false, body("b", 1, 1), Fresh},
		{"older incarnation", body("a", 1, 1), false, body("b", 1, 2), Orphan},
		{"older incarnation with high index", body("a", 99, 1), false, body("b", 1, 2), Orphan},
		{"newer incarnation", body("a", 1, 3), false, body("b", 1, 2), Resend},
		{"half body never orphan", body("a", 1, 1), true, body("b", 1, 2), Fresh},
		{"past the recovery point", body("a", 7, 2), false, recovered, Orphan},
		{"at the recovery point", body("a", 5, 2), false, recovered, Fresh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := TagOutgoing(model.MessageRef{ID: "m"}, tt.sender, false)
			m.Info.FromHalfBody = tt.half
			if got := Classify(m, tt.receiver); got != tt.want {
				t.Fatalf("Classify = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassify_SenderAwareOfRecovery(t *testing.T) {
	receiver := body("b", 5, 2)
	receiver.LastRecovery = 5
	sender := body("a", 9, 2)
	sender.LastRecovery = 5
	m := TagOutgoing(model.MessageRef{ID: "m"}, sender, false)
	if got := Classify(m, receiver); got != Fresh {
		t.Fatalf("progress made after the recovery should be fresh, got %v", got)
	}
}

func TestClassify_UntaggedIsFresh(t *testing.T) {
	if got := Classify(Tagged{Message: model.MessageRef{ID: "x"}}, body("b", 1, 4)); got != Fresh {
		t.Fatalf("untagged message = %v, want FRESH", got)
	}
}

func TestMarkDeliveredForcesCheckpoint(t *testing.T) {
	m := TagOutgoing(model.MessageRef{ID: "m"}, body("a", 4, 1), false)
	if !MarkDelivered(m, body("b", 2, 1)) {
		t.Fatal("receiver behind sender must be forced to checkpoint")
	}
	if m.Info.OrphanFor != 4 {
		t.Fatalf("OrphanFor = %d, want 4", m.Info.OrphanFor)
	}
	if OrphanAt(m, 3) {
		t.Fatal("not orphan for checkpoint 3")
	}
	if !OrphanAt(m, 4) {
		t.Fatal("orphan for checkpoint 4")
	}

	m2 := TagOutgoing(model.MessageRef{ID: "m2"}, body("a", 2, 1), false)
	if MarkDelivered(m2, body("b", 2, 1)) || OrphanAt(m2, 100) {
		t.Fatal("message at the receiver's index must not force a checkpoint")
	}
}
