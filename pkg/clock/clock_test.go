package clock

import (
	"testing"

	"github.com/daviddao/ftcic/pkg/model"
)

func TestTickMonotonicallyIncreases(t *testing.T) {
	v := New()
	prev := v.Get("a")
	for i := 0; i < 100; i++ {
		n := v.Tick("a")
		if n <= prev {
			t.Fatalf("Tick %d: got %d, want > %d", i, n, prev)
		}
		prev = n
	}
}

func TestGetMissingIsZero(t *testing.T) {
	v := New()
	if n := v.Get("nobody"); n != 0 {
		t.Fatalf("missing entry: got %d, want 0", n)
	}
}

func TestObserveKeepsMax(t *testing.T) {
	v := New()
	if n := v.Observe("a", 5); n != 5 {
		t.Fatalf("Observe(5) from 0: got %d, want 5", n)
	}
	if n := v.Observe("a", 3); n != 5 {
		t.Fatalf("Observe(3) from 5: got %d, want 5", n)
	}
}

func TestMergeEntrywiseMax(t *testing.T) {
	v := Vector{"a": 4, "b": 1}
	v.Merge(Vector{"a": 2, "b": 7, "c": 3})

	want := Vector{"a": 4, "b": 7, "c": 3}
	for id, n := range want {
		if v.Get(id) != n {
			t.Fatalf("after merge %s = %d, want %d", id, v.Get(id), n)
		}
	}
}

func TestCloneIsIndependent(t *testing.T) {
	v := Vector{"a": 1}
	c := v.Clone()
	c.Tick("a")
	if v.Get("a") != 1 {
		t.Fatal("mutating the clone changed the original")
	}
	if Vector(nil).Clone() != nil {
		t.Fatal("clone of nil should be nil")
	}
}

func TestLessEq(t *testing.T) {
	tests := []struct {
		name  string
		v, to Vector
		want  bool
	}{
		{"empty", Vector{}, Vector{}, true},
		{"equal", Vector{"a": 2}, Vector{"a": 2}, true},
		{"below", Vector{"a": 1}, Vector{"a": 2, "b": 9}, true},
		{"above", Vector{"a": 3}, Vector{"a": 2}, false},
		{"missing on right", Vector{"b": 1}, Vector{"a": 5}, false},
		{"zero entry missing on right", Vector{"b": 0}, Vector{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.v.LessEq(tt.to); got != tt.want {
				t.Fatalf("%v.LessEq(%v) = %v, want %v", tt.v, tt.to, got, tt.want)
			}
		})
	}
}

func TestIDsSorted(t *testing.T) {
	v := Vector{"c": 1, "a": 1, "b": 1}
	ids := v.IDs()
	want := []model.BodyID{"a", "b", "c"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("IDs() = %v, want %v", ids, want)
		}
	}
}
