package resource

import (
	"context"
	"testing"

	"github.com/daviddao/ftcic/pkg/fterr"
	"github.com/daviddao/ftcic/pkg/model"
)

func TestAllocateEmpty(t *testing.T) {
	_, err := NewPool().Allocate(context.Background())
	if !fterr.NoResourceAvailable.Contains(err) {
		t.Fatalf("expected NoResourceAvailable, got %v", err)
	}
}

func TestAllocateRoundRobin(t *testing.T) {
	p := NewPool("h1", "h2", "h1", "h3")
	if p.Len() != 3 {
		t.Fatalf("Len = %d, want 3 (duplicates ignored)", p.Len())
	}
	var got []model.Address
	for i := 0; i < 5; i++ {
		h, err := p.Allocate(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, h)
	}
	want := []model.Address{"h1", "h2", "h3", "h1", "h2"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("allocation order = %v, want %v", got, want)
		}
	}
}

func TestRemoveKeepsRotation(t *testing.T) {
	p := NewPool("h1", "h2", "h3")
	ctx := context.Background()
	p.Allocate(ctx) // h1
	p.Allocate(ctx) // h2, next is h3

	if !p.Remove("h1") {
		t.Fatal("Remove(h1) = false")
	}
	if h, _ := p.Allocate(ctx); h != "h3" {
		t.Fatalf("after removal got %s, want h3", h)
	}
	if h, _ := p.Allocate(ctx); h != "h2" {
		t.Fatalf("wrap-around got %s, want h2", h)
	}
	if p.Remove("h9") {
		t.Fatal("removing unknown host reported true")
	}
	p.Remove("h2")
	p.Remove("h3")
	if _, err := p.Allocate(ctx); !fterr.NoResourceAvailable.Contains(err) {
		t.Fatalf("expected NoResourceAvailable after removing all, got %v", err)
	}
}
