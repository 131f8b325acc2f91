package shard

import (
	"fmt"
	"sync"
	"testing"
)

func TestSetGetDelete(t *testing.T) {
	m := New[string, int](4)
	m.Set("a", 1)
	if v, ok := m.Get("a"); !ok || v != 1 {
		t.Fatalf("Get(a) = %d, %v", v, ok)
	}
	if v, ok := m.Delete("a"); !ok || v != 1 {
		t.Fatalf("Delete(a) = %d, %v", v, ok)
	}
	if _, ok := m.Get("a"); ok {
		t.Fatal("a still present after delete")
	}
}

func TestGetOrCreateOnce(t *testing.T) {
	m := New[string, *int](0)
	var created int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.GetOrCreate("k", func() *int {
				mu.Lock()
				created++
				mu.Unlock()
				return new(int)
			})
		}()
	}
	wg.Wait()
	if created != 1 {
		t.Fatalf("constructor ran %d times, want 1", created)
	}
}

func TestLenAndRange(t *testing.T) {
	m := New[string, int](8)
	for i := 0; i < 100; i++ {
		m.Set(fmt.Sprintf("k%d", i), i)
	}
	if m.Len() != 100 {
		t.Fatalf("Len = %d, want 100", m.Len())
	}
	sum := 0
	m.Range(func(_ string, v int) bool {
		sum += v
		return true
	})
	if sum != 4950 {
		t.Fatalf("sum over Range = %d, want 4950", sum)
	}

	visited := 0
	m.Range(func(string, int) bool {
		visited++
		return false
	})
	if visited != 1 {
		t.Fatalf("Range should stop after false, visited %d", visited)
	}
}

func TestRangeMayMutate(t *testing.T) {
	m := New[string, int](2)
	m.Set("a", 1)
	m.Set("b", 2)
	m.Range(func(k string, _ int) bool {
		m.Delete(k)
		return true
	})
	if m.Len() != 0 {
		t.Fatalf("Len after deleting in Range = %d", m.Len())
	}
}
