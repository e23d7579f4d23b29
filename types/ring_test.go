package types

import "testing"

func TestRingEviction(t *testing.T) {
	t.Parallel()

	r := NewRing[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}

	if r.Len() != 3 {
		t.Fatalf("len = %d, want 3", r.Len())
	}

	items := r.Items()
	want := []int{3, 4, 5}
	for i, v := range want {
		if items[i] != v {
			t.Fatalf("items = %v, want %v", items, want)
		}
	}

	last, ok := r.Last()
	if !ok || last != 5 {
		t.Fatalf("last = %d, %v; want 5, true", last, ok)
	}
}

func TestRingLastN(t *testing.T) {
	t.Parallel()

	r := NewRing[int](4)
	for i := 1; i <= 6; i++ {
		r.Push(i)
	}

	got := r.LastN(2)
	if len(got) != 2 || got[0] != 5 || got[1] != 6 {
		t.Fatalf("lastN(2) = %v, want [5 6]", got)
	}

	// Asking for more than stored returns everything.
	got = r.LastN(10)
	if len(got) != 4 || got[0] != 3 {
		t.Fatalf("lastN(10) = %v, want [3 4 5 6]", got)
	}
}

func TestRingEmpty(t *testing.T) {
	t.Parallel()

	r := NewRing[string](2)
	if _, ok := r.Last(); ok {
		t.Fatal("last on empty ring reported ok")
	}
	if got := r.Items(); len(got) != 0 {
		t.Fatalf("items on empty ring = %v", got)
	}
}
