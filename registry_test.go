package edk

import "testing"

func TestRegistry_PutGetRemove(t *testing.T) {
	r := NewRegistry()
	pid := NewProcessId()

	if _, ok := r.Get(pid); ok {
		t.Fatal("Get on empty registry found an entry")
	}

	ta, _ := newMemTransportPair()
	rc := NewRoutedChannel(ta)

	r.Put(pid, rc)
	got, ok := r.Get(pid)
	if !ok || got != rc {
		t.Fatalf("Get after Put: got (%v, %v), want (%v, true)", got, ok, rc)
	}
	if n := r.Len(); n != 1 {
		t.Fatalf("Len: got %d, want 1", n)
	}

	r.Remove(pid, rc)
	if _, ok := r.Get(pid); ok {
		t.Fatal("Get after Remove still found an entry")
	}
	if n := r.Len(); n != 0 {
		t.Fatalf("Len after Remove: got %d, want 0", n)
	}
}

// Remove is a no-op when pid has already been reassigned to a different
// channel, so a stale destruct callback never clobbers a fresher entry.
func TestRegistry_RemoveNoopOnReassignedEntry(t *testing.T) {
	r := NewRegistry()
	pid := NewProcessId()

	ta, _ := newMemTransportPair()
	tb, _ := newMemTransportPair()
	first := NewRoutedChannel(ta)
	second := NewRoutedChannel(tb)

	r.Put(pid, first)
	r.Put(pid, second)

	r.Remove(pid, first)

	got, ok := r.Get(pid)
	if !ok || got != second {
		t.Fatalf("Remove(stale) dropped the current entry: got (%v, %v), want (%v, true)", got, ok, second)
	}
}

func TestRegistry_Snapshot(t *testing.T) {
	r := NewRegistry()
	pidA, pidB := NewProcessId(), NewProcessId()

	ta, _ := newMemTransportPair()
	tb, _ := newMemTransportPair()
	r.Put(pidA, NewRoutedChannel(ta))
	r.Put(pidB, NewRoutedChannel(tb))

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot length: got %d, want 2", len(snap))
	}
	seen := map[ProcessId]bool{}
	for _, pid := range snap {
		seen[pid] = true
	}
	if !seen[pidA] || !seen[pidB] {
		t.Fatalf("Snapshot missing an entry: got %v", snap)
	}
}
