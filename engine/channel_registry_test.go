package engine

import "testing"

func TestChannelRegistryInsertGetRemove(t *testing.T) {
	t.Parallel()
	r := NewChannelRegistry()
	w, _ := newTestChannelWorker(t)

	if _, ok := r.Get("alpha"); ok {
		t.Fatal("expected no channel registered yet")
	}

	r.Insert("alpha", w)
	got, ok := r.Get("alpha")
	if !ok || got != w {
		t.Fatal("expected to retrieve the inserted channel worker")
	}

	r.Remove("alpha")
	if _, ok := r.Get("alpha"); ok {
		t.Fatal("expected channel to be gone after Remove")
	}
}

func TestChannelRegistryNamesNoDuplicates(t *testing.T) {
	t.Parallel()
	r := NewChannelRegistry()
	a, _ := newTestChannelWorker(t)
	r.Insert("alpha", a)
	r.Insert("alpha", a) // re-insert under the same name must not duplicate

	names := r.Names()
	if len(names) != 1 {
		t.Fatalf("received: %d names but expected: %d", len(names), 1)
	}
}

func TestChannelRegistryAccessIsExclusive(t *testing.T) {
	t.Parallel()
	r := NewChannelRegistry()
	a, _ := newTestChannelWorker(t)
	r.Insert("alpha", a)

	channels, release := r.Access()
	if len(channels) != 1 {
		t.Fatalf("received: %d but expected: %d", len(channels), 1)
	}
	if r.mu.TryLock() {
		r.mu.Unlock()
		t.Fatal("expected Access to hold the registry lock until release is called")
	}
	release()
}
