package presence

import "testing"

type stubChannel struct {
	id     string
	events []string
}

func (c *stubChannel) ChannelID() string { return c.id }

func (c *stubChannel) Send(event string, data any) bool {
	c.events = append(c.events, event)
	return true
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()

	if _, ok := r.Lookup("alice"); ok {
		t.Fatal("lookup on empty registry returned a channel")
	}

	ch := &stubChannel{id: "ch-1"}
	if replaced := r.Register("alice", ch); replaced != nil {
		t.Fatalf("first registration replaced %v", replaced)
	}

	got, ok := r.Lookup("alice")
	if !ok || got.ChannelID() != "ch-1" {
		t.Fatalf("Lookup = %v, %v", got, ok)
	}
	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1", r.Count())
	}
}

func TestRegisterLastWriterWins(t *testing.T) {
	r := NewRegistry()
	old := &stubChannel{id: "ch-1"}
	r.Register("alice", old)

	replaced := r.Register("alice", &stubChannel{id: "ch-2"})
	if replaced == nil || replaced.ChannelID() != "ch-1" {
		t.Fatalf("replaced = %v, want ch-1", replaced)
	}

	got, _ := r.Lookup("alice")
	if got.ChannelID() != "ch-2" {
		t.Fatalf("current channel = %s, want ch-2", got.ChannelID())
	}
	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1", r.Count())
	}
}

func TestUnregisterGuardedByChannelID(t *testing.T) {
	r := NewRegistry()
	r.Register("alice", &stubChannel{id: "ch-1"})
	r.Register("alice", &stubChannel{id: "ch-2"})

	// The old connection's teardown must not evict its replacement.
	if r.Unregister("alice", "ch-1") {
		t.Fatal("stale channel removed the replacement entry")
	}
	if _, ok := r.Lookup("alice"); !ok {
		t.Fatal("replacement entry gone")
	}

	if !r.Unregister("alice", "ch-2") {
		t.Fatal("owning channel failed to unregister")
	}
	if _, ok := r.Lookup("alice"); ok {
		t.Fatal("entry still present after unregister")
	}
	if r.Unregister("alice", "ch-2") {
		t.Fatal("second unregister reported removal")
	}
}
