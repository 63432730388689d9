package stream

import "testing"

func newBareSession(t *testing.T) *Session {
	t.Helper()
	s, err := NewSession(Config{AppKey: "k", WSURL: "ws://unused"})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func TestSessionRegistryHandles(t *testing.T) {
	r := NewSessionRegistry()
	a := newBareSession(t)
	b := newBareSession(t)

	ha := r.Add(a)
	hb := r.Add(b)
	if ha == 0 || hb == 0 || ha == hb {
		t.Fatalf("handles = %d, %d", ha, hb)
	}
	if r.Add(a) != ha {
		t.Fatal("re-adding a session must keep its handle")
	}
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}

	got, ok := r.Get(ha)
	if !ok || got != a {
		t.Fatalf("Get(%d) = %v, %v", ha, got, ok)
	}

	if err := r.Remove(a); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := r.Get(ha); ok {
		t.Fatal("removed session still resolvable")
	}
	if err := r.Remove(a); err != ErrUnknownSession {
		t.Fatalf("second Remove = %v, want ErrUnknownSession", err)
	}
}

func TestSessionRegistryConnIDs(t *testing.T) {
	r := NewSessionRegistry()
	if a, b := r.NextConnID(), r.NextConnID(); a == b {
		t.Fatalf("connection ids not unique: %d", a)
	}
}

func TestStreamRegistrationErrors(t *testing.T) {
	s := newBareSession(t)
	sub, err := NewSubscription(s, "EUR=", SubscriptionConfig{})
	if err != nil {
		t.Fatalf("NewSubscription: %v", err)
	}
	if sub.ID() == 0 {
		t.Fatal("registration did not assign a stream id")
	}
	if got := s.lookupStream(sub.ID()); got != sub {
		t.Fatalf("lookupStream = %v", got)
	}

	if err := s.registerStream(sub); err != ErrAlreadyRegistered {
		t.Fatalf("double register = %v, want ErrAlreadyRegistered", err)
	}
	if err := s.unregisterStream(sub); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if sub.ID() != 0 {
		t.Fatal("unregister did not clear the stream id")
	}
	if err := s.unregisterStream(sub); err != ErrNotRegistered {
		t.Fatalf("second unregister = %v, want ErrNotRegistered", err)
	}
	if got := s.lookupStream(99); got != nil {
		t.Fatalf("lookup of unknown id = %v, want nil", got)
	}
}

func TestStreamIDsNeverReused(t *testing.T) {
	s := newBareSession(t)
	seen := make(map[int64]bool)
	for i := 0; i < 5; i++ {
		sub, err := NewSubscription(s, "EUR=", SubscriptionConfig{})
		if err != nil {
			t.Fatalf("NewSubscription: %v", err)
		}
		id := sub.ID()
		if seen[id] {
			t.Fatalf("stream id %d reused", id)
		}
		seen[id] = true
		if err := s.unregisterStream(sub); err != nil {
			t.Fatalf("unregister: %v", err)
		}
	}
}
