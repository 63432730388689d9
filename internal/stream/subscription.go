package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Handlers are the behavior hooks of a subscription. All hooks run on
// the session dispatch goroutine; a nil hook is skipped. Hooks may
// close their own subscription.
type Handlers struct {
	// Refresh receives every image for the item.
	Refresh func(sub *Subscription, msg *Message)

	// Update receives incremental changes while the stream is open.
	Update func(sub *Subscription, msg *Message)

	// Status receives stream status transitions.
	Status func(sub *Subscription, st Status)

	// Complete fires once the image is complete.
	Complete func(sub *Subscription)

	// Error receives invalid-request errors for this stream.
	Error func(sub *Subscription, msg *Message)
}

// SubscriptionConfig carries per-item settings.
type SubscriptionConfig struct {
	// Domain defaults to MarketPrice.
	Domain string

	// Service selects the providing service; empty uses the server
	// default.
	Service string

	// Fields restricts the view. Empty requests all fields.
	Fields []string

	// Snapshot requests a single image instead of a streaming
	// subscription.
	Snapshot bool

	Handlers Handlers
}

// Status is a point-in-time view of a subscription.
type Status struct {
	State   State
	Code    string
	Message string
}

// Subscription is one item stream on a session. It is registered at
// construction and keeps its identity across close and re-open,
// although the stream ID changes with every registration.
type Subscription struct {
	sess *Session
	name string
	cfg  SubscriptionConfig

	// id is owned by the session's stream table. Zero means
	// unregistered.
	id atomic.Int64

	resp *gate

	mu      sync.Mutex
	state   State
	code    string
	message string
}

// NewSubscription builds a closed subscription and registers it with
// the session.
func NewSubscription(sess *Session, name string, cfg SubscriptionConfig) (*Subscription, error) {
	if name == "" {
		return nil, ErrNameRequired
	}
	if cfg.Domain == "" {
		cfg.Domain = DomainMarketPrice
	}
	sub := &Subscription{
		sess:  sess,
		name:  name,
		cfg:   cfg,
		resp:  newGate(),
		state: Closed,
	}
	if err := sess.registerStream(sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Name returns the instrument name.
func (s *Subscription) Name() string { return s.name }

// ID returns the current stream ID, zero when unregistered.
func (s *Subscription) ID() int64 { return s.id.Load() }

// State returns the subscription lifecycle state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns the subscription state together with the last stream
// code and text seen from the server.
func (s *Subscription) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{State: s.state, Code: s.code, Message: s.message}
}

// Open sends the subscribe request and blocks until the server's first
// response for the stream or ctx ends. Opening an open or pending
// subscription is a no-op. The session must be open; the websocket is
// brought up on demand.
func (s *Subscription) Open(ctx context.Context) (State, error) {
	s.mu.Lock()
	if s.state == Open || s.state == Pending {
		st := s.state
		s.mu.Unlock()
		return st, nil
	}
	s.mu.Unlock()

	if s.sess.State() != Open {
		return Closed, ErrSessionClosed
	}
	if s.id.Load() == 0 {
		if err := s.sess.registerStream(s); err != nil {
			return Closed, err
		}
	}

	s.mu.Lock()
	s.state = Pending
	s.code = ""
	s.message = ""
	s.mu.Unlock()
	s.resp.arm()

	if !s.sess.waitForStreaming(ctx) {
		s.mu.Lock()
		s.state = Closed
		s.mu.Unlock()
		if err := ctx.Err(); err != nil {
			return Closed, err
		}
		return Closed, fmt.Errorf("open %s: %w", s.name, ErrNotConnected)
	}

	req := subscribeRequest{
		ID:        s.id.Load(),
		Domain:    s.cfg.Domain,
		Key:       subscribeKey{Name: s.name, Service: s.cfg.Service},
		Streaming: !s.cfg.Snapshot,
		View:      s.cfg.Fields,
	}
	if err := s.sess.send(req); err != nil {
		s.mu.Lock()
		s.state = Closed
		s.mu.Unlock()
		return Closed, fmt.Errorf("subscribe %s: %w", s.name, err)
	}

	select {
	case <-s.resp.wait():
	case <-ctx.Done():
		s.mu.Lock()
		s.state = Closed
		s.mu.Unlock()
		return Closed, ctx.Err()
	}
	return s.State(), nil
}

// Close sends a close for the stream when it is open and returns the
// subscription to Closed. The registration survives so the
// subscription can be opened again.
func (s *Subscription) Close() State {
	s.mu.Lock()
	wasOpen := s.state == Open
	s.state = Closed
	s.code = streamStateClosed
	s.message = ""
	s.mu.Unlock()

	if wasOpen {
		if err := s.sess.send(closeRequest{ID: s.id.Load(), Type: typeClose}); err != nil {
			s.sess.logger.Debug("close stream", "stream_id", s.id.Load(), "error", err)
		}
	}
	s.resp.release()
	return Closed
}

// disconnected closes the stream after the websocket went down.
// Pending openers are unblocked.
func (s *Subscription) disconnected() {
	s.mu.Lock()
	if s.state != Closed {
		s.state = Closed
		s.code = streamStateClosed
		s.message = "stream disconnected"
	}
	s.mu.Unlock()
	s.resp.release()
}

// release is called by the session when it shuts down. The stream ID
// is already surrendered; pending opens are unblocked.
func (s *Subscription) release() {
	s.mu.Lock()
	s.state = Closed
	s.code = streamStateClosed
	s.message = ""
	s.mu.Unlock()
	s.resp.release()
}

// handleRefresh applies an image. The first refresh moves a pending
// subscription to Open and unblocks its opener.
func (s *Subscription) handleRefresh(m *Message) {
	s.mu.Lock()
	if st := m.State; st != nil {
		s.code = st.Stream
		s.message = st.Text
	}
	if s.state == Pending {
		s.state = Open
	}
	closed := s.state == Closed
	s.mu.Unlock()

	if !closed {
		if cb := s.cfg.Handlers.Refresh; cb != nil {
			s.invoke("refresh", func() { cb(s, m) })
		}
		if m.isComplete() {
			s.handleComplete()
		}
	}
	s.resp.release()
}

func (s *Subscription) handleComplete() {
	s.mu.Lock()
	closed := s.state == Closed
	s.mu.Unlock()
	if closed {
		return
	}
	if cb := s.cfg.Handlers.Complete; cb != nil {
		s.invoke("complete", func() { cb(s) })
	}
}

// handleUpdate applies an incremental change. Updates for streams that
// are not open are dropped.
func (s *Subscription) handleUpdate(m *Message) {
	s.mu.Lock()
	open := s.state == Open
	s.mu.Unlock()
	if !open {
		return
	}
	if cb := s.cfg.Handlers.Update; cb != nil {
		s.invoke("update", func() { cb(s, m) })
	}
}

// handleStatus applies a stream status. Terminal stream states close
// the subscription; any status unblocks a pending opener.
func (s *Subscription) handleStatus(m *Message) {
	s.mu.Lock()
	if st := m.State; st != nil {
		s.code = st.Stream
		s.message = st.Text
		switch st.Stream {
		case streamStateClosed, streamStateClosedRecover, streamStateNonStreaming, streamStateRedirect:
			s.state = Closed
			if st.Code != "" {
				s.code = st.Code
			}
		}
	}
	status := Status{State: s.state, Code: s.code, Message: s.message}
	s.mu.Unlock()

	if cb := s.cfg.Handlers.Status; cb != nil {
		s.invoke("status", func() { cb(s, status) })
	}
	s.resp.release()
}

// handleError records an invalid-request error and closes the stream.
func (s *Subscription) handleError(m *Message) {
	s.mu.Lock()
	s.state = Closed
	s.code = typeError
	s.message = m.Text
	s.mu.Unlock()

	if cb := s.cfg.Handlers.Error; cb != nil {
		s.invoke("error", func() { cb(s, m) })
	}
	s.resp.release()
}

// invoke runs one hook, suppressing and logging panics so a bad
// callback cannot kill the dispatch goroutine.
func (s *Subscription) invoke(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.sess.logger.Error("subscription callback panic",
				"callback", name, "name", s.name, "stream_id", s.id.Load(), "panic", r)
		}
	}()
	fn()
}
