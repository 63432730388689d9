package stream

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mgirard/deskdata/internal/proxy"
)

// Session defaults.
const (
	defaultDialTimeout   = 10 * time.Second
	defaultWriteTimeout  = 10 * time.Second
	defaultStaleTimeout  = 60 * time.Second
	defaultEventBuffer   = 1024
	defaultApplicationID = "256"
	defaultUserName      = "user"
)

// Config carries session settings. AppKey is mandatory; everything
// else has a default.
type Config struct {
	// AppKey identifies the application to the proxy and on the
	// streaming login.
	AppKey string

	// WSURL overrides the streaming endpoint. When empty the endpoint
	// is discovered through the proxy client.
	WSURL string

	// ApplicationID and Position are the DACS login elements.
	ApplicationID string
	Position      string

	// UserName is the login key name.
	UserName string

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	StaleTimeout time.Duration

	// EventBuffer is the capacity of the per-connection event queue.
	EventBuffer int
}

// EventFunc receives session notifications. Codes are split across two
// channels: authentication and token outcomes go to the state-change
// callback, stream and data-request outcomes to the event callback.
type EventFunc func(s *Session, code EventCode, text string)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithProxy sets the data proxy client used for endpoint discovery and
// data requests.
func WithProxy(p *proxy.Client) Option {
	return func(s *Session) { s.proxy = p }
}

// WithRegistry places the session in a caller-owned registry.
func WithRegistry(r *SessionRegistry) Option {
	return func(s *Session) { s.registry = r }
}

// WithStateFunc sets the state-change callback.
func WithStateFunc(fn EventFunc) Option {
	return func(s *Session) { s.onState = fn }
}

// WithEventFunc sets the event callback.
func WithEventFunc(fn EventFunc) Option {
	return func(s *Session) { s.onEvent = fn }
}

// Session owns the websocket connection to the data proxy, the login
// on it and the table of open subscriptions. All user callbacks run on
// the session's dispatch goroutine, in arrival order, never under a
// transport lock.
type Session struct {
	cfg      Config
	logger   *slog.Logger
	proxy    *proxy.Client
	registry *SessionRegistry

	// handle is assigned by the owning registry and guarded by its
	// lock.
	handle int64

	onState EventFunc
	onEvent EventFunc

	nextID      atomic.Int64
	localConnID atomic.Int64

	mu          sync.Mutex
	state       State
	status      EventCode
	lastCode    EventCode
	lastMessage string
	closing     bool
	wsURL       string

	regMu sync.Mutex
	subs  map[int64]*Subscription

	connMu sync.Mutex
	conn   *Conn

	login *gate
}

// NewSession builds a closed session. Open must be called before any
// subscription can stream.
func NewSession(cfg Config, opts ...Option) (*Session, error) {
	if cfg.AppKey == "" {
		return nil, ErrAppKeyRequired
	}
	if cfg.ApplicationID == "" {
		cfg.ApplicationID = defaultApplicationID
	}
	if cfg.Position == "" {
		cfg.Position = defaultPosition()
	}
	if cfg.UserName == "" {
		cfg.UserName = defaultUserName
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = defaultStaleTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}

	s := &Session{
		cfg:    cfg,
		logger: slog.Default(),
		state:  Closed,
		subs:   make(map[int64]*Subscription),
		login:  newGate(),
		wsURL:  cfg.WSURL,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "session")
	if s.registry != nil {
		handle := s.registry.Add(s)
		s.logger = s.logger.With("session", handle)
	}
	return s, nil
}

// defaultPosition builds the DACS position from the local address.
func defaultPosition() string {
	host, err := os.Hostname()
	if err != nil {
		return "127.0.0.1/net"
	}
	addrs, err := net.LookupHost(host)
	if err != nil || len(addrs) == 0 {
		return "127.0.0.1/net"
	}
	return addrs[0] + "/" + host
}

// State returns the session lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns the last streaming connection event.
func (s *Session) Status() EventCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastEvent returns the last delivered event code and text.
func (s *Session) LastEvent() (EventCode, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCode, s.lastMessage
}

// Handle returns the registry handle, zero when unregistered.
func (s *Session) Handle() int64 {
	s.regLock()
	defer s.regUnlock()
	return s.handle
}

func (s *Session) regLock() {
	if s.registry != nil {
		s.registry.mu.Lock()
	}
}

func (s *Session) regUnlock() {
	if s.registry != nil {
		s.registry.mu.Unlock()
	}
}

// nextCorrelationID allocates a stream ID. IDs are shared between the
// login stream and subscriptions so the server never sees a clash.
func (s *Session) nextCorrelationID() int64 {
	return s.nextID.Add(1)
}

func (s *Session) connID() int64 {
	if s.registry != nil {
		return s.registry.NextConnID()
	}
	return s.localConnID.Add(1)
}

// Open resolves the streaming endpoint and moves the session to Open.
// The websocket itself is dialed lazily by the first subscription.
// Opening an already open session is a no-op.
func (s *Session) Open(ctx context.Context) (State, error) {
	s.mu.Lock()
	if s.state == Open || s.state == Pending {
		st := s.state
		s.mu.Unlock()
		return st, nil
	}
	s.state = Pending
	s.closing = false
	s.mu.Unlock()

	url := s.cfg.WSURL
	if url == "" {
		if s.proxy == nil {
			s.mu.Lock()
			s.state = Closed
			s.mu.Unlock()
			return Closed, ErrNoProxy
		}
		endpoint, err := s.proxy.StreamingURL(ctx)
		if err != nil {
			s.mu.Lock()
			s.state = Closed
			s.mu.Unlock()
			s.deliver(SessionAuthenticationFailed, err.Error())
			return Closed, fmt.Errorf("resolve streaming endpoint: %w", err)
		}
		url = endpoint
	}

	s.mu.Lock()
	s.wsURL = url
	s.state = Open
	s.mu.Unlock()
	s.logger.Info("session opened", "url", url)
	return Open, nil
}

// Close tears down the websocket, closes every registered subscription
// and returns the session to Closed. Closing a closed session is a
// no-op. Subscriptions survive as objects and can be re-opened after
// the session is opened again.
func (s *Session) Close() State {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return Closed
	}
	s.state = Closed
	s.closing = true
	s.mu.Unlock()

	s.stopStreaming()
	s.logger.Info("session closed")
	return Closed
}

func (s *Session) stopStreaming() {
	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()

	if conn != nil {
		conn.shutdown()
		<-conn.stopped
	}

	s.mu.Lock()
	s.status = StreamDisconnected
	s.mu.Unlock()
	s.login.release()
	s.releaseStreams()
}

// releaseStreams force-closes every registered subscription and clears
// the table. Their stream IDs are surrendered; re-opening assigns new
// ones.
func (s *Session) releaseStreams() {
	s.regMu.Lock()
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		sub.id.Store(0)
		subs = append(subs, sub)
	}
	s.subs = make(map[int64]*Subscription)
	s.regMu.Unlock()

	for _, sub := range subs {
		sub.release()
	}
}

// registerStream assigns a stream ID to a subscription and adds it to
// the table.
func (s *Session) registerStream(sub *Subscription) error {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	if sub.id.Load() != 0 {
		return ErrAlreadyRegistered
	}
	id := s.nextCorrelationID()
	sub.id.Store(id)
	s.subs[id] = sub
	return nil
}

// unregisterStream removes a subscription from the table and clears
// its ID.
func (s *Session) unregisterStream(sub *Subscription) error {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	id := sub.id.Load()
	if id == 0 {
		return ErrNotRegistered
	}
	if _, ok := s.subs[id]; !ok {
		return ErrUnknownStream
	}
	delete(s.subs, id)
	sub.id.Store(0)
	return nil
}

func (s *Session) lookupStream(id int64) *Subscription {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	return s.subs[id]
}

// waitForStreaming brings the websocket up if needed and blocks until
// the login settles or ctx ends. It reports whether the stream is
// connected.
func (s *Session) waitForStreaming(ctx context.Context) bool {
	s.connMu.Lock()
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.connMu.Unlock()
		return false
	}
	if s.status != StreamConnected && s.status != StreamPending {
		s.status = StreamPending
		s.login.arm()
	}
	url := s.wsURL
	s.mu.Unlock()

	if s.conn != nil {
		// A connection that already ran and died is not redialed.
		select {
		case <-s.conn.stopped:
			s.connMu.Unlock()
			return false
		default:
		}
	}
	if s.conn == nil {
		conn := newConn(s.connID(), connConfig{
			url:           url,
			appKey:        s.cfg.AppKey,
			applicationID: s.cfg.ApplicationID,
			position:      s.cfg.Position,
			userName:      s.cfg.UserName,
			dialTimeout:   s.cfg.DialTimeout,
			writeTimeout:  s.cfg.WriteTimeout,
			staleTimeout:  s.cfg.StaleTimeout,
			eventBuffer:   s.cfg.EventBuffer,
		}, s.nextCorrelationID, s.logger)
		s.conn = conn
		go conn.run()
		go s.dispatchLoop(conn)
	}
	conn := s.conn
	s.connMu.Unlock()

	conn.requestStart()
	select {
	case <-s.login.wait():
	case <-ctx.Done():
		return false
	}
	return s.Status() == StreamConnected
}

// send forwards a frame to the current connection. Frames sent without
// a connection are dropped.
func (s *Session) send(v any) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}
	return conn.send(v)
}

// RefreshToken re-issues the streaming login with a new token.
// A send failure is reported on the state-change callback.
func (s *Session) RefreshToken(token string) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		s.deliver(TokenRefreshFailed, ErrNotConnected.Error())
		return ErrNotConnected
	}
	if err := conn.refreshToken(token); err != nil {
		s.deliver(TokenRefreshFailed, err.Error())
		return err
	}
	return nil
}

// SendRequest forwards a data request to the proxy and reports the
// outcome on the event callback.
func (s *Session) SendRequest(ctx context.Context, entity string, payload any) ([]byte, error) {
	if s.proxy == nil {
		return nil, ErrNoProxy
	}
	res, err := s.proxy.SendRequest(ctx, entity, payload)
	if err != nil {
		s.deliver(DataRequestFailed, err.Error())
		return nil, err
	}
	s.deliver(DataRequestOk, entity)
	return res, nil
}

// dispatchLoop is the session dispatch goroutine for one connection.
// It drains the connection's event queue and ends when the queue is
// closed.
func (s *Session) dispatchLoop(c *Conn) {
	for ev := range c.out {
		switch ev.kind {
		case evConnEvent:
			s.handleConnEvent(c, ev)
		case evRefresh:
			if sub := s.lookupStream(ev.id); sub != nil {
				sub.handleRefresh(ev.msg)
			} else {
				s.logger.Warn("refresh for unknown stream", "stream_id", ev.id)
			}
		case evUpdate:
			if sub := s.lookupStream(ev.id); sub != nil {
				sub.handleUpdate(ev.msg)
			} else {
				s.logger.Debug("update for unknown stream", "stream_id", ev.id)
			}
		case evStatus:
			if sub := s.lookupStream(ev.id); sub != nil {
				sub.handleStatus(ev.msg)
			} else {
				s.logger.Warn("status for unknown stream", "stream_id", ev.id)
			}
		case evError:
			if sub := s.lookupStream(ev.id); sub != nil {
				sub.handleError(ev.msg)
			} else {
				s.logger.Warn("error for unknown stream", "stream_id", ev.id, "text", ev.msg.Text)
			}
		}
	}
}

// handleConnEvent applies a connection event. Events from a replaced
// connection are ignored.
func (s *Session) handleConnEvent(c *Conn, ev event) {
	s.connMu.Lock()
	current := s.conn
	s.connMu.Unlock()
	if current != c {
		s.logger.Debug("event from stale connection", "conn_id", c.id, "code", ev.code.String())
		return
	}

	s.mu.Lock()
	changed := s.status != ev.code
	s.status = ev.code
	s.mu.Unlock()

	if changed {
		s.deliver(ev.code, ev.text)
	}
	if ev.loginOK {
		s.deliver(SessionAuthenticationSuccess, ev.text)
	}
	if ev.loginFailed {
		s.deliver(SessionAuthenticationFailed, ev.text)
	}
	if ev.code == StreamDisconnected {
		s.regMu.Lock()
		subs := make([]*Subscription, 0, len(s.subs))
		for _, sub := range s.subs {
			subs = append(subs, sub)
		}
		s.regMu.Unlock()
		for _, sub := range subs {
			sub.disconnected()
		}
	}
	if ev.code == StreamConnected || ev.code == StreamDisconnected {
		s.login.release()
	}
}

// deliver routes a notification to the right callback and records it.
// Callback panics are suppressed and logged.
func (s *Session) deliver(code EventCode, text string) {
	s.mu.Lock()
	s.lastCode = code
	s.lastMessage = text
	onState := s.onState
	onEvent := s.onEvent
	s.mu.Unlock()

	cb := onEvent
	name := "event"
	if isStateCode(code) {
		cb = onState
		name = "state"
	}
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session callback panic",
				"callback", name, "code", code.String(), "panic", r)
		}
	}()
	cb(s, code, text)
}
