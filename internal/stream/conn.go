package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// eventKind tags events posted from the network goroutine to the
// session dispatch goroutine.
type eventKind int

const (
	evConnEvent eventKind = iota
	evRefresh
	evUpdate
	evStatus
	evError
)

// event is one unit of work for the session dispatch goroutine.
type event struct {
	kind eventKind

	// connection event
	code        EventCode
	text        string
	loginOK     bool
	loginFailed bool

	// item stream message
	id  int64
	msg *Message
}

// connConfig carries everything a connection needs from its session.
type connConfig struct {
	url           string
	appKey        string
	applicationID string
	position      string
	userName      string

	dialTimeout  time.Duration
	writeTimeout time.Duration
	staleTimeout time.Duration
	eventBuffer  int
}

// Conn owns one websocket and its login stream. A single goroutine
// (run) waits for a start signal, dials, logs in and reads until the
// socket dies; decoded messages are posted on out for the session
// dispatch goroutine. There is no automatic redial: any transport
// failure ends the goroutine after a disconnect event.
type Conn struct {
	id     int64
	cfg    connConfig
	logger *slog.Logger
	ids    func() int64

	out     chan event
	start   chan struct{}
	stopped chan struct{}

	mu        sync.Mutex
	ws        *websocket.Conn
	connected bool
	loggedIn  bool
	loginID   int64
	closing   bool
	lastMsgAt time.Time

	// writeMu serializes websocket writes.
	writeMu sync.Mutex
}

func newConn(id int64, cfg connConfig, ids func() int64, logger *slog.Logger) *Conn {
	if cfg.eventBuffer <= 0 {
		cfg.eventBuffer = defaultEventBuffer
	}
	return &Conn{
		id:      id,
		cfg:     cfg,
		logger:  logger.With("conn_id", id),
		ids:     ids,
		out:     make(chan event, cfg.eventBuffer),
		start:   make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

// run is the connection goroutine. It exits, closing out, once the
// connection is shut down or the transport fails.
func (c *Conn) run() {
	defer close(c.stopped)
	defer close(c.out)
	for {
		<-c.start
		if c.isClosing() {
			return
		}
		if err := c.dial(); err != nil {
			c.transportError(fmt.Errorf("dial %s: %w", c.cfg.url, err))
			return
		}
		c.sendLogin()
		c.readLoop()
		if c.isClosing() {
			return
		}
	}
}

// requestStart wakes the run goroutine without blocking.
func (c *Conn) requestStart() {
	select {
	case c.start <- struct{}{}:
	default:
	}
}

// IsConnected reports whether the websocket is up.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// IsLoggedIn reports whether the login stream is open.
func (c *Conn) IsLoggedIn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedIn
}

func (c *Conn) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func (c *Conn) currentWS() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastMsgAt = time.Now()
	c.mu.Unlock()
}

func (c *Conn) dial() error {
	header := http.Header{}
	header.Set("x-tr-applicationid", c.cfg.appKey)

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.dialTimeout,
		Subprotocols:     []string{"tr_json2"},
	}
	ws, _, err := dialer.Dial(c.cfg.url, header)
	if err != nil {
		return err
	}

	ws.SetPingHandler(func(appData string) error {
		c.touch()
		deadline := time.Now().Add(c.cfg.writeTimeout)
		return ws.WriteControl(websocket.PongMessage, []byte(appData), deadline)
	})
	ws.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	c.mu.Lock()
	c.ws = ws
	c.connected = true
	c.lastMsgAt = time.Now()
	c.mu.Unlock()

	c.logger.Debug("websocket connected", "url", c.cfg.url)
	go c.watchdog(ws)
	return nil
}

// watchdog closes the websocket when no traffic has been seen within
// the stale timeout. The read loop then surfaces the failure.
func (c *Conn) watchdog(ws *websocket.Conn) {
	interval := c.cfg.staleTimeout / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		current := c.ws
		last := c.lastMsgAt
		c.mu.Unlock()
		if current != ws {
			return
		}
		if time.Since(last) > c.cfg.staleTimeout {
			c.logger.Warn("stale websocket, closing",
				"last_message_age", time.Since(last).Round(time.Millisecond),
				"error", ErrStaleConnection)
			ws.Close()
			return
		}
		deadline := time.Now().Add(c.cfg.writeTimeout)
		if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			c.logger.Debug("ping failed", "error", err)
			return
		}
	}
}

// sendLogin opens the login stream. The server's refresh or status on
// the login ID decides the connection event.
func (c *Conn) sendLogin() {
	id := c.ids()
	c.mu.Lock()
	c.loginID = id
	c.mu.Unlock()

	req := loginRequest{
		ID:     id,
		Domain: domainLogin,
		Key: loginKey{
			Name: c.cfg.userName,
			Elements: &loginElements{
				AppKey:        c.cfg.appKey,
				ApplicationID: c.cfg.applicationID,
				Position:      c.cfg.position,
			},
		},
	}
	if err := c.send(req); err != nil {
		c.logger.Warn("send login", "error", err)
	}
}

// refreshToken re-issues the login key without requesting a refresh.
func (c *Conn) refreshToken(token string) error {
	if !c.IsLoggedIn() {
		return ErrNotConnected
	}
	c.mu.Lock()
	id := c.loginID
	c.mu.Unlock()
	if id == 0 {
		return ErrNotConnected
	}
	return c.send(tokenRefreshRequest{
		ID:      id,
		Domain:  domainLogin,
		Key:     tokenRefreshKey{Elements: map[string]string{"AuthenticationToken": token}},
		Refresh: false,
	})
}

// send marshals a frame and writes it as one text message.
func (c *Conn) send(v any) error {
	c.mu.Lock()
	ws := c.ws
	connected := c.connected
	c.mu.Unlock()
	if ws == nil || !connected {
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(c.cfg.writeTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *Conn) readLoop() {
	ws := c.currentWS()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if c.isClosing() {
				c.markDisconnected()
				c.post(event{kind: evConnEvent, code: StreamDisconnected,
					text: fmt.Sprintf("connection %d closed", c.id)})
			} else {
				c.transportError(err)
			}
			return
		}
		c.touch()
		c.handleFrame(data)
	}
}

// transportError tears the connection down after an unexpected
// failure. The session learns about it through a disconnect event.
func (c *Conn) transportError(err error) {
	c.mu.Lock()
	c.closing = true
	c.connected = false
	c.loggedIn = false
	c.loginID = 0
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()
	if ws != nil {
		ws.Close()
	}
	c.logger.Error("websocket failure", "error", err)
	c.post(event{kind: evConnEvent, code: StreamDisconnected,
		text: fmt.Sprintf("connection %d: %v", c.id, err)})
}

func (c *Conn) markDisconnected() {
	c.mu.Lock()
	c.connected = false
	c.loggedIn = false
	c.loginID = 0
	c.ws = nil
	c.mu.Unlock()
}

// shutdown closes the login stream and the socket, then lets run exit.
func (c *Conn) shutdown() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	ws := c.ws
	loginID := c.loginID
	c.mu.Unlock()

	if ws != nil {
		if loginID != 0 {
			if err := c.send(closeRequest{ID: loginID, Type: typeClose, Domain: domainLogin}); err != nil {
				c.logger.Debug("close login stream", "error", err)
			}
		}
		deadline := time.Now().Add(c.cfg.writeTimeout)
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		ws.Close()
	}
	c.requestStart()
}

// handleFrame decodes one websocket frame. Frames are JSON arrays of
// messages.
func (c *Conn) handleFrame(data []byte) {
	var msgs []json.RawMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		c.logger.Warn("malformed frame", "error", err, "size", len(data))
		return
	}
	for _, raw := range msgs {
		m, err := decodeMessage(raw)
		if err != nil {
			c.logger.Warn("malformed message", "error", err)
			continue
		}
		c.processMessage(m)
	}
}

func (c *Conn) processMessage(m *Message) {
	switch m.Type {
	case typeRefresh:
		if m.Domain == domainLogin {
			c.handleLoginResponse(m)
			return
		}
		c.post(event{kind: evRefresh, id: m.ID, msg: m})
	case typeUpdate:
		c.post(event{kind: evUpdate, id: m.ID, msg: m})
	case typeStatus:
		if m.Domain == domainLogin {
			c.handleLoginResponse(m)
			return
		}
		c.post(event{kind: evStatus, id: m.ID, msg: m})
	case typeError:
		c.mu.Lock()
		loginID := c.loginID
		c.mu.Unlock()
		if m.ID != 0 && m.ID == loginID {
			c.handleLoginResponse(m)
			return
		}
		c.post(event{kind: evError, id: m.ID, msg: m})
	case typePing:
		if err := c.send(pongResponse{Type: typePong}); err != nil {
			c.logger.Debug("send pong", "error", err)
		}
	default:
		c.logger.Warn("unexpected message type", "type", m.Type, "stream_id", m.ID)
	}
}

// handleLoginResponse settles the login stream. Accepted means the
// stream state is Open with Ok data, whether the server answers with a
// refresh or a status; anything else is a refusal.
func (c *Conn) handleLoginResponse(m *Message) {
	st := m.State
	if st != nil && st.Stream == "Open" && st.Data == "Ok" {
		c.mu.Lock()
		c.loggedIn = true
		c.mu.Unlock()
		c.logger.Info("login accepted", "text", st.Text)
		c.post(event{kind: evConnEvent, code: StreamConnected, loginOK: true, text: st.Text})
		return
	}

	text := m.Text
	if st != nil && st.Text != "" {
		text = st.Text
	}
	c.mu.Lock()
	c.loggedIn = false
	c.mu.Unlock()
	c.logger.Warn("login refused", "text", text)
	c.post(event{kind: evConnEvent, code: StreamDisconnected, loginFailed: true,
		text: fmt.Sprintf("login refused: %s", text)})
}

// post hands an event to the dispatch goroutine. Item messages are
// dropped when the buffer is full; connection events always block
// because losing one would wedge an open in flight.
func (c *Conn) post(ev event) {
	if ev.kind == evConnEvent {
		c.out <- ev
		return
	}
	select {
	case c.out <- ev:
	default:
		c.logger.Warn("event buffer full, dropping message",
			"stream_id", ev.id, "kind", int(ev.kind))
	}
}
