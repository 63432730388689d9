package stream

import "encoding/json"

// Message types and domains used on the websocket.
const (
	typeRefresh = "Refresh"
	typeUpdate  = "Update"
	typeStatus  = "Status"
	typeError   = "Error"
	typePing    = "Ping"
	typePong    = "Pong"
	typeClose   = "Close"

	domainLogin = "Login"

	// DomainMarketPrice is the default subscription domain.
	DomainMarketPrice = "MarketPrice"
)

// Terminal stream sub-states. A status carrying one of these closes
// the subscription.
const (
	streamStateClosed        = "Closed"
	streamStateClosedRecover = "ClosedRecover"
	streamStateNonStreaming  = "NonStreaming"
	streamStateRedirect      = "Redirect"
)

// StateInfo is the State block attached to refresh and status
// messages.
type StateInfo struct {
	Stream string `json:"Stream,omitempty"`
	Data   string `json:"Data,omitempty"`
	Code   string `json:"Code,omitempty"`
	Text   string `json:"Text,omitempty"`
}

// Message is one decoded inbound websocket message. Raw keeps the
// original bytes so caches can apply the full record.
type Message struct {
	ID       int64          `json:"ID,omitempty"`
	Type     string         `json:"Type"`
	Domain   string         `json:"Domain,omitempty"`
	State    *StateInfo     `json:"State,omitempty"`
	Fields   map[string]any `json:"Fields,omitempty"`
	Complete *bool          `json:"Complete,omitempty"`
	Text     string         `json:"Text,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// isComplete reports whether a refresh closes its image. An absent
// Complete flag counts as complete.
func (m *Message) isComplete() bool {
	return m.Complete == nil || *m.Complete
}

func decodeMessage(raw json.RawMessage) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	m.Raw = raw
	return &m, nil
}

// loginRequest is the OMM login sent after every websocket dial.
type loginRequest struct {
	ID     int64    `json:"ID"`
	Domain string   `json:"Domain"`
	Key    loginKey `json:"Key"`
}

type loginKey struct {
	Name     string         `json:"Name,omitempty"`
	Elements *loginElements `json:"Elements,omitempty"`
}

type loginElements struct {
	AppKey        string `json:"AppKey"`
	ApplicationID string `json:"ApplicationId"`
	Position      string `json:"Position"`
}

// tokenRefreshRequest re-issues the login with a new token without
// asking for another refresh image.
type tokenRefreshRequest struct {
	ID      int64           `json:"ID"`
	Domain  string          `json:"Domain"`
	Key     tokenRefreshKey `json:"Key"`
	Refresh bool            `json:"Refresh"`
}

type tokenRefreshKey struct {
	Elements map[string]string `json:"Elements"`
}

// subscribeRequest opens one item stream.
type subscribeRequest struct {
	ID        int64        `json:"ID"`
	Domain    string       `json:"Domain,omitempty"`
	Key       subscribeKey `json:"Key"`
	Streaming bool         `json:"Streaming"`
	View      []string     `json:"View,omitempty"`
}

type subscribeKey struct {
	Name    string `json:"Name"`
	Service string `json:"Service,omitempty"`
}

// closeRequest closes one stream. Domain is set only for the login
// stream.
type closeRequest struct {
	ID     int64  `json:"ID"`
	Type   string `json:"Type"`
	Domain string `json:"Domain,omitempty"`
}

// pongResponse answers a server Ping.
type pongResponse struct {
	Type string `json:"Type"`
}
