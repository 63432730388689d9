package proxy

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrPortNotFound is returned when neither the port file nor any
	// candidate port answers.
	ErrPortNotFound = errors.New("data proxy port not found")

	// ErrNotHandshaken is returned when a data request is sent before
	// the handshake.
	ErrNotHandshaken = errors.New("proxy handshake has not run")
)

// Error is a failure reported by the proxy itself, either as an HTTP
// status or inside a 200 payload.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("proxy error %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("proxy error (status %d): %s", e.StatusCode, e.Message)
}

// IsServerError reports whether the failure is retryable, a 5xx or a
// 429.
func (e *Error) IsServerError() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// handshakeRequest is the body of POST /api/handshake.
type handshakeRequest struct {
	AppKey         string `json:"AppKey"`
	AppScope       string `json:"AppScope"`
	APIVersion     string `json:"ApiVersion"`
	LibraryName    string `json:"LibraryName"`
	LibraryVersion string `json:"LibraryVersion"`
}

type handshakeResponse struct {
	AccessToken string `json:"access_token"`
}

// udfEnvelope wraps a data request for the UDF endpoint.
type udfEnvelope struct {
	Entity udfEntity `json:"Entity"`
}

type udfEntity struct {
	E string `json:"E"`
	W any    `json:"W"`
}

// ticketProbe picks the polling fields out of a UDF response.
type ticketProbe struct {
	EstimatedDuration int64  `json:"estimatedDuration"`
	Ticket            string `json:"ticket"`
}

type ticketRequest struct {
	Requests []ticketRef `json:"requests"`
}

type ticketRef struct {
	Ticket string `json:"ticket"`
}

// serverErrorProbe picks the error shapes a 200 payload can carry.
type serverErrorProbe struct {
	ErrorCode     any    `json:"ErrorCode"`
	ErrorMessage  string `json:"ErrorMessage"`
	Err           any    `json:"error"`
	TransactionID any    `json:"transactionId"`
}
