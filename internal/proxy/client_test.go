package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	var port int
	fmt.Sscanf(u.Port(), "%d", &port)
	return port
}

func writePortFile(t *testing.T, port int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".portInUse")
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\nsomething else\n", port)), 0o644); err != nil {
		t.Fatalf("write port file: %v", err)
	}
	return path
}

func proxyHandler(t *testing.T, data func(w http.ResponseWriter, r *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == handshakePath && r.Method == http.MethodPost:
			var hs handshakeRequest
			if err := json.NewDecoder(r.Body).Decode(&hs); err != nil {
				t.Errorf("bad handshake body: %v", err)
			}
			if hs.AppKey != "test-key" || hs.AppScope != "rapi" || hs.APIVersion != "1" {
				t.Errorf("handshake = %+v", hs)
			}
			json.NewEncoder(w).Encode(handshakeResponse{AccessToken: "tok-123"})
		case r.URL.Path == dataPath && r.Method == http.MethodGet:
			w.WriteHeader(http.StatusMethodNotAllowed)
		case r.URL.Path == dataPath && r.Method == http.MethodPost:
			data(w, r)
		default:
			http.NotFound(w, r)
		}
	}
}

func TestDiscoverPortFromFile(t *testing.T) {
	srv := httptest.NewServer(proxyHandler(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	port := serverPort(t, srv)
	c := New("test-key",
		WithPortFile(writePortFile(t, port)),
		WithPortCandidates(nil))

	got, err := c.DiscoverPort(context.Background())
	if err != nil {
		t.Fatalf("DiscoverPort: %v", err)
	}
	if got != port {
		t.Fatalf("port = %d, want %d", got, port)
	}
	if c.AccessToken() != "tok-123" {
		t.Fatalf("token = %q", c.AccessToken())
	}

	// Discovery is cached.
	again, err := c.DiscoverPort(context.Background())
	if err != nil || again != port {
		t.Fatalf("second DiscoverPort = %d, %v", again, err)
	}
}

func TestDiscoverPortFallsBackToCandidates(t *testing.T) {
	srv := httptest.NewServer(proxyHandler(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	port := serverPort(t, srv)
	c := New("test-key",
		WithPortFile(filepath.Join(t.TempDir(), "missing")),
		WithPortCandidates([]int{1, port}),
		WithTimeout(2*time.Second))

	got, err := c.DiscoverPort(context.Background())
	if err != nil {
		t.Fatalf("DiscoverPort: %v", err)
	}
	if got != port {
		t.Fatalf("port = %d, want %d", got, port)
	}
}

func TestPinnedPortStillHandshakes(t *testing.T) {
	srv := httptest.NewServer(proxyHandler(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-123" {
			t.Errorf("authorization header = %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte(`{"responses":[]}`))
	}))
	t.Cleanup(srv.Close)

	c := New("test-key", WithPort(serverPort(t, srv)))

	if _, err := c.SendRequest(context.Background(), "DataGrid", map[string]any{}); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if c.AccessToken() != "tok-123" {
		t.Fatalf("token = %q after pinned-port request", c.AccessToken())
	}
}

func TestDiscoverPortNotFound(t *testing.T) {
	c := New("test-key",
		WithPortCandidates([]int{1}),
		WithTimeout(time.Second))
	if _, err := c.DiscoverPort(context.Background()); !errors.Is(err, ErrPortNotFound) {
		t.Fatalf("DiscoverPort = %v, want ErrPortNotFound", err)
	}
}

func TestStreamingURL(t *testing.T) {
	srv := httptest.NewServer(proxyHandler(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	port := serverPort(t, srv)
	c := New("test-key", WithPortFile(writePortFile(t, port)))

	got, err := c.StreamingURL(context.Background())
	if err != nil {
		t.Fatalf("StreamingURL: %v", err)
	}
	want := fmt.Sprintf("ws://127.0.0.1:%d/api/v1/data/streaming/pricing", port)
	if got != want {
		t.Fatalf("StreamingURL = %q, want %q", got, want)
	}
}

func TestSendRequestFollowsTicket(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(proxyHandler(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := json.Marshal(decodeBody(r))
		if calls.Add(1) == 1 {
			w.Write([]byte(`{"estimatedDuration":20,"ticket":"tck-1"}`))
			return
		}
		if !strings.Contains(string(raw), "tck-1") {
			w.Write([]byte(`{"ErrorCode":"400","ErrorMessage":"expected ticket"}`))
			return
		}
		w.Write([]byte(`{"responses":[{"data":[[1.25]]}]}`))
	}))
	t.Cleanup(srv.Close)

	c := New("test-key", WithPort(serverPort(t, srv)))

	raw, err := c.SendRequest(context.Background(), "DataGrid", map[string]any{"instruments": []string{"EUR="}})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if !strings.Contains(string(raw), "responses") {
		t.Fatalf("payload = %s", raw)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("data endpoint hit %d times, want 2", got)
	}
}

func decodeBody(r *http.Request) map[string]any {
	var m map[string]any
	json.NewDecoder(r.Body).Decode(&m)
	return m
}

func TestSendRequestSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(proxyHandler(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ErrorCode":"1422","ErrorMessage":"insufficient scope"}`))
	}))
	t.Cleanup(srv.Close)

	c := New("test-key", WithPort(serverPort(t, srv)))

	_, err := c.SendRequest(context.Background(), "DataGrid", map[string]any{})
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want *Error", err)
	}
	if perr.Code != "1422" || perr.Message != "insufficient scope" {
		t.Fatalf("perr = %+v", perr)
	}
}

func TestSendRequestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(proxyHandler(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"responses":[]}`))
	}))
	t.Cleanup(srv.Close)

	c := New("test-key", WithPort(serverPort(t, srv)), WithRetries(2))

	if _, err := c.SendRequest(context.Background(), "DataGrid", map[string]any{}); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("data endpoint hit %d times, want 2", got)
	}
}

func TestSendRequestDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(proxyHandler(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	c := New("test-key", WithPort(serverPort(t, srv)))

	_, err := c.SendRequest(context.Background(), "DataGrid", map[string]any{})
	var perr *Error
	if !errors.As(err, &perr) || perr.StatusCode != http.StatusBadRequest {
		t.Fatalf("error = %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("data endpoint hit %d times, want 1", got)
	}
}

func TestSendRequestCarriesAuthHeaders(t *testing.T) {
	headers := make(chan http.Header, 1)
	srv := httptest.NewServer(proxyHandler(t, func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		w.Write([]byte(`{"responses":[]}`))
	}))
	t.Cleanup(srv.Close)

	c := New("test-key", WithPortFile(writePortFile(t, serverPort(t, srv))))
	if _, err := c.DiscoverPort(context.Background()); err != nil {
		t.Fatalf("DiscoverPort: %v", err)
	}
	if _, err := c.SendRequest(context.Background(), "DataGrid", map[string]any{}); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	h := <-headers
	if h.Get("x-tr-applicationid") != "test-key" {
		t.Errorf("application id header = %q", h.Get("x-tr-applicationid"))
	}
	if h.Get("Authorization") != "Bearer tok-123" {
		t.Errorf("authorization header = %q", h.Get("Authorization"))
	}
	if h.Get("x-request-id") == "" {
		t.Error("request id header missing")
	}
}
