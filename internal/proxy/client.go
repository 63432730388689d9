package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mgirard/deskdata/internal/version"
)

// Client defaults.
const (
	defaultHost       = "127.0.0.1"
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3

	appScope   = "rapi"
	apiVersion = "1"

	dataPath      = "/api/v1/data"
	handshakePath = "/api/handshake"
	streamingPath = "/api/v1/data/streaming/pricing"
)

// Fallback ports probed when no port file is found.
var defaultPortCandidates = []int{9000, 36036}

// Option configures a Client.
type Option func(*Client)

// WithHost sets the proxy host, 127.0.0.1 by default.
func WithHost(host string) Option {
	return func(c *Client) { c.host = host }
}

// WithPort pins the proxy port. Port discovery is skipped but the
// handshake still runs on first use.
func WithPort(port int) Option {
	return func(c *Client) { c.port = port }
}

// WithPortFile sets the path of the port file written by the desktop.
func WithPortFile(path string) Option {
	return func(c *Client) { c.portFile = path }
}

// WithPortCandidates sets the fallback ports probed when the port file
// is missing.
func WithPortCandidates(ports []int) Option {
	return func(c *Client) { c.candidates = ports }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithRetries sets the number of retries for server errors.
func WithRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Client talks to the local data proxy. It is safe for concurrent
// use once the handshake has run.
type Client struct {
	appKey     string
	host       string
	portFile   string
	candidates []int
	maxRetries int
	httpClient *http.Client
	logger     *slog.Logger

	mu    sync.Mutex
	port  int
	token string
}

// New builds a proxy client for an application key.
func New(appKey string, opts ...Option) *Client {
	c := &Client{
		appKey:     appKey,
		host:       defaultHost,
		candidates: defaultPortCandidates,
		maxRetries: defaultMaxRetries,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "proxy")
	return c
}

// Port returns the resolved proxy port, zero before discovery.
func (c *Client) Port() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port
}

// DiscoverPort resolves the proxy port and runs the handshake. The
// port file is tried first, then the candidate ports. Once a port is
// known only the handshake can still be outstanding, as happens with a
// pinned port.
func (c *Client) DiscoverPort(ctx context.Context) (int, error) {
	c.mu.Lock()
	port := c.port
	token := c.token
	c.mu.Unlock()
	if port != 0 {
		if token == "" {
			if err := c.handshake(ctx, port); err != nil {
				return 0, fmt.Errorf("handshake on port %d: %w", port, err)
			}
		}
		return port, nil
	}

	if p, ok := c.portFromFile(); ok && c.probePort(ctx, p) {
		return c.adoptPort(ctx, p)
	}
	for _, p := range c.candidates {
		if c.probePort(ctx, p) {
			return c.adoptPort(ctx, p)
		}
	}
	return 0, ErrPortNotFound
}

func (c *Client) adoptPort(ctx context.Context, port int) (int, error) {
	if err := c.handshake(ctx, port); err != nil {
		return 0, fmt.Errorf("handshake on port %d: %w", port, err)
	}
	c.mu.Lock()
	c.port = port
	c.mu.Unlock()
	c.logger.Info("data proxy found", "port", port)
	return port, nil
}

// portFromFile reads the first line of the desktop's port file.
func (c *Client) portFromFile() (int, bool) {
	if c.portFile == "" {
		return 0, false
	}
	f, err := os.Open(c.portFile)
	if err != nil {
		c.logger.Debug("port file not readable", "path", c.portFile, "error", err)
		return 0, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, false
	}
	line := strings.TrimSpace(scanner.Text())
	var port int
	if _, err := fmt.Sscanf(line, "%d", &port); err != nil || port <= 0 {
		c.logger.Debug("port file malformed", "path", c.portFile, "line", line)
		return 0, false
	}
	return port, true
}

// probePort checks whether anything answers on the data endpoint. Any
// HTTP response counts; only a transport failure rules the port out.
func (c *Client) probePort(ctx context.Context, port int) bool {
	url := c.baseURL(port) + dataPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	req.Header.Set("x-tr-applicationid", c.appKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("port probe failed", "port", port, "error", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return true
}

// handshake exchanges the application key for an access token.
func (c *Client) handshake(ctx context.Context, port int) error {
	body := handshakeRequest{
		AppKey:         c.appKey,
		AppScope:       appScope,
		APIVersion:     apiVersion,
		LibraryName:    "deskdata",
		LibraryVersion: version.Version,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal handshake: %w", err)
	}

	url := c.baseURL(port) + handshakePath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-tr-applicationid", c.appKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read handshake response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &Error{StatusCode: resp.StatusCode, Message: "handshake rejected", Body: string(raw)}
	}

	var hs handshakeResponse
	if err := json.Unmarshal(raw, &hs); err != nil {
		return fmt.Errorf("decode handshake response: %w", err)
	}
	c.mu.Lock()
	c.token = hs.AccessToken
	c.mu.Unlock()
	return nil
}

// AccessToken returns the token issued by the handshake.
func (c *Client) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// StreamingURL resolves the websocket endpoint for streaming pricing,
// discovering the port first when needed.
func (c *Client) StreamingURL(ctx context.Context) (string, error) {
	port, err := c.DiscoverPort(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(c.host, fmt.Sprint(port)), streamingPath), nil
}

func (c *Client) baseURL(port int) string {
	return fmt.Sprintf("http://%s", net.JoinHostPort(c.host, fmt.Sprint(port)))
}
