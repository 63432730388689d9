package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Ticket polling caps, in line with the proxy's own limits.
const (
	maxTicketWait  = 15 * time.Second
	maxTicketPolls = 40
)

// SendRequest submits one UDF data request and returns the response
// payload. Requests pending on the proxy side are followed through
// ticket polling until the data is ready. Server errors carried inside
// a 200 payload are surfaced as *Error.
func (c *Client) SendRequest(ctx context.Context, entity string, payload any) ([]byte, error) {
	if _, err := c.DiscoverPort(ctx); err != nil {
		return nil, err
	}

	raw, err := c.postUDF(ctx, udfEnvelope{Entity: udfEntity{E: entity, W: payload}})
	if err != nil {
		return nil, err
	}

	// Follow tickets until the data arrives.
	for poll := 0; poll < maxTicketPolls; poll++ {
		var probe ticketProbe
		if err := json.Unmarshal(raw, &probe); err != nil || probe.Ticket == "" {
			break
		}
		wait := time.Duration(probe.EstimatedDuration) * time.Millisecond
		if wait > maxTicketWait {
			wait = maxTicketWait
		}
		c.logger.Debug("request pending, polling ticket",
			"entity", entity, "wait", wait, "poll", poll+1)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		raw, err = c.postUDF(ctx, udfEnvelope{Entity: udfEntity{
			E: entity,
			W: ticketRequest{Requests: []ticketRef{{Ticket: probe.Ticket}}},
		}})
		if err != nil {
			return nil, err
		}
	}

	if err := checkServerError(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// postUDF sends one envelope to the data endpoint, retrying server
// errors with jittered backoff.
func (c *Client) postUDF(ctx context.Context, env udfEnvelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			backoff += time.Duration(rand.Int63n(int64(250 * time.Millisecond)))
			c.logger.Warn("retrying data request",
				"attempt", attempt, "backoff", backoff, "error", lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		raw, err := c.doPost(ctx, body)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		var perr *Error
		if !errors.As(err, &perr) || !perr.IsServerError() {
			return nil, err
		}
	}
	return nil, fmt.Errorf("data request failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

func (c *Client) doPost(ctx context.Context, body []byte) ([]byte, error) {
	c.mu.Lock()
	port := c.port
	token := c.token
	c.mu.Unlock()
	if port == 0 {
		return nil, ErrNotHandshaken
	}

	url := c.baseURL(port) + dataPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-tr-applicationid", c.appKey)
	req.Header.Set("x-request-id", uuid.NewString())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post data request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Body:       string(raw),
		}
	}
	return raw, nil
}

// checkServerError inspects a 200 payload for the error shapes the
// proxy uses.
func checkServerError(raw []byte) error {
	var probe serverErrorProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil
	}
	if probe.ErrorCode != nil {
		return &Error{
			StatusCode: http.StatusOK,
			Code:       fmt.Sprint(probe.ErrorCode),
			Message:    probe.ErrorMessage,
			Body:       string(raw),
		}
	}
	if probe.Err != nil && probe.TransactionID != nil {
		return &Error{
			StatusCode: http.StatusOK,
			Code:       fmt.Sprint(probe.Err),
			Message:    "request failed",
			Body:       string(raw),
		}
	}
	return nil
}
