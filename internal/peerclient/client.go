// Package peerclient is the outbound half of the replica skeleton: short
// timeout, JSON POST/GET to a peer endpoint, and a network failure never
// escapes as anything but (false, err) — it is up to the caller's engine to
// decide what a dead peer means for its protocol.
//
// This is the HTTP analogue of the teacher's Docker client, which also
// wrapped an *http.Client with a fixed timeout and surfaced failures as
// plain errors rather than panics.
package peerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Client posts/gets JSON to peer replicas. It is safe for concurrent use.
type Client struct {
	http *http.Client
}

// New returns a Client with no client-wide timeout; callers bound every
// call with a context deadline sized for that call's protocol role
// (election vs. coordinator vs. token pass all differ, per spec.md §5).
func New() *Client {
	return &Client{http: &http.Client{}}
}

// PostJSON posts body as JSON to url and reports whether the peer answered
// with an HTTP success status. Any transport error, timeout, or non-2xx
// status is reported as ok=false; err is set for transport-level failures
// and for a body or request that cannot be built, so callers can log a
// reason, and is nil for a non-2xx status.
func (c *Client) PostJSON(ctx context.Context, url string, body interface{}) (bool, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return false, fmt.Errorf("peerclient: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("peerclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

// GetJSON performs a GET and reports whether the peer answered with an
// HTTP success status, discarding the body. Used for the bully healthcheck
// probe, where only liveness matters.
func (c *Client) GetJSON(ctx context.Context, url string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("peerclient: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}
