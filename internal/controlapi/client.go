package controlapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ocbridge/ocbridge/internal/domain"
)

// Client is the entry node's HTTP client for one exit node's control API.
type Client struct {
	baseURL string
	token   string
	nodeID  string
	http    *http.Client
}

// ClientOptions tunes client construction.
type ClientOptions struct {
	Timeout time.Duration
	// NodeID tags transport errors with the node they concern.
	NodeID string
	// InsecureTLS skips certificate verification for self-signed exit
	// node certificates.
	InsecureTLS bool
}

// NewClient builds a control API client for baseURL (scheme and host:port).
func NewClient(baseURL, token string, opts ClientOptions) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		nodeID:  opts.NodeID,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

// UpsertUser pushes a user record to the node.
func (c *Client) UpsertUser(ctx context.Context, u UserPayload) (UpsertResponse, error) {
	var resp UpsertResponse
	err := c.do(ctx, http.MethodPost, "/v1/users/upsert", u, &resp)
	return resp, err
}

// DeleteUser removes a user from the node. Deleting an absent user
// succeeds.
func (c *Client) DeleteUser(ctx context.Context, username string) error {
	return c.do(ctx, http.MethodPost, "/v1/users/delete", UserRef{Username: username}, nil)
}

// DisconnectUser terminates the user's live VPN sessions on the node.
func (c *Client) DisconnectUser(ctx context.Context, username string) error {
	return c.do(ctx, http.MethodPost, "/v1/users/disconnect", UserRef{Username: username}, nil)
}

// ListUsers returns the node's mirrored user records.
func (c *Client) ListUsers(ctx context.Context) ([]UserSummary, error) {
	var out []UserSummary
	err := c.do(ctx, http.MethodGet, "/v1/users", nil, &out)
	return out, err
}

// GetTraffic returns live per-user session byte counters from the node.
func (c *Client) GetTraffic(ctx context.Context) ([]TrafficSample, error) {
	var out []TrafficSample
	err := c.do(ctx, http.MethodGet, "/v1/users/traffic", nil, &out)
	return out, err
}

// GetStatus returns the node's health snapshot.
func (c *Client) GetStatus(ctx context.Context) (domain.NodeStatus, error) {
	var out domain.NodeStatus
	err := c.do(ctx, http.MethodGet, "/v1/status", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &domain.NodeError{NodeID: c.nodeID, Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return domain.ErrAuthFailed
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.ErrRateLimitExceeded
	case resp.StatusCode >= 400:
		var apiErr errorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("api %s: %s (status %d)", path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("api %s: status %d", path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
