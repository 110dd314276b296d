// Package agent provides the HTTP client for the external agent service.
// Queries are started with PUT and cancelled with DELETE against the query
// endpoint; the agent reports back through the bridge's callback routes.
package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const requestTimeout = 30 * time.Second

// Client talks to the agent service.
type Client struct {
	httpClient *http.Client
	queryURL   string
	token      string
}

// New creates a client for the configured agent URL. token may be empty.
// The URL may omit the scheme (http is assumed) and the path (the default
// endpoint path is /query).
func New(rawURL, token string) (*Client, error) {
	queryURL, err := buildQueryURL(rawURL)
	if err != nil {
		return nil, err
	}
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		queryURL:   queryURL,
		token:      token,
	}, nil
}

// buildQueryURL normalizes the configured agent URL into the query endpoint
// base: "localhost:9000" becomes "http://localhost:9000/query", while a URL
// that already carries a path keeps it.
func buildQueryURL(rawURL string) (string, error) {
	if !strings.Contains(rawURL, "://") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse agent URL: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("agent URL %q has no host", rawURL)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/query"
	} else {
		u.Path = strings.TrimRight(u.Path, "/")
	}
	return u.String(), nil
}

// StartQuery submits a query payload to the agent.
func (c *Client) StartQuery(ctx context.Context, uuid string, payload []byte) error {
	return c.do(ctx, http.MethodPut, uuid, payload)
}

// CancelQuery tells the agent to stop working on a query.
func (c *Client) CancelQuery(ctx context.Context, uuid string) error {
	return c.do(ctx, http.MethodDelete, uuid, nil)
}

func (c *Client) do(ctx context.Context, method, uuid string, payload []byte) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.queryURL+"/"+uuid, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("agent request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if msg := strings.TrimSpace(string(text)); msg != "" {
			return fmt.Errorf("agent returned HTTP %d: %s", resp.StatusCode, msg)
		}
		return fmt.Errorf("agent returned HTTP %d", resp.StatusCode)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
