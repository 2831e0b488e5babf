package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Client is a control socket client.
type Client struct {
	socketPath string
	httpClient *http.Client
}

// NewClient creates a new control client.
func NewClient(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}

	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   10 * time.Second,
		},
	}
}

// Status retrieves the tunnel status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	resp, err := c.do(ctx, http.MethodGet, "/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var status StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &status, nil
}

// Legs retrieves per-leg information.
func (c *Client) Legs(ctx context.Context) (*LegsResponse, error) {
	resp, err := c.do(ctx, http.MethodGet, "/legs")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var legs LegsResponse
	if err := json.NewDecoder(resp.Body).Decode(&legs); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &legs, nil
}

// RetireLeg asks the tunnel to stop sending on a leg.
func (c *Client) RetireLeg(ctx context.Context, id int) error {
	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/retire?leg=%d", id))
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Shutdown asks the tunnel to close.
func (c *Client) Shutdown(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPost, "/shutdown")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// do performs a request to the control socket.
func (c *Client) do(ctx context.Context, method, path string) (*http.Response, error) {
	// Use a dummy host since we're connecting via Unix socket
	url := "http://localhost" + path

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return resp, nil
}

// Close closes the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
