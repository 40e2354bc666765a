// Package identity is the client for the external identity service, which
// owns users, charts and records. The server only ever issues three GETs
// against it and treats the payloads as opaque JSON.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mcoot/rhythmsync/internal/model"
)

// Client talks to the identity service.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client against the given base URL.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) get(ctx context.Context, path, bearer string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("identity request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("identity request %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode identity response %s: %w", path, err)
	}
	return nil
}

// Me resolves a bearer token to the authenticated user.
func (c *Client) Me(ctx context.Context, token string) (model.UserInfo, error) {
	var u model.UserInfo
	err := c.get(ctx, "/me", token, &u)
	return u, err
}

// Chart fetches a chart definition by id.
func (c *Client) Chart(ctx context.Context, id int32) (model.Chart, error) {
	var ch model.Chart
	err := c.get(ctx, fmt.Sprintf("/chart/%d", id), "", &ch)
	return ch, err
}

// Record fetches a game record by id.
func (c *Client) Record(ctx context.Context, id int32) (model.Record, error) {
	var rec model.Record
	err := c.get(ctx, fmt.Sprintf("/record/%d", id), "", &rec)
	return rec, err
}
