// Package client provides a Go client for the bakeryd control API.
// Used by CLI tooling and tests in place of per-caller HTTP boilerplate.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to bakeryd over its loopback TCP port.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// New creates a client for the daemon at host:port.
func New(host string, port int) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL: "http://" + net.JoinHostPort(host, strconv.Itoa(port)),
	}
}

// NewDefault creates a client using the default daemon address.
func NewDefault() *Client {
	return New("127.0.0.1", 47123)
}

// --- Pies ---

// ListPies returns all pies, newest first.
func (c *Client) ListPies(ctx context.Context) ([]Pie, error) {
	var out struct {
		Pies []Pie `json:"pies"`
	}
	if err := c.doJSON(ctx, "GET", "/v1/pies", nil, &out); err != nil {
		return nil, err
	}
	return out.Pies, nil
}

// CreatePie creates a pie; the slug is derived server-side from name.
func (c *Client) CreatePie(ctx context.Context, name string) (*Pie, error) {
	var out Pie
	body := map[string]string{"name": name}
	if err := c.doJSON(ctx, "POST", "/v1/pies", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeletePie removes a pie by id or slug, cascading over its slices.
func (c *Client) DeletePie(ctx context.Context, idOrSlug string) error {
	return c.doJSON(ctx, "DELETE", "/v1/pies/"+url.PathEscape(idOrSlug), nil, nil)
}

// --- Slices ---

// ListSlices returns slices for one pie (id or slug), or all slices when
// pieRef is empty.
func (c *Client) ListSlices(ctx context.Context, pieRef string) ([]Slice, error) {
	path := "/v1/slices"
	if pieRef != "" {
		path += "?pieId=" + url.QueryEscape(pieRef)
	}
	var out struct {
		Slices []Slice `json:"slices"`
	}
	if err := c.doJSON(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return out.Slices, nil
}

// CreateSlice creates a slice under the pie referenced by id or slug.
func (c *Client) CreateSlice(ctx context.Context, pieRef string, resources []CreateResource) (*Slice, error) {
	var out Slice
	body := CreateSliceRequest{PieID: pieRef, Resources: resources}
	if err := c.doJSON(ctx, "POST", "/v1/slices", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StopSlice idempotently stops a slice.
func (c *Client) StopSlice(ctx context.Context, sliceID string) error {
	return c.doJSON(ctx, "POST", "/v1/slices/"+url.PathEscape(sliceID)+"/stop", nil, nil)
}

// DeleteSlice removes a slice and its resources.
func (c *Client) DeleteSlice(ctx context.Context, sliceID string) error {
	return c.doJSON(ctx, "DELETE", "/v1/slices/"+url.PathEscape(sliceID), nil, nil)
}

// --- Daemon ---

// Health returns the daemon liveness snapshot.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.doJSON(ctx, "GET", "/v1/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status returns the daemon dashboard snapshot.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.doJSON(ctx, "GET", "/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Internal helpers ---

// doJSON makes a JSON request and decodes the JSON response into result.
// If body is non-nil it is encoded as JSON. If result is nil the response
// body is discarded.
func (c *Client) doJSON(ctx context.Context, method, path string, body any, result any) error {
	resp, err := c.doRaw(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if result == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

// doRaw makes an HTTP request and returns the raw response. Caller is
// responsible for closing resp.Body.
func (c *Client) doRaw(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}
	return resp, nil
}

// parseError reads an error response body and returns an APIError.
func parseError(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(resp.Body)
	if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
}

// BaseURL returns the base URL used for requests.
func (c *Client) BaseURL() string {
	return c.baseURL
}
