package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/takutakahashi/kbterm/pkg/utils"
)

// Client talks to the kbterm terminal session API
type Client struct {
	baseURL      string
	httpClient   *http.Client
	apiKey       string
	forwardedFor string
}

// Option configures a Client
type Option func(*Client)

// WithAPIKey sends key in the X-API-Key header
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithForwardedFor acts on behalf of the given client address. The server
// identifies session owners by the first X-Forwarded-For entry.
func WithForwardedFor(addr string) Option {
	return func(c *Client) {
		c.forwardedFor = addr
	}
}

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a new kbterm client
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: utils.NewDefaultHTTPClient(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session represents a terminal session as returned by the server
type Session struct {
	ID               string    `json:"id" yaml:"id"`
	OwnerAddress     string    `json:"ownerAddress" yaml:"owner_address"`
	Port             int       `json:"port" yaml:"port"`
	WorkingDirectory string    `json:"workingDirectory" yaml:"working_directory"`
	CreatedAt        time.Time `json:"createdAt" yaml:"created_at"`
	LastAccessed     time.Time `json:"lastAccessed" yaml:"last_accessed"`
	IsActive         bool      `json:"isActive" yaml:"is_active"`
	State            string    `json:"state" yaml:"state"`
}

// CreateResponse represents the response from creating a session
type CreateResponse struct {
	Session   Session `json:"session" yaml:"session"`
	URL       string  `json:"url" yaml:"url"`
	ProxyPath string  `json:"proxyPath" yaml:"proxy_path"`
}

// ListResponse represents the response from listing sessions
type ListResponse struct {
	Sessions      []Session `json:"sessions" yaml:"sessions"`
	TotalSessions int       `json:"totalSessions" yaml:"total_sessions"`
}

// DeleteResponse represents the response from terminating sessions
type DeleteResponse struct {
	Success    bool   `json:"success" yaml:"success"`
	SessionID  string `json:"sessionId,omitempty" yaml:"session_id,omitempty"`
	Terminated int    `json:"terminated" yaml:"terminated"`
}

// CreateSession returns the caller's live session or starts a new one
func (c *Client) CreateSession(ctx context.Context) (*CreateResponse, error) {
	var resp CreateResponse
	if err := c.do(ctx, http.MethodPost, "/api/terminal/sessions", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListSessions lists the caller's sessions
func (c *Client) ListSessions(ctx context.Context) (*ListResponse, error) {
	var resp ListResponse
	if err := c.do(ctx, http.MethodGet, "/api/terminal/sessions", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TerminateSession terminates one session. Unknown ids are not an error.
func (c *Client) TerminateSession(ctx context.Context, sessionID string) (*DeleteResponse, error) {
	var resp DeleteResponse
	if err := c.do(ctx, http.MethodDelete, "/api/terminal/sessions/"+url.PathEscape(sessionID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TerminateAll terminates every session of the caller
func (c *Client) TerminateAll(ctx context.Context) (*DeleteResponse, error) {
	var resp DeleteResponse
	if err := c.do(ctx, http.MethodDelete, "/api/terminal/sessions", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, out interface{}) error {
	reqURL := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", c.forwardedFor)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer utils.SafeCloseResponse(resp)

	if err := utils.CheckHTTPResponse(resp, reqURL); err != nil {
		return err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
