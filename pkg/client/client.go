// Package client is the Go SDK for talking to an ANP runtime: agent API
// calls, peer messages, and the hosted-DID request/poll/acknowledge cycle.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// Client talks to one ANP server.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
	logger  *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken sets a bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithLogger sets the logger (default: no-op).
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a Client for the server at baseURL, e.g. "http://localhost:9527".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return &APIError{StatusCode: resp.StatusCode, Body: data}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// APIError is a non-2xx server response.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Body)
}

// CallAgentAPI invokes an agent API path on the target DID and returns the
// decoded JSON response.
func (c *Client) CallAgentAPI(ctx context.Context, targetDID, path string, params map[string]any) (map[string]any, error) {
	var out map[string]any
	p := "/agent/api/" + url.PathEscape(targetDID) + path
	if err := c.doJSON(ctx, http.MethodPost, p, map[string]any{"params": params}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendMessage delivers a peer message to the target DID.
func (c *Client) SendMessage(ctx context.Context, targetDID, content string) (map[string]any, error) {
	var out map[string]any
	p := "/agent/api/" + url.PathEscape(targetDID) + "/message/post"
	body := map[string]any{"type": "message", "content": content}
	if err := c.doJSON(ctx, http.MethodPost, p, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AgentInfo is one agent visible on a server's publisher listing.
type AgentInfo struct {
	DID     string `json:"did"`
	Name    string `json:"name"`
	Prefix  string `json:"prefix,omitempty"`
	Primary bool   `json:"primary,omitempty"`
	Shared  bool   `json:"shared,omitempty"`
}

// ListAgents enumerates the agents the server exposes on the request's domain.
func (c *Client) ListAgents(ctx context.Context) ([]AgentInfo, error) {
	var out struct {
		Agents []AgentInfo `json:"agents"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/publisher/agents", nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// ServerStatus is the liveness report of an ANP server.
type ServerStatus struct {
	Status  string   `json:"status"`
	Service string   `json:"service"`
	Version string   `json:"version"`
	Domains []string `json:"domains"`
	Agents  int      `json:"agents"`
}

// Status fetches the server's liveness report.
func (c *Client) Status(ctx context.Context) (*ServerStatus, error) {
	var out ServerStatus
	if err := c.doJSON(ctx, http.MethodGet, "/", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitResponse is the server's answer to a hosted-DID submission.
type SubmitResponse struct {
	Success                 bool   `json:"success"`
	RequestID               string `json:"requestID"`
	EstimatedProcessingTime int    `json:"estimatedProcessingTime"`
}

// SubmitHostedDID submits a DID document for hosted issuance.
func (c *Client) SubmitHostedDID(ctx context.Context, didDocument map[string]any, requesterDID string) (*SubmitResponse, error) {
	var out SubmitResponse
	body := map[string]any{"didDocument": didDocument, "requesterDID": requesterDID}
	if err := c.doJSON(ctx, http.MethodPost, "/wba/hosted-did/request", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StatusResponse is one request's lifecycle state and audit log.
type StatusResponse struct {
	RequestID string `json:"requestID"`
	Status    string `json:"status"`
	StatusLog []struct {
		Status string    `json:"status"`
		Note   string    `json:"note"`
		At     time.Time `json:"at"`
	} `json:"statusLog"`
}

// HostedDIDStatus fetches the lifecycle state of a submitted request.
func (c *Client) HostedDIDStatus(ctx context.Context, requestID string) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.doJSON(ctx, http.MethodGet, "/wba/hosted-did/status/"+url.PathEscape(requestID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Result is one hosted-DID outcome delivered through polling.
type Result struct {
	ResultID          string         `json:"resultID"`
	RequestID         string         `json:"requestID"`
	RequesterDID      string         `json:"requesterDID"`
	Success           bool           `json:"success"`
	HostedDIDDocument map[string]any `json:"hostedDIDDocument"`
	ErrorMessage      string         `json:"errorMessage"`
	Host              string         `json:"host"`
	Port              int            `json:"port"`
}

// HostedDID returns the issued identifier, when present.
func (r *Result) HostedDID() string {
	id, _ := r.HostedDIDDocument["id"].(string)
	return id
}

// CheckHostedResults lists the pending results for a requester short ID.
func (c *Client) CheckHostedResults(ctx context.Context, requesterShortID string) ([]*Result, error) {
	var out struct {
		Results []*Result `json:"results"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/wba/hosted-did/check/"+url.PathEscape(requesterShortID), nil, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// AcknowledgeResult marks a result as consumed so it stops being delivered.
func (c *Client) AcknowledgeResult(ctx context.Context, resultID string) error {
	return c.doJSON(ctx, http.MethodPost, "/wba/hosted-did/acknowledge/"+url.PathEscape(resultID), nil, nil)
}
