package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"graphmcp/pkg/logging"

	"github.com/google/uuid"
)

// DefaultBaseURL is the Microsoft Graph v1.0 endpoint.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// maxResponseBytes caps how much of a Graph response is read into memory.
const maxResponseBytes = 8 << 20

// TokenSource supplies access tokens for outgoing requests. The manager in
// internal/auth satisfies it.
type TokenSource interface {
	GetToken(ctx context.Context, forceRefresh bool) (string, error)
}

// Request describes a single Graph call.
type Request struct {
	Method string
	// Path is the full v1.0 path, placeholders already substituted.
	Path  string
	Query url.Values
	// Body is JSON-marshaled when non-nil.
	Body any
}

// APIError is a non-2xx Graph response, decoded from the Graph error
// envelope when present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("graph request failed: %s (%s, HTTP %d, request-id %s)", e.Message, e.Code, e.StatusCode, e.RequestID)
	}
	return fmt.Sprintf("graph request failed: HTTP %d", e.StatusCode)
}

// errorEnvelope is the Graph error response shape.
type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Client issues authenticated requests against Microsoft Graph. It attaches
// a bearer token from the token source and a per-request client-request-id,
// and retries once with a forced token refresh when Graph answers 401.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the Graph endpoint (used by tests).
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Graph client drawing tokens from the given source.
func NewClient(tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    DefaultBaseURL,
		tokens:     tokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do executes a Graph request and returns the raw response body. A 401 is
// retried once with a forced token refresh; any other non-2xx status is
// returned as an *APIError. A 204 yields an empty body.
func (c *Client) Do(ctx context.Context, req Request) ([]byte, error) {
	body, status, requestID, err := c.doOnce(ctx, req, false)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		logging.Debug("Graph", "Received 401 for %s %s, retrying with refreshed token", req.Method, req.Path)
		body, status, requestID, err = c.doOnce(ctx, req, true)
		if err != nil {
			return nil, err
		}
	}

	if status < 200 || status > 299 {
		return nil, decodeAPIError(status, body, requestID)
	}
	return body, nil
}

// doOnce performs a single HTTP round trip and returns the body, status, and
// the request-id Graph echoed back.
func (c *Client) doOnce(ctx context.Context, req Request, forceRefresh bool) ([]byte, int, string, error) {
	token, err := c.tokens.GetToken(ctx, forceRefresh)
	if err != nil {
		return nil, 0, "", err
	}

	u := c.baseURL + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var payload io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, 0, "", fmt.Errorf("failed to encode request body: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, payload)
	if err != nil {
		return nil, 0, "", fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("client-request-id", uuid.NewString())
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, "", fmt.Errorf("graph request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, 0, "", fmt.Errorf("failed to read response: %w", err)
	}
	return body, resp.StatusCode, resp.Header.Get("request-id"), nil
}

// decodeAPIError builds an APIError from a non-2xx response, decoding the
// Graph error envelope when the body carries one.
func decodeAPIError(status int, body []byte, requestID string) error {
	apiErr := &APIError{StatusCode: status, RequestID: requestID}
	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	return apiErr
}
