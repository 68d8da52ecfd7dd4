package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Kadem9/caissefacile/internal/models"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	// ErrRejected marks a 4xx answer: the backend refused the payload.
	ErrRejected = errors.New("rejected by server")
	// ErrTransient marks network failures, timeouts and 5xx answers.
	ErrTransient = errors.New("transient failure")
)

// Client is an HTTP client for the caisse-sync backend.
type Client struct {
	BaseURL  string
	APIKey   string
	DeviceID string
	HTTP     *http.Client
}

// New creates a new sync client.
func New(baseURL, apiKey, deviceID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		APIKey:   apiKey,
		DeviceID: deviceID,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

// --- Wire types (mirrors internal/api, independently defined) ---

// SubmitRequest is the body for POST /v1/entities/{type}.
type SubmitRequest struct {
	MutationID string          `json:"mutation_id"`
	DeviceID   string          `json:"device_id"`
	Op         models.Op       `json:"op"`
	LocalID    int64           `json:"local_id"`
	ServerID   *int64          `json:"server_id,omitempty"`
	Record     json.RawMessage `json:"record"`
}

// RecordResponse is the canonical server version of one entity. It is both
// the submit acknowledgment and the unit of a fetch response.
type RecordResponse struct {
	ServerID  int64           `json:"server_id"`
	LocalID   int64           `json:"local_id,omitempty"`
	DeviceID  string          `json:"device_id,omitempty"`
	IsActive  bool            `json:"is_active"`
	UpdatedAt time.Time       `json:"updated_at"`
	Seq       int64           `json:"seq"`
	Record    json.RawMessage `json:"record"`
}

// FetchResponse is the response from GET /v1/entities/{type}.
type FetchResponse struct {
	Records []RecordResponse `json:"records"`
	Cursor  int64            `json:"cursor"`
	HasMore bool             `json:"has_more"`
}

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// HealthCheck hits the /healthz endpoint to verify server reachability.
func (c *Client) HealthCheck(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doRequest(ctx, http.MethodGet, "/healthz", nil, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Submit sends one mutation and returns the server's acknowledgment.
func (c *Client) Submit(ctx context.Context, kind models.EntityType, req *SubmitRequest) (*RecordResponse, error) {
	if req.DeviceID == "" {
		req.DeviceID = c.DeviceID
	}
	var resp RecordResponse
	if err := c.do(ctx, http.MethodPost, "/v1/entities/"+url.PathEscape(string(kind)), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Fetch returns records of kind changed after the since cursor.
func (c *Client) Fetch(ctx context.Context, kind models.EntityType, since int64, limit int) (*FetchResponse, error) {
	params := url.Values{}
	params.Set("since", strconv.FormatInt(since, 10))
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var resp FetchResponse
	path := fmt.Sprintf("/v1/entities/%s?%s", url.PathEscape(string(kind)), params.Encode())
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- HTTP helpers ---

// APIError is the structured error body returned by the server.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d %s", e.Status, e.Code)
}

// Unwrap classifies the error by status so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	switch {
	case e.Status == http.StatusUnauthorized:
		return ErrUnauthorized
	case e.Status == http.StatusForbidden:
		return ErrForbidden
	case e.Status == http.StatusNotFound:
		return ErrNotFound
	case e.Status == http.StatusTooManyRequests, e.Status == http.StatusRequestTimeout:
		return ErrTransient
	case e.Status >= 500:
		return ErrTransient
	default:
		return ErrRejected
	}
}

// IsRejected reports whether the server refused the request itself, as
// opposed to the request not getting through.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected) || errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrForbidden) || errors.Is(err, ErrNotFound)
}

// IsAuthError reports whether the backend refused the credentials.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden)
}

// do executes an authenticated HTTP request.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	return c.doRequest(ctx, method, path, body, result, true)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, result any, auth bool) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth && c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	if c.DeviceID != "" {
		req.Header.Set("X-Device-ID", c.DeviceID)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: http request: %w", ErrTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %w", ErrTransient, err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Code: http.StatusText(resp.StatusCode)}
		var wrapped struct {
			Error APIError `json:"error"`
		}
		if json.Unmarshal(respBody, &wrapped) == nil && wrapped.Error.Code != "" {
			apiErr.Code = wrapped.Error.Code
			apiErr.Message = wrapped.Error.Message
		} else if len(respBody) > 0 {
			apiErr.Message = string(bytes.TrimSpace(respBody))
		}
		return apiErr
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}
