// Package clinicsync keeps an in-memory collection of clinic case records in
// step with a hosted backend that pushes change notifications.
//
// The Engine seeds its collection with a bulk list, applies insert, update and
// delete events from a push channel, reconnects with exponential backoff when
// the channel drops, and falls back to periodic full refreshes while push is
// degraded.
//
// Example:
//
//	store := clinicsync.NewHTTPStore(clinicsync.WithBaseURL("http://localhost:8080"))
//	channel := clinicsync.NewWSChannel("http://localhost:8080", nil)
//
//	engine := clinicsync.NewEngine(store, channel, nil)
//	if err := engine.Start(ctx); err != nil { ... }
//	defer engine.Close()
//
//	res := engine.AddRecord(ctx, clinicsync.CaseInput{PatientName: "Ada", ...})
//	state := engine.State()
package clinicsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ============================================================================
// RemoteStore
// ============================================================================

// RemoteStore is the authoritative backend. Implementations do not retry.
type RemoteStore interface {
	List(ctx context.Context) ([]CaseRecord, error)
	Create(ctx context.Context, input CaseInput) (*CaseRecord, error)
	UpdateStatus(ctx context.Context, id string, status CaseStatus) (*CaseRecord, error)
	Update(ctx context.Context, id string, patch CasePatch) (*CaseRecord, error)
	Delete(ctx context.Context, id string) error
}

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// HTTPStore
// ============================================================================

// HTTPStore is a RemoteStore speaking the backend's REST API.
type HTTPStore struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type StoreOption func(*HTTPStore)

func WithBaseURL(u string) StoreOption {
	return func(s *HTTPStore) { s.baseURL = strings.TrimRight(u, "/") }
}

func WithToken(token string) StoreOption {
	return func(s *HTTPStore) { s.token = token }
}

func WithTimeout(timeout time.Duration) StoreOption {
	return func(s *HTTPStore) { s.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) StoreOption {
	return func(s *HTTPStore) { s.httpClient = client }
}

// NewHTTPStore creates a REST client for the case backend.
func NewHTTPStore(opts ...StoreOption) *HTTPStore {
	s := &HTTPStore{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BaseURL returns the configured backend URL.
func (s *HTTPStore) BaseURL() string {
	return s.baseURL
}

func (s *HTTPStore) List(ctx context.Context) ([]CaseRecord, error) {
	var records []CaseRecord
	if err := s.call(ctx, http.MethodGet, "/api/cases", nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Get fetches one case by id.
func (s *HTTPStore) Get(ctx context.Context, id string) (*CaseRecord, error) {
	var rec CaseRecord
	if err := s.call(ctx, http.MethodGet, "/api/cases/"+url.PathEscape(id), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *HTTPStore) Create(ctx context.Context, input CaseInput) (*CaseRecord, error) {
	var rec CaseRecord
	if err := s.call(ctx, http.MethodPost, "/api/cases", input, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *HTTPStore) UpdateStatus(ctx context.Context, id string, status CaseStatus) (*CaseRecord, error) {
	var rec CaseRecord
	body := map[string]CaseStatus{"status": status}
	if err := s.call(ctx, http.MethodPatch, "/api/cases/"+url.PathEscape(id)+"/status", body, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *HTTPStore) Update(ctx context.Context, id string, patch CasePatch) (*CaseRecord, error) {
	var rec CaseRecord
	if err := s.call(ctx, http.MethodPatch, "/api/cases/"+url.PathEscape(id), patch, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *HTTPStore) Delete(ctx context.Context, id string) error {
	return s.call(ctx, http.MethodDelete, "/api/cases/"+url.PathEscape(id), nil, nil)
}

// Health reports whether the backend answers its health probe.
func (s *HTTPStore) Health(ctx context.Context) error {
	return s.call(ctx, http.MethodGet, "/healthz", nil, nil)
}

// ============================================================================
// Internal request helpers
// ============================================================================

// call performs one request and decodes the envelope's data into out (when
// non-nil). Backend rejections come back as *APIError.
func (s *HTTPStore) call(ctx context.Context, method, path string, body, out any) error {
	status, data, err := s.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	result, err := decodeJSON[Result](data)
	if err != nil {
		if status >= http.StatusInternalServerError {
			return fmt.Errorf("%w: HTTP %d", ErrNetwork, status)
		}
		return err
	}
	if !result.Success {
		if result.Error != nil {
			return result.Error
		}
		return &APIError{Code: CodeInternal, Message: fmt.Sprintf("request failed (HTTP %d)", status)}
	}
	if out == nil {
		return nil
	}
	if err := result.Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s: %w", method, path, err)
	}
	return nil
}

func (s *HTTPStore) doRequest(ctx context.Context, method, path string, body any) (int, []byte, error) {
	u := s.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %s %s: %v", ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("%w: read body: %v", ErrNetwork, err)
	}
	return resp.StatusCode, data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}
