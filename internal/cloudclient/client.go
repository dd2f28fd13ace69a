// Package cloudclient is the HTTP client for the central cloud endpoint. It
// covers the full surface the sync engine needs: the health probe, outbound
// change pushes, the inbound change feed, cross-clinic patient search, full
// entity graph fetches, and binary artifact transfer.
package cloudclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
)

const (
	defaultTimeout  = 30 * time.Second
	artifactTimeout = 120 * time.Second

	headerClinicID  = "X-Clinic-ID"
	headerSyncToken = "X-Sync-Token"
)

// Client is an HTTP client for the cloud sync endpoint.
type Client struct {
	BaseURL  string
	ClinicID string
	Token    string
	HTTP     *http.Client
	// Artifacts carries a generous timeout for large binary transfers.
	Artifacts *http.Client
}

// New creates a cloud client with the default timeouts.
func New(baseURL, clinicID, token string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ClinicID:  clinicID,
		Token:     token,
		HTTP:      &http.Client{Timeout: defaultTimeout},
		Artifacts: &http.Client{Timeout: artifactTimeout},
	}
}

// Change is the body of a single outbound mutation push.
type Change struct {
	ClinicID   string          `json:"clinicId"`
	Operation  string          `json:"operation"`
	DocumentID string          `json:"documentId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Envelope is a single remote mutation from the inbound change feed.
// Older cloud deployments send the collection under "model".
type Envelope struct {
	Collection     string          `json:"collection,omitempty"`
	Model          string          `json:"model,omitempty"`
	Operation      string          `json:"operation"`
	DocumentID     string          `json:"documentId"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	SourceClinicID string          `json:"sourceClinicId"`
	OccurredAt     time.Time       `json:"occurredAt"`
}

// CollectionName returns the collection regardless of which wire key it came
// under.
func (e Envelope) CollectionName() string {
	if e.Collection != "" {
		return e.Collection
	}
	return e.Model
}

// changesResponse is the body of GET /sync/changes.
type changesResponse struct {
	Changes []Envelope `json:"changes"`
}

// RemoteRecord is one entity in a remote search result or entity graph.
type RemoteRecord struct {
	ID       string          `json:"id"`
	ClinicID string          `json:"clinicId"`
	Data     json.RawMessage `json:"data"`
}

// FullGraph is a primary record plus its recent dependent records grouped by
// collection.
type FullGraph struct {
	Patient RemoteRecord              `json:"patient"`
	Related map[string][]RemoteRecord `json:"related,omitempty"`
}

// Health probes the cloud endpoint. Any error or non-2xx status means the
// endpoint is unreachable; the caller (Connectivity Monitor) interprets it.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create health request: %w", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("health request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{StatusCode: resp.StatusCode}
	}
	return nil
}

// PushChange POSTs one mutation to /sync/{collection}.
func (c *Client) PushChange(ctx context.Context, collection string, ch Change) error {
	return c.do(ctx, "POST", "/sync/"+url.PathEscape(collection), ch, nil)
}

// PullChanges GETs remote mutations for clinicID committed after since.
func (c *Client) PullChanges(ctx context.Context, clinicID string, since time.Time) ([]Envelope, error) {
	params := url.Values{}
	params.Set("clinic", clinicID)
	params.Set("since", since.UTC().Format(time.RFC3339Nano))

	var resp changesResponse
	if err := c.do(ctx, "GET", "/sync/changes?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Changes, nil
}

// SearchPatients runs a remote patient search excluding excludeClinic.
func (c *Client) SearchPatients(ctx context.Context, query map[string]string, excludeClinic string) ([]RemoteRecord, error) {
	params := url.Values{}
	for k, v := range query {
		params.Set(k, v)
	}
	if excludeClinic != "" {
		params.Set("excludeClinic", excludeClinic)
	}

	var resp struct {
		Results []RemoteRecord `json:"results"`
	}
	if err := c.do(ctx, "GET", "/patients/search?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// FetchFullPatient retrieves a patient and its recent dependent records from
// the owning clinic's view of the cloud.
func (c *Client) FetchFullPatient(ctx context.Context, id, sourceClinic string) (*FullGraph, error) {
	params := url.Values{}
	params.Set("sourceClinic", sourceClinic)

	var graph FullGraph
	path := fmt.Sprintf("/patients/%s/full?%s", url.PathEscape(id), params.Encode())
	if err := c.do(ctx, "GET", path, nil, &graph); err != nil {
		return nil, err
	}
	return &graph, nil
}

// FetchImage streams a binary artifact. The caller must close the reader.
func (c *Client) FetchImage(ctx context.Context, id, sourceClinic string) (io.ReadCloser, string, error) {
	params := url.Values{}
	params.Set("sourceClinic", sourceClinic)
	path := fmt.Sprintf("%s/files/images/%s?%s", c.BaseURL, url.PathEscape(id), params.Encode())

	req, err := http.NewRequestWithContext(ctx, "GET", path, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create fetch request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.Artifacts.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch image %s: %w", id, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, "", classifyStatus(resp.StatusCode, body)
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

// UploadArtifact streams a multipart upload of the file at path. The file is
// opened at call time; a missing file is the caller's drain-time failure.
func (c *Client) UploadArtifact(ctx context.Context, path string, metadata map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open artifact %s: %w", path, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if metadata != nil {
		meta, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshal artifact metadata: %w", err)
		}
		if err := mw.WriteField("metadata", string(meta)); err != nil {
			return fmt.Errorf("write metadata field: %w", err)
		}
	}

	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("read artifact %s: %w", path, err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("finish multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/files/upload", &buf)
	if err != nil {
		return fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.setHeaders(req)

	resp, err := c.Artifacts.Do(req)
	if err != nil {
		return fmt.Errorf("upload artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classifyStatus(resp.StatusCode, body)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// --- HTTP helpers ---

// HTTPError is a non-2xx response from the cloud.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// Permanent reports whether err is a protocol-level failure (4xx) that will
// not succeed on retry. Timeouts (408) and rate limits (429) stay transient.
func Permanent(err error) bool {
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden) || errors.Is(err, ErrNotFound) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusRequestTimeout, http.StatusTooManyRequests:
			return false
		}
		return httpErr.StatusCode >= 400 && httpErr.StatusCode < 500
	}
	return false
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set(headerClinicID, c.ClinicID)
	if c.Token != "" {
		req.Header.Set(headerSyncToken, c.Token)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
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
	c.setHeaders(req)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return classifyStatus(resp.StatusCode, respBody)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// apiError is the structured error body the cloud returns.
type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func classifyStatus(status int, body []byte) error {
	msg := string(body)
	var ae apiError
	if json.Unmarshal(body, &ae) == nil && ae.Error.Code != "" {
		msg = ae.Error.Code
		if ae.Error.Message != "" {
			msg = ae.Error.Code + ": " + ae.Error.Message
		}
	}

	switch status {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrForbidden, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	}
	return &HTTPError{StatusCode: status, Body: msg}
}
