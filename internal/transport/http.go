package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Wire headers of a chunk.
const (
	HeaderSession = "X-Domrec-Session"
	HeaderHit     = "X-Domrec-Hit"
	HeaderOffset  = "X-Domrec-Offset"
	HeaderFinal   = "X-Domrec-Final"
	ContentType   = "application/x-ndjson"
)

// HTTPSender POSTs chunks. Any 2xx status is an acknowledgment.
type HTTPSender struct {
	client *http.Client
}

// NewHTTPSender returns a sender using client, or a client with a 10 s
// timeout when nil.
func NewHTTPSender(client *http.Client) *HTTPSender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSender{client: client}
}

func (h *HTTPSender) Send(ctx context.Context, endpoint string, c Chunk) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(c.Data))
	if err != nil {
		return fmt.Errorf("transport: new request: %w", err)
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set(HeaderSession, c.Session)
	req.Header.Set(HeaderHit, c.Hit)
	req.Header.Set(HeaderOffset, strconv.FormatUint(c.Offset, 10))
	if c.Final {
		req.Header.Set(HeaderFinal, "1")
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("transport: post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("transport: status %d", e.Code) }

// CheckRequest is the body of a resource hash-check.
type CheckRequest struct {
	Hashes []string `json:"hashes"`
}

// CheckResponse lists the hashes the collector does not have.
type CheckResponse struct {
	Missing []string `json:"missing"`
}

// ResourceClient talks to the resource side channel of the collector.
type ResourceClient struct {
	base   string
	client *http.Client
}

// NewResourceClient targets base, the collector root URL.
func NewResourceClient(base string, client *http.Client) *ResourceClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &ResourceClient{base: base, client: client}
}

// Check returns the subset of hashes the collector is missing.
func (r *ResourceClient) Check(ctx context.Context, hashes []string) ([]string, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(CheckRequest{Hashes: hashes})
	if err != nil {
		return nil, fmt.Errorf("transport: check: marshal: %w", err)
	}
	u, err := url.JoinPath(r.base, "v1", "resources", "check")
	if err != nil {
		return nil, fmt.Errorf("transport: check: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transport: check: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transport: check: %w", &StatusError{Code: resp.StatusCode})
	}
	var out CheckResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("transport: check: decode: %w", err)
	}
	return out.Missing, nil
}

// Upload stores a resource body under its hash.
func (r *ResourceClient) Upload(ctx context.Context, hash string, body []byte) error {
	u, err := url.JoinPath(r.base, "v1", "resources", hash)
	if err != nil {
		return fmt.Errorf("transport: upload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("transport: upload: %w", err)
	}
	req.Header.Set("Content-Type", "text/css; charset=utf-8")
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("transport: upload: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("transport: upload: %w", &StatusError{Code: resp.StatusCode})
	}
	return nil
}
