package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/scrypster/sessiond/pkg/types"
)

// HTTPSage talks to a collaborator over JSON/HTTP. Events are POSTed to
// /notify, queries to /query. All four collaborator categories share this
// transport; only the base URL and category differ.
type HTTPSage struct {
	category types.SageCategory
	baseURL  string
	client   *http.Client
}

// NewHTTPSage creates an HTTP-backed sage.
func NewHTTPSage(category types.SageCategory, baseURL string, timeout time.Duration) *HTTPSage {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSage{
		category: category,
		baseURL:  baseURL,
		client:   &http.Client{Timeout: timeout},
	}
}

// Category implements Sage.
func (h *HTTPSage) Category() types.SageCategory {
	return h.category
}

// Notify implements Sage.
func (h *HTTPSage) Notify(ctx context.Context, event Event) error {
	return h.post(ctx, "/notify", event, nil)
}

// Query implements Sage.
func (h *HTTPSage) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	var resp QueryResponse
	if err := h.post(ctx, "/query", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (h *HTTPSage) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s sage: failed to marshal request: %w", h.category, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s sage: failed to build request: %w", h.category, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s sage: request failed: %w", h.category, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s sage: unexpected status %d: %s", h.category, resp.StatusCode, snippet)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s sage: failed to decode response: %w", h.category, err)
		}
	}

	return nil
}

// Compile-time check that HTTPSage implements Sage.
var _ Sage = (*HTTPSage)(nil)
