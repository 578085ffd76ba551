package docs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ignite/appforge/internal/apperr"
	"github.com/ignite/appforge/internal/pkg/httpretry"
)

// HTTPRenderer drives a headless HTML-to-PDF service over HTTP. 429/5xx
// responses are retried up to three times before the job-level retry budget
// takes over.
type HTTPRenderer struct {
	url    string
	client httpretry.Doer
}

// NewHTTPRenderer points at the renderer service. timeout bounds each call
// wall-clock.
func NewHTTPRenderer(url string, timeout time.Duration) *HTTPRenderer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPRenderer{
		url:    url,
		client: httpretry.New(&http.Client{Timeout: timeout}, 3),
	}
}

type renderRequest struct {
	HTML    string        `json:"html"`
	Options RenderOptions `json:"options"`
}

// RenderPDF posts the HTML and normalized options, returning the PDF bytes.
func (r *HTTPRenderer) RenderPDF(ctx context.Context, html string, opts RenderOptions) ([]byte, error) {
	body, err := json.Marshal(renderRequest{HTML: html, Options: opts})
	if err != nil {
		return nil, apperr.New(apperr.CodeDocRenderFailed, "encoding render request: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.New(apperr.CodeDocRenderFailed, "building render request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, apperr.New(apperr.CodeDocRenderFailed, "renderer call failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, apperr.New(apperr.CodeDocRenderFailed, "renderer returned %d: %s",
			resp.StatusCode, fmt.Sprintf("%.200s", string(snippet)))
	}
	pdf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.New(apperr.CodeDocRenderFailed, "reading renderer response: %v", err)
	}
	if len(pdf) == 0 {
		return nil, apperr.New(apperr.CodeDocRenderFailed, "renderer returned an empty document")
	}
	return pdf, nil
}
