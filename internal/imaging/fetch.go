package imaging

import (
	"context"
	"fmt"
	"image"
	"io"
	"net/http"
	"time"
)

// Fetcher downloads catalog images over HTTP. Redirects are followed, each
// request is bounded by the configured timeout, and non-2xx responses are
// treated as failures.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	maxEdge  int
}

// NewFetcher creates a fetcher. timeout bounds each download so one unreachable
// image source cannot stall a rebuild; maxBytes caps the response body read;
// maxEdge is the long-edge downscale cap applied after decoding.
func NewFetcher(timeout time.Duration, maxBytes int64, maxEdge int) *Fetcher {
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
		maxEdge:  maxEdge,
	}
}

// FetchImage downloads, decodes, and normalizes the image at url.
func (f *Fetcher) FetchImage(ctx context.Context, url string) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch image: unexpected status %d", resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes)
	}
	return DecodeImage(body, f.maxEdge)
}
