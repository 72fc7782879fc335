package hotlink

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Resolver determines where a source URL ends up and whether it is reachable.
// Failures are reported in the returned Entry, not as errors.
type Resolver interface {
	Resolve(ctx context.Context, src string) Entry
}

// HTTPResolver issues a HEAD request, following redirects, and falls back to
// GET when the server refuses HEAD.
type HTTPResolver struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
}

func NewHTTPResolver(client *http.Client, timeout time.Duration, userAgent string) *HTTPResolver {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if userAgent == "" {
		userAgent = "Gazette/1.0"
	}
	return &HTTPResolver{client: client, timeout: timeout, userAgent: userAgent}
}

func (r *HTTPResolver) Resolve(ctx context.Context, src string) Entry {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := r.do(ctx, http.MethodHead, src)
	if err == nil && (resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented) {
		resp.Body.Close()
		resp, err = r.do(ctx, http.MethodGet, src)
	}
	if err != nil {
		return Entry{Source: src, Err: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Entry{Source: src, Err: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	return Entry{
		Source:      src,
		Target:      resp.Request.URL.String(),
		ContentType: resp.Header.Get("Content-Type"),
		Available:   true,
	}
}

func (r *HTTPResolver) do(ctx context.Context, method, src string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, src, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", r.userAgent)
	return r.client.Do(req)
}
