package feeds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Fetch error classes. A *FetchError matches exactly one of these with
// errors.Is, except timeouts, which also match ErrFetchTransient.
var (
	ErrFetchTransient = errors.New("transient fetch failure")
	ErrFetchPermanent = errors.New("permanent fetch failure")
	ErrFetchTimeout   = errors.New("fetch timed out")
)

// Kind classifies a failed fetch.
type Kind int

const (
	KindTransient Kind = iota
	KindPermanent
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindPermanent:
		return "permanent"
	case KindTimeout:
		return "timeout"
	}
	return "transient"
}

// FetchError is returned for every failed fetch.
type FetchError struct {
	URL        string
	Kind       Kind
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: %s: status %d", e.URL, e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool {
	switch target {
	case ErrFetchTransient:
		return e.Kind == KindTransient || e.Kind == KindTimeout
	case ErrFetchPermanent:
		return e.Kind == KindPermanent
	case ErrFetchTimeout:
		return e.Kind == KindTimeout
	}
	return false
}

// Retryable reports whether the next scheduled cycle may succeed without
// operator intervention.
func (e *FetchError) Retryable() bool {
	return e.Kind != KindPermanent
}

// FetchRequest carries a feed URL and the validators stored from its last
// successful fetch.
type FetchRequest struct {
	URL          string
	ETag         string
	LastModified string
}

// FetchResult holds the outcome of a conditional feed fetch.
type FetchResult struct {
	Body         []byte // nil when Unchanged is true
	ETag         string // ETag from response (empty if absent)
	LastModified string // Last-Modified from response (empty if absent)
	Unchanged    bool   // true when server returned 304
	FetchedAt    time.Time
}

// Fetcher performs one conditional HTTP retrieval per call. It never touches
// storage.
type Fetcher struct {
	client       *http.Client
	timeout      time.Duration
	userAgent    string
	maxBodyBytes int64
}

// FetcherOptions tune a Fetcher. Zero values select defaults.
type FetcherOptions struct {
	Client       *http.Client
	Timeout      time.Duration
	UserAgent    string
	MaxBodyBytes int64
}

// NewFetcher creates a new feed fetcher
func NewFetcher(opts FetcherOptions) *Fetcher {
	f := &Fetcher{
		client:       opts.Client,
		timeout:      opts.Timeout,
		userAgent:    opts.UserAgent,
		maxBodyBytes: opts.MaxBodyBytes,
	}
	if f.client == nil {
		f.client = &http.Client{}
	}
	if f.timeout <= 0 {
		f.timeout = 30 * time.Second
	}
	if f.userAgent == "" {
		f.userAgent = "Gazette/1.0"
	}
	if f.maxBodyBytes <= 0 {
		f.maxBodyBytes = 10 << 20
	}
	return f
}

// Fetch retrieves a feed document. Stored ETag and Last-Modified values are
// sent as If-None-Match / If-Modified-Since; a 304 yields Unchanged without a
// body. Every failure, including a panic inside the HTTP client, comes back as
// a *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, fr FetchRequest) (result *FetchResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &FetchError{URL: fr.URL, Kind: KindTransient, Err: fmt.Errorf("http client panic: %v", r)}
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fr.URL, nil)
	if err != nil {
		return nil, &FetchError{URL: fr.URL, Kind: KindPermanent, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, */*;q=0.8")
	if fr.ETag != "" {
		req.Header.Set("If-None-Match", fr.ETag)
	}
	if fr.LastModified != "" {
		req.Header.Set("If-Modified-Since", fr.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, f.classify(ctx, fr.URL, err)
	}
	defer resp.Body.Close()

	now := time.Now()
	switch {
	case resp.StatusCode == http.StatusNotModified:
		return &FetchResult{Unchanged: true, FetchedAt: now}, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return nil, &FetchError{URL: fr.URL, Kind: KindTransient, StatusCode: resp.StatusCode}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, &FetchError{URL: fr.URL, Kind: KindPermanent, StatusCode: resp.StatusCode}
	default:
		return nil, &FetchError{URL: fr.URL, Kind: KindTransient, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes+1))
	if err != nil {
		return nil, f.classify(ctx, fr.URL, err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, &FetchError{URL: fr.URL, Kind: KindPermanent, Err: fmt.Errorf("body exceeds %d bytes", f.maxBodyBytes)}
	}

	return &FetchResult{
		Body:         body,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		FetchedAt:    now,
	}, nil
}

func (f *Fetcher) classify(ctx context.Context, url string, err error) *FetchError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &FetchError{URL: url, Kind: KindTimeout, Err: err}
	}
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return &FetchError{URL: url, Kind: KindTimeout, Err: err}
	}
	return &FetchError{URL: url, Kind: KindTransient, Err: err}
}
