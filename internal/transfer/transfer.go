package transfer

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
)

// UnknownSize is returned by ProbeSize when the source does not advertise a length.
const UnknownSize int64 = -1

// Transport fetches remote content addressed by URL.
type Transport interface {
	// ProbeSize returns the content length, or UnknownSize.
	ProbeSize(ctx context.Context, rawURL string) (int64, error)
	// FetchRange streams bytes [start, end]. end < 0 reads to the end of the content.
	FetchRange(ctx context.Context, rawURL string, start, end int64) (io.ReadCloser, error)
}

// Router dispatches to a Transport by URL scheme.
type Router struct {
	mu         sync.RWMutex
	transports map[string]Transport
}

func NewRouter() *Router {
	return &Router{transports: make(map[string]Transport)}
}

// Register binds one or more schemes to t, replacing earlier bindings.
func (r *Router) Register(t Transport, schemes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range schemes {
		r.transports[s] = t
	}
}

// Supports reports whether a transport is registered for the URL's scheme.
func (r *Router) Supports(rawURL string) bool {
	_, err := r.lookup(rawURL)

	return err == nil
}

func (r *Router) ProbeSize(ctx context.Context, rawURL string) (int64, error) {
	t, err := r.lookup(rawURL)
	if err != nil {
		return UnknownSize, err
	}

	return t.ProbeSize(ctx, rawURL)
}

func (r *Router) FetchRange(ctx context.Context, rawURL string, start, end int64) (io.ReadCloser, error) {
	t, err := r.lookup(rawURL)
	if err != nil {
		return nil, err
	}

	return t.FetchRange(ctx, rawURL, start, end)
}

func (r *Router) lookup(rawURL string) (Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &TransportError{Op: "route", URL: rawURL, Err: err}
	}

	r.mu.RLock()
	t, ok := r.transports[u.Scheme]
	r.mu.RUnlock()

	if !ok {
		return nil, &TransportError{Op: "route", URL: rawURL, Err: fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)}
	}

	return t, nil
}
