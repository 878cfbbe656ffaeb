package web

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/italolelis/groupfetch/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const userAgent = "groupfetch"

// Client fetches http(s) URLs with range requests.
type Client struct {
	httpClient *http.Client
}

// NewClient builds a client whose requests are traced with otelhttp. Timeout
// bounds how long to wait for response headers; bodies can take as long as
// they need.
func NewClient(timeout time.Duration) *Client {
	base := http.DefaultTransport.(*http.Transport).Clone()
	if timeout > 0 {
		base.ResponseHeaderTimeout = timeout
	}

	return &Client{
		httpClient: &http.Client{Transport: otelhttp.NewTransport(base)},
	}
}

// NewClientWith wraps an existing http.Client.
func NewClientWith(c *http.Client) *Client {
	return &Client{httpClient: c}
}

// HTTPClient exposes the underlying client so other transports can reuse it.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// ProbeSize issues a HEAD request. Servers that reject HEAD or omit the length
// report an unknown size.
func (c *Client) ProbeSize(ctx context.Context, rawURL string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return 0, &transfer.TransportError{Op: "probe", URL: rawURL, Err: err}
	}

	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, &transfer.TransportError{Op: "probe", URL: rawURL, Err: err}
	}

	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented:
		return transfer.UnknownSize, nil
	case resp.StatusCode >= http.StatusBadRequest:
		return 0, statusError("probe", rawURL, resp.StatusCode)
	case resp.ContentLength < 0:
		return transfer.UnknownSize, nil
	default:
		return resp.ContentLength, nil
	}
}

// FetchRange requests bytes [start, end] (end < 0 means to the end). A server
// that answers a ranged request with the full body yields
// transfer.ErrRangeNotSupported.
func (c *Client) FetchRange(ctx context.Context, rawURL string, start, end int64) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &transfer.TransportError{Op: "fetch", URL: rawURL, Err: err}
	}

	req.Header.Set("User-Agent", userAgent)

	if r := rangeHeader(start, end); r != "" {
		req.Header.Set("Range", r)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &transfer.TransportError{Op: "fetch", URL: rawURL, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		return resp.Body, nil
	case resp.StatusCode == http.StatusOK && start == 0:
		return resp.Body, nil
	case resp.StatusCode == http.StatusOK:
		resp.Body.Close()

		return nil, &transfer.TransportError{Op: "fetch", URL: rawURL, StatusCode: resp.StatusCode, Err: transfer.ErrRangeNotSupported}
	default:
		resp.Body.Close()

		return nil, statusError("fetch", rawURL, resp.StatusCode)
	}
}

func rangeHeader(start, end int64) string {
	switch {
	case end >= 0:
		return "bytes=" + strconv.FormatInt(start, 10) + "-" + strconv.FormatInt(end, 10)
	case start > 0:
		return "bytes=" + strconv.FormatInt(start, 10) + "-"
	default:
		return ""
	}
}

func statusError(op, rawURL string, status int) error {
	err := fmt.Errorf("unexpected status %s", http.StatusText(status))
	if status == http.StatusNotFound || status == http.StatusGone {
		err = transfer.ErrNotFound
	}

	return &transfer.TransportError{Op: op, URL: rawURL, StatusCode: status, Err: err}
}
