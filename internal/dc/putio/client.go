package putio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/italolelis/groupfetch/internal/logctx"
	"github.com/italolelis/groupfetch/internal/transfer"
	"github.com/putdotio/go-putio"
	"golang.org/x/oauth2"
)

// API is the subset of the Put.io files service used for downloads.
type API interface {
	Get(ctx context.Context, id int64) (putio.File, error)
	URL(ctx context.Context, id int64, useTunnel bool) (string, error)
}

// Client serves putio://<file id> URLs: the file metadata comes from the Put.io
// API and the bytes from the signed download URL it hands out.
type Client struct {
	files API
	web   transfer.Transport
}

// NewClient authenticates with a static OAuth token. Byte ranges are fetched
// through web.
func NewClient(token string, web transfer.Transport) *Client {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	oauthClient := oauth2.NewClient(context.Background(), tokenSource)

	return New(putio.NewClient(oauthClient).Files, web)
}

func New(files API, web transfer.Transport) *Client {
	return &Client{files: files, web: web}
}

func (c *Client) ProbeSize(ctx context.Context, rawURL string) (int64, error) {
	id, err := fileID(rawURL)
	if err != nil {
		return 0, &transfer.TransportError{Op: "probe", URL: rawURL, Err: err}
	}

	file, err := c.files.Get(ctx, id)
	if err != nil {
		return 0, apiError("probe", rawURL, err)
	}

	if file.IsDir() {
		return 0, &transfer.TransportError{Op: "probe", URL: rawURL, Err: fmt.Errorf("file %d is a folder", id)}
	}

	return file.Size, nil
}

// FetchRange resolves a fresh download URL for every call; Put.io download
// links expire.
func (c *Client) FetchRange(ctx context.Context, rawURL string, start, end int64) (io.ReadCloser, error) {
	logger := logctx.LoggerFromContext(ctx)

	id, err := fileID(rawURL)
	if err != nil {
		return nil, &transfer.TransportError{Op: "fetch", URL: rawURL, Err: err}
	}

	link, err := c.files.URL(ctx, id, false)
	if err != nil {
		logger.ErrorContext(ctx, "failed to get file download url", "file_id", id, "err", err)

		return nil, apiError("fetch", rawURL, err)
	}

	return c.web.FetchRange(ctx, link, start, end)
}

func fileID(rawURL string) (int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, err
	}

	raw := u.Host
	if raw == "" {
		raw = u.Opaque
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || u.Scheme != "putio" || id <= 0 {
		return 0, fmt.Errorf("expected putio://<file id>, got %q", rawURL)
	}

	return id, nil
}

func apiError(op, rawURL string, err error) error {
	te := &transfer.TransportError{Op: op, URL: rawURL, Err: err}

	var perr *putio.ErrorResponse
	if errors.As(err, &perr) && perr.Response != nil {
		te.StatusCode = perr.Response.StatusCode

		if te.StatusCode == http.StatusNotFound {
			te.Err = fmt.Errorf("%w: %v", transfer.ErrNotFound, err)
		}
	}

	return te
}
