package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/italolelis/groupfetch/internal/transfer"
)

// API is the subset of the S3 client used for downloads.
type API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Client serves s3://bucket/key URLs.
type Client struct {
	api API
}

// NewClient loads the default AWS configuration (environment, shared config,
// instance role). A custom endpoint switches to path-style addressing for
// S3-compatible stores.
func NewClient(ctx context.Context, region, endpoint string) (*Client, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return New(client), nil
}

func New(api API) *Client {
	return &Client{api: api}
}

func (c *Client) ProbeSize(ctx context.Context, rawURL string) (int64, error) {
	bucket, key, err := parse(rawURL)
	if err != nil {
		return 0, &transfer.TransportError{Op: "probe", URL: rawURL, Err: err}
	}

	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, wrap("probe", rawURL, err)
	}

	if out.ContentLength == nil {
		return transfer.UnknownSize, nil
	}

	return aws.ToInt64(out.ContentLength), nil
}

func (c *Client) FetchRange(ctx context.Context, rawURL string, start, end int64) (io.ReadCloser, error) {
	bucket, key, err := parse(rawURL)
	if err != nil {
		return nil, &transfer.TransportError{Op: "fetch", URL: rawURL, Err: err}
	}

	in := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}

	switch {
	case end >= 0:
		in.Range = aws.String(fmt.Sprintf("bytes=%d-%d", start, end))
	case start > 0:
		in.Range = aws.String(fmt.Sprintf("bytes=%d-", start))
	}

	out, err := c.api.GetObject(ctx, in)
	if err != nil {
		return nil, wrap("fetch", rawURL, err)
	}

	return out.Body, nil
}

func parse(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", err
	}

	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("expected s3://bucket/key, got %q", rawURL)
	}

	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("missing object key in %q", rawURL)
	}

	return u.Host, key, nil
}

func wrap(op, rawURL string, err error) error {
	var (
		notFound *types.NotFound
		noKey    *types.NoSuchKey
		status   interface{ HTTPStatusCode() int }
	)

	te := &transfer.TransportError{Op: op, URL: rawURL, Err: err}

	if errors.As(err, &status) {
		te.StatusCode = status.HTTPStatusCode()
	}

	if errors.As(err, &notFound) || errors.As(err, &noKey) {
		te.Err = fmt.Errorf("%w: %v", transfer.ErrNotFound, err)
	}

	return te
}
