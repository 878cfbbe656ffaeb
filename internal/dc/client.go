// Package dc wires the download clients (http, s3, put.io) into one transport.
package dc

import (
	"context"
	"fmt"
	"time"

	"github.com/italolelis/groupfetch/internal/dc/putio"
	"github.com/italolelis/groupfetch/internal/dc/s3"
	"github.com/italolelis/groupfetch/internal/dc/web"
	"github.com/italolelis/groupfetch/internal/logctx"
	"github.com/italolelis/groupfetch/internal/telemetry"
	"github.com/italolelis/groupfetch/internal/transfer"
)

type Options struct {
	HTTPTimeout time.Duration

	S3Enabled  bool
	S3Region   string
	S3Endpoint string

	PutioToken string
}

// NewRouter builds a router with the http client always registered and the
// s3 and put.io clients when configured. Every client is instrumented.
func NewRouter(ctx context.Context, opts Options, tel *telemetry.Telemetry) (*transfer.Router, error) {
	logger := logctx.LoggerFromContext(ctx)
	router := transfer.NewRouter()

	webClient := web.NewClient(opts.HTTPTimeout)
	router.Register(transfer.NewInstrumentedTransport(webClient, tel, "web"), "http", "https")

	if opts.S3Enabled {
		s3Client, err := s3.NewClient(ctx, opts.S3Region, opts.S3Endpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 client: %w", err)
		}

		router.Register(transfer.NewInstrumentedTransport(s3Client, tel, "s3"), "s3")
		logger.InfoContext(ctx, "s3 transport enabled", "region", opts.S3Region, "endpoint", opts.S3Endpoint)
	}

	if opts.PutioToken != "" {
		putioClient := putio.NewClient(opts.PutioToken, webClient)
		router.Register(transfer.NewInstrumentedTransport(putioClient, tel, "putio"), "putio")
		logger.InfoContext(ctx, "put.io transport enabled")
	}

	return router, nil
}
