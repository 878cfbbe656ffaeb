package transfer

import (
	"context"
	"io"

	"github.com/italolelis/groupfetch/internal/telemetry"
)

// InstrumentedTransport wraps a Transport with telemetry.
type InstrumentedTransport struct {
	transport Transport
	telemetry *telemetry.Telemetry
	client    string
}

// NewInstrumentedTransport creates a new instrumented transport. client names the
// source kind (web, s3, putio) in metrics.
func NewInstrumentedTransport(t Transport, tel *telemetry.Telemetry, client string) *InstrumentedTransport {
	return &InstrumentedTransport{
		transport: t,
		telemetry: tel,
		client:    client,
	}
}

// ProbeSize probes the content length with telemetry.
func (c *InstrumentedTransport) ProbeSize(ctx context.Context, rawURL string) (int64, error) {
	var size int64

	err := c.telemetry.InstrumentClientOperation(ctx, c.client, "probe_size", func(ctx context.Context) error {
		var err error

		size, err = c.transport.ProbeSize(ctx, rawURL)

		return err
	})

	return size, err
}

// FetchRange opens a range stream with telemetry. Bytes read from the stream
// are counted once it is closed.
func (c *InstrumentedTransport) FetchRange(ctx context.Context, rawURL string, start, end int64) (io.ReadCloser, error) {
	var body io.ReadCloser

	err := c.telemetry.InstrumentClientOperation(ctx, c.client, "fetch_range", func(ctx context.Context) error {
		var err error

		body, err = c.transport.FetchRange(ctx, rawURL, start, end)

		return err
	})
	if err != nil {
		return nil, err
	}

	return &countingBody{ReadCloser: body, record: func(n int64) { c.telemetry.RecordBytes(c.client, n) }}, nil
}

type countingBody struct {
	io.ReadCloser
	n      int64
	record func(int64)
	closed bool
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n += int64(n)

	return n, err
}

func (b *countingBody) Close() error {
	if !b.closed {
		b.closed = true
		b.record(b.n)
	}

	return b.ReadCloser.Close()
}
