package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/groupfetch/internal/downloader/progress"
	"github.com/italolelis/groupfetch/internal/logctx"
	"github.com/italolelis/groupfetch/internal/transfer"
)

const (
	dirPerm  = 0755
	filePerm = 0644

	partSuffix = ".part"

	DefaultChunkSize        = 8 << 20
	DefaultProgressInterval = time.Second

	copyBufferSize = 32 << 10
)

type OutcomeKind int

const (
	Completed OutcomeKind = iota + 1
	Failed
	Stopped
)

func (k OutcomeKind) String() string {
	switch k {
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Outcome is how one run of a sub-task ended. Bytes is what is on disk.
type Outcome struct {
	Kind       OutcomeKind
	Bytes      int64
	TotalBytes int64
	Err        error
}

type Progress struct {
	Downloaded int64
	Total      int64
}

// Request describes one sub-task run.
type Request struct {
	URL string
	// Path is the final destination; data is staged in Path + ".part".
	Path string
	// Offset is the progress recorded by the store. The part file on disk wins
	// when they disagree.
	Offset     int64
	TotalBytes int64
	Checksum   string
}

func (r Request) PartPath() string {
	return r.Path + partSuffix
}

type partFile interface {
	io.WriterAt
	Truncate(size int64) error
	Sync() error
	Close() error
}

type Option func(*Executor)

func WithChunkSize(n int64) Option {
	return func(e *Executor) {
		if n > 0 {
			e.chunkSize = n
		}
	}
}

func WithProgressInterval(d time.Duration) Option {
	return func(e *Executor) {
		e.progressInterval = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

func withOpenFile(open func(name string) (partFile, error)) Option {
	return func(e *Executor) {
		e.openFile = open
	}
}

// Executor downloads single files in range-sized chunks.
type Executor struct {
	transport        transfer.Transport
	chunkSize        int64
	progressInterval time.Duration
	now              func() time.Time
	openFile         func(name string) (partFile, error)
}

func New(t transfer.Transport, opts ...Option) *Executor {
	e := &Executor{
		transport:        t,
		chunkSize:        DefaultChunkSize,
		progressInterval: DefaultProgressInterval,
		now:              time.Now,
		openFile: func(name string) (partFile, error) {
			return os.OpenFile(name, os.O_CREATE|os.O_WRONLY, filePerm)
		},
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Run downloads req.URL into req.Path. It returns Stopped as soon as ctx is
// cancelled, after syncing what was written so far.
func (e *Executor) Run(ctx context.Context, req Request, onProgress func(Progress)) Outcome {
	logger := logctx.LoggerFromContext(ctx)

	if err := retryOnce(func() error { return os.MkdirAll(filepath.Dir(req.Path), dirPerm) }); err != nil {
		return Outcome{Kind: Failed, TotalBytes: req.TotalBytes, Err: &transfer.StorageError{Op: "mkdir", Path: req.Path, Err: err}}
	}

	offset, hasPart := partSize(req.PartPath())

	total := req.TotalBytes
	if total == transfer.UnknownSize {
		size, err := e.transport.ProbeSize(ctx, req.URL)
		if err != nil {
			return e.interrupted(ctx, req, offset, total, "probe", err)
		}

		total = size
	}

	if !hasPart && total >= 0 {
		if info, err := os.Stat(req.Path); err == nil && info.Mode().IsRegular() && info.Size() == total {
			if err := verifyChecksum(req.Path, req.Checksum); err == nil {
				logger.InfoContext(ctx, "file already downloaded", "target", req.Path)

				return Outcome{Kind: Completed, Bytes: total, TotalBytes: total}
			}
		}
	}

	if total >= 0 && offset > total {
		logger.WarnContext(ctx, "part file larger than source, restarting", "part_size", offset, "total", total)

		offset = 0
	}

	if offset < req.Offset {
		logger.WarnContext(ctx, "part file behind recorded progress", "recorded", req.Offset, "on_disk", offset)
	}

	f, err := e.openFile(req.PartPath())
	if err != nil {
		return Outcome{Kind: Failed, Bytes: offset, TotalBytes: total, Err: &transfer.StorageError{Op: "open", Path: req.PartPath(), Err: err}}
	}

	defer f.Close()

	if err := f.Truncate(offset); err != nil {
		return Outcome{Kind: Failed, Bytes: offset, TotalBytes: total, Err: &transfer.StorageError{Op: "truncate", Path: req.PartPath(), Err: err}}
	}

	logger.InfoContext(ctx, "downloading file",
		"target", req.Path,
		"file_size", sizeString(total),
		"resume_from", humanize.Bytes(uint64(offset)))

	report := func(downloaded, total int64) {
		if onProgress != nil {
			onProgress(Progress{Downloaded: downloaded, Total: total})
		}
	}

	pr := progress.NewReaderWithClock(nil, offset, total, e.progressInterval, e.now, report)
	ranged := true

	for total < 0 || offset < total {
		if ctx.Err() != nil {
			pr.Flush()

			return e.stopped(ctx, f, offset, total)
		}

		end := int64(-1)
		if total >= 0 && ranged {
			end = min(offset+e.chunkSize, total) - 1
		}

		body, err := e.transport.FetchRange(ctx, req.URL, offset, end)
		if err != nil {
			if errors.Is(err, transfer.ErrRangeNotSupported) && offset > 0 && ranged {
				logger.WarnContext(ctx, "source does not support ranges, restarting from the first byte", "discarded", humanize.Bytes(uint64(offset)))

				if err := f.Truncate(0); err != nil {
					return Outcome{Kind: Failed, Bytes: offset, TotalBytes: total, Err: &transfer.StorageError{Op: "truncate", Path: req.PartPath(), Err: err}}
				}

				offset = 0
				ranged = false
				pr = progress.NewReaderWithClock(nil, 0, total, e.progressInterval, e.now, report)

				continue
			}

			pr.Flush()

			return e.interrupted(ctx, req, offset, total, "fetch", err)
		}

		pr.Reader = body
		n, err := copyAt(ctx, f, pr, offset)
		body.Close()

		offset += n

		if err != nil {
			pr.Flush()

			if transfer.IsStorage(err) {
				return Outcome{Kind: Failed, Bytes: offset, TotalBytes: total, Err: err}
			}

			if ctx.Err() != nil {
				return e.stopped(ctx, f, offset, total)
			}

			return e.interrupted(ctx, req, offset, total, "read", err)
		}

		if end < 0 {
			if total >= 0 && offset < total {
				return e.interrupted(ctx, req, offset, total, "read", io.ErrUnexpectedEOF)
			}

			total = offset

			break
		}

		if n == 0 {
			return e.interrupted(ctx, req, offset, total, "read", io.ErrUnexpectedEOF)
		}
	}

	pr.Flush()

	if err := f.Sync(); err != nil {
		return Outcome{Kind: Failed, Bytes: offset, TotalBytes: total, Err: &transfer.StorageError{Op: "sync", Path: req.PartPath(), Err: err}}
	}

	if err := f.Close(); err != nil {
		return Outcome{Kind: Failed, Bytes: offset, TotalBytes: total, Err: &transfer.StorageError{Op: "close", Path: req.PartPath(), Err: err}}
	}

	if err := verifyChecksum(req.PartPath(), req.Checksum); err != nil {
		if rmErr := os.Remove(req.PartPath()); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			logger.ErrorContext(ctx, "failed to remove corrupt part file", "err", rmErr)
		}

		return Outcome{Kind: Failed, TotalBytes: total, Err: err}
	}

	if err := retryOnce(func() error { return os.Rename(req.PartPath(), req.Path) }); err != nil {
		return Outcome{Kind: Failed, Bytes: offset, TotalBytes: total, Err: &transfer.StorageError{Op: "rename", Path: req.Path, Err: err}}
	}

	logger.InfoContext(ctx, "downloaded and saved file", "target", req.Path, "file_size", humanize.Bytes(uint64(offset)))

	return Outcome{Kind: Completed, Bytes: offset, TotalBytes: total}
}

// Discard removes the partial artifact of req. Completed files are kept.
func (e *Executor) Discard(req Request) error {
	if err := os.Remove(req.PartPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &transfer.StorageError{Op: "remove", Path: req.PartPath(), Err: err}
	}

	return nil
}

func (e *Executor) stopped(ctx context.Context, f partFile, offset, total int64) Outcome {
	if err := f.Sync(); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to sync part file on stop", "err", err)
	}

	return Outcome{Kind: Stopped, Bytes: offset, TotalBytes: total, Err: context.Cause(ctx)}
}

// interrupted classifies a transport-side error: a cancelled context means the
// run was stopped, anything else is a transport failure.
func (e *Executor) interrupted(ctx context.Context, req Request, offset, total int64, op string, err error) Outcome {
	if ctx.Err() != nil {
		return Outcome{Kind: Stopped, Bytes: offset, TotalBytes: total, Err: context.Cause(ctx)}
	}

	var te *transfer.TransportError
	if !errors.As(err, &te) {
		err = &transfer.TransportError{Op: op, URL: req.URL, Err: err}
	}

	return Outcome{Kind: Failed, Bytes: offset, TotalBytes: total, Err: err}
}

func copyAt(ctx context.Context, f io.WriterAt, r io.Reader, offset int64) (int64, error) {
	buf := make([]byte, copyBufferSize)

	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, rerr := r.Read(buf)
		if n > 0 {
			if err := writeAt(f, buf[:n], offset+written); err != nil {
				return written, err
			}

			written += int64(n)
		}

		if errors.Is(rerr, io.EOF) {
			return written, nil
		}

		if rerr != nil {
			return written, rerr
		}
	}
}

// writeAt retries a failed local write once before giving up.
func writeAt(f io.WriterAt, p []byte, off int64) error {
	n, err := f.WriteAt(p, off)
	if err == nil {
		return nil
	}

	if _, err := f.WriteAt(p[n:], off+int64(n)); err != nil {
		return &transfer.StorageError{Op: "write", Path: fileName(f), Err: err}
	}

	return nil
}

func retryOnce(fn func() error) error {
	if err := fn(); err == nil {
		return nil
	}

	return fn()
}

func partSize(path string) (int64, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return 0, false
	}

	return info.Size(), true
}

func verifyChecksum(path, expected string) error {
	if expected == "" {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return &transfer.StorageError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return &transfer.StorageError{Op: "read", Path: path, Err: err}
	}

	if actual := hex.EncodeToString(h.Sum(nil)); actual != expected {
		return &transfer.ChecksumError{Path: path, Expected: expected, Actual: actual}
	}

	return nil
}

func fileName(f any) string {
	if n, ok := f.(interface{ Name() string }); ok {
		return n.Name()
	}

	return fmt.Sprintf("%T", f)
}

func sizeString(n int64) string {
	if n < 0 {
		return "unknown"
	}

	return humanize.Bytes(uint64(n))
}
