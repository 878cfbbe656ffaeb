package transfer

import (
	"errors"
	"fmt"
)

var (
	// ErrRangeNotSupported means the source ignored a range request and the
	// download has to start over from the first byte.
	ErrRangeNotSupported = errors.New("transfer: source does not support range requests")
	ErrNotFound          = errors.New("transfer: resource not found")
	ErrUnsupportedScheme = errors.New("transfer: unsupported url scheme")
)

// TransportError represents network and remote API failures while talking to a
// source. The scheduler retries these according to the group's retry policy.
type TransportError struct {
	Op         string // probe, fetch, read
	URL        string
	StatusCode int // HTTP status code, if applicable (0 for non-HTTP errors)
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transport error during %s of %s (HTTP %d): %v", e.Op, e.URL, e.StatusCode, e.Err)
	}

	return fmt.Sprintf("transport error during %s of %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StorageError represents a local write failure.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s of %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ChecksumError means the downloaded bytes do not match the expected digest.
type ChecksumError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

// IsStorage reports whether err is a local storage failure.
func IsStorage(err error) bool {
	var se *StorageError

	return errors.As(err, &se)
}
