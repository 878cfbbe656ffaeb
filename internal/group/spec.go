package group

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strings"
	"time"
)

type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

// RetryPolicy bounds how often a failed sub-task is re-queued. Limit counts
// retries after the first attempt.
type RetryPolicy struct {
	Limit     int           `json:"limit"`
	Backoff   Backoff       `json:"backoff"`
	BaseDelay time.Duration `json:"base_delay"`
	MaxDelay  time.Duration `json:"max_delay,omitempty"`
}

// Delay returns how long to wait before retry n (1-based).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 || p.BaseDelay <= 0 {
		return 0
	}

	d := p.BaseDelay

	if p.Backoff == BackoffExponential {
		for i := 1; i < n && d <= math.MaxInt64/2; i++ {
			d *= 2
			if p.MaxDelay > 0 && d >= p.MaxDelay {
				return p.MaxDelay
			}
		}
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}

	return d
}

func (p RetryPolicy) validate() error {
	if p.Limit < 0 {
		return &ValidationError{Field: "retry.limit", Reason: "must not be negative"}
	}

	switch p.Backoff {
	case BackoffFixed, BackoffExponential, "":
	default:
		return &ValidationError{Field: "retry.backoff", Reason: fmt.Sprintf("unknown backoff %q", p.Backoff)}
	}

	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return &ValidationError{Field: "retry", Reason: "delays must not be negative"}
	}

	return nil
}

// Spec is a group submission.
type Spec struct {
	URLs             []string          `json:"urls"`
	Name             string            `json:"name,omitempty"`
	ConcurrencyLimit int               `json:"concurrency_limit,omitempty"`
	FailFast         bool              `json:"fail_fast,omitempty"`
	Priority         int               `json:"priority,omitempty"`
	Retry            *RetryPolicy      `json:"retry,omitempty"`
	Checksums        map[string]string `json:"checksums,omitempty"`
}

// Key derives the group identity: the explicit name, or a hash of the URL set.
func (s Spec) Key() string {
	if s.Name != "" {
		return s.Name
	}

	urls := append([]string(nil), s.URLs...)
	sort.Strings(urls)

	sum := sha256.Sum256([]byte(strings.Join(urls, "\n")))

	return hex.EncodeToString(sum[:16])
}

// Validate rejects specs that can never produce a group.
func (s Spec) Validate() error {
	if len(s.URLs) == 0 {
		return &ValidationError{Field: "urls", Reason: "at least one url is required"}
	}

	seen := make(map[string]bool, len(s.URLs))

	for _, raw := range s.URLs {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" {
			return &ValidationError{Field: "urls", Reason: fmt.Sprintf("invalid url %q", raw)}
		}

		if seen[raw] {
			return &ValidationError{Field: "urls", Reason: fmt.Sprintf("duplicate url %q", raw)}
		}

		seen[raw] = true
	}

	if s.Name != "" && (strings.ContainsAny(s.Name, `/\`) || s.Name == "." || s.Name == "..") {
		return &ValidationError{Field: "name", Reason: "must not contain path separators"}
	}

	if s.ConcurrencyLimit < 0 {
		return &ValidationError{Field: "concurrency_limit", Reason: "must be at least 1 when set"}
	}

	if s.Retry != nil {
		if err := s.Retry.validate(); err != nil {
			return err
		}
	}

	for u, sum := range s.Checksums {
		if !seen[u] {
			return &ValidationError{Field: "checksums", Reason: fmt.Sprintf("checksum for unknown url %q", u)}
		}

		if b, err := hex.DecodeString(sum); err != nil || len(b) != sha256.Size {
			return &ValidationError{Field: "checksums", Reason: fmt.Sprintf("invalid sha256 for %q", u)}
		}
	}

	return nil
}

// ValidationError rejects a submission before any group is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid group spec: %s: %s", e.Field, e.Reason)
}
