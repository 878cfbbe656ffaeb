package scheduler

import (
	"sync"
	"time"

	"github.com/italolelis/groupfetch/internal/downloader"
	"github.com/italolelis/groupfetch/internal/queue"
)

// mailbox is an unbounded queue feeding a runner. Posting never blocks, so
// executors, timers and queue callbacks cannot stall on a busy runner.
type mailbox struct {
	mu     sync.Mutex
	items  []any
	closed bool
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

// post enqueues m. It reports false once the mailbox is closed.
func (mb *mailbox) post(m any) bool {
	mb.mu.Lock()

	if mb.closed {
		mb.mu.Unlock()

		return false
	}

	mb.items = append(mb.items, m)
	mb.mu.Unlock()

	select {
	case mb.signal <- struct{}{}:
	default:
	}

	return true
}

func (mb *mailbox) drain() []any {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	items := mb.items
	mb.items = nil

	return items
}

// close rejects further posts and returns whatever was still queued.
func (mb *mailbox) close() []any {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	mb.closed = true
	items := mb.items
	mb.items = nil

	return items
}

type op int

const (
	opNone op = iota
	opStop
	opFailFast
	opCancel
)

func (o op) String() string {
	switch o {
	case opStop:
		return "stop"
	case opFailFast:
		return "fail-fast"
	case opCancel:
		return "cancel"
	default:
		return "none"
	}
}

type msgGrant struct {
	url     string
	attempt int
	slot    *queue.Slot
}

type msgProgress struct {
	url      string
	attempt  int
	progress downloader.Progress
}

type msgOutcome struct {
	url      string
	attempt  int
	outcome  downloader.Outcome
	duration time.Duration
}

type msgRetry struct {
	url     string
	attempt int
}

type msgControl struct {
	op    op
	reply chan error
}

type msgGrace struct{}
