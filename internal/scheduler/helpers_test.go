package scheduler

import (
	"context"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/groupfetch/internal/downloader"
	"github.com/italolelis/groupfetch/internal/events"
	"github.com/italolelis/groupfetch/internal/group"
	"github.com/italolelis/groupfetch/internal/queue"
	"github.com/italolelis/groupfetch/internal/storage/memory"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type script func(ctx context.Context, req downloader.Request, onProgress func(downloader.Progress)) downloader.Outcome

// fakeExecutor runs a script per URL; URLs without one complete at once.
type fakeExecutor struct {
	mu        sync.Mutex
	scripts   map[string]script
	requests  []downloader.Request
	discarded []string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{scripts: make(map[string]script)}
}

func (f *fakeExecutor) on(url string, s script) *fakeExecutor {
	f.mu.Lock()
	f.scripts[url] = s
	f.mu.Unlock()

	return f
}

func (f *fakeExecutor) Run(ctx context.Context, req downloader.Request, onProgress func(downloader.Progress)) downloader.Outcome {
	f.mu.Lock()
	s := f.scripts[req.URL]
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if s == nil {
		return downloader.Outcome{Kind: downloader.Completed, Bytes: 10, TotalBytes: 10}
	}

	return s(ctx, req, onProgress)
}

func (f *fakeExecutor) Discard(req downloader.Request) error {
	f.mu.Lock()
	f.discarded = append(f.discarded, req.URL)
	f.mu.Unlock()

	return nil
}

func (f *fakeExecutor) discardedURLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.discarded...)
}

func (f *fakeExecutor) requestsFor(url string) []downloader.Request {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []downloader.Request

	for _, r := range f.requests {
		if r.URL == url {
			out = append(out, r)
		}
	}

	return out
}

// gated completes when gate closes and stops when its context is cancelled.
func gated(gate <-chan struct{}) script {
	return func(ctx context.Context, _ downloader.Request, _ func(downloader.Progress)) downloader.Outcome {
		select {
		case <-gate:
			return downloader.Outcome{Kind: downloader.Completed, Bytes: 10, TotalBytes: 10}
		case <-ctx.Done():
			return downloader.Outcome{Kind: downloader.Stopped, Bytes: 5, TotalBytes: 10, Err: context.Cause(ctx)}
		}
	}
}

// stubborn ignores cancellation and only returns when gate closes.
func stubborn(gate <-chan struct{}) script {
	return func(context.Context, downloader.Request, func(downloader.Progress)) downloader.Outcome {
		<-gate

		return downloader.Outcome{Kind: downloader.Completed, Bytes: 10, TotalBytes: 10}
	}
}

func failing(err error) script {
	return func(context.Context, downloader.Request, func(downloader.Progress)) downloader.Outcome {
		return downloader.Outcome{Kind: downloader.Failed, TotalBytes: 10, Err: err}
	}
}

// streaming reports progress every millisecond until cancelled.
func streaming() script {
	return func(ctx context.Context, _ downloader.Request, onProgress func(downloader.Progress)) downloader.Outcome {
		var n int64

		for {
			select {
			case <-ctx.Done():
				return downloader.Outcome{Kind: downloader.Stopped, Bytes: n, TotalBytes: 1_000, Err: context.Cause(ctx)}
			case <-time.After(time.Millisecond):
				n++
				onProgress(downloader.Progress{Downloaded: n, Total: 1_000})
			}
		}
	}
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func newRecorder(d *events.Dispatcher) *recorder {
	r := &recorder{}
	d.RegisterAll(events.Filter{AllSubTasks: true}, r.handle)

	return r
}

func (r *recorder) handle(_ context.Context, e events.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()

	return nil
}

func (r *recorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]events.Event(nil), r.events...)
}

// names renders the recorded events of the given kinds as "kind name", where
// name is the last URL segment, or just "kind" for group events.
func (r *recorder) names(kinds ...events.Kind) []string {
	want := make(map[events.Kind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}

	var out []string

	for _, e := range r.all() {
		if !want[e.Kind] {
			continue
		}

		if e.URL == "" {
			out = append(out, string(e.Kind))
		} else {
			out = append(out, string(e.Kind)+" "+path.Base(e.URL))
		}
	}

	return out
}

func (r *recorder) count(kind events.Kind, url string) int {
	n := 0

	for _, e := range r.all() {
		if e.Kind == kind && e.URL == url {
			n++
		}
	}

	return n
}

type fixture struct {
	s     *Scheduler
	store *memory.Store
	queue *queue.Manager
	rec   *recorder
	d     *events.Dispatcher
	dir   string
}

func newFixture(t *testing.T, limit int, exec Executor, opts Options) *fixture {
	t.Helper()

	if opts.DownloadDir == "" {
		opts.DownloadDir = t.TempDir()
	}

	store := memory.New()
	q := queue.NewManager(limit, nil)
	d := events.NewDispatcher(time.Second, nil)
	rec := newRecorder(d)
	s := New(context.Background(), store, q, d, exec, opts, nil)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()

		_ = s.Shutdown(ctx)
	})

	return &fixture{s: s, store: store, queue: q, rec: rec, d: d, dir: opts.DownloadDir}
}

func waitDone(t *testing.T, h *Handle) *group.Group {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	g, err := h.Wait(ctx)
	require.NoError(t, err)

	return g
}

func countStates(g *group.Group) map[group.State]int {
	out := make(map[group.State]int)
	for _, st := range g.SubTasks {
		out[st.State]++
	}

	return out
}
