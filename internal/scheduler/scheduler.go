// Package scheduler runs download groups: admission through the slot queue,
// retries, stop, cancel and resume, and the aggregate outcome of each group.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/italolelis/groupfetch/internal/downloader"
	"github.com/italolelis/groupfetch/internal/events"
	"github.com/italolelis/groupfetch/internal/group"
	"github.com/italolelis/groupfetch/internal/logctx"
	"github.com/italolelis/groupfetch/internal/queue"
	"github.com/italolelis/groupfetch/internal/storage"
	"github.com/italolelis/groupfetch/internal/telemetry"
)

const (
	DefaultGracePeriod  = 10 * time.Second
	DefaultSaveInterval = 2 * time.Second
)

var (
	ErrGroupActive  = errors.New("group is already active")
	ErrNotActive    = errors.New("group is not active")
	ErrNotResumable = errors.New("group is not resumable")
	ErrShuttingDown = errors.New("scheduler is shutting down")
)

// Executor runs one sub-task download.
type Executor interface {
	Run(ctx context.Context, req downloader.Request, onProgress func(downloader.Progress)) downloader.Outcome
	Discard(req downloader.Request) error
}

type Options struct {
	DownloadDir  string
	DefaultRetry group.RetryPolicy
	// GracePeriod bounds how long a stop waits for executors before their
	// slots are reclaimed.
	GracePeriod  time.Duration
	SaveInterval time.Duration
	// Supports rejects URLs no transport can serve. Nil accepts every scheme.
	Supports func(rawURL string) bool
}

type Scheduler struct {
	base     context.Context
	store    storage.GroupStore
	queue    *queue.Manager
	events   *events.Dispatcher
	executor Executor
	opts     Options
	tel      *telemetry.Telemetry
	now      func() time.Time

	mu      sync.Mutex
	runners map[string]*runner
	closed  bool
}

// New creates a scheduler. Runners inherit base: its logger and its
// cancellation, which stops every running group.
func New(base context.Context, store storage.GroupStore, q *queue.Manager, d *events.Dispatcher, exec Executor, opts Options, tel *telemetry.Telemetry) *Scheduler {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}

	if opts.SaveInterval < 0 {
		opts.SaveInterval = 0
	}

	return &Scheduler{
		base:     base,
		store:    store,
		queue:    q,
		events:   d,
		executor: exec,
		opts:     opts,
		tel:      tel,
		now:      time.Now,
		runners:  make(map[string]*runner),
	}
}

// Handle follows one run of a group.
type Handle struct {
	Key string

	r *runner
}

// Done is closed when the run ends: completed, failed, stopped or cancelled.
func (h *Handle) Done() <-chan struct{} {
	return h.r.done
}

// Snapshot returns the latest state of the group.
func (h *Handle) Snapshot() *group.Group {
	return h.r.snapshot()
}

// Wait blocks until the run ends and returns the final snapshot.
func (h *Handle) Wait(ctx context.Context) (*group.Group, error) {
	select {
	case <-h.r.done:
		return h.r.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Submit validates spec and starts the group. A stored group with the same key
// and URL set that never finished continues from its recorded progress.
func (s *Scheduler) Submit(ctx context.Context, spec group.Spec) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	if s.opts.Supports != nil {
		for _, u := range spec.URLs {
			if !s.opts.Supports(u) {
				return nil, &group.ValidationError{Field: "urls", Reason: fmt.Sprintf("unsupported scheme in %q", u)}
			}
		}
	}

	key := spec.Key()
	logger := logctx.LoggerFromContext(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrShuttingDown
	}

	if _, ok := s.runners[key]; ok {
		return nil, ErrGroupActive
	}

	retry := s.opts.DefaultRetry
	if spec.Retry != nil {
		retry = *spec.Retry
	}

	stored, err := s.store.Load(ctx, key)

	var g *group.Group

	switch {
	case err == nil && !stored.State.IsTerminal() && stored.SameURLs(spec.URLs):
		logger.InfoContext(ctx, "continuing stored group", "group_key", key, "state", stored.State)

		g = stored
		g.ConcurrencyLimit = spec.ConcurrencyLimit
		g.FailFast = spec.FailFast
		g.Priority = spec.Priority
		g.Retry = retry

		for _, st := range g.SubTasks {
			if c, ok := spec.Checksums[st.URL]; ok {
				st.Checksum = c
			}
		}
	case err == nil || errors.Is(err, storage.ErrNotFound):
		g = group.New(spec, retry, s.now())
	default:
		return nil, &storage.PersistenceError{Op: "load", Key: key, Err: err}
	}

	return s.startLocked(ctx, g, false)
}

// Resume restarts a stopped or interrupted group from its stored progress.
func (s *Scheduler) Resume(ctx context.Context, key string) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrShuttingDown
	}

	if _, ok := s.runners[key]; ok {
		return nil, ErrGroupActive
	}

	g, err := s.store.Load(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	if err != nil {
		return nil, &storage.PersistenceError{Op: "load", Key: key, Err: err}
	}

	if g.State.IsTerminal() {
		return nil, fmt.Errorf("%w: group %s is %s", ErrNotResumable, key, g.State)
	}

	return s.startLocked(ctx, g, true)
}

func (s *Scheduler) startLocked(ctx context.Context, g *group.Group, resumed bool) (*Handle, error) {
	for _, st := range g.SubTasks {
		if st.State == group.StateCompleted {
			continue
		}

		st.State = group.StateCreated
		st.RetryCount = 0
	}

	g.State = group.StatePreparing
	g.Report = nil
	g.UpdatedAt = s.now()
	g.Recount()

	if err := s.store.Save(ctx, g); err != nil {
		return nil, &storage.PersistenceError{Op: "save", Key: g.Key, Err: err}
	}

	r := newRunner(s, g, resumed)
	s.runners[g.Key] = r

	s.tel.AddActiveGroups(1)

	go r.run()

	return &Handle{Key: g.Key, r: r}, nil
}

// Stop pauses an active group. Partial downloads are kept so the group can be
// resumed. Stop returns once the group is stopped and saved. Called by an
// observer of the same group with the ctx it was handed, Stop only queues the
// request and returns.
func (s *Scheduler) Stop(ctx context.Context, key string) error {
	return s.control(ctx, key, opStop)
}

// Cancel aborts a group and discards its partial downloads. Completed files
// are kept. A stored group that is not running can be cancelled as well.
// Observers are treated as in Stop.
func (s *Scheduler) Cancel(ctx context.Context, key string) error {
	err := s.control(ctx, key, opCancel)
	if !errors.Is(err, ErrNotActive) {
		return err
	}

	return s.cancelStored(ctx, key)
}

func (s *Scheduler) control(ctx context.Context, key string, o op) error {
	s.mu.Lock()
	r, ok := s.runners[key]
	s.mu.Unlock()

	if !ok {
		return ErrNotActive
	}

	reply := make(chan error, 1)

	if emittedBy(ctx) == r {
		// The runner is blocked delivering the event to this caller.
		if !r.mb.post(msgControl{op: o, reply: reply}) {
			return ErrNotActive
		}

		return nil
	}

	if !r.mb.post(msgControl{op: o, reply: reply}) {
		// The run is already finishing on its own.
		select {
		case <-r.done:
			return ErrNotActive
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var err error

	select {
	case err = <-reply:
	case <-ctx.Done():
		return ctx.Err()
	}

	// The group is saved; wait for the runner to leave the active set.
	select {
	case <-r.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) cancelStored(ctx context.Context, key string) error {
	g, cancelled, err := s.cancelStoredLocked(ctx, key)
	if err != nil {
		return err
	}

	// Observers run outside the lock so they may call back into the scheduler.
	for _, st := range cancelled {
		s.emit(ctx, events.SubTaskCancel, g, st, nil)
	}

	s.emit(ctx, events.TaskCancel, g, nil, nil)
	s.tel.RecordGroupFinished(string(group.StateCancelled))

	return nil
}

func (s *Scheduler) cancelStoredLocked(ctx context.Context, key string) (*group.Group, []*group.SubTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runners[key]; ok {
		return nil, nil, ErrGroupActive
	}

	g, err := s.store.Load(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, err
	}

	if err != nil {
		return nil, nil, &storage.PersistenceError{Op: "load", Key: key, Err: err}
	}

	if g.State.IsTerminal() {
		return nil, nil, fmt.Errorf("%w: group %s is %s", ErrNotActive, key, g.State)
	}

	logger := logctx.LoggerFromContext(ctx)

	var cancelled []*group.SubTask

	for _, st := range g.SubTasks {
		if st.State == group.StateCompleted {
			continue
		}

		if err := s.executor.Discard(s.request(g, st)); err != nil {
			logger.WarnContext(ctx, "failed to discard partial download", "group_key", key, "url", st.URL, "err", err)
		}

		st.State = group.StateCancelled
		st.DownloadedBytes = 0
		cancelled = append(cancelled, st)
	}

	g.State = group.StateCancelled
	g.UpdatedAt = s.now()
	g.Recount()

	if err := s.store.Save(ctx, g); err != nil {
		return nil, nil, &storage.PersistenceError{Op: "save", Key: key, Err: err}
	}

	return g, cancelled, nil
}

// Recover marks groups interrupted by a restart as stopped and returns every
// resumable group. Nothing is resumed automatically.
func (s *Scheduler) Recover(ctx context.Context) ([]*group.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.store.List(ctx)
	if err != nil {
		return nil, &storage.PersistenceError{Op: "list", Err: err}
	}

	logger := logctx.LoggerFromContext(ctx)

	var out []*group.Group

	for _, g := range storage.Resumable(all) {
		if _, active := s.runners[g.Key]; active {
			continue
		}

		if g.State != group.StateStopped {
			logger.InfoContext(ctx, "marking interrupted group as stopped", "group_key", g.Key, "state", g.State)

			for _, st := range g.SubTasks {
				if !st.State.IsTerminal() {
					st.State = group.StateStopped
				}
			}

			g.State = group.StateStopped
			g.UpdatedAt = s.now()

			if err := s.store.Save(ctx, g); err != nil {
				return nil, &storage.PersistenceError{Op: "save", Key: g.Key, Err: err}
			}
		}

		out = append(out, g)
	}

	return out, nil
}

// Get returns the live snapshot of an active group or the stored record.
func (s *Scheduler) Get(ctx context.Context, key string) (*group.Group, error) {
	s.mu.Lock()
	r, ok := s.runners[key]
	s.mu.Unlock()

	if ok {
		return r.snapshot(), nil
	}

	g, err := s.store.Load(ctx, key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, &storage.PersistenceError{Op: "load", Key: key, Err: err}
	}

	return g, err
}

// List returns every known group, with live snapshots for active ones.
func (s *Scheduler) List(ctx context.Context) ([]*group.Group, error) {
	stored, err := s.store.List(ctx)
	if err != nil {
		return nil, &storage.PersistenceError{Op: "list", Err: err}
	}

	s.mu.Lock()

	live := make(map[string]*group.Group, len(s.runners))
	for key, r := range s.runners {
		live[key] = r.snapshot()
	}

	s.mu.Unlock()

	out := make([]*group.Group, 0, len(stored))

	for _, g := range stored {
		if snap, ok := live[g.Key]; ok {
			g = snap
			delete(live, g.Key)
		}

		out = append(out, g)
	}

	for _, g := range live {
		out = append(out, g)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })

	return out, nil
}

// Resumable returns stored groups that are neither finished nor running.
func (s *Scheduler) Resumable(ctx context.Context) ([]*group.Group, error) {
	stored, err := s.store.List(ctx)
	if err != nil {
		return nil, &storage.PersistenceError{Op: "list", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*group.Group, 0, len(stored))

	for _, g := range storage.Resumable(stored) {
		if _, active := s.runners[g.Key]; !active {
			out = append(out, g)
		}
	}

	return out, nil
}

// Active reports whether key has a running scheduler.
func (s *Scheduler) Active(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.runners[key]

	return ok
}

// Delete forgets an inactive group. Downloaded files are left on disk.
func (s *Scheduler) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runners[key]; ok {
		return ErrGroupActive
	}

	if _, err := s.store.Load(ctx, key); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return err
		}

		return &storage.PersistenceError{Op: "load", Key: key, Err: err}
	}

	if err := s.store.Delete(ctx, key); err != nil {
		return &storage.PersistenceError{Op: "delete", Key: key, Err: err}
	}

	return nil
}

// Shutdown stops every active group and waits for them to be saved.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true

	runners := make([]*runner, 0, len(s.runners))
	for _, r := range s.runners {
		runners = append(runners, r)
	}

	s.mu.Unlock()

	var errs []error

	for _, r := range runners {
		if err := s.Stop(ctx, r.key); err != nil && !errors.Is(err, ErrNotActive) {
			errs = append(errs, fmt.Errorf("failed to stop group %s: %w", r.key, err))

			continue
		}

		select {
		case <-r.done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("failed to stop group %s: %w", r.key, ctx.Err()))
		}
	}

	return errors.Join(errs...)
}

func (s *Scheduler) finished(r *runner) {
	s.mu.Lock()
	if s.runners[r.key] == r {
		delete(s.runners, r.key)
	}
	s.mu.Unlock()

	s.tel.AddActiveGroups(-1)
}

func (s *Scheduler) request(g *group.Group, st *group.SubTask) downloader.Request {
	return downloader.Request{
		URL:        st.URL,
		Path:       targetPath(s.opts.DownloadDir, g.Key, st.Path),
		Offset:     st.DownloadedBytes,
		TotalBytes: st.TotalBytes,
		Checksum:   st.Checksum,
	}
}

func (s *Scheduler) emit(ctx context.Context, kind events.Kind, g *group.Group, st *group.SubTask, err error) {
	if s.events == nil {
		return
	}

	e := events.Event{
		Kind:       kind,
		GroupKey:   g.Key,
		State:      g.State,
		Downloaded: g.DownloadedBytes,
		Total:      g.TotalBytes,
		Err:        err,
		Time:       s.now(),
	}

	if st != nil {
		e.URL = st.URL
		e.State = st.State
		e.Downloaded = st.DownloadedBytes
		e.Total = st.TotalBytes
	} else if !kind.IsProgress() {
		e.Group = g.Clone()
	}

	// Handler failures are logged and counted by the dispatcher.
	_ = s.events.Emit(ctx, e)
}
