package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/italolelis/groupfetch/internal/downloader"
	"github.com/italolelis/groupfetch/internal/events"
	"github.com/italolelis/groupfetch/internal/group"
	"github.com/italolelis/groupfetch/internal/logctx"
	"github.com/italolelis/groupfetch/internal/queue"
	"github.com/italolelis/groupfetch/internal/storage"
	"github.com/italolelis/groupfetch/internal/transfer"
)

var (
	errStopRequested   = errors.New("stop requested")
	errCancelRequested = errors.New("cancel requested")
	errFailFast        = errors.New("another sub-task failed permanently")
)

// task is the runtime state of one sub-task within a run.
type task struct {
	st *group.SubTask

	// attempt identifies the current slot request; messages carrying an older
	// attempt are stale and ignored.
	attempt int
	slot    *queue.Slot
	ticket  *queue.Ticket
	cancel  context.CancelCauseFunc
	retry   *time.Timer
}

// runner owns one group for the length of a run. Only its goroutine mutates the
// group or writes its store record.
type runner struct {
	s       *Scheduler
	key     string
	g       *group.Group
	resumed bool
	mb      *mailbox
	done    chan struct{}
	snap    atomic.Pointer[group.Group]

	ctx    context.Context
	bg     context.Context
	ectx   context.Context
	logger *slog.Logger

	tasks    map[string]*task
	stopping op
	replies  []chan error
	grace    *time.Timer
	started  bool
	finished bool
	lastSave time.Time

	// final holds the terminal events, delivered once the group has left the
	// active set so observers may resume or resubmit it.
	final   []pending
	saveErr error
}

type pending struct {
	kind events.Kind
	st   *group.SubTask
	err  error
}

func newRunner(s *Scheduler, g *group.Group, resumed bool) *runner {
	ctx := logctx.WithGroupKey(s.base, g.Key)

	r := &runner{
		s:       s,
		key:     g.Key,
		g:       g,
		resumed: resumed,
		mb:      newMailbox(),
		done:    make(chan struct{}),
		ctx:     ctx,
		bg:      context.WithoutCancel(ctx),
		logger:  logctx.LoggerFromContext(ctx),
		tasks:   make(map[string]*task, len(g.SubTasks)),
	}

	for _, st := range g.SubTasks {
		r.tasks[st.URL] = &task{st: st}
	}

	r.ectx = context.WithValue(r.bg, emitterKey{}, r)
	r.publish()

	return r
}

func (r *runner) snapshot() *group.Group {
	return r.snap.Load().Clone()
}

func (r *runner) publish() {
	r.snap.Store(r.g.Clone())
}

func (r *runner) run() {
	defer func() {
		for _, m := range r.mb.close() {
			r.discard(m)
		}

		r.s.finished(r)

		for _, e := range r.final {
			r.emit(e.kind, e.st, e.err)
		}

		r.reply(r.saveErr)
		close(r.done)
	}()

	r.begin()

	ctxDone := r.ctx.Done()

	for !r.finished {
		select {
		case <-r.mb.signal:
			for _, m := range r.mb.drain() {
				if r.finished {
					r.discard(m)

					continue
				}

				r.handle(m)
			}
		case <-ctxDone:
			ctxDone = nil

			r.logger.InfoContext(r.bg, "shutting down, stopping group")
			r.beginStop(opStop, nil)
		}

		r.publish()
	}
}

// discard settles a message that arrived after the run ended.
func (r *runner) discard(m any) {
	switch m := m.(type) {
	case msgGrant:
		r.s.queue.Release(m.slot)
	case msgControl:
		m.reply <- ErrNotActive
	}
}

func (r *runner) begin() {
	if r.resumed {
		r.logger.InfoContext(r.bg, "resuming group", "sub_tasks", len(r.g.SubTasks))
		r.emit(events.TaskResume, nil, nil)
	} else {
		r.logger.InfoContext(r.bg, "group submitted", "sub_tasks", len(r.g.SubTasks))
		r.emit(events.Pre, nil, nil)
		r.emit(events.TaskPre, nil, nil)

		for _, st := range r.g.SubTasks {
			r.emit(events.SubTaskPre, st, nil)
		}
	}

	for _, st := range r.g.SubTasks {
		if st.State != group.StateCompleted {
			r.requestSlot(r.tasks[st.URL])
		}
	}

	r.refreshState()
	r.checkDone()
	r.publish()
}

func (r *runner) handle(m any) {
	switch m := m.(type) {
	case msgGrant:
		r.onGrant(m)
	case msgProgress:
		r.onProgress(m)
	case msgOutcome:
		r.onOutcome(m)
	case msgRetry:
		r.onRetry(m)
	case msgControl:
		r.beginStop(m.op, m.reply)
	case msgGrace:
		r.onGrace()
	}

	r.refreshState()
	r.checkDone()
}

func (r *runner) requestSlot(t *task) {
	t.attempt++
	attempt := t.attempt
	url := t.st.URL

	req := queue.Request{
		GroupKey:   r.key,
		URL:        url,
		GroupLimit: r.g.ConcurrencyLimit,
		Priority:   r.g.Priority,
	}

	slot, ticket := r.s.queue.Acquire(req, func(slot *queue.Slot) {
		if !r.mb.post(msgGrant{url: url, attempt: attempt, slot: slot}) {
			r.s.queue.Release(slot)
		}
	})

	if slot != nil {
		r.start(t, slot)

		return
	}

	t.ticket = ticket
	t.st.State = group.StateWaiting

	r.logger.DebugContext(r.bg, "waiting for a free slot", "url", url)
	r.emit(events.Wait, t.st, nil)
}

func (r *runner) onGrant(m msgGrant) {
	t := r.tasks[m.url]
	if t == nil || m.attempt != t.attempt || r.stopping != opNone || t.slot != nil {
		r.s.queue.Release(m.slot)

		return
	}

	t.ticket = nil
	r.start(t, m.slot)
}

func (r *runner) start(t *task, slot *queue.Slot) {
	t.slot = slot
	t.st.State = group.StateRunning
	t.st.LastError = ""

	if !r.started {
		r.started = true
		r.g.Started = true
		r.g.State = group.StateRunning

		r.emit(events.TaskStart, nil, nil)
	}

	r.emit(events.SubTaskStart, t.st, nil)
	r.save(true)

	req := r.s.request(r.g, t.st)
	attempt := t.attempt
	url := t.st.URL

	ctx, cancel := context.WithCancelCause(logctx.WithURL(r.ctx, url))
	t.cancel = cancel

	go func() {
		started := time.Now()

		out := r.s.executor.Run(ctx, req, func(p downloader.Progress) {
			r.mb.post(msgProgress{url: url, attempt: attempt, progress: p})
		})

		cancel(nil)
		r.mb.post(msgOutcome{url: url, attempt: attempt, outcome: out, duration: time.Since(started)})
	}()
}

func (r *runner) onProgress(m msgProgress) {
	t := r.tasks[m.url]
	if t == nil || m.attempt != t.attempt || r.stopping != opNone || t.st.State != group.StateRunning {
		return
	}

	t.st.DownloadedBytes = m.progress.Downloaded
	if m.progress.Total >= 0 {
		t.st.TotalBytes = m.progress.Total
	}

	r.g.Recount()

	r.emit(events.SubTaskRunning, t.st, nil)
	r.emit(events.TaskRunning, nil, nil)
	r.save(false)
}

func (r *runner) onOutcome(m msgOutcome) {
	t := r.tasks[m.url]
	if t == nil || m.attempt != t.attempt || t.slot == nil {
		return
	}

	r.s.queue.Release(t.slot)
	t.slot = nil
	t.cancel = nil

	out := m.outcome
	r.s.tel.RecordSubTask(out.Kind.String(), m.duration)

	t.st.DownloadedBytes = out.Bytes
	if out.TotalBytes >= 0 {
		t.st.TotalBytes = out.TotalBytes
	}

	switch out.Kind {
	case downloader.Completed:
		t.st.State = group.StateCompleted
		r.g.Recount()
		r.emit(events.SubTaskComplete, t.st, nil)
	case downloader.Stopped:
		t.st.State = group.StateStopped
		r.g.Recount()

		if r.stopping == opNone {
			// Cancelled from outside the runner, e.g. process shutdown.
			r.beginStop(opStop, nil)
		}
	default:
		r.g.Recount()
		r.fail(t, out.Err)
	}

	r.save(true)
}

func (r *runner) fail(t *task, err error) {
	if err == nil {
		err = errors.New("unknown failure")
	}

	t.st.LastError = err.Error()

	if r.stopping != opNone {
		// The run is winding down; stop or cancel decides the final state.
		t.st.State = group.StateStopped
		r.emit(events.SubTaskFail, t.st, err)

		return
	}

	switch {
	case transfer.IsStorage(err):
		t.st.State = group.StateFailed
		r.g.Warnings = append(r.g.Warnings, fmt.Sprintf("%s: %v", t.st.URL, err))

		r.logger.ErrorContext(r.bg, "local storage failure", "url", t.st.URL, "err", err)
	case t.st.RetryCount < r.g.Retry.Limit:
		t.st.RetryCount++
		t.st.State = group.StateWaiting

		delay := r.g.Retry.Delay(t.st.RetryCount)

		r.logger.WarnContext(r.bg, "sub-task failed, retrying",
			"url", t.st.URL, "retry", t.st.RetryCount, "limit", r.g.Retry.Limit, "delay", delay, "err", err)
		r.emit(events.SubTaskFail, t.st, err)
		r.scheduleRetry(t, delay)

		return
	default:
		t.st.RetryCount++
		t.st.State = group.StateFailed

		r.logger.ErrorContext(r.bg, "sub-task failed permanently", "url", t.st.URL, "retries", t.st.RetryCount-1, "err", err)
	}

	r.emit(events.SubTaskFail, t.st, err)

	if r.g.FailFast {
		r.beginStop(opFailFast, nil)
	}
}

func (r *runner) scheduleRetry(t *task, delay time.Duration) {
	url := t.st.URL
	attempt := t.attempt

	if delay <= 0 {
		r.mb.post(msgRetry{url: url, attempt: attempt})

		return
	}

	t.retry = time.AfterFunc(delay, func() {
		r.mb.post(msgRetry{url: url, attempt: attempt})
	})
}

func (r *runner) onRetry(m msgRetry) {
	t := r.tasks[m.url]
	if t == nil || m.attempt != t.attempt || r.stopping != opNone || t.st.State != group.StateWaiting {
		return
	}

	t.retry = nil
	r.requestSlot(t)
}

// beginStop cancels waiting and running sub-tasks. The run ends once every
// executor has returned or the grace period expired.
func (r *runner) beginStop(o op, reply chan error) {
	if reply != nil {
		r.replies = append(r.replies, reply)
	}

	if o <= r.stopping {
		return
	}

	r.stopping = o

	r.logger.InfoContext(r.bg, "stopping group", "op", o.String())

	cause := errStopRequested

	switch o {
	case opCancel:
		cause = errCancelRequested
	case opFailFast:
		cause = errFailFast
	}

	running := false

	for _, t := range r.tasks {
		if t.retry != nil {
			t.retry.Stop()
			t.retry = nil
		}

		if t.ticket != nil {
			r.s.queue.Withdraw(t.ticket)
			t.ticket = nil
		}

		if t.slot != nil {
			running = true

			if t.cancel != nil {
				t.cancel(cause)
			}
		}
	}

	if running && r.grace == nil {
		r.grace = time.AfterFunc(r.s.opts.GracePeriod, func() { r.mb.post(msgGrace{}) })
	}
}

// onGrace reclaims the slots of executors that ignored cancellation.
func (r *runner) onGrace() {
	for _, t := range r.tasks {
		if t.slot == nil {
			continue
		}

		r.logger.WarnContext(r.bg, "executor did not stop in time, reclaiming its slot", "url", t.st.URL)

		r.s.queue.Release(t.slot)
		t.slot = nil
		t.cancel = nil
		t.attempt++

		if !t.st.State.IsTerminal() {
			t.st.State = group.StateStopped
		}
	}
}

// refreshState keeps the group state in line with its sub-tasks while the run
// is in progress.
func (r *runner) refreshState() {
	if r.stopping != opNone || r.finished || r.g.AllTerminal() {
		return
	}

	var running, waiting bool

	for _, st := range r.g.SubTasks {
		switch st.State {
		case group.StateRunning:
			running = true
		case group.StateWaiting:
			waiting = true
		}
	}

	switch {
	case running:
		r.g.State = group.StateRunning
	case waiting && r.g.State != group.StateWaiting:
		r.g.State = group.StateWaiting

		r.emit(events.Wait, nil, nil)
		r.save(true)
	}
}

func (r *runner) checkDone() {
	if r.finished {
		return
	}

	if r.stopping != opNone {
		for _, t := range r.tasks {
			if t.slot != nil {
				return
			}
		}

		// A sub-task that completed while stopping may have been the last one.
		if r.g.AllCompleted() {
			r.finishRun()

			return
		}

		r.finishStop()

		return
	}

	if r.g.AllTerminal() {
		r.finishRun()
	}
}

func (r *runner) finishRun() {
	r.finished = true

	if r.grace != nil {
		r.grace.Stop()
	}
	r.g.Recount()

	var (
		kind events.Kind
		err  error
	)

	if r.g.AllCompleted() {
		r.g.State = group.StateCompleted
		kind = events.TaskComplete
	} else {
		r.g.State = group.StateFailed
		r.g.Report = r.g.BuildReport()
		kind = events.TaskFail
		err = fmt.Errorf("%d of %d sub-tasks failed", len(r.g.Report.Failed), len(r.g.SubTasks))
	}

	r.checkInvariant()
	r.saveErr = r.save(true)

	r.logger.InfoContext(r.bg, "group finished", "state", r.g.State)
	r.final = append(r.final, pending{kind: kind, err: err})

	r.s.tel.RecordGroupFinished(string(r.g.State))
}

func (r *runner) finishStop() {
	r.finished = true

	if r.grace != nil {
		r.grace.Stop()
	}

	var (
		subKind, kind events.Kind
		affected      []*group.SubTask
		err           error
	)

	switch r.stopping {
	case opStop:
		subKind, kind = events.SubTaskStop, events.TaskStop

		for _, st := range r.g.SubTasks {
			if !st.State.IsTerminal() {
				st.State = group.StateStopped
				affected = append(affected, st)
			}
		}

		r.g.State = group.StateStopped
	case opCancel, opFailFast:
		subKind, kind = events.SubTaskCancel, events.TaskCancel

		for _, st := range r.g.SubTasks {
			if st.State == group.StateCompleted {
				continue
			}

			if derr := r.s.executor.Discard(r.s.request(r.g, st)); derr != nil {
				r.logger.WarnContext(r.bg, "failed to discard partial download", "url", st.URL, "err", derr)
			}

			st.DownloadedBytes = 0

			if r.stopping == opCancel || !st.State.IsTerminal() {
				st.State = group.StateCancelled
				affected = append(affected, st)
			}
		}

		r.g.State = group.StateCancelled

		if r.stopping == opFailFast {
			kind = events.TaskFail
			r.g.State = group.StateFailed
			r.g.Report = r.g.BuildReport()
			err = errFailFast
		}
	}

	r.g.Recount()
	r.checkInvariant()
	r.saveErr = r.save(true)

	r.logger.InfoContext(r.bg, "group finished", "state", r.g.State)

	for _, st := range affected {
		r.final = append(r.final, pending{kind: subKind, st: st})
	}

	r.final = append(r.final, pending{kind: kind, err: err})

	r.s.tel.RecordGroupFinished(string(r.g.State))
}

func (r *runner) reply(err error) {
	for _, ch := range r.replies {
		ch <- err
	}

	r.replies = nil
}

func (r *runner) checkInvariant() {
	if err := r.g.CheckInvariant(); err != nil {
		r.logger.ErrorContext(r.bg, "group invariant violated", "err", err)
		r.s.tel.RecordSystemError("scheduler", "invariant")
	}
}

// save writes the group to the store. Progress-only saves are throttled;
// transitions are always written. A failed save is retried by the next one.
func (r *runner) save(force bool) error {
	now := r.s.now()
	if !force && now.Sub(r.lastSave) < r.s.opts.SaveInterval {
		return nil
	}

	r.g.UpdatedAt = now

	if err := r.s.store.Save(r.bg, r.g); err != nil {
		r.logger.ErrorContext(r.bg, "failed to save group", "err", err)
		r.s.tel.RecordSystemError("scheduler", "persistence")

		return &storage.PersistenceError{Op: "save", Key: r.key, Err: err}
	}

	r.lastSave = now

	return nil
}

type emitterKey struct{}

// emittedBy returns the runner whose event ctx belongs to, if any. Observers
// receive a ctx derived from it.
func emittedBy(ctx context.Context) *runner {
	r, _ := ctx.Value(emitterKey{}).(*runner)

	return r
}

func (r *runner) emit(kind events.Kind, st *group.SubTask, err error) {
	r.s.emit(r.ectx, kind, r.g, st, err)
}

func targetPath(dir, key, name string) string {
	return filepath.Join(dir, key, name)
}
