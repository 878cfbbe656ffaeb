package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/groupfetch/internal/downloader"
	"github.com/italolelis/groupfetch/internal/events"
	"github.com/italolelis/groupfetch/internal/group"
	"github.com/italolelis/groupfetch/internal/queue"
	"github.com/italolelis/groupfetch/internal/storage"
	"github.com/italolelis/groupfetch/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	urlA = "https://example.com/A"
	urlB = "https://example.com/B"
	urlC = "https://example.com/C"
)

func TestSlotLimitOrdering(t *testing.T) {
	gates := map[string]chan struct{}{urlA: make(chan struct{}), urlB: make(chan struct{}), urlC: make(chan struct{})}
	exec := newFakeExecutor()

	for u, g := range gates {
		exec.on(u, gated(g))
	}

	f := newFixture(t, 2, exec, Options{})

	h, err := f.s.Submit(context.Background(), group.Spec{Name: "abc", URLs: []string{urlA, urlB, urlC}})
	require.NoError(t, err)

	kinds := []events.Kind{events.Pre, events.SubTaskStart, events.Wait, events.SubTaskComplete, events.TaskComplete}

	require.Eventually(t, func() bool { return f.rec.count(events.Wait, urlC) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"pre", "subtask_start A", "subtask_start B", "wait C"}, f.rec.names(kinds...))

	snap := h.Snapshot()
	assert.Equal(t, group.StateRunning, snap.State)
	assert.Equal(t, map[group.State]int{group.StateRunning: 2, group.StateWaiting: 1}, countStates(snap))

	close(gates[urlA])

	require.Eventually(t, func() bool { return f.rec.count(events.SubTaskStart, urlC) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"pre", "subtask_start A", "subtask_start B", "wait C", "subtask_complete A", "subtask_start C"}, f.rec.names(kinds...))

	close(gates[urlB])
	close(gates[urlC])

	final := waitDone(t, h)
	assert.Equal(t, group.StateCompleted, final.State)
	assert.True(t, final.AllCompleted())
	assert.Equal(t, int64(30), final.CompletedBytes)

	names := f.rec.names(events.TaskComplete)
	assert.Equal(t, []string{"task_complete"}, names)
	assert.Equal(t, 1, len(f.rec.names(events.TaskStart)), "task start fires once per run")

	// Group snapshots attached to events always honour the completion rule.
	for _, e := range f.rec.all() {
		if e.Group != nil {
			assert.Equal(t, e.Group.State == group.StateCompleted, e.Group.AllCompleted(), "event %s", e.Kind)
		}
	}

	stored, err := f.store.Load(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, group.StateCompleted, stored.State)
	assert.Equal(t, queue.Stats{Limit: 2}, f.queue.Stats())
}

func TestExactlyLimitRunning(t *testing.T) {
	gate := make(chan struct{})
	exec := newFakeExecutor()
	urls := []string{"https://example.com/1", "https://example.com/2", "https://example.com/3", "https://example.com/4", "https://example.com/5"}

	for _, u := range urls {
		exec.on(u, gated(gate))
	}

	f := newFixture(t, 2, exec, Options{})

	h, err := f.s.Submit(context.Background(), group.Spec{URLs: urls})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		c := countStates(h.Snapshot())

		return c[group.StateRunning] == 2 && c[group.StateWaiting] == 3
	}, waitFor, tick)

	assert.Equal(t, queue.Stats{Limit: 2, InUse: 2, Waiting: 3}, f.queue.Stats())

	close(gate)

	final := waitDone(t, h)
	assert.Equal(t, group.StateCompleted, final.State)
}

func TestExactlyLimitRunningAcrossGroups(t *testing.T) {
	gate := make(chan struct{})
	exec := newFakeExecutor()
	f := newFixture(t, 2, exec, Options{})

	var handles []*Handle

	for i := 0; i < 3; i++ {
		urls := make([]string, 3)
		for j := range urls {
			urls[j] = fmt.Sprintf("https://example.com/g%d/%d", i, j)
			exec.on(urls[j], gated(gate))
		}

		h, err := f.s.Submit(context.Background(), group.Spec{Name: fmt.Sprintf("g%d", i), URLs: urls})
		require.NoError(t, err)

		handles = append(handles, h)
	}

	counts := func() (running, waiting int) {
		for _, h := range handles {
			c := countStates(h.Snapshot())
			running += c[group.StateRunning]
			waiting += c[group.StateWaiting]
		}

		return running, waiting
	}

	require.Eventually(t, func() bool {
		running, waiting := counts()

		return running == 2 && waiting == 7
	}, waitFor, tick)

	assert.Equal(t, queue.Stats{Limit: 2, InUse: 2, Waiting: 7}, f.queue.Stats())

	close(gate)

	for _, h := range handles {
		assert.Equal(t, group.StateCompleted, waitDone(t, h).State)
	}

	assert.Equal(t, queue.Stats{Limit: 2}, f.queue.Stats())
}

func TestGroupLimit(t *testing.T) {
	gate := make(chan struct{})
	exec := newFakeExecutor().on(urlA, gated(gate)).on(urlB, gated(gate))
	f := newFixture(t, 4, exec, Options{})

	h, err := f.s.Submit(context.Background(), group.Spec{URLs: []string{urlA, urlB}, ConcurrencyLimit: 1})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.rec.count(events.Wait, urlB) == 1 }, waitFor, tick)
	assert.Equal(t, 1, f.queue.Stats().InUse)

	close(gate)
	assert.Equal(t, group.StateCompleted, waitDone(t, h).State)
}

func TestGroupWaitsWhenNothingRuns(t *testing.T) {
	gate := make(chan struct{})
	exec := newFakeExecutor().on(urlA, gated(gate))
	f := newFixture(t, 1, exec, Options{})

	first, err := f.s.Submit(context.Background(), group.Spec{Name: "first", URLs: []string{urlA}})
	require.NoError(t, err)

	second, err := f.s.Submit(context.Background(), group.Spec{Name: "second", URLs: []string{urlB}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return second.Snapshot().State == group.StateWaiting }, waitFor, tick)

	var groupWait bool

	for _, e := range f.rec.all() {
		if e.Kind == events.Wait && e.GroupKey == "second" && e.URL == "" {
			groupWait = true
		}
	}

	assert.True(t, groupWait, "a group with nothing running emits a group level wait")

	close(gate)
	assert.Equal(t, group.StateCompleted, waitDone(t, first).State)
	assert.Equal(t, group.StateCompleted, waitDone(t, second).State)
}

func TestRetryThenSuccess(t *testing.T) {
	var calls atomic.Int32

	exec := newFakeExecutor().on(urlA, func(_ context.Context, req downloader.Request, _ func(downloader.Progress)) downloader.Outcome {
		if calls.Add(1) <= 2 {
			return downloader.Outcome{Kind: downloader.Failed, TotalBytes: 10, Err: &transfer.TransportError{Op: "fetch", URL: req.URL, StatusCode: 503, Err: errors.New("unavailable")}}
		}

		return downloader.Outcome{Kind: downloader.Completed, Bytes: 10, TotalBytes: 10}
	})

	f := newFixture(t, 2, exec, Options{})

	h, err := f.s.Submit(context.Background(), group.Spec{
		URLs:  []string{urlA},
		Retry: &group.RetryPolicy{Limit: 3, Backoff: group.BackoffExponential, BaseDelay: time.Millisecond},
	})
	require.NoError(t, err)

	final := waitDone(t, h)
	assert.Equal(t, group.StateCompleted, final.State)
	assert.Equal(t, 2, final.SubTasks[0].RetryCount)
	assert.Empty(t, final.SubTasks[0].LastError)
	assert.Equal(t, 2, f.rec.count(events.SubTaskFail, urlA))
	assert.Equal(t, 1, f.rec.count(events.SubTaskComplete, urlA))
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetriesExhaustedReportsPartialFailure(t *testing.T) {
	boom := &transfer.TransportError{Op: "fetch", URL: urlB, StatusCode: 404, Err: transfer.ErrNotFound}
	exec := newFakeExecutor().on(urlB, failing(boom))
	f := newFixture(t, 2, exec, Options{})

	h, err := f.s.Submit(context.Background(), group.Spec{URLs: []string{urlA, urlB}, Retry: &group.RetryPolicy{Limit: 1}})
	require.NoError(t, err)

	final := waitDone(t, h)
	assert.Equal(t, group.StateFailed, final.State)
	assert.Equal(t, group.StateCompleted, final.Find(urlA).State)
	assert.Equal(t, group.StateFailed, final.Find(urlB).State)
	assert.Equal(t, 2, f.rec.count(events.SubTaskFail, urlB), "first attempt plus one retry")

	require.NotNil(t, final.Report)
	assert.True(t, final.Report.Partial)
	assert.Equal(t, []string{urlA}, final.Report.Completed)
	assert.Contains(t, final.Report.Failed[urlB], "not found")
	assert.Equal(t, []string{"task_fail"}, f.rec.names(events.TaskFail, events.TaskComplete))
}

func TestFailFastCancelsOthers(t *testing.T) {
	exec := newFakeExecutor().
		on(urlA, failing(errors.New("connection refused"))).
		on(urlB, gated(make(chan struct{})))
	f := newFixture(t, 2, exec, Options{})

	h, err := f.s.Submit(context.Background(), group.Spec{URLs: []string{urlA, urlB}, FailFast: true, Retry: &group.RetryPolicy{}})
	require.NoError(t, err)

	final := waitDone(t, h)
	assert.Equal(t, group.StateFailed, final.State)
	assert.Equal(t, group.StateFailed, final.Find(urlA).State)
	assert.Equal(t, group.StateCancelled, final.Find(urlB).State)
	assert.Equal(t, 1, f.rec.count(events.SubTaskCancel, urlB))
	assert.Equal(t, []string{"task_fail"}, f.rec.names(events.TaskFail, events.TaskCancel))
	assert.ElementsMatch(t, []string{urlA, urlB}, exec.discardedURLs())
}

func TestStorageErrorFailsWithoutRetry(t *testing.T) {
	exec := newFakeExecutor().on(urlA, failing(&transfer.StorageError{Op: "write", Path: "/x", Err: errors.New("no space left on device")}))
	f := newFixture(t, 2, exec, Options{DefaultRetry: group.RetryPolicy{Limit: 5}})

	h, err := f.s.Submit(context.Background(), group.Spec{URLs: []string{urlA, urlB}})
	require.NoError(t, err)

	final := waitDone(t, h)
	assert.Equal(t, group.StateFailed, final.State)
	assert.Zero(t, final.Find(urlA).RetryCount)
	assert.Equal(t, 1, f.rec.count(events.SubTaskFail, urlA))
	require.Len(t, final.Warnings, 1)
	assert.Contains(t, final.Warnings[0], "no space left on device")
}

func TestCancelStopsProgressEvents(t *testing.T) {
	exec := newFakeExecutor().on(urlA, streaming())
	f := newFixture(t, 2, exec, Options{})

	h, err := f.s.Submit(context.Background(), group.Spec{Name: "streaming", URLs: []string{urlA, urlB}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.rec.count(events.SubTaskRunning, urlA) > 3 }, waitFor, tick)
	require.NoError(t, f.s.Cancel(context.Background(), "streaming"))

	<-h.Done()
	time.Sleep(20 * time.Millisecond)

	all := f.rec.all()
	cancelAt := -1

	for i, e := range all {
		if e.Kind == events.TaskCancel {
			cancelAt = i
		}
	}

	require.NotEqual(t, -1, cancelAt)

	for _, e := range all[cancelAt+1:] {
		assert.False(t, e.Kind.IsProgress(), "progress event %s after cancel", e.Kind)
	}

	g, err := f.s.Get(context.Background(), "streaming")
	require.NoError(t, err)
	assert.Equal(t, group.StateCancelled, g.State)
	assert.Equal(t, group.StateCancelled, g.Find(urlA).State)
	assert.Equal(t, group.StateCompleted, g.Find(urlB).State, "completed files are kept")
	assert.Equal(t, []string{urlA}, exec.discardedURLs())

	_, err = f.s.Resume(context.Background(), "streaming")
	assert.ErrorIs(t, err, ErrNotResumable)
}

func TestCancelInactiveGroup(t *testing.T) {
	exec := newFakeExecutor().on(urlA, gated(make(chan struct{})))
	f := newFixture(t, 2, exec, Options{})

	_, err := f.s.Submit(context.Background(), group.Spec{Name: "paused", URLs: []string{urlA}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.rec.count(events.SubTaskStart, urlA) == 1 }, waitFor, tick)
	require.NoError(t, f.s.Stop(context.Background(), "paused"))
	assert.False(t, f.s.Active("paused"))

	require.NoError(t, f.s.Cancel(context.Background(), "paused"))

	g, err := f.store.Load(context.Background(), "paused")
	require.NoError(t, err)
	assert.Equal(t, group.StateCancelled, g.State)
	assert.Equal(t, 1, f.rec.count(events.SubTaskCancel, urlA))
	assert.Equal(t, []string{urlA}, exec.discardedURLs())

	err = f.s.Cancel(context.Background(), "paused")
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestStopReclaimsSlotAfterGracePeriod(t *testing.T) {
	gate := make(chan struct{})
	t.Cleanup(func() { close(gate) })

	exec := newFakeExecutor().on(urlA, stubborn(gate))
	f := newFixture(t, 1, exec, Options{GracePeriod: 20 * time.Millisecond})

	h, err := f.s.Submit(context.Background(), group.Spec{Name: "stubborn", URLs: []string{urlA}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.rec.count(events.SubTaskStart, urlA) == 1 }, waitFor, tick)
	require.NoError(t, f.s.Stop(context.Background(), "stubborn"))

	final := waitDone(t, h)
	assert.Equal(t, group.StateStopped, final.State)
	assert.Equal(t, group.StateStopped, final.Find(urlA).State)
	assert.Equal(t, 0, f.queue.Stats().InUse)
	assert.Equal(t, []string{"subtask_stop A", "task_stop"}, f.rec.names(events.SubTaskStop, events.TaskStop))
}

// rangeTransport serves data and, while blocking is set, parks every fetch at
// or beyond blockAt until the caller gives up.
type rangeTransport struct {
	data     []byte
	blockAt  int64
	blocking atomic.Bool
	parked   atomic.Bool
	starts   []int64
}

func (t *rangeTransport) ProbeSize(context.Context, string) (int64, error) {
	return int64(len(t.data)), nil
}

func (t *rangeTransport) FetchRange(ctx context.Context, _ string, start, end int64) (io.ReadCloser, error) {
	t.starts = append(t.starts, start)

	if t.blocking.Load() && start >= t.blockAt {
		t.parked.Store(true)
		<-ctx.Done()

		return nil, ctx.Err()
	}

	if end < 0 || end >= int64(len(t.data)) {
		end = int64(len(t.data)) - 1
	}

	return io.NopCloser(bytes.NewReader(t.data[start : end+1])), nil
}

func TestStopThenResumeMatchesUninterruptedRun(t *testing.T) {
	data := make([]byte, 50_000)
	for i := range data {
		data[i] = byte(i * 7)
	}

	const url = "https://example.com/big.bin"

	tr := &rangeTransport{data: data, blockAt: 30_000}
	tr.blocking.Store(true)

	exec := downloader.New(tr, downloader.WithChunkSize(10_000), downloader.WithProgressInterval(0))
	f := newFixture(t, 2, exec, Options{})

	_, err := f.s.Submit(context.Background(), group.Spec{Name: "movie", URLs: []string{url}})
	require.NoError(t, err)

	require.Eventually(t, tr.parked.Load, waitFor, tick)
	require.NoError(t, f.s.Stop(context.Background(), "movie"))

	stopped, err := f.s.Get(context.Background(), "movie")
	require.NoError(t, err)
	assert.Equal(t, group.StateStopped, stopped.State)
	assert.Equal(t, int64(30_000), stopped.SubTasks[0].DownloadedBytes)
	assert.FileExists(t, filepath.Join(f.dir, "movie", "big.bin.part"))

	tr.blocking.Store(false)
	tr.starts = nil

	h, err := f.s.Resume(context.Background(), "movie")
	require.NoError(t, err)

	final := waitDone(t, h)
	require.Equal(t, group.StateCompleted, final.State)
	assert.Equal(t, int64(50_000), final.CompletedBytes)
	assert.Equal(t, int64(30_000), tr.starts[0], "resume continues from the partial file")
	assert.Equal(t, 1, len(f.rec.names(events.TaskResume)))

	got, err := os.ReadFile(filepath.Join(f.dir, "movie", "big.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestSubmitContinuesStoredGroup(t *testing.T) {
	exec := newFakeExecutor()
	f := newFixture(t, 2, exec, Options{})
	ctx := context.Background()

	spec := group.Spec{Name: "stored", URLs: []string{urlA, urlB}}
	g := group.New(spec, group.RetryPolicy{}, time.Now())
	g.State = group.StateStopped
	g.SubTasks[0].State = group.StateCompleted
	g.SubTasks[0].DownloadedBytes = 10
	g.SubTasks[0].TotalBytes = 10
	g.SubTasks[1].State = group.StateStopped
	g.SubTasks[1].DownloadedBytes = 4
	g.SubTasks[1].TotalBytes = 10
	require.NoError(t, f.store.Save(ctx, g))

	h, err := f.s.Submit(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, group.StateCompleted, waitDone(t, h).State)

	assert.Empty(t, exec.requestsFor(urlA), "completed sub-tasks are not downloaded again")

	reqs := exec.requestsFor(urlB)
	require.Len(t, reqs, 1)
	assert.Equal(t, int64(4), reqs[0].Offset)
	assert.Equal(t, filepath.Join(f.dir, "stored", "B"), reqs[0].Path)
}

func TestRecoverMarksInterruptedGroupsStopped(t *testing.T) {
	f := newFixture(t, 2, newFakeExecutor(), Options{})
	ctx := context.Background()

	running := group.New(group.Spec{Name: "crashed", URLs: []string{urlA}}, group.RetryPolicy{}, time.Now())
	running.State = group.StateRunning
	running.SubTasks[0].State = group.StateRunning

	done := group.New(group.Spec{Name: "done", URLs: []string{urlB}}, group.RetryPolicy{}, time.Now())
	done.State = group.StateCompleted
	done.SubTasks[0].State = group.StateCompleted

	require.NoError(t, f.store.Save(ctx, running))
	require.NoError(t, f.store.Save(ctx, done))

	groups, err := f.s.Recover(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "crashed", groups[0].Key)
	assert.Equal(t, group.StateStopped, groups[0].State)
	assert.False(t, f.s.Active("crashed"), "recovered groups are never resumed automatically")

	stored, err := f.store.Load(ctx, "crashed")
	require.NoError(t, err)
	assert.Equal(t, group.StateStopped, stored.State)
	assert.Equal(t, group.StateStopped, stored.SubTasks[0].State)

	resumable, err := f.s.Resumable(ctx)
	require.NoError(t, err)
	require.Len(t, resumable, 1)
	assert.Equal(t, "crashed", resumable[0].Key)
}

func TestOperationErrors(t *testing.T) {
	gate := make(chan struct{})
	t.Cleanup(func() { close(gate) })

	exec := newFakeExecutor().on(urlA, gated(gate))
	f := newFixture(t, 2, exec, Options{
		Supports: func(raw string) bool { return !strings.HasPrefix(raw, "ftp://") },
	})
	ctx := context.Background()

	var verr *group.ValidationError

	_, err := f.s.Submit(ctx, group.Spec{})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "urls", verr.Field)

	_, err = f.s.Submit(ctx, group.Spec{URLs: []string{"ftp://example.com/a"}})
	require.ErrorAs(t, err, &verr)

	_, err = f.s.Submit(ctx, group.Spec{Name: "active", URLs: []string{urlA}})
	require.NoError(t, err)

	_, err = f.s.Submit(ctx, group.Spec{Name: "active", URLs: []string{urlA}})
	assert.ErrorIs(t, err, ErrGroupActive)

	_, err = f.s.Resume(ctx, "active")
	assert.ErrorIs(t, err, ErrGroupActive)

	assert.ErrorIs(t, f.s.Delete(ctx, "active"), ErrGroupActive)
	assert.ErrorIs(t, f.s.Stop(ctx, "unknown"), ErrNotActive)
	assert.ErrorIs(t, f.s.Cancel(ctx, "unknown"), storage.ErrNotFound)
	assert.ErrorIs(t, f.s.Delete(ctx, "unknown"), storage.ErrNotFound)

	_, err = f.s.Resume(ctx, "unknown")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = f.s.Get(ctx, "unknown")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFinishedGroupCanBeDeletedButNotResumed(t *testing.T) {
	f := newFixture(t, 2, newFakeExecutor(), Options{})
	ctx := context.Background()

	h, err := f.s.Submit(ctx, group.Spec{Name: "done", URLs: []string{urlA}})
	require.NoError(t, err)
	waitDone(t, h)

	_, err = f.s.Resume(ctx, "done")
	assert.ErrorIs(t, err, ErrNotResumable)

	list, err := f.s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, f.s.Delete(ctx, "done"))

	_, err = f.s.Get(ctx, "done")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

type failingStore struct{}

func (failingStore) Load(context.Context, string) (*group.Group, error) {
	return nil, storage.ErrNotFound
}

func (failingStore) Save(context.Context, *group.Group) error {
	return errors.New("database is locked")
}

func (failingStore) Delete(context.Context, string) error { return nil }

func (failingStore) List(context.Context) ([]*group.Group, error) { return nil, nil }

func TestSubmitPersistenceError(t *testing.T) {
	d := events.NewDispatcher(time.Second, nil)
	s := New(context.Background(), failingStore{}, queue.NewManager(1, nil), d, newFakeExecutor(), Options{DownloadDir: t.TempDir()}, nil)

	_, err := s.Submit(context.Background(), group.Spec{Name: "x", URLs: []string{urlA}})

	var perr *storage.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "save", perr.Op)
	assert.False(t, s.Active("x"))
}

func TestFailingObserverDoesNotAffectGroup(t *testing.T) {
	f := newFixture(t, 2, newFakeExecutor(), Options{})
	f.d.Register(events.Filter{}, events.TaskStart, func(context.Context, events.Event) error { panic("observer bug") })
	f.d.Register(events.Filter{}, events.SubTaskComplete, func(context.Context, events.Event) error { return errors.New("webhook down") })

	h, err := f.s.Submit(context.Background(), group.Spec{URLs: []string{urlA, urlB}})
	require.NoError(t, err)
	assert.Equal(t, group.StateCompleted, waitDone(t, h).State)
}

func TestObserverCancelsItsGroup(t *testing.T) {
	exec := newFakeExecutor().on(urlB, gated(make(chan struct{})))
	f := newFixture(t, 2, exec, Options{})

	cancelErr := make(chan error, 1)

	f.d.Register(events.Filter{URL: urlA}, events.SubTaskComplete, func(ctx context.Context, e events.Event) error {
		err := f.s.Cancel(ctx, e.GroupKey)
		cancelErr <- err

		return err
	})

	start := time.Now()

	h, err := f.s.Submit(context.Background(), group.Spec{Name: "observed", URLs: []string{urlA, urlB}})
	require.NoError(t, err)

	final := waitDone(t, h)

	// The dispatcher would give up on a stuck observer after a second.
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	require.NoError(t, <-cancelErr)

	assert.Equal(t, group.StateCancelled, final.State)
	assert.Equal(t, group.StateCompleted, final.Find(urlA).State)
	assert.Equal(t, group.StateCancelled, final.Find(urlB).State)
	assert.Equal(t, 1, f.rec.count(events.TaskCancel, ""))
}

func TestObserverResumesStoppedGroup(t *testing.T) {
	gate := make(chan struct{})
	exec := newFakeExecutor().on(urlA, gated(gate))
	f := newFixture(t, 2, exec, Options{})
	ctx := context.Background()

	resumed := make(chan *Handle, 1)
	resumeErr := make(chan error, 1)

	f.d.Register(events.Filter{GroupKey: "again"}, events.TaskStop, func(ctx context.Context, e events.Event) error {
		h, err := f.s.Resume(ctx, e.GroupKey)
		resumeErr <- err

		if err != nil {
			return err
		}

		resumed <- h

		return nil
	})

	h, err := f.s.Submit(ctx, group.Spec{Name: "again", URLs: []string{urlA}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.rec.count(events.SubTaskStart, urlA) == 1 }, waitFor, tick)
	require.NoError(t, f.s.Stop(ctx, "again"))
	assert.Equal(t, group.StateStopped, waitDone(t, h).State)

	require.NoError(t, <-resumeErr)

	var next *Handle

	select {
	case next = <-resumed:
	case <-time.After(waitFor):
		t.Fatal("group was not resumed")
	}

	close(gate)

	assert.Equal(t, group.StateCompleted, waitDone(t, next).State)
	assert.Equal(t, 1, f.rec.count(events.TaskResume, ""))
}

func TestShutdownStopsActiveGroups(t *testing.T) {
	exec := newFakeExecutor().on(urlA, gated(make(chan struct{})))
	f := newFixture(t, 2, exec, Options{})
	ctx := context.Background()

	h, err := f.s.Submit(ctx, group.Spec{Name: "long", URLs: []string{urlA}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.rec.count(events.SubTaskStart, urlA) == 1 }, waitFor, tick)
	require.NoError(t, f.s.Shutdown(ctx))

	assert.Equal(t, group.StateStopped, waitDone(t, h).State)

	_, err = f.s.Submit(ctx, group.Spec{Name: "late", URLs: []string{urlB}})
	assert.ErrorIs(t, err, ErrShuttingDown)
}
