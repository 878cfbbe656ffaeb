package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/groupfetch/internal/group"
	"github.com/italolelis/groupfetch/internal/storage"
	"github.com/italolelis/groupfetch/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, s *memory.Store, key string, state group.State, updated time.Time) {
	t.Helper()

	require.NoError(t, s.Save(context.Background(), &group.Group{Key: key, State: state, UpdatedAt: updated}))
}

func TestPurgeExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	dir := t.TempDir()
	s := memory.New()

	seed(t, s, "old-done", group.StateCompleted, now.Add(-48*time.Hour))
	seed(t, s, "old-failed", group.StateFailed, now.Add(-25*time.Hour))
	seed(t, s, "fresh-done", group.StateCompleted, now.Add(-time.Hour))
	seed(t, s, "old-stopped", group.StateStopped, now.Add(-72*time.Hour))

	for _, key := range []string{"old-done", "fresh-done"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, key), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, key, "a.bin"), []byte("x"), 0o644))
	}

	n, err := PurgeExpired(ctx, s, dir, 24*time.Hour, true, now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.Load(ctx, "old-done")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.Load(ctx, "old-failed")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.Load(ctx, "fresh-done")
	require.NoError(t, err)
	_, err = s.Load(ctx, "old-stopped")
	require.NoError(t, err, "resumable groups are never purged")

	assert.NoDirExists(t, filepath.Join(dir, "old-done"))
	assert.FileExists(t, filepath.Join(dir, "fresh-done", "a.bin"))
}

func TestPurgeExpiredKeepsFiles(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	dir := t.TempDir()
	s := memory.New()

	seed(t, s, "old", group.StateCancelled, now.Add(-48*time.Hour))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "old"), 0o755))

	n, err := PurgeExpired(ctx, s, dir, time.Hour, false, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.DirExists(t, filepath.Join(dir, "old"))
}

type refusingGroups struct {
	*memory.Store
}

func (refusingGroups) Delete(context.Context, string) error {
	return errors.New("group is active")
}

func TestPurgeExpiredReportsDeleteFailures(t *testing.T) {
	now := time.Now()
	s := memory.New()
	seed(t, s, "old", group.StateCompleted, now.Add(-48*time.Hour))

	n, err := PurgeExpired(context.Background(), refusingGroups{s}, t.TempDir(), time.Hour, false, now)
	assert.Zero(t, n)
	assert.ErrorContains(t, err, "group is active")
}
