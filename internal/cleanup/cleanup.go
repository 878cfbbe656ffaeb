package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/italolelis/groupfetch/internal/group"
	"github.com/italolelis/groupfetch/internal/logctx"
)

// Groups is where finished groups are listed and forgotten.
type Groups interface {
	List(ctx context.Context) ([]*group.Group, error)
	Delete(ctx context.Context, key string) error
}

// PurgeExpired forgets terminal groups last updated more than keep ago. With
// deleteFiles their download directory under dir is removed as well. It
// returns how many groups were purged.
func PurgeExpired(ctx context.Context, groups Groups, dir string, keep time.Duration, deleteFiles bool, now time.Time) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	all, err := groups.List(ctx)
	if err != nil {
		return 0, err
	}

	var (
		purged int
		errs   []error
	)

	for _, g := range all {
		if !g.State.IsTerminal() || now.Sub(g.UpdatedAt) <= keep {
			continue
		}

		if deleteFiles {
			groupDir := filepath.Join(dir, g.Key)

			if err := os.RemoveAll(groupDir); err != nil {
				logger.ErrorContext(ctx, "failed to delete expired files", "group_key", g.Key, "dir", groupDir, "err", err)
				errs = append(errs, err)

				continue
			}
		}

		if err := groups.Delete(ctx, g.Key); err != nil {
			logger.ErrorContext(ctx, "failed to delete expired group", "group_key", g.Key, "err", err)
			errs = append(errs, err)

			continue
		}

		purged++

		logger.InfoContext(ctx, "purged expired group", "group_key", g.Key, "state", g.State, "files_deleted", deleteFiles)
	}

	return purged, errors.Join(errs...)
}

// Run purges expired groups every interval until ctx is done.
func Run(ctx context.Context, groups Groups, dir string, interval, keep time.Duration, deleteFiles bool) error {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "cleanup goroutine shutting down.")

			return nil
		case <-ticker.C:
			if _, err := PurgeExpired(ctx, groups, dir, keep, deleteFiles, time.Now()); err != nil {
				logger.ErrorContext(ctx, "failed to purge expired groups", "err", err)
			}
		}
	}
}
