package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/italolelis/groupfetch/internal/group"
)

// Save upserts the full group snapshot.
func (r *GroupRepository) Save(ctx context.Context, g *group.Group) error {
	payload, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to encode group %q: %w", g.Key, err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO groups (key, name, state, total_bytes, downloaded_bytes, payload, instance_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			name = excluded.name,
			state = excluded.state,
			total_bytes = excluded.total_bytes,
			downloaded_bytes = excluded.downloaded_bytes,
			payload = excluded.payload,
			instance_id = excluded.instance_id,
			updated_at = excluded.updated_at
	`, g.Key, g.Name, string(g.State), g.TotalBytes, g.DownloadedBytes, string(payload), r.instanceID, time.Now().UTC().Format(time.RFC3339Nano))

	return err
}

// Delete removes the group record. Deleting a missing group is not an error.
func (r *GroupRepository) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM groups WHERE key = ?`, key)

	return err
}
