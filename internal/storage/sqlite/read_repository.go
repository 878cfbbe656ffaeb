package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/italolelis/groupfetch/internal/group"
	"github.com/italolelis/groupfetch/internal/storage"
)

// GroupRepository implements storage.GroupStore on SQLite. Each group is one
// row holding the JSON snapshot, so a save is a single statement.
type GroupRepository struct {
	db         *sql.DB
	instanceID string
}

func NewGroupRepository(db *sql.DB) *GroupRepository {
	return &GroupRepository{db: db, instanceID: storage.GenerateInstanceID()}
}

func (r *GroupRepository) Load(ctx context.Context, key string) (*group.Group, error) {
	var payload string

	err := r.db.QueryRowContext(ctx, `SELECT payload FROM groups WHERE key = ?`, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return decode(key, payload)
}

// List returns every stored group, most recently updated first.
func (r *GroupRepository) List(ctx context.Context) ([]*group.Group, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key, payload FROM groups ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []*group.Group

	for rows.Next() {
		var key, payload string
		if err := rows.Scan(&key, &payload); err != nil {
			return nil, err
		}

		g, err := decode(key, payload)
		if err != nil {
			return nil, err
		}

		groups = append(groups, g)
	}

	return groups, rows.Err()
}

func decode(key, payload string) (*group.Group, error) {
	var g group.Group
	if err := json.Unmarshal([]byte(payload), &g); err != nil {
		return nil, fmt.Errorf("failed to decode group %q: %w", key, err)
	}

	return &g, nil
}
