package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/groupfetch/internal/group"
	"github.com/italolelis/groupfetch/internal/telemetry"
)

// InstrumentedGroupRepository wraps GroupRepository with telemetry.
type InstrumentedGroupRepository struct {
	repo      *GroupRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedGroupRepository creates a new instrumented group repository.
func NewInstrumentedGroupRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedGroupRepository {
	return &InstrumentedGroupRepository{
		repo:      NewGroupRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedGroupRepository) Load(ctx context.Context, key string) (*group.Group, error) {
	var result *group.Group

	err := r.telemetry.InstrumentDBOperation(ctx, "load_group", func(ctx context.Context) error {
		var err error

		result, err = r.repo.Load(ctx, key)

		return err
	})

	return result, err
}

func (r *InstrumentedGroupRepository) List(ctx context.Context) ([]*group.Group, error) {
	var result []*group.Group

	err := r.telemetry.InstrumentDBOperation(ctx, "list_groups", func(ctx context.Context) error {
		var err error

		result, err = r.repo.List(ctx)

		return err
	})

	return result, err
}

func (r *InstrumentedGroupRepository) Save(ctx context.Context, g *group.Group) error {
	return r.telemetry.InstrumentDBOperation(ctx, "save_group", func(ctx context.Context) error {
		return r.repo.Save(ctx, g)
	})
}

func (r *InstrumentedGroupRepository) Delete(ctx context.Context, key string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_group", func(ctx context.Context) error {
		return r.repo.Delete(ctx, key)
	})
}
