package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/terraconstructs/iamsync/internal/db/bunx"
	"github.com/terraconstructs/iamsync/internal/db/models"
	"github.com/terraconstructs/iamsync/internal/diff"
)

// BunGrantRepository implements GrantRepository using Bun ORM
type BunGrantRepository struct {
	db bun.IDB
}

// NewBunGrantRepository creates a new Bun-based grant repository
func NewBunGrantRepository(db bun.IDB) *BunGrantRepository {
	return &BunGrantRepository{db: db}
}

// ListByRole returns the granted resource ids of a role grouped by kind.
// Every kind is present in the result, possibly with an empty list.
func (r *BunGrantRepository) ListByRole(ctx context.Context, roleID string) (map[models.GrantKind][]string, error) {
	var grants []models.ResourceGrant
	err := r.db.NewSelect().
		Model(&grants).
		Where("role_id = ?", roleID).
		Order("kind ASC", "resource_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list grants of role %s: %w", roleID, err)
	}

	out := make(map[models.GrantKind][]string, len(models.GrantKinds))
	for _, kind := range models.GrantKinds {
		out[kind] = []string{}
	}
	for _, g := range grants {
		out[g.Kind] = append(out[g.Kind], g.ResourceID)
	}
	return out, nil
}

// Replace sets the grants of one kind for a role to exactly resourceIDs:
// every stored grant of that kind is deleted and the set is inserted anew.
// Duplicate ids collapse.
func (r *BunGrantRepository) Replace(ctx context.Context, roleID string, kind models.GrantKind, resourceIDs []string) error {
	_, err := r.db.NewDelete().
		Model((*models.ResourceGrant)(nil)).
		Where("role_id = ?", roleID).
		Where("kind = ?", kind).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("remove %s grants of role %s: %w", kind, roleID, err)
	}

	wanted, _ := diff.Compute(nil, resourceIDs)
	if len(wanted) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([]models.ResourceGrant, 0, len(wanted))
	for _, id := range wanted {
		rows = append(rows, models.ResourceGrant{
			ID:         bunx.NewUUIDv7(),
			RoleID:     roleID,
			Kind:       kind,
			ResourceID: id,
			CreatedAt:  now,
		})
	}
	if _, err := r.db.NewInsert().Model(&rows).Exec(ctx); err != nil {
		return mapError(err, "%s grant for role %s", kind, roleID)
	}
	return nil
}
