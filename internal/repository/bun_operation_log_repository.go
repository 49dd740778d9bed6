package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/terraconstructs/iamsync/internal/db/bunx"
	"github.com/terraconstructs/iamsync/internal/db/models"
)

// BunOperationLogRepository implements OperationLogRepository using Bun ORM
type BunOperationLogRepository struct {
	db bun.IDB
}

// NewBunOperationLogRepository creates a new Bun-based operation log repository
func NewBunOperationLogRepository(db bun.IDB) *BunOperationLogRepository {
	return &BunOperationLogRepository{db: db}
}

// Create appends an entry
func (r *BunOperationLogRepository) Create(ctx context.Context, entry *models.OperationLog) error {
	if entry.ID == "" {
		entry.ID = bunx.NewUUIDv7()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.OriginIP == "" {
		entry.OriginIP = "127.0.0.1"
	}

	if _, err := r.db.NewInsert().Model(entry).Exec(ctx); err != nil {
		return fmt.Errorf("insert operation log: %w", err)
	}
	return nil
}

// List returns entries newest first
func (r *BunOperationLogRepository) List(ctx context.Context, filter OperationLogFilter) ([]models.OperationLog, int, error) {
	var entries []models.OperationLog
	q := r.db.NewSelect().
		Model(&entries).
		Order("created_at DESC", "id DESC")

	if filter.Operator != "" {
		q = q.Where("ol.operator = ?", filter.Operator)
	}
	if filter.ObjectType != "" {
		q = q.Where("ol.object_type = ?", filter.ObjectType)
	}
	if filter.Action != "" {
		q = q.Where("ol.action = ?", filter.Action)
	}
	if s := strings.TrimSpace(filter.Search); s != "" {
		pattern := "%" + strings.ToLower(s) + "%"
		q = q.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				WhereOr("LOWER(ol.target) LIKE ?", pattern).
				WhereOr("LOWER(ol.summary) LIKE ?", pattern)
		})
	}

	total, err := applyPage(q, filter.Page).ScanAndCount(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("list operation logs: %w", err)
	}
	return entries, total, nil
}
