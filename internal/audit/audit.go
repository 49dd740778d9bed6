// Package audit appends operation log entries for domain mutations.
package audit

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"github.com/terraconstructs/iamsync/internal/db/models"
	"github.com/terraconstructs/iamsync/internal/repository"
)

// Scope is the part of a transactional scope the writer needs.
type Scope interface {
	DB() bun.IDB
	Guard(ctx context.Context, fn func(ctx context.Context) error) error
}

// Entry describes one audited change.
type Entry struct {
	Operator   string
	OriginIP   string
	Action     models.OperationAction
	ObjectType string
	Target     string
	Summary    string
}

// Writer records entries inside the caller's transaction. A failed write is
// logged and swallowed; it never aborts the mutation being audited.
type Writer struct {
	module string
	logger *logrus.Logger
}

// NewWriter returns a writer that stamps entries with module.
func NewWriter(module string, logger *logrus.Logger) *Writer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Writer{module: module, logger: logger}
}

// Record appends e. The insert runs under a nested savepoint so a failed
// statement leaves the enclosing transaction usable.
func (w *Writer) Record(ctx context.Context, scope Scope, e Entry) {
	err := scope.Guard(ctx, func(ctx context.Context) error {
		return repository.NewBunOperationLogRepository(scope.DB()).Create(ctx, &models.OperationLog{
			Operator:   e.Operator,
			Action:     e.Action,
			Target:     e.Target,
			Summary:    e.Summary,
			OriginIP:   e.OriginIP,
			Module:     w.module,
			ObjectType: e.ObjectType,
		})
	})
	if err != nil {
		w.logger.WithError(err).WithFields(logrus.Fields{
			"operator": e.Operator,
			"action":   e.Action,
			"target":   e.Target,
		}).Warn("failed to write operation log")
	}
}
