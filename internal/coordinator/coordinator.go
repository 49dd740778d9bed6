// Package coordinator runs a domain mutation inside one local transaction and
// hands its queued policy commands to the dispatcher only after commit.
//
// A failed mutation is rolled back to the root savepoint and the (now empty)
// transaction is committed, so nothing it wrote survives and nothing it
// queued is propagated.
package coordinator

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel/attribute"

	"github.com/terraconstructs/iamsync/internal/errs"
	"github.com/terraconstructs/iamsync/internal/policysync"
	"github.com/terraconstructs/iamsync/internal/telemetry"
)

// Enqueuer receives committed command batches.
type Enqueuer interface {
	Enqueue(ctx context.Context, op string, cmds []policysync.Command) string
}

// Coordinator owns the transaction protocol for mutations.
type Coordinator struct {
	db         *bun.DB
	dispatcher Enqueuer
	logger     *logrus.Logger
	txOpts     *sql.TxOptions

	// commitMu keeps commit order and enqueue order identical.
	commitMu sync.Mutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithIsolation sets the isolation level of every transaction.
func WithIsolation(level sql.IsolationLevel) Option {
	return func(c *Coordinator) {
		c.txOpts = &sql.TxOptions{Isolation: level}
	}
}

// New creates a coordinator over db.
func New(db *bun.DB, dispatcher Enqueuer, opts ...Option) *Coordinator {
	c := &Coordinator{
		db:         db,
		dispatcher: dispatcher,
		logger:     logrus.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes fn in a transaction. On success the commands fn deferred are
// enqueued as one batch after commit. Concurrent runs enqueue in the order
// they committed. On failure they are dropped and the
// error is returned classified; unclassified errors become persistence errors.
func (c *Coordinator) Run(ctx context.Context, op string, fn func(ctx context.Context, s *Scope) error) error {
	ctx, span := telemetry.StartSpan(ctx, "iamsync/coordinator", "coordinator.Run",
		attribute.String(telemetry.AttrOperation, op),
	)
	defer span.End()

	log := c.logger.WithField("op", op)

	tx, err := c.db.BeginTx(ctx, c.txOpts)
	if err != nil {
		telemetry.RecordError(span, err)
		return errs.Persistence(err, "begin transaction for %s", op)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	scope := &Scope{tx: tx}
	root, err := scope.Checkpoint(ctx)
	if err != nil {
		_ = tx.Rollback()
		telemetry.RecordError(span, err)
		return errs.Persistence(err, "open root savepoint for %s", op)
	}

	if fnErr := fn(ctx, scope); fnErr != nil {
		fnErr = errs.Classify(fnErr)
		telemetry.RecordError(span, fnErr)
		c.abort(ctx, log, tx, scope, root)
		return fnErr
	}

	if err := scope.Release(ctx, root); err != nil {
		_ = tx.Rollback()
		telemetry.RecordError(span, err)
		return errs.Persistence(err, "release root savepoint for %s", op)
	}

	c.commitMu.Lock()
	defer c.commitMu.Unlock()
	if err := tx.Commit(); err != nil {
		telemetry.RecordError(span, err)
		return errs.Persistence(err, "commit %s", op)
	}

	pending := scope.Pending()
	if len(pending) > 0 && c.dispatcher != nil {
		batch := c.dispatcher.Enqueue(context.WithoutCancel(ctx), op, pending)
		telemetry.AddEvent(span, "policy.enqueued",
			attribute.String(telemetry.AttrBatchID, batch),
			attribute.Int("policy.commands", len(pending)),
		)
		log.WithFields(logrus.Fields{"batch": batch, "commands": len(pending)}).Debug("mutation committed")
	}
	return nil
}

// abort undoes everything since root and closes the transaction. The domain
// error is what the caller sees; cleanup failures are only logged.
func (c *Coordinator) abort(ctx context.Context, log *logrus.Entry, tx bun.Tx, scope *Scope, root Checkpoint) {
	if err := scope.Restore(ctx, root); err != nil {
		log.WithError(err).Error("rollback to root savepoint failed, rolling back transaction")
		_ = tx.Rollback()
		return
	}
	if err := scope.Release(ctx, root); err != nil {
		log.WithError(err).Error("release of root savepoint failed, rolling back transaction")
		_ = tx.Rollback()
		return
	}
	if err := tx.Commit(); err != nil {
		log.WithError(err).Error("commit after rollback to savepoint failed")
	}
	scope.pending = nil
}

// Checkpoint identifies a savepoint and the command queue length when it was taken.
type Checkpoint struct {
	name    string
	pending int
}

// Name returns the savepoint name.
func (cp Checkpoint) Name() string { return cp.name }

// Scope is the transactional context handed to a mutation.
type Scope struct {
	tx      bun.Tx
	depth   int
	pending []policysync.Command
}

// DB returns the transaction; every statement of the mutation must use it.
func (s *Scope) DB() bun.IDB {
	return s.tx
}

// Defer queues commands for dispatch after commit.
func (s *Scope) Defer(cmds ...policysync.Command) {
	s.pending = append(s.pending, cmds...)
}

// Pending returns a copy of the queued commands.
func (s *Scope) Pending() []policysync.Command {
	return append([]policysync.Command(nil), s.pending...)
}

// Checkpoint opens a nested savepoint sp_N.
func (s *Scope) Checkpoint(ctx context.Context) (Checkpoint, error) {
	cp := Checkpoint{name: fmt.Sprintf("sp_%d", s.depth+1), pending: len(s.pending)}
	if _, err := s.tx.ExecContext(ctx, "SAVEPOINT "+cp.name); err != nil {
		return Checkpoint{}, fmt.Errorf("savepoint %s: %w", cp.name, err)
	}
	s.depth++
	return cp, nil
}

// Restore rolls back to cp and drops commands queued after it. The savepoint
// stays open until Release.
func (s *Scope) Restore(ctx context.Context, cp Checkpoint) error {
	if _, err := s.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+cp.name); err != nil {
		return fmt.Errorf("rollback to savepoint %s: %w", cp.name, err)
	}
	if cp.pending <= len(s.pending) {
		s.pending = s.pending[:cp.pending]
	}
	return nil
}

// Release closes cp, keeping its changes in the enclosing scope.
func (s *Scope) Release(ctx context.Context, cp Checkpoint) error {
	if _, err := s.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+cp.name); err != nil {
		return fmt.Errorf("release savepoint %s: %w", cp.name, err)
	}
	if s.depth > 0 {
		s.depth--
	}
	return nil
}

// Guard runs fn inside a nested checkpoint. When fn fails its writes and
// queued commands are undone and fn's error is returned; the outer
// transaction stays usable.
func (s *Scope) Guard(ctx context.Context, fn func(ctx context.Context) error) error {
	cp, err := s.Checkpoint(ctx)
	if err != nil {
		return err
	}
	if fnErr := fn(ctx); fnErr != nil {
		if err := s.Restore(ctx, cp); err != nil {
			return fmt.Errorf("%w (restore failed: %v)", fnErr, err)
		}
		if err := s.Release(ctx, cp); err != nil {
			return fmt.Errorf("%w (release failed: %v)", fnErr, err)
		}
		return fnErr
	}
	return s.Release(ctx, cp)
}
