package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"github.com/terraconstructs/iamsync/internal/db/bunx"
	"github.com/terraconstructs/iamsync/internal/errs"
	"github.com/terraconstructs/iamsync/internal/policysync"
)

type recordedBatch struct {
	op   string
	cmds []policysync.Command
}

type fakeEnqueuer struct {
	mu      sync.Mutex
	batches []recordedBatch
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, op string, cmds []policysync.Command) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, recordedBatch{op: op, cmds: cmds})
	return "batch"
}

func newMockCoordinator(t *testing.T) (*Coordinator, sqlmock.Sqlmock, *fakeEnqueuer) {
	t.Helper()
	sqldb, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	db := bun.NewDB(sqldb, pgdialect.New())
	t.Cleanup(func() { _ = db.Close() })

	enq := &fakeEnqueuer{}
	return New(db, enq), mock, enq
}

var addAlice = policysync.AddGroupingRules{Rules: policysync.Grouping("alice", "normal")}

func TestRunFailureSavepointSequence(t *testing.T) {
	c, mock, enq := newMockCoordinator(t)

	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT sp_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("ROLLBACK TO SAVEPOINT sp_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("RELEASE SAVEPOINT sp_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := c.Run(context.Background(), "CreateUser", func(ctx context.Context, s *Scope) error {
		s.Defer(addAlice)
		return errs.Validation("username taken")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrValidation)
	assert.Empty(t, enq.batches)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunSuccessSequence(t *testing.T) {
	c, mock, enq := newMockCoordinator(t)

	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT sp_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("RELEASE SAVEPOINT sp_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := c.Run(context.Background(), "CreateUser", func(ctx context.Context, s *Scope) error {
		s.Defer(addAlice)
		return nil
	})

	require.NoError(t, err)
	require.Len(t, enq.batches, 1)
	assert.Equal(t, "CreateUser", enq.batches[0].op)
	assert.Equal(t, []policysync.Command{addAlice}, enq.batches[0].cmds)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunUnclassifiedErrorBecomesPersistence(t *testing.T) {
	c, mock, _ := newMockCoordinator(t)

	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT sp_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("ROLLBACK TO SAVEPOINT sp_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("RELEASE SAVEPOINT sp_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := c.Run(context.Background(), "DeleteRole", func(ctx context.Context, s *Scope) error {
		return errors.New("disk full")
	})

	assert.ErrorIs(t, err, errs.ErrPersistence)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunCommitFailureDispatchesNothing(t *testing.T) {
	c, mock, enq := newMockCoordinator(t)

	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT sp_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("RELEASE SAVEPOINT sp_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))

	err := c.Run(context.Background(), "SetUserRoles", func(ctx context.Context, s *Scope) error {
		s.Defer(addAlice)
		return nil
	})

	assert.ErrorIs(t, err, errs.ErrPersistence)
	assert.Empty(t, enq.batches)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunPanicRollsBack(t *testing.T) {
	c, mock, enq := newMockCoordinator(t)

	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT sp_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	assert.PanicsWithValue(t, "boom", func() {
		_ = c.Run(context.Background(), "DeleteUser", func(ctx context.Context, s *Scope) error {
			s.Defer(addAlice)
			panic("boom")
		})
	})
	assert.Empty(t, enq.batches)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGuardRestoresNestedCheckpoint(t *testing.T) {
	c, mock, enq := newMockCoordinator(t)

	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT sp_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SAVEPOINT sp_2").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("ROLLBACK TO SAVEPOINT sp_2").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("RELEASE SAVEPOINT sp_2").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("RELEASE SAVEPOINT sp_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	removeBob := policysync.RemoveGroupingRules{Rules: policysync.Grouping("bob", "normal")}
	err := c.Run(context.Background(), "SetRoleUsers", func(ctx context.Context, s *Scope) error {
		s.Defer(addAlice)
		guardErr := s.Guard(ctx, func(ctx context.Context) error {
			s.Defer(removeBob)
			return errors.New("audit insert failed")
		})
		assert.EqualError(t, guardErr, "audit insert failed")
		return nil
	})

	require.NoError(t, err)
	require.Len(t, enq.batches, 1)
	assert.Equal(t, []policysync.Command{addAlice}, enq.batches[0].cmds)
	require.NoError(t, mock.ExpectationsWereMet())
}

// gatedEnqueuer holds the first Enqueue call until release is closed.
type gatedEnqueuer struct {
	fakeEnqueuer
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedEnqueuer) Enqueue(ctx context.Context, op string, cmds []policysync.Command) string {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.fakeEnqueuer.Enqueue(ctx, op, cmds)
}

func TestRunEnqueuesInCommitOrder(t *testing.T) {
	db, err := bunx.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	enq := &gatedEnqueuer{entered: make(chan struct{}), release: make(chan struct{})}
	c := New(db, enq)
	ctx := context.Background()

	removeAlice := policysync.RemoveGroupingRules{Rules: policysync.Grouping("alice", "ops")}
	readdAlice := policysync.AddGroupingRules{Rules: policysync.Grouping("alice", "ops")}

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- c.Run(ctx, "SetUserRoles", func(ctx context.Context, s *Scope) error {
			s.Defer(removeAlice)
			return nil
		})
	}()
	<-enq.entered

	secondDone := make(chan error, 1)
	go func() {
		secondDone <- c.Run(ctx, "SetRoleUsers", func(ctx context.Context, s *Scope) error {
			s.Defer(readdAlice)
			return nil
		})
	}()

	select {
	case err := <-secondDone:
		t.Fatalf("second run finished while the first was still enqueuing: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(enq.release)
	require.NoError(t, <-firstDone)
	require.NoError(t, <-secondDone)

	require.Len(t, enq.batches, 2)
	assert.Equal(t, []policysync.Command{removeAlice}, enq.batches[0].cmds)
	assert.Equal(t, []policysync.Command{readdAlice}, enq.batches[1].cmds)
}

// ====================================================================================
// SQLite integration
// ====================================================================================

type item struct {
	bun.BaseModel `bun:"table:items"`
	Name          string `bun:"name,pk"`
}

func newSQLiteCoordinator(t *testing.T) (*Coordinator, *bun.DB, *fakeEnqueuer) {
	t.Helper()
	db, err := bunx.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.NewCreateTable().Model((*item)(nil)).Exec(context.Background())
	require.NoError(t, err)

	enq := &fakeEnqueuer{}
	return New(db, enq), db, enq
}

func countItems(t *testing.T, db *bun.DB) int {
	t.Helper()
	n, err := db.NewSelect().Model((*item)(nil)).Count(context.Background())
	require.NoError(t, err)
	return n
}

func TestRunSQLiteFailureLeavesNoRows(t *testing.T) {
	c, db, enq := newSQLiteCoordinator(t)
	ctx := context.Background()

	err := c.Run(ctx, "CreateUser", func(ctx context.Context, s *Scope) error {
		if _, err := s.DB().NewInsert().Model(&item{Name: "a"}).Exec(ctx); err != nil {
			return err
		}
		s.Defer(addAlice)
		return errs.External(errors.New("idp down"), "create identity")
	})

	assert.ErrorIs(t, err, errs.ErrExternalDependency)
	assert.Zero(t, countItems(t, db))
	assert.Empty(t, enq.batches)

	// the connection is usable afterwards
	require.NoError(t, c.Run(ctx, "CreateUser", func(ctx context.Context, s *Scope) error {
		_, err := s.DB().NewInsert().Model(&item{Name: "b"}).Exec(ctx)
		return err
	}))
	assert.Equal(t, 1, countItems(t, db))
	assert.Empty(t, enq.batches, "no batch for a mutation without commands")
}

func TestRunSQLiteGuardKeepsOuterWrites(t *testing.T) {
	c, db, _ := newSQLiteCoordinator(t)
	ctx := context.Background()

	err := c.Run(ctx, "UpdateRole", func(ctx context.Context, s *Scope) error {
		if _, err := s.DB().NewInsert().Model(&item{Name: "kept"}).Exec(ctx); err != nil {
			return err
		}
		guardErr := s.Guard(ctx, func(ctx context.Context) error {
			if _, err := s.DB().NewInsert().Model(&item{Name: "undone"}).Exec(ctx); err != nil {
				return err
			}
			// duplicate key fails the guarded block
			_, err := s.DB().NewInsert().Model(&item{Name: "kept"}).Exec(ctx)
			return err
		})
		require.Error(t, guardErr)
		assert.True(t, bunx.IsUniqueViolation(guardErr))
		return nil
	})
	require.NoError(t, err)

	var names []string
	require.NoError(t, db.NewSelect().Model((*item)(nil)).Column("name").Scan(ctx, &names))
	assert.Equal(t, []string{"kept"}, names)
}
