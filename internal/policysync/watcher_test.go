package policysync

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraconstructs/iamsync/internal/db/bunx"
)

func TestRedisWatcherNotifiesOtherInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	a, err := NewRedisWatcher(ctx, "redis://"+mr.Addr(), "", nil)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewRedisWatcher(ctx, "redis://"+mr.Addr(), "", nil)
	require.NoError(t, err)
	defer b.Close()

	gotA := make(chan string, 1)
	gotB := make(chan string, 1)
	require.NoError(t, a.SetUpdateCallback(func(msg string) { gotA <- msg }))
	require.NoError(t, b.SetUpdateCallback(func(msg string) { gotB <- msg }))

	require.NoError(t, a.Update())

	select {
	case msg := <-gotB:
		assert.Contains(t, msg, a.instance)
	case <-time.After(2 * time.Second):
		t.Fatal("second instance was not notified")
	}

	select {
	case <-gotA:
		t.Fatal("publisher must ignore its own update")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisWatcherReloadsEnforcer(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	db, err := bunx.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	writer, err := NewEnforcer(ctx, db)
	require.NoError(t, err)
	reader, err := NewEnforcer(ctx, db)
	require.NoError(t, err)

	wa, err := NewRedisWatcher(ctx, "redis://"+mr.Addr(), "test:policy", nil)
	require.NoError(t, err)
	defer wa.Close()
	wb, err := NewRedisWatcher(ctx, "redis://"+mr.Addr(), "test:policy", nil)
	require.NoError(t, err)
	defer wb.Close()

	require.NoError(t, AttachWatcher(writer, wa))
	require.NoError(t, AttachWatcher(reader, wb))

	require.NoError(t, NewCasbinGateway(writer).AddGroupingRules(ctx, Grouping("alice", "ops")))

	readerGW := NewCasbinGateway(reader)
	assert.Eventually(t, func() bool {
		rules, err := readerGW.GroupingRules(ctx)
		return err == nil && len(rules) == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRedisWatcherRejectsBadURL(t *testing.T) {
	_, err := NewRedisWatcher(context.Background(), "not a url", "", nil)
	assert.Error(t, err)
}
