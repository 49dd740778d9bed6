package policysync_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/terraconstructs/iamsync/internal/policysync"
	"github.com/terraconstructs/iamsync/internal/policysync/policysynctest"
)

// recordingCommand appends its label to a shared log when applied.
type recordingCommand struct {
	label string
	log   *[]string
	mu    *sync.Mutex
	err   error
}

func (c recordingCommand) Kind() string { return "record:" + c.label }

func (c recordingCommand) Apply(context.Context, policysync.Gateway) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	*c.log = append(*c.log, c.label)
	return c.err
}

func TestDispatcherPreservesOrderAcrossBatches(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var (
		mu      sync.Mutex
		applied []string
	)
	cmd := func(label string) policysync.Command {
		return recordingCommand{label: label, log: &applied, mu: &mu}
	}

	d := policysync.NewDispatcher(policysynctest.New(), 4)
	ctx := context.Background()

	var want []string
	for i := 0; i < 20; i++ {
		a, b := string(rune('a'+i)), string(rune('A'+i))
		d.Enqueue(ctx, "op", []policysync.Command{cmd(a), cmd(b)})
		want = append(want, a, b)
	}
	require.NoError(t, d.Flush(ctx))

	mu.Lock()
	assert.Equal(t, want, applied)
	mu.Unlock()

	require.NoError(t, d.Close(time.Second))
}

func TestDispatcherContinuesAfterFailedCommand(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	var (
		mu      sync.Mutex
		applied []string
	)
	failing := recordingCommand{label: "boom", log: &applied, mu: &mu, err: errors.New("store down")}
	after := recordingCommand{label: "after", log: &applied, mu: &mu}

	d := policysync.NewDispatcher(policysynctest.New(), 1, policysync.WithLogger(logger))
	batch := d.Enqueue(context.Background(), "CreateUser", []policysync.Command{failing, after})
	require.NotEmpty(t, batch)
	require.NoError(t, d.Flush(context.Background()))
	require.NoError(t, d.Close(time.Second))

	assert.Equal(t, []string{"boom", "after"}, applied)

	var warnings []*logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warnings = append(warnings, e)
		}
	}
	require.Len(t, warnings, 1)
	assert.Equal(t, "CreateUser", warnings[0].Data["op"])
	assert.Equal(t, batch, warnings[0].Data["batch"])
	assert.Equal(t, "record:boom", warnings[0].Data["command"])
	assert.Contains(t, warnings[0].Message, "store down")
}

func TestDispatcherAppliesToGateway(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	gw := policysynctest.New()
	d := policysync.NewDispatcher(gw, 8)
	ctx := context.Background()

	d.Enqueue(ctx, "SetUserRoles", []policysync.Command{
		policysync.RemoveGroupingRules{Rules: policysync.Grouping("alice", "normal")},
		policysync.AddGroupingRules{Rules: policysync.Grouping("alice", "ops")},
	})
	assert.Empty(t, d.Enqueue(ctx, "noop", nil))
	require.NoError(t, d.Flush(ctx))
	require.NoError(t, d.Close(time.Second))

	assert.Equal(t, []string{"ops"}, gw.RolesOf("alice"))
	assert.Equal(t, []string{"RemoveGroupingRules", "AddGroupingRules"}, gw.Calls())
}

func TestDispatcherClosedDropsBatches(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	logger, hook := test.NewNullLogger()
	gw := policysynctest.New()
	d := policysync.NewDispatcher(gw, 1, policysync.WithLogger(logger))
	require.NoError(t, d.Close(time.Second))
	require.NoError(t, d.Close(time.Second))

	d.Enqueue(context.Background(), "DeleteUser", []policysync.Command{
		policysync.RemoveGroupingRules{Rules: policysync.Grouping("alice", "ops")},
	})
	assert.ErrorIs(t, d.Flush(context.Background()), policysync.ErrDispatcherClosed)
	assert.Empty(t, gw.Calls())
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestDispatcherCloseTimesOut(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	release := make(chan struct{})
	d := policysync.NewDispatcher(policysynctest.New(), 1, policysync.WithBatchTimeout(time.Minute))
	d.Enqueue(context.Background(), "slow", []policysync.Command{blockingCommand{release: release}})

	err := d.Close(20 * time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	close(release)
}

// blockingCommand waits for release or cancellation.
type blockingCommand struct {
	release chan struct{}
}

func (blockingCommand) Kind() string { return "block" }

func (c blockingCommand) Apply(ctx context.Context, _ policysync.Gateway) error {
	select {
	case <-c.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
