package policysync

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/terraconstructs/iamsync/internal/errs"
	"github.com/terraconstructs/iamsync/internal/telemetry"
)

// ErrDispatcherClosed is returned by Flush after Close.
var ErrDispatcherClosed = errors.New("policy dispatcher closed")

// Batch is the ordered command list of one committed operation.
type Batch struct {
	ID       string
	Op       string
	Commands []Command

	done chan struct{} // set on flush markers only
}

// Dispatcher applies committed batches to a Gateway on a single worker, so
// batches reach the policy store in commit order. A failing command is
// logged as a propagation warning and the rest of the batch still runs.
type Dispatcher struct {
	gw      Gateway
	logger  *logrus.Logger
	timeout time.Duration
	metrics *telemetry.DispatchMetrics

	queue  chan Batch
	doneCh chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithBatchTimeout bounds how long one batch may take.
func WithBatchTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithMetrics records batch and command counters.
func WithMetrics(m *telemetry.DispatchMetrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher starts the worker. queueSize bounds the number of pending
// batches; Enqueue blocks while the queue is full.
func NewDispatcher(gw Gateway, queueSize int, opts ...DispatcherOption) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		gw:      gw,
		logger:  logrus.New(),
		timeout: 30 * time.Second,
		queue:   make(chan Batch, queueSize),
		doneCh:  make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(d)
	}

	go d.worker()
	return d
}

// Enqueue schedules cmds as one batch and returns its id. An empty command
// list is a no-op. If the dispatcher is closed or ctx ends while the queue
// is full the batch is dropped with a warning.
func (d *Dispatcher) Enqueue(ctx context.Context, op string, cmds []Command) string {
	if len(cmds) == 0 {
		return ""
	}
	b := Batch{ID: uuid.NewString(), Op: op, Commands: cmds}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(b, ErrDispatcherClosed)
		return b.ID
	}

	select {
	case d.queue <- b:
		queueDepth.Inc()
	case <-ctx.Done():
		d.drop(b, ctx.Err())
	}
	return b.ID
}

// Flush waits until every batch enqueued before the call has been applied.
func (d *Dispatcher) Flush(ctx context.Context) error {
	marker := Batch{done: make(chan struct{})}

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- marker:
	case <-ctx.Done():
		d.mu.RUnlock()
		return ctx.Err()
	}
	d.mu.RUnlock()

	select {
	case <-marker.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting batches and waits up to timeout for the queue to
// drain. Batches still running at the deadline are cancelled.
func (d *Dispatcher) Close(timeout time.Duration) error {
	var closeErr error
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()

		select {
		case <-d.doneCh:
			d.cancel()
		case <-time.After(timeout):
			d.cancel()
			<-d.doneCh
			closeErr = fmt.Errorf("policy dispatcher shutdown timed out after %v", timeout)
		}
	})
	return closeErr
}

func (d *Dispatcher) worker() {
	defer close(d.doneCh)
	for b := range d.queue {
		if b.done != nil {
			close(b.done)
			continue
		}
		queueDepth.Dec()
		d.apply(b)
	}
}

func (d *Dispatcher) apply(b Batch) {
	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()

	ctx, span := telemetry.StartSpan(ctx, "iamsync/policysync", "policysync.ApplyBatch")
	defer span.End()

	start := time.Now()
	log := d.logger.WithFields(logrus.Fields{"op": b.Op, "batch": b.ID})

	for _, cmd := range b.Commands {
		err := d.applyOne(ctx, cmd)
		d.metrics.RecordCommand(ctx, b.Op, cmd.Kind(), err)
		if err != nil {
			commandsTotal.WithLabelValues(cmd.Kind(), "failed").Inc()
			warning := &errs.PropagationWarning{Op: b.Op, Batch: b.ID, Command: cmd.Kind(), Err: err}
			telemetry.RecordError(span, warning)
			log.WithField("command", cmd.Kind()).WithError(err).Warn(warning.Error())
			continue
		}
		commandsTotal.WithLabelValues(cmd.Kind(), "applied").Inc()
	}

	elapsed := time.Since(start)
	batchDuration.WithLabelValues(b.Op).Observe(elapsed.Seconds())
	d.metrics.RecordBatch(ctx, b.Op, float64(elapsed.Milliseconds()))
	log.WithField("commands", len(b.Commands)).Debug("policy batch applied")
}

func (d *Dispatcher) applyOne(ctx context.Context, cmd Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	return cmd.Apply(ctx, d.gw)
}

func (d *Dispatcher) drop(b Batch, reason error) {
	droppedBatchesTotal.Inc()
	for _, cmd := range b.Commands {
		warning := &errs.PropagationWarning{Op: b.Op, Batch: b.ID, Command: cmd.Kind(), Err: reason}
		d.logger.WithFields(logrus.Fields{"op": b.Op, "batch": b.ID, "command": cmd.Kind()}).Warn(warning.Error())
	}
}
