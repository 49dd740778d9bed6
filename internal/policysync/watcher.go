package policysync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/casbin/casbin/v2/persist"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultWatcherChannel is the pub/sub channel policy updates are announced on.
const DefaultWatcherChannel = "iamsync:policy:update"

type updateMessage struct {
	Instance string    `json:"instance"`
	At       time.Time `json:"at"`
}

// RedisWatcher announces policy changes over Redis pub/sub so other
// instances reload their enforcer. Messages from this instance are ignored.
type RedisWatcher struct {
	client   *redis.Client
	pubsub   *redis.PubSub
	channel  string
	instance string
	logger   *logrus.Logger

	mu       sync.RWMutex
	callback func(string)

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

var _ persist.Watcher = (*RedisWatcher)(nil)

// NewRedisWatcher connects to redisURL and subscribes to channel
// (DefaultWatcherChannel when empty).
func NewRedisWatcher(ctx context.Context, redisURL, channel string, logger *logrus.Logger) (*RedisWatcher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisWatcherWithClient(ctx, redis.NewClient(opts), channel, logger)
}

// NewRedisWatcherWithClient subscribes using an existing client. The watcher
// owns the client and closes it on Close.
func NewRedisWatcherWithClient(ctx context.Context, client *redis.Client, channel string, logger *logrus.Logger) (*RedisWatcher, error) {
	if channel == "" {
		channel = DefaultWatcherChannel
	}
	if logger == nil {
		logger = logrus.New()
	}

	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	w := &RedisWatcher{
		client:   client,
		pubsub:   pubsub,
		channel:  channel,
		instance: uuid.NewString(),
		logger:   logger,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go w.listen(runCtx)
	return w, nil
}

// SetUpdateCallback sets the function run when another instance publishes.
func (w *RedisWatcher) SetUpdateCallback(fn func(string)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callback = fn
	return nil
}

// Update announces that this instance changed the policy.
func (w *RedisWatcher) Update() error {
	payload, err := json.Marshal(updateMessage{Instance: w.instance, At: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := w.client.Publish(context.Background(), w.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish policy update: %w", err)
	}
	return nil
}

// Close stops listening and closes the Redis connection.
func (w *RedisWatcher) Close() {
	w.once.Do(func() {
		w.cancel()
		_ = w.pubsub.Close()
		<-w.done
		_ = w.client.Close()
	})
}

func (w *RedisWatcher) listen(ctx context.Context) {
	defer close(w.done)
	ch := w.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.handle(msg.Payload)
		}
	}
}

func (w *RedisWatcher) handle(payload string) {
	var m updateMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		w.logger.WithError(err).Warn("ignoring malformed policy update message")
		return
	}
	if m.Instance == w.instance {
		return
	}

	w.mu.RLock()
	fn := w.callback
	w.mu.RUnlock()
	if fn != nil {
		fn(payload)
	}
}
