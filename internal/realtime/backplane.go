package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-redis/redis/v8"
)

// Frame is one room broadcast as it travels between processes. Payload is
// the encoded envelope; Except names a connection that must not receive it.
// An eviction frame removes connections from the room instead, and Payload
// goes to the removed connections only.
type Frame struct {
	TeamID  string          `json:"teamId"`
	Except  string          `json:"except,omitempty"`
	Payload json.RawMessage `json:"payload"`
	Evict   *Eviction       `json:"evict,omitempty"`
}

// Eviction selects the connections an eviction frame removes. An empty
// UserID selects every connection in the room.
type Eviction struct {
	UserID string `json:"userId,omitempty"`
}

// Backplane fans room broadcasts out to every server process, including
// the publishing one.
type Backplane interface {
	Publish(ctx context.Context, f Frame) error
	Subscribe(deliver func(Frame)) error
	Close() error
}

// LocalBackplane delivers frames within the current process only.
type LocalBackplane struct {
	mu      sync.RWMutex
	deliver func(Frame)
}

// NewLocalBackplane creates a single-process backplane.
func NewLocalBackplane() *LocalBackplane {
	return &LocalBackplane{}
}

func (b *LocalBackplane) Publish(_ context.Context, f Frame) error {
	b.mu.RLock()
	deliver := b.deliver
	b.mu.RUnlock()
	if deliver != nil {
		deliver(f)
	}
	return nil
}

func (b *LocalBackplane) Subscribe(deliver func(Frame)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliver = deliver
	return nil
}

func (b *LocalBackplane) Close() error { return nil }

// RedisOptions configures a RedisBackplane.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// RedisBackplane relays frames through a Redis pub/sub channel so that
// sockets held by other processes receive them.
type RedisBackplane struct {
	client  *redis.Client
	channel string

	mu     sync.Mutex
	sub    *redis.PubSub
	done   chan struct{}
	closed bool
}

// NewRedisBackplane connects to Redis and verifies the connection.
func NewRedisBackplane(ctx context.Context, opts RedisOptions) (*RedisBackplane, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}
	return &RedisBackplane{client: client, channel: opts.Channel}, nil
}

func (b *RedisBackplane) Publish(ctx context.Context, f Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing frame: %w", err)
	}
	return nil
}

// Subscribe starts relaying frames from the channel to deliver until Close.
func (b *RedisBackplane) Subscribe(deliver func(Frame)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("backplane closed")
	}
	if b.sub != nil {
		return fmt.Errorf("already subscribed")
	}

	ctx := context.Background()
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribing to %s: %w", b.channel, err)
	}
	b.sub = sub
	b.done = make(chan struct{})

	go func() {
		defer close(b.done)
		for msg := range sub.Channel() {
			var f Frame
			if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
				slog.Warn("dropping malformed backplane frame", "channel", msg.Channel, "error", err)
				continue
			}
			deliver(f)
		}
	}()
	return nil
}

// Close stops the subscription and closes the client.
func (b *RedisBackplane) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	sub, done := b.sub, b.done
	b.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
		<-done
	}
	return b.client.Close()
}
