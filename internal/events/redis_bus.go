// Redis-backed event fan-out for multi-node observability.
//
// The in-process Bus only delivers events within a single node. RedisBus
// mirrors every published event onto a Redis Pub/Sub channel so external
// observers (dashboards, the journal collaborator) can follow the whole
// mesh, while local subscribers still get zero-latency in-process delivery.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus wraps the in-process Bus and mirrors events to Redis Pub/Sub.
type RedisBus struct {
	*Bus

	mu     sync.Mutex
	rdb    *redis.Client
	prefix string
	sub    *redis.PubSub
	closed bool
}

// NewRedisBus connects to Redis and returns a bus that publishes both
// locally and to the channel "<prefix>all". The caller decides whether a
// connection failure is fatal or falls back to the in-memory bus.
func NewRedisBus(addr, password string, db int, prefix string) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis event bus connected", "addr", addr, "db", db)
	return &RedisBus{
		Bus:    NewBus(),
		rdb:    rdb,
		prefix: prefix,
	}, nil
}

// Emit publishes locally and mirrors the event to Redis.
func (rb *RedisBus) Emit(eventType EventType, source, subject string, data map[string]interface{}) {
	event := NewEvent(eventType, source, subject, data)
	rb.Bus.Publish(event)

	payload, err := json.Marshal(event)
	if err != nil {
		slog.Warn("event marshal failed", "type", eventType, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rb.rdb.Publish(ctx, rb.prefix+"all", payload).Err(); err != nil {
		slog.Warn("redis publish failed", "type", eventType, "error", err)
	}
}

// Mirror pushes an already-built event to the Redis channel without
// re-publishing it locally. Used to bridge another bus's traffic out.
func (rb *RedisBus) Mirror(event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Warn("event marshal failed", "type", event.Type, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rb.rdb.Publish(ctx, rb.prefix+"all", payload).Err(); err != nil {
		slog.Warn("redis publish failed", "type", event.Type, "error", err)
	}
}

// Follow subscribes to the mesh-wide Redis channel and re-publishes remote
// events onto the local bus so in-process subscribers see them too.
func (rb *RedisBus) Follow(ctx context.Context) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.sub != nil {
		return nil
	}

	sub := rb.rdb.Subscribe(ctx, rb.prefix+"all")
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("subscribe to %s: %w", rb.prefix+"all", err)
	}
	rb.sub = sub

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				slog.Warn("remote event unmarshal failed", "error", err)
				continue
			}
			rb.Bus.Publish(&event)
		}
	}()

	return nil
}

// Close shuts down the Redis subscription and client.
func (rb *RedisBus) Close() error {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.closed {
		return nil
	}
	rb.closed = true
	if rb.sub != nil {
		rb.sub.Close()
	}
	return rb.rdb.Close()
}
