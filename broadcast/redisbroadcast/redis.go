// Package redisbroadcast fans a cross-process system announcement out to
// every session on every process subscribed to the same channel, backed by
// redis/go-redis/v9 pub/sub. It carries no per-unit state and is not a
// substitute for session reattachment: a session that misses an
// announcement while disconnected simply never sees it, the same way a
// client that was offline for a chat message never received it.
package redisbroadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/redis/go-redis/v9"
)

// Announcement is one fanned-out message: Kind names the announcement
// (e.g. "MAINTENANCE"), Data is an arbitrary JSON-safe payload.
type Announcement struct {
	Kind string `json:"kind"`
	Data any    `json:"data,omitempty"`
}

// Broadcaster publishes and subscribes to one Redis channel.
type Broadcaster struct {
	client  *redis.Client
	channel string
}

// New wraps an existing Redis client for publishing and subscribing on
// channel.
func New(client *redis.Client, channel string) *Broadcaster {
	return &Broadcaster{client: client, channel: channel}
}

// Publish retries transient publish failures with exponential backoff
// before giving up.
func (b *Broadcaster) Publish(ctx context.Context, a Announcement) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("broadcast/redisbroadcast: marshal: %w", err)
	}

	op := func() error {
		return b.client.Publish(ctx, b.channel, raw).Err()
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 5 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("broadcast/redisbroadcast: publish: %w", err)
	}
	return nil
}

// Subscribe returns a channel of decoded Announcements. The returned
// function stops the subscription and closes the channel; call it when
// the caller's context is done.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan Announcement, func()) {
	sub := b.client.Subscribe(ctx, b.channel)
	out := make(chan Announcement)

	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var a Announcement
				if err := json.Unmarshal([]byte(msg.Payload), &a); err != nil {
					continue
				}
				select {
				case out <- a:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, func() { _ = sub.Close() }
}
