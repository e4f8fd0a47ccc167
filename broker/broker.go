// Package broker adapts the shared Redis instance to the narrow operation
// set the distribution core needs: live pub/sub per room, time-ordered
// history lists, a per-organization scored timeline, and TTL-bound
// subscription records. Tenant scoping lives in the key names supplied by
// callers; the broker enforces nothing itself.
package broker

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"realtime-service/domain"
)

// Broker wraps a Redis client with the distribution core's operation set.
type Broker struct {
	rc              *redis.Client
	historyLimit    int64
	historyTTL      time.Duration
	subscriptionTTL time.Duration
}

// Options tune retention of broker-held state.
type Options struct {
	// HistoryLimit caps each room's history list length.
	HistoryLimit int64
	// HistoryTTL expires idle room history keys.
	HistoryTTL time.Duration
	// SubscriptionTTL bounds persisted subscription records.
	SubscriptionTTL time.Duration
}

// New creates a broker over the given Redis client.
func New(rc *redis.Client, opts Options) *Broker {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 500
	}
	if opts.HistoryTTL <= 0 {
		opts.HistoryTTL = 24 * time.Hour
	}
	if opts.SubscriptionTTL <= 0 {
		opts.SubscriptionTTL = time.Hour
	}
	return &Broker{
		rc:              rc,
		historyLimit:    opts.HistoryLimit,
		historyTTL:      opts.HistoryTTL,
		subscriptionTTL: opts.SubscriptionTTL,
	}
}

// Publish sends one payload to a room's live channel.
func (b *Broker) Publish(ctx context.Context, room string, payload []byte) error {
	return b.rc.Publish(ctx, domain.EventsChannel(room), payload).Err()
}

// SubscriberCount returns the number of live broker-level subscribers on a
// room's channel. Best effort; used for recipient counts only.
func (b *Broker) SubscriberCount(ctx context.Context, room string) (int64, error) {
	channel := domain.EventsChannel(room)
	counts, err := b.rc.PubSubNumSub(ctx, channel).Result()
	if err != nil {
		return 0, err
	}
	return counts[channel], nil
}

// RoomSubscription is a live broker-level subscription on one room.
type RoomSubscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
}

// Close tears down the broker-level subscription and stops its reader.
func (s *RoomSubscription) Close() error {
	err := s.pubsub.Close()
	<-s.done
	return err
}

// Subscribe opens a broker-level subscription on a room and invokes handler
// for every payload received. The handler runs on the subscription's reader
// goroutine; it must not block indefinitely.
func (b *Broker) Subscribe(ctx context.Context, room string, handler func(payload []byte)) (*RoomSubscription, error) {
	pubsub := b.rc.Subscribe(ctx, domain.EventsChannel(room))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	sub := &RoomSubscription{pubsub: pubsub, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()
	return sub, nil
}

// AppendHistory appends payloads to a room's history list, trimming it to
// the configured limit in the same pipeline.
func (b *Broker) AppendHistory(ctx context.Context, room string, payloads ...[]byte) error {
	if len(payloads) == 0 {
		return nil
	}
	key := domain.HistoryKey(room)
	values := make([]any, len(payloads))
	for i, p := range payloads {
		values[i] = p
	}
	_, err := b.rc.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, values...)
		pipe.LTrim(ctx, key, -b.historyLimit, -1)
		pipe.Expire(ctx, key, b.historyTTL)
		return nil
	})
	return err
}

// RecentHistory returns up to n most recent history payloads for a room,
// oldest first.
func (b *Broker) RecentHistory(ctx context.Context, room string, n int64) ([][]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	vals, err := b.rc.LRange(ctx, domain.HistoryKey(room), -n, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// AppendTimeline records a payload on the organization's time-scored set.
func (b *Broker) AppendTimeline(ctx context.Context, orgID string, at time.Time, payload []byte) error {
	return b.rc.ZAdd(ctx, domain.TimelineKey(orgID), redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: payload,
	}).Err()
}

// TimelineRange returns timeline payloads with scores inside [from, to].
func (b *Broker) TimelineRange(ctx context.Context, orgID string, from, to time.Time) ([][]byte, error) {
	vals, err := b.rc.ZRangeByScore(ctx, domain.TimelineKey(orgID), &redis.ZRangeBy{
		Min: strconv.FormatInt(from.UnixMilli(), 10),
		Max: strconv.FormatInt(to.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// TrimTimeline drops timeline entries older than the cutoff.
func (b *Broker) TrimTimeline(ctx context.Context, orgID string, before time.Time) error {
	max := strconv.FormatInt(before.UnixMilli()-1, 10)
	return b.rc.ZRemRangeByScore(ctx, domain.TimelineKey(orgID), "0", max).Err()
}

// SaveSubscription persists a subscription record with the configured TTL.
// Advisory state for external reconciliation tooling; the core never
// reconstructs subscriptions from it.
func (b *Broker) SaveSubscription(ctx context.Context, id string, payload []byte) error {
	return b.rc.Set(ctx, domain.SubscriptionKey(id), payload, b.subscriptionTTL).Err()
}

// DeleteSubscription removes a persisted subscription record.
func (b *Broker) DeleteSubscription(ctx context.Context, id string) error {
	return b.rc.Del(ctx, domain.SubscriptionKey(id)).Err()
}
