package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/songforge/pipeline/internal/model"
)

// RedisBus broadcasts job events over Redis pub/sub. The client handle is
// injected so callers share one connection pool instead of opening a
// connection per publisher.
type RedisBus struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisBus(client *redis.Client, log *zap.Logger) *RedisBus {
	return &RedisBus{client: client, log: log}
}

func (b *RedisBus) Publish(ctx context.Context, event model.JobEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal job event: %w", err)
	}
	if err := b.client.Publish(ctx, ChannelFor(event.JobID), data).Err(); err != nil {
		return fmt.Errorf("publish job event: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, jobID string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, ChannelFor(jobID))
	// Force the subscription onto the wire before returning so the caller
	// cannot miss events published after Subscribe succeeds.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", jobID, err)
	}

	sub := &redisSubscription{
		ps:     ps,
		events: make(chan model.JobEvent, 64),
	}

	go func() {
		defer close(sub.events)
		for msg := range ps.Channel() {
			ev, err := model.ParseJobEvent([]byte(msg.Payload))
			if err != nil {
				// Malformed frames are dropped to keep the channel alive.
				b.log.Debug("dropping malformed job event",
					zap.String("jobId", jobID), zap.Error(err))
				continue
			}
			if !offer(sub.events, ev) {
				// An abandoned or stalled subscriber must not pin this
				// goroutine past Close.
				b.log.Debug("dropping job event for slow subscriber",
					zap.String("jobId", jobID))
			}
		}
	}()

	return sub, nil
}

type redisSubscription struct {
	ps     *redis.PubSub
	events chan model.JobEvent
}

func (s *redisSubscription) Events() <-chan model.JobEvent { return s.events }

func (s *redisSubscription) Close() error { return s.ps.Close() }
