// Package bus is the ephemeral per-job publish/subscribe channel. Workers
// publish progress events; gateways subscribe and fan them out. There is no
// buffering, durability, or replay: a subscriber that connects after an
// event was published never sees it.
package bus

import (
	"context"

	"github.com/songforge/pipeline/internal/model"
)

// ChannelFor names the pub/sub channel for one job id.
func ChannelFor(jobID string) string {
	return "job-events:" + jobID
}

// Subscription is a live event feed for a single job. Events arrive in
// publish order. Close releases the subscription and eventually closes the
// Events channel.
type Subscription interface {
	Events() <-chan model.JobEvent
	Close() error
}

// Bus broadcasts events to every current subscriber of a job's channel.
// Subscribers on different job ids are fully isolated.
type Bus interface {
	Publish(ctx context.Context, event model.JobEvent) error
	Subscribe(ctx context.Context, jobID string) (Subscription, error)
}

// offer delivers without blocking and reports whether the event landed.
// Delivery is best-effort: a subscriber that stops draining loses events
// instead of stalling the delivery goroutine forever.
func offer(ch chan<- model.JobEvent, ev model.JobEvent) bool {
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}
