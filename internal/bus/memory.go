package bus

import (
	"context"
	"sync"

	"github.com/songforge/pipeline/internal/model"
)

// MemoryBus is an in-process Bus with the same fan-out semantics as the
// Redis one: per-job channels, every subscriber gets every event, nothing
// is buffered across subscriptions. Used in tests and single-process
// deployments.
type MemoryBus struct {
	mu sync.RWMutex

	// Subscribers grouped by job ID
	subs map[string]map[*memorySubscription]struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs: make(map[string]map[*memorySubscription]struct{}),
	}
}

func (b *MemoryBus) Publish(_ context.Context, event model.JobEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[event.JobID] {
		offer(sub.events, event)
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, jobID string) (Subscription, error) {
	sub := &memorySubscription{
		bus:    b,
		jobID:  jobID,
		events: make(chan model.JobEvent, 64),
	}

	b.mu.Lock()
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[*memorySubscription]struct{})
	}
	b.subs[jobID][sub] = struct{}{}
	b.mu.Unlock()

	return sub, nil
}

type memorySubscription struct {
	bus    *MemoryBus
	jobID  string
	events chan model.JobEvent
	once   sync.Once
}

func (s *memorySubscription) Events() <-chan model.JobEvent { return s.events }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		if subs, ok := s.bus.subs[s.jobID]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(s.bus.subs, s.jobID)
			}
		}
		s.bus.mu.Unlock()
		close(s.events)
	})
	return nil
}
