package queue

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/songforge/pipeline/internal/model"
)

const janitorPageSize = 200

// TaskPruner is the slice of the broker inspector the janitor needs.
type TaskPruner interface {
	ListCompletedTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
}

// Janitor prunes completed jobs beyond the per-queue count cap. Age-based
// pruning (24h) is handled by the broker's own retention window; the count
// cap needs this sweep. Failed jobs are never touched: they are the
// dead-letter set and stay queryable indefinitely.
type Janitor struct {
	inspector TaskPruner
	cap       int
	interval  time.Duration
	log       *zap.Logger
}

func NewJanitor(inspector TaskPruner, completedCap int, interval time.Duration, log *zap.Logger) *Janitor {
	return &Janitor{
		inspector: inspector,
		cap:       completedCap,
		interval:  interval,
		log:       log,
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep()
		}
	}
}

// Sweep applies the completed cap to every logical queue.
func (j *Janitor) Sweep() {
	for _, queueName := range model.AllQueues() {
		if err := j.sweepQueue(queueName); err != nil {
			j.log.Warn("janitor sweep failed",
				zap.String("queue", string(queueName)), zap.Error(err))
		}
	}
}

type completedRef struct {
	tier string
	id   string
}

// sweepQueue enforces the cap across both priority tiers of one logical
// queue: the cap bounds the queue, not each tier. Listing finishes before
// any deletion so paging stays stable while we delete.
func (j *Janitor) sweepQueue(queueName model.QueueName) error {
	var completed []completedRef
	for _, tier := range Tiers(queueName) {
		for page := 1; ; page++ {
			tasks, err := j.inspector.ListCompletedTasks(tier,
				asynq.Page(page), asynq.PageSize(janitorPageSize))
			if err != nil {
				if errors.Is(err, asynq.ErrQueueNotFound) {
					break
				}
				return err
			}
			for _, task := range tasks {
				completed = append(completed, completedRef{tier: tier, id: task.ID})
			}
			if len(tasks) < janitorPageSize {
				break
			}
		}
	}

	if len(completed) <= j.cap {
		return nil
	}
	for _, ref := range completed[j.cap:] {
		if err := j.inspector.DeleteTask(ref.tier, ref.id); err != nil {
			j.log.Warn("janitor delete failed",
				zap.String("queue", ref.tier),
				zap.String("jobId", ref.id),
				zap.Error(err))
		}
	}
	return nil
}
