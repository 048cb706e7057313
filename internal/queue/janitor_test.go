package queue

import (
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/songforge/pipeline/internal/model"
)

type fakePruner struct {
	completed map[string][]*asynq.TaskInfo
	deleted   []string
}

func (f *fakePruner) ListCompletedTasks(queueName string, _ ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	tasks, ok := f.completed[queueName]
	if !ok {
		return nil, asynq.ErrQueueNotFound
	}
	return tasks, nil
}

func (f *fakePruner) DeleteTask(queueName, id string) error {
	f.deleted = append(f.deleted, queueName+"/"+id)
	return nil
}

func completedTask(tier, id string) *asynq.TaskInfo {
	return &asynq.TaskInfo{ID: id, Queue: tier, State: asynq.TaskStateCompleted}
}

func TestJanitor_CapSpansBothTiers(t *testing.T) {
	pruner := &fakePruner{completed: map[string][]*asynq.TaskInfo{
		"plan-high": {
			completedTask("plan-high", "c1"),
			completedTask("plan-high", "c2"),
		},
		"plan": {
			completedTask("plan", "c3"),
			completedTask("plan", "c4"),
			completedTask("plan", "c5"),
			completedTask("plan", "c6"),
		},
	}}

	j := NewJanitor(pruner, 3, time.Minute, zap.NewNop())
	j.Sweep()

	// Six completed across the logical queue, cap 3: the overflow goes,
	// counted across tiers rather than per tier.
	assert.Equal(t, []string{"plan/c4", "plan/c5", "plan/c6"}, pruner.deleted)
}

func TestJanitor_UnderCapDeletesNothing(t *testing.T) {
	pruner := &fakePruner{completed: map[string][]*asynq.TaskInfo{
		"mix-high": {completedTask("mix-high", "c1")},
		"mix":      {completedTask("mix", "c2")},
	}}

	j := NewJanitor(pruner, 3, time.Minute, zap.NewNop())
	j.Sweep()

	assert.Empty(t, pruner.deleted)
}

func TestJanitor_SkipsUnknownQueues(t *testing.T) {
	pruner := &fakePruner{completed: map[string][]*asynq.TaskInfo{}}

	j := NewJanitor(pruner, 3, time.Minute, zap.NewNop())
	for _, queueName := range model.AllQueues() {
		assert.NoError(t, j.sweepQueue(queueName))
	}
	assert.Empty(t, pruner.deleted)
}
