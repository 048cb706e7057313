// Package queue wraps the durable priority queue: idempotent-by-id
// submission, two priority tiers per stage, retry with exponential backoff,
// dead-letter retention of failed jobs and pruning of completed ones.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/songforge/pipeline/internal/model"
)

// highSuffix marks the elevated-priority tier of a stage queue. Each worker
// server declares both tiers with strict priority, so elevated jobs are
// always claimed before standard ones.
const highSuffix = "-high"

// TierFor maps a submission priority onto the concrete asynq queue name.
func TierFor(q model.QueueName, priority int) string {
	if priority >= model.PriorityElevated {
		return string(q) + highSuffix
	}
	return string(q)
}

// Tiers returns both asynq queue names backing one stage queue.
func Tiers(q model.QueueName) []string {
	return []string{string(q) + highSuffix, string(q)}
}

// TaskEnvelope is the payload every queued task carries.
type TaskEnvelope struct {
	JobID   string          `json:"jobId"`
	Payload json.RawMessage `json:"payload"`
}

// Broker is the enqueue side of the task broker.
type Broker interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskReader resolves task state off the broker.
type TaskReader interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
}

// RecordStore is the slice of the job-record store the queue depends on.
type RecordStore interface {
	Create(ctx context.Context, rec *model.JobRecord) (bool, error)
	Get(ctx context.Context, jobID string) (*model.JobRecord, error)
	Delete(ctx context.Context, jobID string) error
}

// Queue is the durable job queue backing every pipeline stage.
type Queue struct {
	client      Broker
	inspector   TaskReader
	store       RecordStore
	maxAttempts int
	retention   time.Duration
	log         *zap.Logger
}

func New(client Broker, inspector TaskReader, store RecordStore, maxAttempts int, retention time.Duration, log *zap.Logger) *Queue {
	return &Queue{
		client:      client,
		inspector:   inspector,
		store:       store,
		maxAttempts: maxAttempts,
		retention:   retention,
		log:         log,
	}
}

// Enqueue submits a job. The caller-supplied id is the idempotency key: if a
// job with the same id already exists on the queue (either tier), the call
// is a no-op returning the existing job's status.
func (q *Queue) Enqueue(ctx context.Context, queueName model.QueueName, name string, payload any, opts model.EnqueueOptions) (*model.JobStatus, error) {
	if opts.ID == "" {
		return nil, errors.New("enqueue: job id is required")
	}

	if existing, err := q.lookup(ctx, queueName, opts.ID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	data, err := json.Marshal(TaskEnvelope{JobID: opts.ID, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal task envelope: %w", err)
	}

	rec := &model.JobRecord{
		ID:        opts.ID,
		Queue:     queueName,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	created, err := q.store.Create(ctx, rec)
	if err != nil {
		return nil, err
	}
	if !created {
		// Lost the race with a concurrent submission. The record write is
		// the atomic gate: the broker's own id conflict detection is per
		// tier, so a racing submission at a different priority would slip
		// past it onto the other tier.
		return q.existing(ctx, queueName, opts.ID)
	}

	task := asynq.NewTask(name, data)
	info, err := q.client.EnqueueContext(ctx, task,
		asynq.Queue(TierFor(queueName, opts.Priority)),
		asynq.TaskID(opts.ID),
		asynq.MaxRetry(q.maxAttempts-1),
		asynq.Retention(q.retention),
	)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return q.existing(ctx, queueName, opts.ID)
		}
		// Release the record so the id is not burned by a broker hiccup.
		if derr := q.store.Delete(ctx, opts.ID); derr != nil {
			q.log.Warn("orphaned job record cleanup failed",
				zap.String("jobId", opts.ID), zap.Error(derr))
		}
		return nil, fmt.Errorf("enqueue %s/%s: %w", queueName, opts.ID, err)
	}

	q.log.Info("job enqueued",
		zap.String("jobId", opts.ID),
		zap.String("queue", info.Queue),
		zap.String("name", name),
		zap.Int("priority", opts.Priority))

	return q.status(ctx, info), nil
}

// existing resolves the status of a job that beat this submission. The task
// may not be visible on the broker yet (the winner could still be between
// its record write and its enqueue), so the record alone answers waiting.
func (q *Queue) existing(ctx context.Context, queueName model.QueueName, jobID string) (*model.JobStatus, error) {
	if st, err := q.lookup(ctx, queueName, jobID); err != nil {
		return nil, err
	} else if st != nil {
		return st, nil
	}
	rec, err := q.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &model.JobStatus{
		ID:       rec.ID,
		State:    model.JobStateWaiting,
		Progress: rec.Progress,
	}, nil
}

// GetStatus resolves a job id across all known queues. A nil result with a
// nil error means the id is unknown; that is not an error condition.
func (q *Queue) GetStatus(ctx context.Context, jobID string) (*model.JobStatus, error) {
	for _, queueName := range model.AllQueues() {
		st, err := q.lookup(ctx, queueName, jobID)
		if err != nil {
			return nil, err
		}
		if st != nil {
			return st, nil
		}
	}
	return nil, nil
}

func (q *Queue) lookup(ctx context.Context, queueName model.QueueName, jobID string) (*model.JobStatus, error) {
	for _, tier := range Tiers(queueName) {
		info, err := q.inspector.GetTaskInfo(tier, jobID)
		if err != nil {
			if errors.Is(err, asynq.ErrQueueNotFound) || errors.Is(err, asynq.ErrTaskNotFound) {
				continue
			}
			return nil, fmt.Errorf("inspect %s/%s: %w", tier, jobID, err)
		}
		return q.status(ctx, info), nil
	}
	return nil, nil
}

func (q *Queue) status(ctx context.Context, info *asynq.TaskInfo) *model.JobStatus {
	st := &model.JobStatus{
		ID:    info.ID,
		State: StateOf(info.State),
		Data:  json.RawMessage(info.Payload),
	}

	switch st.State {
	case model.JobStateCompleted:
		st.Progress = 100
	case model.JobStateFailed, model.JobStateDelayed:
		st.FailedReason = info.LastErr
	}

	if rec, err := q.store.Get(ctx, info.ID); err == nil {
		if st.State != model.JobStateCompleted {
			st.Progress = rec.Progress
		}
		if rec.Error != nil {
			st.FailedReason = *rec.Error
		}
	}
	return st
}

// StateOf maps the broker's task state onto the job lifecycle.
func StateOf(s asynq.TaskState) model.JobState {
	switch s {
	case asynq.TaskStateActive:
		return model.JobStateActive
	case asynq.TaskStateScheduled, asynq.TaskStateRetry:
		return model.JobStateDelayed
	case asynq.TaskStateCompleted:
		return model.JobStateCompleted
	case asynq.TaskStateArchived:
		return model.JobStateFailed
	default:
		return model.JobStateWaiting
	}
}
