package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/songforge/pipeline/internal/model"
)

// ErrRecordNotFound is returned when no progress record exists for a job id.
var ErrRecordNotFound = errors.New("job record not found")

// JobStore keeps the per-job progress record in Redis, next to the queue's
// own task metadata. Workers write it through the updateProgress callback;
// the status query reads it back.
type JobStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewJobStore(redisClient *redis.Client, ttl time.Duration) *JobStore {
	return &JobStore{redis: redisClient, ttl: ttl}
}

func recordKey(jobID string) string {
	return "job:" + jobID
}

func (s *JobStore) Save(ctx context.Context, rec *model.JobRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	return s.redis.Set(ctx, recordKey(rec.ID), data, s.ttl).Err()
}

// Create writes the record only if no record exists for the id yet. The
// returned bool reports whether this call won; a false result means another
// submission holds the id. SETNX makes this the atomic idempotency gate, so
// two racing submissions cannot both enqueue even on different priority
// tiers.
func (s *JobStore) Create(ctx context.Context, rec *model.JobRecord) (bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal job record: %w", err)
	}
	created, err := s.redis.SetNX(ctx, recordKey(rec.ID), data, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("create job record: %w", err)
	}
	return created, nil
}

// Delete removes the record, releasing the id for resubmission.
func (s *JobStore) Delete(ctx context.Context, jobID string) error {
	return s.redis.Del(ctx, recordKey(jobID)).Err()
}

func (s *JobStore) Get(ctx context.Context, jobID string) (*model.JobRecord, error) {
	data, err := s.redis.Get(ctx, recordKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}

	var rec model.JobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal job record: %w", err)
	}
	return &rec, nil
}

// UpdateProgress stores the last reported percent (0-100) and step label.
func (s *JobStore) UpdateProgress(ctx context.Context, jobID string, percent int, step string) error {
	rec, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	rec.Progress = percent
	if step != "" {
		rec.CurrentStep = step
	}
	return s.Save(ctx, rec)
}

func (s *JobStore) MarkStarted(ctx context.Context, jobID string) error {
	rec, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if rec.StartedAt == nil {
		now := time.Now().UTC()
		rec.StartedAt = &now
	}
	return s.Save(ctx, rec)
}

func (s *JobStore) MarkCompleted(ctx context.Context, jobID string) error {
	rec, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	rec.Progress = 100
	rec.CompletedAt = &now
	return s.Save(ctx, rec)
}

// MarkFailed records the terminal failure reason and lifts the record's
// expiry: failed jobs stay queryable indefinitely for operator inspection.
func (s *JobStore) MarkFailed(ctx context.Context, jobID string, errMsg string) error {
	rec, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	rec.Error = &errMsg
	rec.CompletedAt = &now
	if err := s.Save(ctx, rec); err != nil {
		return err
	}
	return s.redis.Persist(ctx, recordKey(jobID)).Err()
}
