package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/songforge/pipeline/internal/model"
	"github.com/songforge/pipeline/internal/worker"
)

// ErrJobNotFound is returned by status queries for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// PipelineService submits pipeline runs and answers status queries. It is
// the producer side of the queue; execution happens in the worker pools.
type PipelineService struct {
	queue Queue
	log   *zap.Logger
}

// Queue is the slice of the job queue the service depends on.
type Queue interface {
	Enqueue(ctx context.Context, queueName model.QueueName, name string, payload any, opts model.EnqueueOptions) (*model.JobStatus, error)
	GetStatus(ctx context.Context, jobID string) (*model.JobStatus, error)
}

func NewPipelineService(q Queue, log *zap.Logger) *PipelineService {
	return &PipelineService{queue: q, log: log}
}

// StartPipeline enqueues a full song-generation run. Submission is
// idempotent on the caller-supplied job id: resubmitting returns the
// existing job unchanged.
func (s *PipelineService) StartPipeline(ctx context.Context, req *model.PipelineStartRequest) (*model.PipelineStartResponse, error) {
	priority := model.PriorityStandard
	if req.Elevated {
		priority = model.PriorityElevated
	}

	status, err := s.queue.Enqueue(ctx, model.QueuePlan, worker.TaskSongGenerate, req,
		model.EnqueueOptions{ID: req.JobID, Priority: priority})
	if err != nil {
		return nil, err
	}

	return &model.PipelineStartResponse{
		JobID:     status.ID,
		State:     status.State,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// RegenerateSection enqueues the fan-out parent job. The parent completes
// as soon as its children are enqueued; callers watch the children's own
// event streams for the regenerated stems.
func (s *PipelineService) RegenerateSection(ctx context.Context, req *model.SectionRegenerateRequest) (*model.SectionRegenerateResponse, error) {
	payload := model.SectionRegenPayload{
		ProjectID:   req.ProjectID,
		SectionID:   req.SectionID,
		Instruments: req.Instruments,
		WithVocals:  req.WithVocals,
	}

	status, err := s.queue.Enqueue(ctx, model.QueueSection, worker.TaskSectionRegenerate, payload,
		model.EnqueueOptions{ID: req.JobID, Priority: model.PriorityStandard})
	if err != nil {
		return nil, err
	}

	return &model.SectionRegenerateResponse{
		JobID: status.ID,
		State: status.State,
	}, nil
}

// GetStatus resolves a job id across every queue.
func (s *PipelineService) GetStatus(ctx context.Context, jobID string) (*model.JobStatus, error) {
	status, err := s.queue.GetStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if status == nil {
		return nil, ErrJobNotFound
	}
	return status, nil
}
