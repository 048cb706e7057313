// Package worker runs one pool per pipeline stage: bounded concurrency,
// optional rolling-window rate limiting, exponential retry backoff and
// terminal event publication.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/songforge/pipeline/internal/bus"
	"github.com/songforge/pipeline/internal/config"
	"github.com/songforge/pipeline/internal/model"
	"github.com/songforge/pipeline/internal/queue"
)

// ProgressFunc reports a 0-100 percent figure back to the job record.
type ProgressFunc func(percent int)

// StageFunc is the business-function contract: return nil on success, an
// error to trigger retry. Richer JobEvents (stage names, messages) are the
// function's own responsibility, published on the event bus at milestones.
type StageFunc func(ctx context.Context, jobID string, payload json.RawMessage, update ProgressFunc) error

// RateLimitError signals that the pool's rolling window is exhausted. It is
// not a job failure: the task is put back without consuming a retry.
type RateLimitError struct {
	RetryIn time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry in %v", e.RetryIn)
}

// IsRateLimitError reports whether err is a pool rate-limit rejection.
func IsRateLimitError(err error) bool {
	var rle *RateLimitError
	return errors.As(err, &rle)
}

// RetryDelay computes the backoff before attempt n+2, doubling from base:
// base, 2*base, 4*base, ...
func RetryDelay(base time.Duration, retried int) time.Duration {
	return base << uint(retried)
}

// Pool binds one stage queue (both priority tiers) to an asynq server.
type Pool struct {
	queueName model.QueueName
	srv       *asynq.Server
	mux       *asynq.ServeMux
	store     *queue.JobStore
	bus       bus.Bus
	log       *zap.Logger
}

func NewPool(redisOpt asynq.RedisClientOpt, queueName model.QueueName, wc config.WorkerConfig, retry config.RetryConfig, store *queue.JobStore, eventBus bus.Bus, log *zap.Logger) *Pool {
	p := &Pool{
		queueName: queueName,
		store:     store,
		bus:       eventBus,
		log:       log.With(zap.String("queue", string(queueName))),
	}

	p.srv = asynq.NewServer(redisOpt, p.serverConfig(wc, retry))

	p.mux = asynq.NewServeMux()
	if wc.RateMax > 0 && wc.RateWindow > 0 {
		limiter := rate.NewLimiter(rate.Every(wc.RateWindow/time.Duration(wc.RateMax)), wc.RateMax)
		p.mux.Use(rateLimitMiddleware(limiter))
	}

	return p
}

// serverConfig declares both priority tiers of the pool's queue. Strict
// priority with an elevated weight means an elevated job waiting on the high
// tier is always claimed before any standard one, regardless of submission
// order.
func (p *Pool) serverConfig(wc config.WorkerConfig, retry config.RetryConfig) asynq.Config {
	tiers := queue.Tiers(p.queueName)
	return asynq.Config{
		Concurrency: wc.Concurrency,
		Queues: map[string]int{
			tiers[0]: model.PriorityElevated,
			tiers[1]: model.PriorityStandard,
		},
		StrictPriority: true,
		RetryDelayFunc: func(n int, err error, t *asynq.Task) time.Duration {
			var rle *RateLimitError
			if errors.As(err, &rle) {
				return rle.RetryIn
			}
			return RetryDelay(retry.BackoffBase, n)
		},
		IsFailure: func(err error) bool {
			return !IsRateLimitError(err)
		},
		ErrorHandler: asynq.ErrorHandlerFunc(p.handleError),
		Logger:       p.log.Sugar(),
	}
}

// Handle registers the business function for one task type.
func (p *Pool) Handle(taskType string, fn StageFunc) {
	p.mux.HandleFunc(taskType, p.wrap(fn))
}

// Start launches the pool. It does not block.
func (p *Pool) Start() error {
	if err := p.srv.Start(p.mux); err != nil {
		return fmt.Errorf("start pool %s: %w", p.queueName, err)
	}
	return nil
}

// Shutdown waits for in-flight jobs to finish.
func (p *Pool) Shutdown() {
	p.srv.Shutdown()
}

func (p *Pool) wrap(fn StageFunc) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var env queue.TaskEnvelope
		if err := json.Unmarshal(t.Payload(), &env); err != nil {
			return fmt.Errorf("unmarshal task envelope: %v: %w", err, asynq.SkipRetry)
		}

		if err := p.store.MarkStarted(ctx, env.JobID); err != nil {
			p.log.Warn("mark started failed", zap.String("jobId", env.JobID), zap.Error(err))
		}

		update := func(percent int) {
			if err := p.store.UpdateProgress(ctx, env.JobID, percent, ""); err != nil {
				p.log.Warn("progress update failed", zap.String("jobId", env.JobID), zap.Error(err))
			}
		}

		started := time.Now()
		if err := fn(ctx, env.JobID, env.Payload, update); err != nil {
			return err
		}

		if err := p.store.MarkCompleted(ctx, env.JobID); err != nil {
			p.log.Warn("mark completed failed", zap.String("jobId", env.JobID), zap.Error(err))
		}

		done := model.NewJobEvent(env.JobID, model.StageCompleted, 1, "")
		done.DurationMs = time.Since(started).Milliseconds()
		if err := p.bus.Publish(ctx, done); err != nil {
			p.log.Warn("publish completed event failed", zap.String("jobId", env.JobID), zap.Error(err))
		}

		p.log.Info("job completed",
			zap.String("jobId", env.JobID),
			zap.Duration("duration", time.Since(started)))
		return nil
	}
}

// handleError runs after a handler returns an error. When the retry budget
// is exhausted the job turns terminal: record the reason and publish the
// failed event. Intermediate failures only log; asynq schedules the retry.
func (p *Pool) handleError(ctx context.Context, t *asynq.Task, err error) {
	if IsRateLimitError(err) {
		return
	}

	var env queue.TaskEnvelope
	if uerr := json.Unmarshal(t.Payload(), &env); uerr != nil {
		p.log.Error("task failed with undecodable envelope", zap.Error(err))
		return
	}

	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	if retried < maxRetry && !errors.Is(err, asynq.SkipRetry) {
		p.log.Warn("job failed, retry scheduled",
			zap.String("jobId", env.JobID),
			zap.Int("attempt", retried+1),
			zap.Error(err))
		return
	}

	if serr := p.store.MarkFailed(ctx, env.JobID, err.Error()); serr != nil {
		p.log.Warn("mark failed failed", zap.String("jobId", env.JobID), zap.Error(serr))
	}
	if perr := p.bus.Publish(ctx, model.NewFailedEvent(env.JobID, err.Error())); perr != nil {
		p.log.Warn("publish failed event failed", zap.String("jobId", env.JobID), zap.Error(perr))
	}

	p.log.Error("job failed terminally",
		zap.String("jobId", env.JobID),
		zap.Int("attempts", retried+1),
		zap.Error(err))
}

func rateLimitMiddleware(limiter *rate.Limiter) asynq.MiddlewareFunc {
	return func(h asynq.Handler) asynq.Handler {
		return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
			res := limiter.Reserve()
			if d := res.Delay(); d > 0 {
				res.Cancel()
				return &RateLimitError{RetryIn: d}
			}
			return h.ProcessTask(ctx, t)
		})
	}
}
