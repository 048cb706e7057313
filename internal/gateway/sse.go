// Package gateway forwards job events to connected clients: an SSE endpoint
// per job id plus a websocket alternative. One gateway instance serves one
// connection; there is no buffering across reconnects, a reconnecting client
// gets a fresh seed from current queue state, never a history replay.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/songforge/pipeline/internal/bus"
	"github.com/songforge/pipeline/internal/model"
)

// StatusGetter is the slice of the queue the gateway hydrates from.
type StatusGetter interface {
	GetStatus(ctx context.Context, jobID string) (*model.JobStatus, error)
}

type Gateway struct {
	queue     StatusGetter
	bus       bus.Bus
	heartbeat time.Duration
	log       *zap.Logger
}

func New(queue StatusGetter, eventBus bus.Bus, heartbeat time.Duration, log *zap.Logger) *Gateway {
	return &Gateway{
		queue:     queue,
		bus:       eventBus,
		heartbeat: heartbeat,
		log:       log,
	}
}

// SeedEvent maps the queue's lifecycle snapshot onto the stage enum so a
// fresh subscriber has an immediate baseline. Active maps onto planning as
// a coarse default; finer placement arrives with the next real event.
func SeedEvent(jobID string, status *model.JobStatus) model.JobEvent {
	if status == nil {
		return model.NewJobEvent(jobID, model.StageQueued, 0, "")
	}
	switch status.State {
	case model.JobStateActive:
		return model.NewJobEvent(jobID, model.StagePlanning, float64(status.Progress)/100, "")
	case model.JobStateCompleted:
		return model.NewJobEvent(jobID, model.StageCompleted, 1, "")
	case model.JobStateFailed:
		ev := model.NewFailedEvent(jobID, status.FailedReason)
		return ev
	default: // waiting, delayed
		return model.NewJobEvent(jobID, model.StageQueued, 0, "")
	}
}

// StreamEvents handles GET /jobs/:jobId/events.
func (g *Gateway) StreamEvents(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return fiber.ErrBadRequest
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	log := g.log.With(zap.String("jobId", jobID))

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		status, err := g.queue.GetStatus(ctx, jobID)
		if err != nil {
			log.Warn("status hydration failed", zap.Error(err))
		}
		if err := writeEvent(w, SeedEvent(jobID, status)); err != nil {
			return
		}

		sub, err := g.bus.Subscribe(ctx, jobID)
		if err != nil {
			log.Warn("bus subscribe failed", zap.Error(err))
			return
		}
		defer sub.Close()

		ticker := time.NewTicker(g.heartbeat)
		defer ticker.Stop()

		log.Info("stream opened")
		defer log.Info("stream closed")

		for {
			select {
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				if err := writeEvent(w, ev); err != nil {
					return
				}
			case <-ticker.C:
				// Comment frame so intermediary proxies keep the
				// connection open between real events.
				if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	}))

	return nil
}

func writeEvent(w *bufio.Writer, ev model.JobEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return w.Flush()
}
