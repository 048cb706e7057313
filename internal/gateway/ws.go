package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"
)

// HandleWebsocket forwards the same per-job event feed over a websocket for
// consumers that prefer it to SSE. Semantics match StreamEvents: seed from
// queue state, verbatim forwarding, keepalive pings, no replay.
func (g *Gateway) HandleWebsocket(c *websocket.Conn, jobID string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := g.log.With(zap.String("jobId", jobID))

	status, err := g.queue.GetStatus(ctx, jobID)
	if err != nil {
		log.Warn("status hydration failed", zap.Error(err))
	}
	seed, err := json.Marshal(SeedEvent(jobID, status))
	if err != nil {
		return
	}
	if err := c.WriteMessage(websocket.TextMessage, seed); err != nil {
		return
	}

	sub, err := g.bus.Subscribe(ctx, jobID)
	if err != nil {
		log.Warn("bus subscribe failed", zap.Error(err))
		return
	}
	defer sub.Close()

	done := make(chan struct{})

	// Writer loop
	go func() {
		defer close(done)
		ticker := time.NewTicker(g.heartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop detects the client going away.
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug("websocket closed", zap.Error(err))
			}
			break
		}
	}

	cancel()
	<-done
}
