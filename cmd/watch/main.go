// Command watch follows one job's event stream from the terminal: it opens
// the SSE endpoint with the configured reconnect and heartbeat tuning, folds
// events through the timeline aggregator and prints weighted progress with
// an ETA until the job reaches a terminal stage.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/songforge/pipeline/internal/client"
	"github.com/songforge/pipeline/internal/config"
	"github.com/songforge/pipeline/internal/model"
	"github.com/songforge/pipeline/internal/timeline"
)

func main() {
	var (
		baseURL = flag.String("url", "http://localhost:3000", "pipeline server base URL")
		jobID   = flag.String("job", "", "job id to watch")
	)
	flag.Parse()
	if *jobID == "" {
		log.Fatal("missing -job")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	agg := timeline.NewAggregator(model.Stages(cfg.Stages.EstimatesMs))

	var once sync.Once
	done := make(chan struct{})

	opts := streamOptions(cfg.Stream)
	opts.OnEvent = func(ev model.JobEvent) {
		st := agg.Apply(ev)
		eta := (time.Duration(st.EstimatedTimeRemainingMs) * time.Millisecond).Round(time.Second)
		fmt.Printf("%-16s %5.1f%%  eta %-6s %s\n",
			st.CurrentStage, st.OverallProgress*100, eta, ev.Message)
		if st.IsComplete {
			if st.Error != "" {
				fmt.Fprintln(os.Stderr, "job failed:", st.Error)
			}
			once.Do(func() { close(done) })
		}
	}
	opts.OnError = func(err error) {
		fmt.Fprintln(os.Stderr, "stream:", err)
	}

	stream := client.New(*baseURL+"/jobs/"+*jobID+"/events", opts)
	stream.Connect()
	defer stream.Disconnect()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-done:
	case <-quit:
	}
}

// streamOptions maps the shared stream tuning onto client options, so the
// server's heartbeat cadence and the watcher's staleness clock come from one
// place.
func streamOptions(sc config.StreamConfig) client.Options {
	return client.Options{
		HeartbeatTimeout:     sc.HeartbeatTimeout,
		ReconnectInitial:     sc.ReconnectInitial,
		ReconnectMax:         sc.ReconnectMax,
		MaxReconnectAttempts: sc.ReconnectAttempts,
	}
}
