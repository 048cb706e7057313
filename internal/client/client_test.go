package client

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songforge/pipeline/internal/model"
)

type recorder struct {
	mu     sync.Mutex
	events []model.JobEvent
	errs   []error
	states []State
}

func (r *recorder) options() Options {
	return Options{
		OnEvent: func(ev model.JobEvent) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
		OnStateChange: func(st State) {
			r.mu.Lock()
			r.states = append(r.states, st)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) hasErr(target error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, err := range r.errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (r *recorder) hasParseErr() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, err := range r.errs {
		if err != nil && !errors.Is(err, ErrHeartbeatTimeout) && !errors.Is(err, ErrMaxReconnectAttempts) {
			return true
		}
	}
	return false
}

func sseHeaders(w http.ResponseWriter) http.Flusher {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	return w.(http.Flusher)
}

func writeFrame(w http.ResponseWriter, fl http.Flusher, ev model.JobEvent) {
	fmt.Fprintf(w, "data: {\"jobId\":%q,\"stage\":%q,\"progress\":%v,\"timestamp\":%q}\n\n",
		ev.JobID, ev.Stage, ev.Progress, time.Now().UTC().Format(time.RFC3339))
	fl.Flush()
}

func TestReconnectDelay_Bounded(t *testing.T) {
	initial, max := 500*time.Millisecond, 8*time.Second
	want := []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second,
		8 * time.Second,
	}
	for attempts, expected := range want {
		assert.Equal(t, expected, ReconnectDelay(initial, max, attempts), "attempts=%d", attempts)
	}
}

func TestStream_TerminalAutoDisconnect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl := sseHeaders(w)
		writeFrame(w, fl, model.JobEvent{JobID: "job-1", Stage: model.StagePlanning, Progress: 0.5})
		writeFrame(w, fl, model.JobEvent{JobID: "job-1", Stage: model.StageCompleted, Progress: 1})
		<-r.Context().Done()
	}))
	defer srv.Close()

	rec := &recorder{}
	stream := New(srv.URL, rec.options())
	stream.Connect()

	require.Eventually(t, func() bool { return rec.eventCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return !stream.IsConnected() }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, StateDisconnected, stream.State())
	// No reconnect happens after a terminal event.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateDisconnected, stream.State())
	assert.Equal(t, 2, rec.eventCount())
}

func TestStream_MalformedFrameIsNonFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl := sseHeaders(w)
		fmt.Fprint(w, "data: {this is not json\n\n")
		fl.Flush()
		writeFrame(w, fl, model.JobEvent{JobID: "job-1", Stage: model.StageMixing, Progress: 0.7})
		<-r.Context().Done()
	}))
	defer srv.Close()

	rec := &recorder{}
	stream := New(srv.URL, rec.options())
	stream.Connect()
	defer stream.Disconnect()

	require.Eventually(t, func() bool { return rec.eventCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, rec.hasParseErr(), "parse error should be surfaced")
	assert.True(t, stream.IsConnected(), "parse errors must not disconnect")
}

func TestStream_HeartbeatReset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl := sseHeaders(w)
		// Heartbeats well inside the timeout window, then silence.
		for i := 0; i < 6; i++ {
			fmt.Fprint(w, ": heartbeat\n\n")
			fl.Flush()
			time.Sleep(100 * time.Millisecond)
		}
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	rec := &recorder{}
	opts := rec.options()
	opts.HeartbeatTimeout = 300 * time.Millisecond
	opts.ReconnectInitial = 50 * time.Millisecond
	stream := New(srv.URL, opts)
	stream.Connect()
	defer stream.Disconnect()

	// Messages keep arriving every 100ms, so a 300ms staleness clock
	// measured from the last message must not fire during this span.
	time.Sleep(500 * time.Millisecond)
	assert.False(t, rec.hasErr(ErrHeartbeatTimeout), "heartbeat must reset on every message")

	// After the server goes silent the clock runs out.
	require.Eventually(t, func() bool { return rec.hasErr(ErrHeartbeatTimeout) }, 2*time.Second, 20*time.Millisecond)
}

func TestStream_GivesUpAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rec := &recorder{}
	opts := rec.options()
	opts.MaxReconnectAttempts = 2
	opts.ReconnectInitial = 10 * time.Millisecond
	opts.ReconnectMax = 20 * time.Millisecond
	stream := New(srv.URL, opts)
	stream.Connect()
	defer stream.Disconnect()

	require.Eventually(t, func() bool { return rec.hasErr(ErrMaxReconnectAttempts) }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, stream.IsConnected())
}

func TestStream_ConnectIsIdempotent(t *testing.T) {
	conns := make(chan struct{}, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conns <- struct{}{}
		fl := sseHeaders(w)
		fl.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	rec := &recorder{}
	stream := New(srv.URL, rec.options())
	stream.Connect()
	require.Eventually(t, func() bool { return stream.IsConnected() }, 2*time.Second, 10*time.Millisecond)

	stream.Connect()
	stream.Connect()
	time.Sleep(100 * time.Millisecond)
	stream.Disconnect()

	assert.Len(t, conns, 1, "connect while connected must be a no-op")
}
