// Package client consumes a job's event stream: it opens the SSE endpoint,
// parses frames, detects stale connections via a heartbeat deadline and
// reconnects with bounded exponential backoff. The stream ends for good on
// a terminal event or when the reconnect budget runs out.
package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/songforge/pipeline/internal/model"
)

// State is the connection lifecycle of the stream.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

var (
	// ErrHeartbeatTimeout marks a connection gone stale: nothing arrived
	// within the heartbeat window. Treated as transient, triggers reconnect.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout: connection stale")

	// ErrMaxReconnectAttempts is the fatal give-up error after the
	// reconnect budget is exhausted.
	ErrMaxReconnectAttempts = errors.New("max reconnect attempts reached")
)

// Options configures a Stream. Zero values fall back to the defaults.
type Options struct {
	HeartbeatTimeout     time.Duration
	ReconnectInitial     time.Duration
	ReconnectMax         time.Duration
	MaxReconnectAttempts int
	HTTPClient           *http.Client

	// OnEvent receives every well-formed event, in arrival order.
	OnEvent func(model.JobEvent)
	// OnError receives non-fatal parse errors, transport errors, the
	// heartbeat timeout and the final give-up error.
	OnError func(error)
	// OnStateChange observes connection state transitions.
	OnStateChange func(State)
}

const (
	defaultHeartbeatTimeout = 15 * time.Second
	defaultReconnectInitial = 500 * time.Millisecond
	defaultReconnectMax     = 8 * time.Second
	defaultMaxReconnects    = 10
)

// Stream is a reconnecting SSE consumer for one job's event endpoint.
type Stream struct {
	url  string
	opts Options

	mu        sync.Mutex
	state     State
	attempts  int
	gen       int
	cancel    context.CancelFunc
	hbTimer   *time.Timer
	reconnect *time.Timer
}

func New(url string, opts Options) *Stream {
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = defaultReconnectInitial
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = defaultReconnectMax
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = defaultMaxReconnects
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	return &Stream{
		url:   url,
		opts:  opts,
		state: StateDisconnected,
	}
}

// ReconnectDelay is the backoff before reconnect number attempts+1:
// min(initial * 2^attempts, max).
func ReconnectDelay(initial, max time.Duration, attempts int) time.Duration {
	d := initial << uint(attempts)
	if d > max || d <= 0 {
		return max
	}
	return d
}

// Connect opens the stream. A no-op while already connected or connecting.
func (s *Stream) Connect() {
	s.mu.Lock()
	if s.state == StateConnected || s.state == StateConnecting {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateConnecting)
	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(ctx, gen)
}

// Disconnect tears the connection down and cancels any pending reconnect.
func (s *Stream) Disconnect() {
	s.mu.Lock()
	s.gen++ // invalidate in-flight callbacks
	s.teardownLocked()
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()
}

// IsConnected reports whether the transport is currently open.
func (s *Stream) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateConnected
}

// State returns the current connection state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stream) run(ctx context.Context, gen int) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		s.failAndReconnect(gen, fmt.Errorf("build request: %w", err))
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.failAndReconnect(gen, fmt.Errorf("open stream: %w", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.failAndReconnect(gen, fmt.Errorf("open stream: unexpected status %d", resp.StatusCode))
		return
	}

	// Transport-level open: connected, reset the attempt counter, arm the
	// staleness clock.
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.attempts = 0
	s.armHeartbeatLocked(gen)
	s.setStateLocked(StateConnected)
	s.mu.Unlock()

	reader := bufio.NewReader(resp.Body)
	var data bytes.Buffer
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.failAndReconnect(gen, fmt.Errorf("read stream: %w", err))
			return
		}

		// Any received frame, heartbeat comments included, resets the
		// staleness clock.
		s.touchHeartbeat(gen)

		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			frame := make([]byte, data.Len())
			copy(frame, data.Bytes())
			data.Reset()
			if s.dispatch(frame) {
				return
			}
		case strings.HasPrefix(line, ":"):
			// keepalive comment
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

// dispatch forwards one frame and reports whether the stream is done.
func (s *Stream) dispatch(frame []byte) bool {
	ev, err := model.ParseJobEvent(frame)
	if err != nil {
		// Malformed frames are surfaced but never kill the connection.
		s.surface(fmt.Errorf("parse event: %w", err))
		return false
	}

	if s.opts.OnEvent != nil {
		s.opts.OnEvent(ev)
	}

	if ev.IsTerminal() {
		// The producer side is done; keeping the channel open serves no
		// purpose and no reconnect is scheduled.
		s.Disconnect()
		return true
	}
	return false
}

func (s *Stream) failAndReconnect(gen int, err error) {
	s.surface(err)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.teardownLocked()
	s.setStateLocked(StateError)
	s.scheduleReconnectLocked()
	s.mu.Unlock()
}

func (s *Stream) scheduleReconnectLocked() {
	if s.attempts >= s.opts.MaxReconnectAttempts {
		s.surfaceAsync(ErrMaxReconnectAttempts)
		return
	}
	delay := ReconnectDelay(s.opts.ReconnectInitial, s.opts.ReconnectMax, s.attempts)
	s.attempts++
	s.reconnect = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.state != StateError {
			s.mu.Unlock()
			return
		}
		s.state = StateDisconnected
		s.mu.Unlock()
		s.Connect()
	})
}

func (s *Stream) armHeartbeatLocked(gen int) {
	if s.hbTimer != nil {
		s.hbTimer.Stop()
	}
	s.hbTimer = time.AfterFunc(s.opts.HeartbeatTimeout, func() {
		s.failAndReconnect(gen, ErrHeartbeatTimeout)
	})
}

func (s *Stream) touchHeartbeat(gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.hbTimer == nil {
		return
	}
	s.hbTimer.Reset(s.opts.HeartbeatTimeout)
}

// teardownLocked stops timers and the transport. Callers hold s.mu.
func (s *Stream) teardownLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.hbTimer != nil {
		s.hbTimer.Stop()
		s.hbTimer = nil
	}
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
}

func (s *Stream) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.state = st
	if s.opts.OnStateChange != nil {
		go s.opts.OnStateChange(st)
	}
}

func (s *Stream) surface(err error) {
	if s.opts.OnError != nil {
		s.opts.OnError(err)
	}
}

func (s *Stream) surfaceAsync(err error) {
	if s.opts.OnError != nil {
		go s.opts.OnError(err)
	}
}
