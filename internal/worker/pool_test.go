package worker

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/songforge/pipeline/internal/config"
	"github.com/songforge/pipeline/internal/model"
)

func TestRetryDelay_Doubles(t *testing.T) {
	base := 5 * time.Second
	want := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
	}
	for retried, expected := range want {
		assert.Equal(t, expected, RetryDelay(base, retried), "retried=%d", retried)
	}
}

func TestServerConfig_StrictTierPriority(t *testing.T) {
	p := &Pool{queueName: model.QueuePlan, log: zap.NewNop()}
	cfg := p.serverConfig(
		config.WorkerConfig{Concurrency: 4},
		config.RetryConfig{MaxAttempts: 3, BackoffBase: 5 * time.Second},
	)

	// Both tiers of the stage queue are declared with strict priority, so
	// an elevated job is claimed before a standard one regardless of
	// submission order.
	assert.True(t, cfg.StrictPriority)
	assert.Equal(t, map[string]int{
		"plan-high": model.PriorityElevated,
		"plan":      model.PriorityStandard,
	}, cfg.Queues)
	assert.Equal(t, 4, cfg.Concurrency)
}

func TestServerConfig_RetryAndRateLimitPolicy(t *testing.T) {
	p := &Pool{queueName: model.QueueMix, log: zap.NewNop()}
	cfg := p.serverConfig(
		config.WorkerConfig{Concurrency: 2},
		config.RetryConfig{MaxAttempts: 3, BackoffBase: 5 * time.Second},
	)

	assert.Equal(t, 5*time.Second, cfg.RetryDelayFunc(0, errors.New("synth down"), nil))
	assert.Equal(t, 10*time.Second, cfg.RetryDelayFunc(1, errors.New("synth down"), nil))
	assert.Equal(t, 42*time.Millisecond,
		cfg.RetryDelayFunc(0, &RateLimitError{RetryIn: 42 * time.Millisecond}, nil))

	assert.True(t, cfg.IsFailure(errors.New("synth down")))
	assert.False(t, cfg.IsFailure(&RateLimitError{RetryIn: time.Second}),
		"rate limiting must not consume the retry budget")
}

func TestIsRateLimitError(t *testing.T) {
	rle := &RateLimitError{RetryIn: time.Second}
	assert.True(t, IsRateLimitError(rle))
	assert.True(t, IsRateLimitError(fmt.Errorf("claim: %w", rle)))
	assert.False(t, IsRateLimitError(errors.New("synth service unavailable")))
	assert.False(t, IsRateLimitError(nil))
}
