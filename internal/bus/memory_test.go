package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songforge/pipeline/internal/model"
)

func recvEvent(t *testing.T, sub Subscription) model.JobEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed unexpectedly")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return model.JobEvent{}
	}
}

func TestMemoryBus_FanOut(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	sub1, err := b.Subscribe(ctx, "job-a")
	require.NoError(t, err)
	defer sub1.Close()
	sub2, err := b.Subscribe(ctx, "job-a")
	require.NoError(t, err)
	defer sub2.Close()

	ev := model.NewJobEvent("job-a", model.StagePlanning, 0.5, "sketching sections")
	require.NoError(t, b.Publish(ctx, ev))

	for _, sub := range []Subscription{sub1, sub2} {
		got := recvEvent(t, sub)
		assert.Equal(t, "job-a", got.JobID)
		assert.Equal(t, model.StagePlanning, got.Stage)
		assert.Equal(t, 0.5, got.Progress)
	}
}

func TestMemoryBus_Isolation(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	subA, err := b.Subscribe(ctx, "job-a")
	require.NoError(t, err)
	defer subA.Close()
	subB, err := b.Subscribe(ctx, "job-b")
	require.NoError(t, err)
	defer subB.Close()

	require.NoError(t, b.Publish(ctx, model.NewJobEvent("job-a", model.StageMixing, 0.2, "")))

	got := recvEvent(t, subA)
	assert.Equal(t, "job-a", got.JobID)

	select {
	case ev := <-subB.Events():
		t.Fatalf("subscriber on job-b received foreign event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBus_NoReplay(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, model.NewJobEvent("job-a", model.StageAnalyzing, 0.3, "")))

	sub, err := b.Subscribe(ctx, "job-a")
	require.NoError(t, err)
	defer sub.Close()

	select {
	case ev := <-sub.Events():
		t.Fatalf("late subscriber received replayed event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBus_PublishOrder(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "job-a")
	require.NoError(t, err)
	defer sub.Close()

	stages := []model.Stage{model.StageQueued, model.StageAnalyzing, model.StagePlanning}
	for _, s := range stages {
		require.NoError(t, b.Publish(ctx, model.NewJobEvent("job-a", s, 0, "")))
	}
	for _, want := range stages {
		assert.Equal(t, want, recvEvent(t, sub).Stage)
	}
}

func TestOffer_DropsWhenFull(t *testing.T) {
	ch := make(chan model.JobEvent, 1)
	ev := model.NewJobEvent("job-a", model.StageMixing, 0.5, "")

	assert.True(t, offer(ch, ev))
	assert.False(t, offer(ch, ev), "a full buffer must drop, never block")
	assert.Len(t, ch, 1)
}

func TestMemoryBus_CloseStopsDelivery(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "job-a")
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close()) // idempotent

	// Publishing after close must not panic on the closed channel.
	require.NoError(t, b.Publish(ctx, model.NewJobEvent("job-a", model.StageMixing, 0.9, "")))

	_, ok := <-sub.Events()
	assert.False(t, ok, "events channel should be closed")
}
