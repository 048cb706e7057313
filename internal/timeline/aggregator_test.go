package timeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songforge/pipeline/internal/model"
)

func newTestAggregator() *Aggregator {
	return NewAggregator(model.Stages(model.DefaultStageEstimates()))
}

func event(jobID string, stage model.Stage, progress float64) model.JobEvent {
	return model.NewJobEvent(jobID, stage, progress, "")
}

func TestApply_Backfill(t *testing.T) {
	agg := newTestAggregator()

	st := agg.Apply(event("job-1", model.StageMusicRender, 0.2))

	for _, earlier := range []model.Stage{
		model.StageQueued, model.StageAnalyzing, model.StagePlanning, model.StageMelodyGen,
	} {
		entry := st.Stages[earlier]
		assert.Equal(t, StatusComplete, entry.Status, "stage %s", earlier)
		assert.Equal(t, float64(1), entry.Progress, "stage %s", earlier)
	}

	assert.Equal(t, StatusActive, st.Stages[model.StageMusicRender].Status)
	assert.Equal(t, StatusPending, st.Stages[model.StageVocalRender].Status)
	assert.Equal(t, model.StageMusicRender, st.CurrentStage)
	assert.False(t, st.IsComplete)
}

func TestApply_EndToEndScenario(t *testing.T) {
	agg := newTestAggregator()

	sequence := []model.JobEvent{
		event("j1", model.StageQueued, 0),
		event("j1", model.StageAnalyzing, 0.3),
		event("j1", model.StagePlanning, 0.9),
		event("j1", model.StageCompleted, 1),
	}

	var lastProgress float64 = -1
	for i, ev := range sequence {
		st := agg.Apply(ev)
		assert.Greater(t, st.OverallProgress, lastProgress,
			"overall progress must strictly increase (event %d)", i)
		lastProgress = st.OverallProgress

		if i < len(sequence)-1 {
			assert.False(t, st.IsComplete, "not complete before the terminal event")
		}
	}

	st := agg.State()
	assert.True(t, st.IsComplete)
	assert.InDelta(t, 1.0, st.OverallProgress, 1e-9)
	assert.Zero(t, st.EstimatedTimeRemainingMs)
}

func TestApply_FailedEvent(t *testing.T) {
	agg := newTestAggregator()

	agg.Apply(event("j1", model.StageMixing, 0.4))
	ev := model.NewFailedEvent("j1", "similarity service down")
	st := agg.Apply(ev)

	assert.True(t, st.IsComplete)
	assert.Equal(t, "similarity service down", st.Error)
	assert.Equal(t, StatusFailed, st.Stages[model.StageFailed].Status)
	assert.Zero(t, st.EstimatedTimeRemainingMs)
}

func TestApply_RebuildOnJobChange(t *testing.T) {
	agg := newTestAggregator()

	agg.Apply(event("j1", model.StageExporting, 0.8))
	st := agg.Apply(event("j2", model.StageQueued, 0))

	assert.Equal(t, "j2", st.JobID)
	assert.Equal(t, StatusPending, st.Stages[model.StageExporting].Status,
		"state must be rebuilt from scratch for a new job")
	assert.Equal(t, model.StageQueued, st.CurrentStage)
}

func TestApply_WeightedProgress(t *testing.T) {
	estimates := map[model.Stage]int64{
		model.StageQueued:          0,
		model.StageAnalyzing:       1000,
		model.StagePlanning:        3000,
		model.StageMelodyGen:       0,
		model.StageMusicRender:     0,
		model.StageVocalRender:     0,
		model.StageMixing:          0,
		model.StageSimilarityCheck: 0,
		model.StageExporting:       0,
	}
	agg := NewAggregator(model.Stages(estimates))

	// Analyzing done (weight 1000), planning halfway (weight 3000):
	// (1000*1 + 3000*0.5) / 4000 = 0.625
	st := agg.Apply(event("j1", model.StagePlanning, 0.5))
	assert.InDelta(t, 0.625, st.OverallProgress, 1e-9)

	// ETA: remaining half of planning.
	assert.Equal(t, int64(1500), st.EstimatedTimeRemainingMs)
}

func TestApply_ETAIncludesLaterStages(t *testing.T) {
	agg := newTestAggregator()
	estimates := model.DefaultStageEstimates()

	st := agg.Apply(event("j1", model.StageMixing, 0.5))

	want := int64(float64(estimates[model.StageMixing])*0.5) +
		estimates[model.StageSimilarityCheck] +
		estimates[model.StageExporting]
	assert.Equal(t, want, st.EstimatedTimeRemainingMs)
}

func TestApply_StageTimesRecorded(t *testing.T) {
	agg := newTestAggregator()

	st := agg.Apply(event("j1", model.StageMelodyGen, 0.2))
	entry := st.Stages[model.StageMelodyGen]
	require.NotNil(t, entry.StartTime)
	assert.Nil(t, entry.EndTime)

	st = agg.Apply(event("j1", model.StageMelodyGen, 1))
	entry = st.Stages[model.StageMelodyGen]
	require.NotNil(t, entry.EndTime)
	assert.Equal(t, StatusComplete, entry.Status)
}
