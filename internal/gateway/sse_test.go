package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/songforge/pipeline/internal/model"
)

func TestSeedEvent_Mapping(t *testing.T) {
	cases := []struct {
		name   string
		status *model.JobStatus
		want   model.Stage
	}{
		{"unknown job", nil, model.StageQueued},
		{"waiting", &model.JobStatus{State: model.JobStateWaiting}, model.StageQueued},
		{"delayed", &model.JobStatus{State: model.JobStateDelayed}, model.StageQueued},
		{"active", &model.JobStatus{State: model.JobStateActive, Progress: 40}, model.StagePlanning},
		{"completed", &model.JobStatus{State: model.JobStateCompleted, Progress: 100}, model.StageCompleted},
		{"failed", &model.JobStatus{State: model.JobStateFailed, FailedReason: "synth exploded"}, model.StageFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := SeedEvent("job-1", tc.status)
			assert.Equal(t, "job-1", ev.JobID)
			assert.Equal(t, tc.want, ev.Stage)
		})
	}
}

func TestSeedEvent_CarriesProgressAndError(t *testing.T) {
	ev := SeedEvent("job-1", &model.JobStatus{State: model.JobStateActive, Progress: 40})
	assert.InDelta(t, 0.4, ev.Progress, 1e-9)

	ev = SeedEvent("job-1", &model.JobStatus{State: model.JobStateCompleted})
	assert.Equal(t, float64(1), ev.Progress)
	assert.True(t, ev.IsTerminal())

	ev = SeedEvent("job-1", &model.JobStatus{State: model.JobStateFailed, FailedReason: "out of takes"})
	assert.Equal(t, "out of takes", ev.Error)
	assert.True(t, ev.IsTerminal())
}
