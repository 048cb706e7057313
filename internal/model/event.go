package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobEvent is a single progress update published on a job's event channel.
// Events are ephemeral: the bus neither buffers nor replays them, so only
// the latest event matters to a live subscriber.
type JobEvent struct {
	JobID      string  `json:"jobId"`
	Stage      Stage   `json:"stage"`
	Progress   float64 `json:"progress"`
	Message    string  `json:"message,omitempty"`
	Error      string  `json:"error,omitempty"`
	DurationMs int64   `json:"duration,omitempty"`
	Timestamp  string  `json:"timestamp"`
}

// NewJobEvent builds an event stamped with the current time.
func NewJobEvent(jobID string, stage Stage, progress float64, message string) JobEvent {
	return JobEvent{
		JobID:     jobID,
		Stage:     stage,
		Progress:  progress,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// NewFailedEvent builds the terminal failed event for a job.
func NewFailedEvent(jobID string, errMsg string) JobEvent {
	ev := NewJobEvent(jobID, StageFailed, 0, "")
	ev.Error = errMsg
	return ev
}

// IsTerminal reports whether the event marks the end of the job's stream.
func (e JobEvent) IsTerminal() bool {
	return e.Stage == StageFailed || (e.Stage == StageCompleted && e.Progress >= 1)
}

// ParseJobEvent decodes a wire payload into a JobEvent and rejects frames
// that do not name a known stage.
func ParseJobEvent(data []byte) (JobEvent, error) {
	var ev JobEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return JobEvent{}, fmt.Errorf("decode job event: %w", err)
	}
	if ev.JobID == "" || !ev.Stage.IsValid() {
		return JobEvent{}, fmt.Errorf("invalid job event: jobId=%q stage=%q", ev.JobID, ev.Stage)
	}
	return ev, nil
}
