// Package timeline turns a sparse job-event sequence into a continuous
// per-stage state machine with weighted overall progress and an ETA. One
// aggregator owns one TimelineState; events are applied strictly in arrival
// order, so no locking is needed.
package timeline

import (
	"time"

	"github.com/songforge/pipeline/internal/model"
)

// StageStatus is the aggregator-side view of one pipeline stage.
type StageStatus string

const (
	StatusPending  StageStatus = "pending"
	StatusActive   StageStatus = "active"
	StatusComplete StageStatus = "complete"
	StatusFailed   StageStatus = "failed"
)

// StageState tracks one stage's observed lifecycle.
type StageState struct {
	Status     StageStatus `json:"status"`
	Progress   float64     `json:"progress"`
	Message    string      `json:"message,omitempty"`
	Error      string      `json:"error,omitempty"`
	StartTime  *time.Time  `json:"startTime,omitempty"`
	EndTime    *time.Time  `json:"endTime,omitempty"`
	DurationMs int64       `json:"durationMs,omitempty"`
}

// State is the aggregated timeline for one job. Rebuilt from scratch
// whenever the job id changes.
type State struct {
	JobID                    string                       `json:"jobId"`
	Stages                   map[model.Stage]*StageState  `json:"stages"`
	CurrentStage             model.Stage                  `json:"currentStage"`
	OverallProgress          float64                      `json:"overallProgress"`
	EstimatedTimeRemainingMs int64                        `json:"estimatedTimeRemainingMs"`
	IsComplete               bool                         `json:"isComplete"`
	Error                    string                       `json:"error,omitempty"`
}

// Aggregator folds job events into a State using the static stage table.
type Aggregator struct {
	defs  []model.StageDefinition
	byID  map[model.Stage]model.StageDefinition
	state *State
	now   func() time.Time
}

func NewAggregator(defs []model.StageDefinition) *Aggregator {
	byID := make(map[model.Stage]model.StageDefinition, len(defs))
	for _, def := range defs {
		byID[def.ID] = def
	}
	return &Aggregator{defs: defs, byID: byID, now: time.Now}
}

// State returns the current timeline, nil before the first event.
func (a *Aggregator) State() *State {
	return a.state
}

// Reset drops all aggregated state.
func (a *Aggregator) Reset() {
	a.state = nil
}

// Apply folds one event into the timeline and returns the updated state.
func (a *Aggregator) Apply(ev model.JobEvent) *State {
	if a.state == nil || a.state.JobID != ev.JobID {
		a.rebuild(ev.JobID)
	}
	st := a.state
	st.CurrentStage = ev.Stage

	a.upsert(ev)
	a.backfill(ev.Stage)

	st.OverallProgress = a.overallProgress()
	st.EstimatedTimeRemainingMs = a.estimatedRemaining(ev.Stage)
	st.IsComplete = ev.Stage.IsTerminal()
	if ev.Error != "" {
		st.Error = ev.Error
	}
	return st
}

func (a *Aggregator) rebuild(jobID string) {
	stages := make(map[model.Stage]*StageState, len(a.defs))
	for _, def := range a.defs {
		stages[def.ID] = &StageState{Status: StatusPending}
	}
	a.state = &State{JobID: jobID, Stages: stages}
}

func (a *Aggregator) upsert(ev model.JobEvent) {
	entry, ok := a.state.Stages[ev.Stage]
	if !ok {
		entry = &StageState{Status: StatusPending}
		a.state.Stages[ev.Stage] = entry
	}

	now := a.now()
	if entry.StartTime == nil {
		entry.StartTime = &now
	}

	entry.Progress = ev.Progress
	entry.Message = ev.Message
	entry.Error = ev.Error

	switch {
	case ev.Stage == model.StageFailed:
		entry.Status = StatusFailed
	case ev.Progress >= 1:
		entry.Status = StatusComplete
	default:
		entry.Status = StatusActive
	}

	if entry.Status == StatusComplete || entry.Status == StatusFailed {
		if entry.EndTime == nil {
			entry.EndTime = &now
			entry.DurationMs = entry.EndTime.Sub(*entry.StartTime).Milliseconds()
		}
		if ev.DurationMs > 0 {
			entry.DurationMs = ev.DurationMs
		}
	}
}

// backfill marks every stage ordered before the current one complete:
// stages are strictly sequential, so skipping ahead implies everything
// prior finished. Already-failed stages keep their failure.
func (a *Aggregator) backfill(current model.Stage) {
	currentOrder := current.Order()
	for _, def := range a.defs {
		if def.IsTerminal || def.Order >= currentOrder {
			continue
		}
		entry := a.state.Stages[def.ID]
		if entry.Status == StatusFailed {
			continue
		}
		entry.Status = StatusComplete
		entry.Progress = 1
	}
}

// overallProgress is the duration-weighted sum over non-terminal stages.
func (a *Aggregator) overallProgress() float64 {
	var done, total float64
	for _, def := range a.defs {
		if def.IsTerminal {
			continue
		}
		weight := float64(def.EstimatedDurationMs)
		total += weight
		done += a.state.Stages[def.ID].Progress * weight
	}
	if total == 0 {
		return 0
	}
	return done / total
}

// estimatedRemaining is the unfinished fraction of the current stage plus
// the full estimate of every later non-terminal stage.
func (a *Aggregator) estimatedRemaining(current model.Stage) int64 {
	if current.IsTerminal() {
		return 0
	}
	currentOrder := current.Order()

	var remaining float64
	for _, def := range a.defs {
		if def.IsTerminal {
			continue
		}
		switch {
		case def.Order == currentOrder:
			remaining += (1 - a.state.Stages[def.ID].Progress) * float64(def.EstimatedDurationMs)
		case def.Order > currentOrder:
			remaining += float64(def.EstimatedDurationMs)
		}
	}
	return int64(remaining)
}
