package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobState is the queue-side lifecycle of a job.
type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateDelayed   JobState = "delayed"
)

// Priority tiers observed on enqueue. Higher is claimed earlier among
// waiting jobs of the same queue.
const (
	PriorityStandard = 1
	PriorityElevated = 10
)

// QueueName identifies the durable queue bound to one pipeline stage.
type QueueName string

const (
	QueueAnalyze     QueueName = "analyze"
	QueuePlan        QueueName = "plan"
	QueueMelody      QueueName = "melody"
	QueueMusicRender QueueName = "music-render"
	QueueVocalRender QueueName = "vocal-render"
	QueueMix         QueueName = "mix"
	QueueSimilarity  QueueName = "similarity"
	QueueExport      QueueName = "export"
	QueueSection     QueueName = "section"
)

// AllQueues lists every queue the status scan must cover.
func AllQueues() []QueueName {
	return []QueueName{
		QueueAnalyze, QueuePlan, QueueMelody, QueueMusicRender,
		QueueVocalRender, QueueMix, QueueSimilarity, QueueExport,
		QueueSection,
	}
}

// JobRecord is the per-job progress record kept in Redis alongside the
// queue's own task metadata. Workers write it through the updateProgress
// callback; the status query reads it back.
type JobRecord struct {
	ID          string     `json:"id"`
	Queue       QueueName  `json:"queue"`
	Name        string     `json:"name"`
	Progress    int        `json:"progress"`
	CurrentStep string     `json:"currentStep,omitempty"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// JobStatus is the public status-query projection.
type JobStatus struct {
	ID           string          `json:"jobId"`
	State        JobState        `json:"state"`
	Progress     int             `json:"progress"`
	Data         json.RawMessage `json:"data,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`
}

// EnqueueOptions carries the caller-controlled knobs of a submission. ID is
// the idempotency key: re-enqueueing the same id on the same queue is a
// no-op that yields the existing job.
type EnqueueOptions struct {
	ID       string
	Priority int
}

// StageJobPayload is the envelope every stage queue carries.
type StageJobPayload struct {
	ProjectID string          `json:"projectId"`
	Stage     Stage           `json:"stage"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// AnalyzeKind tags the heterogeneous payloads carried by the analyze queue.
type AnalyzeKind string

const (
	AnalyzeKindSeparate AnalyzeKind = "separate"
	AnalyzeKindDiarize  AnalyzeKind = "diarize"
)

// AnalyzePayload is a tagged union: exactly one of Separate or Diarize is
// set, selected by Kind. Handlers must match exhaustively on Kind.
type AnalyzePayload struct {
	ProjectID string           `json:"projectId"`
	Kind      AnalyzeKind      `json:"kind"`
	Separate  *SeparateRequest `json:"separate,omitempty"`
	Diarize   *DiarizeRequest  `json:"diarize,omitempty"`
}

// Validate checks that the tag and the populated variant agree.
func (p *AnalyzePayload) Validate() error {
	switch p.Kind {
	case AnalyzeKindSeparate:
		if p.Separate == nil {
			return fmt.Errorf("analyze payload: kind %q without separate body", p.Kind)
		}
	case AnalyzeKindDiarize:
		if p.Diarize == nil {
			return fmt.Errorf("analyze payload: kind %q without diarize body", p.Kind)
		}
	default:
		return fmt.Errorf("analyze payload: unknown kind %q", p.Kind)
	}
	return nil
}

// SeparateRequest asks for stem separation of an uploaded mix.
type SeparateRequest struct {
	SourceURL string   `json:"sourceUrl"`
	Stems     []string `json:"stems,omitempty"`
}

// DiarizeRequest asks for speaker/vocal diarization of an uploaded take.
type DiarizeRequest struct {
	SourceURL   string `json:"sourceUrl"`
	MaxSpeakers int    `json:"maxSpeakers,omitempty"`
}

// SectionRegenPayload fans out one child render job per instrument plus one
// vocal job. The parent completes as soon as the children are enqueued; it
// never blocks on their completion.
type SectionRegenPayload struct {
	ProjectID   string   `json:"projectId"`
	SectionID   string   `json:"sectionId"`
	Instruments []string `json:"instruments"`
	WithVocals  bool     `json:"withVocals"`
}
