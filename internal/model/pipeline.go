package model

import "time"

// PipelineStartRequest submits a full song-generation pipeline run.
type PipelineStartRequest struct {
	JobID     string   `json:"jobId" validate:"required,min=8,max=128"`
	ProjectID string   `json:"projectId" validate:"required,uuid"`
	Genre     string   `json:"genre" validate:"required,oneof=pop rock hiphop rnb electronic jazz country folk classical latin reggae blues"`
	Vibes     []string `json:"vibes" validate:"required,min=1,max=5"`
	BPM       int      `json:"bpm" validate:"omitempty,min=40,max=220"`
	Elevated  bool     `json:"elevated"`
}

// PipelineStartResponse acknowledges an accepted pipeline run.
type PipelineStartResponse struct {
	JobID     string    `json:"jobId"`
	State     JobState  `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
}

// SectionRegenerateRequest re-renders one section of a project. Each
// instrument becomes an independent child job so stems regenerate in
// parallel.
type SectionRegenerateRequest struct {
	JobID       string   `json:"jobId" validate:"required,min=8,max=128"`
	ProjectID   string   `json:"projectId" validate:"required,uuid"`
	SectionID   string   `json:"sectionId" validate:"required"`
	Instruments []string `json:"instruments" validate:"required,min=1,dive,oneof=drums bass piano guitar synth strings brass percussion pads lead"`
	WithVocals  bool     `json:"withVocals"`
}

// SectionRegenerateResponse acknowledges the fan-out parent job. Child job
// ids surface through the parent's event stream, not here: the parent
// completes as soon as the children are enqueued.
type SectionRegenerateResponse struct {
	JobID string   `json:"jobId"`
	State JobState `json:"state"`
}
