package model

// Stage is one named step in the fixed, totally-ordered render pipeline.
type Stage string

const (
	StageQueued          Stage = "queued"
	StageAnalyzing       Stage = "analyzing"
	StagePlanning        Stage = "planning"
	StageMelodyGen       Stage = "melody-gen"
	StageMusicRender     Stage = "music-render"
	StageVocalRender     Stage = "vocal-render"
	StageMixing          Stage = "mixing"
	StageSimilarityCheck Stage = "similarity-check"
	StageExporting       Stage = "exporting"
	StageCompleted       Stage = "completed"
	StageFailed          Stage = "failed"
)

// stageOrder defines the total order of pipeline stages.
var stageOrder = map[Stage]int{
	StageQueued:          0,
	StageAnalyzing:       1,
	StagePlanning:        2,
	StageMelodyGen:       3,
	StageMusicRender:     4,
	StageVocalRender:     5,
	StageMixing:          6,
	StageSimilarityCheck: 7,
	StageExporting:       8,
	StageCompleted:       9,
	StageFailed:          10,
}

// Order returns the stage's position in the pipeline, or -1 for an
// unknown stage.
func (s Stage) Order() int {
	if o, ok := stageOrder[s]; ok {
		return o
	}
	return -1
}

// IsValid reports whether s is a known pipeline stage.
func (s Stage) IsValid() bool {
	_, ok := stageOrder[s]
	return ok
}

// IsTerminal reports whether no further events follow this stage.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

// StageDefinition is static per-stage configuration used by the timeline
// aggregator to turn sparse events into continuous progress and an ETA.
type StageDefinition struct {
	ID                  Stage `json:"id"`
	Order               int   `json:"order"`
	EstimatedDurationMs int64 `json:"estimatedDurationMs"`
	IsTerminal          bool  `json:"isTerminal"`
}

// Stages returns the full ordered stage table. Duration estimates come from
// configuration; terminal stages always carry a zero estimate and are
// excluded from weighted-progress and ETA sums.
func Stages(estimates map[Stage]int64) []StageDefinition {
	defs := make([]StageDefinition, 0, len(stageOrder))
	for _, s := range []Stage{
		StageQueued, StageAnalyzing, StagePlanning, StageMelodyGen,
		StageMusicRender, StageVocalRender, StageMixing,
		StageSimilarityCheck, StageExporting, StageCompleted, StageFailed,
	} {
		def := StageDefinition{
			ID:         s,
			Order:      stageOrder[s],
			IsTerminal: s.IsTerminal(),
		}
		if !def.IsTerminal {
			def.EstimatedDurationMs = estimates[s]
		}
		defs = append(defs, def)
	}
	return defs
}

// DefaultStageEstimates are the empirically tuned per-stage duration
// estimates, overridable through configuration.
func DefaultStageEstimates() map[Stage]int64 {
	return map[Stage]int64{
		StageQueued:          1000,
		StageAnalyzing:       3000,
		StagePlanning:        5000,
		StageMelodyGen:       8000,
		StageMusicRender:     20000,
		StageVocalRender:     15000,
		StageMixing:          10000,
		StageSimilarityCheck: 4000,
		StageExporting:       6000,
	}
}
