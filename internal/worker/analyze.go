package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/songforge/pipeline/internal/model"
)

// AudioAnalyze handles the analyze queue's heterogeneous payloads. The kind
// tag selects the variant; unknown kinds are rejected before any work runs.
func (p *Pipeline) AudioAnalyze(ctx context.Context, jobID string, payload json.RawMessage, update ProgressFunc) error {
	var req model.AnalyzePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("analyze payload: %w", err)
	}
	if err := req.Validate(); err != nil {
		return err
	}

	switch req.Kind {
	case model.AnalyzeKindSeparate:
		return p.separate(ctx, jobID, req.Separate, update)
	case model.AnalyzeKindDiarize:
		return p.diarize(ctx, jobID, req.Diarize, update)
	default:
		// Unreachable after Validate, kept for exhaustiveness.
		return fmt.Errorf("analyze payload: unknown kind %q", req.Kind)
	}
}

func (p *Pipeline) separate(ctx context.Context, jobID string, req *model.SeparateRequest, update ProgressFunc) error {
	steps := []milestone{
		{model.StageAnalyzing, 0, 5, "Loading source audio..."},
		{model.StageAnalyzing, 0.4, 40, "Separating stems..."},
		{model.StageAnalyzing, 1, 99, "Separation complete"},
	}
	return p.walk(ctx, jobID, update, steps)
}

func (p *Pipeline) diarize(ctx context.Context, jobID string, req *model.DiarizeRequest, update ProgressFunc) error {
	steps := []milestone{
		{model.StageAnalyzing, 0, 5, "Loading vocal take..."},
		{model.StageAnalyzing, 0.5, 50, "Detecting voices..."},
		{model.StageAnalyzing, 1, 99, "Diarization complete"},
	}
	return p.walk(ctx, jobID, update, steps)
}

// SectionRegenerate fans out one child render job per instrument plus one
// vocal job, then completes. It does not block on the children: downstream
// consumers observe the regenerated section through the children's own
// terminal events.
func (p *Pipeline) SectionRegenerate(ctx context.Context, jobID string, payload json.RawMessage, update ProgressFunc) error {
	var req model.SectionRegenPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("section regenerate payload: %w", err)
	}

	total := len(req.Instruments)
	if req.WithVocals {
		total++
	}

	enqueued := 0
	for _, instrument := range req.Instruments {
		input, err := json.Marshal(map[string]string{
			"instrument": instrument,
			"sectionId":  req.SectionID,
		})
		if err != nil {
			return fmt.Errorf("marshal stem input: %w", err)
		}
		child := model.StageJobPayload{
			ProjectID: req.ProjectID,
			Stage:     model.StageMusicRender,
			Input:     input,
		}
		childID := fmt.Sprintf("%s:stem:%s:%s", jobID, instrument, uuid.New().String()[:8])
		if _, err := p.queue.Enqueue(ctx, model.QueueMusicRender, TaskStemRender, child,
			model.EnqueueOptions{ID: childID, Priority: model.PriorityStandard}); err != nil {
			return fmt.Errorf("enqueue stem child: %w", err)
		}
		enqueued++
		update(enqueued * 100 / (total + 1))
	}

	if req.WithVocals {
		input, err := json.Marshal(map[string]string{"sectionId": req.SectionID})
		if err != nil {
			return fmt.Errorf("marshal vocal input: %w", err)
		}
		child := model.StageJobPayload{
			ProjectID: req.ProjectID,
			Stage:     model.StageVocalRender,
			Input:     input,
		}
		childID := fmt.Sprintf("%s:vocal:%s", jobID, uuid.New().String()[:8])
		if _, err := p.queue.Enqueue(ctx, model.QueueVocalRender, TaskVocalRender, child,
			model.EnqueueOptions{ID: childID, Priority: model.PriorityStandard}); err != nil {
			return fmt.Errorf("enqueue vocal child: %w", err)
		}
		enqueued++
		update(enqueued * 100 / (total + 1))
	}

	return nil
}
