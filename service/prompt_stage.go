package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"PoemToMedia-server/models"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const promptSystemPrompt = `You are a visual artist and film director specializing in classical Chinese poetry. For the given verse, produce image generation prompts and matching animation prompts.

Each image prompt must name the art style, composition, lighting, cultural elements and color palette. Each video prompt must describe camera movement, animation style, transition and pace, suitable for a 5-10 second clip.

Return strict JSON:
{
  "descriptions": [
    {"image": "English image prompt", "video": "English animation prompt"}
  ]
}`

// linePromptResponse mirrors the JSON contract the model is asked to follow.
type linePromptResponse struct {
	Descriptions []struct {
		Image string `json:"image"`
		Video string `json:"video"`
	} `json:"descriptions"`
}

// PromptStage derives image/video prompt pairs per poem line. Lines are
// independent: one line's failure marks only that line's prompts failed.
type PromptStage struct {
	DB  *gorm.DB
	LLM *LLMClient
	Hub *EventHub
}

// GeneratePrompts processes every line of the run. Lines dispatch in poem
// order and run concurrently up to the configured limit. The returned error
// is nil even when individual lines failed; it is non-nil only for run-level
// problems (storage failures).
func (s *PromptStage) GeneratePrompts(ctx context.Context, run *models.PipelineRun, lines []models.Line) error {
	count := run.Config.PromptCount
	if count <= 0 {
		count = 1
	}

	// Seed pending prompt rows up front so the UI sees the full plan.
	all := make([][]models.Prompt, len(lines))
	for i, line := range lines {
		prompts := make([]models.Prompt, 0, count)
		for j := 0; j < count; j++ {
			prompts = append(prompts, models.Prompt{
				ID:          uuid.NewString(),
				RunId:       run.ID,
				LineId:      line.ID,
				LineIndex:   line.Index,
				Index:       j + 1,
				Model:       run.Config.TextModel,
				Temperature: run.Config.Temperature,
				Status:      models.PromptStatusPending,
				CreatedAt:   time.Now(),
				UpdatedAt:   time.Now(),
			})
		}
		if err := models.BatchCreatePrompts(s.DB, prompts); err != nil {
			return fmt.Errorf("create prompts for line %d failed: %w", line.Index, err)
		}
		all[i] = prompts
		for _, p := range prompts {
			s.Hub.Publish(Event{RunID: run.ID, TaskID: p.ID, TaskKind: "prompt", Kind: EventTaskCreated, Status: p.Status})
		}
	}

	limit := run.Config.Concurrency
	if limit <= 0 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := range lines {
		line := lines[i]
		prompts := all[i]
		g.Go(func() error {
			// generateLine absorbs generation failures; what comes back is
			// a storage problem and aborts the whole stage
			return s.generateLine(gctx, run, line, prompts)
		})
	}
	return g.Wait()
}

// generateLine makes one text-generation call for the line and fills its
// pending prompts in the order the service returned them. Generation and
// parse failures mark the line's prompts failed and return nil; only a
// storage failure comes back as an error.
func (s *PromptStage) generateLine(ctx context.Context, run *models.PipelineRun, line models.Line, prompts []models.Prompt) error {
	userPrompt := fmt.Sprintf(
		"## Verse\n%s\n\n## Style\n%s\n\n## Output\nProduce exactly %d image+video prompt pairs. Return only the JSON object.",
		line.Text, styleOrDefault(run.Config.Style), len(prompts))

	content, err := s.LLM.Chat(ctx, run.Config.TextModel, run.Config.Temperature, promptSystemPrompt, userPrompt)
	if err != nil {
		log.Printf("[PromptStage] line %d failed: %v", line.Index, err)
		s.markLineFailed(run.ID, prompts, err)
		return nil
	}

	parsed, err := parseLinePrompts(content, len(prompts))
	if err != nil {
		log.Printf("[PromptStage] line %d failed: %v", line.Index, err)
		s.markLineFailed(run.ID, prompts, err)
		return nil
	}

	for i := range prompts {
		p := &prompts[i]
		if err := s.DB.Model(p).Updates(map[string]interface{}{
			"image_prompt": parsed[i].Image,
			"video_prompt": parsed[i].Video,
			"status":       models.PromptStatusGenerated,
			"updated_at":   time.Now(),
		}).Error; err != nil {
			return fmt.Errorf("store prompt failed: %w", err)
		}
		p.ImagePrompt = parsed[i].Image
		p.VideoPrompt = parsed[i].Video
		p.Status = models.PromptStatusGenerated
		s.Hub.Publish(Event{RunID: run.ID, TaskID: p.ID, TaskKind: "prompt", Kind: EventTaskTransition, Status: p.Status})
	}
	return nil
}

func (s *PromptStage) markLineFailed(runID string, prompts []models.Prompt, cause error) {
	for i := range prompts {
		p := &prompts[i]
		if err := s.DB.Model(p).Updates(map[string]interface{}{
			"status":     models.PromptStatusFailed,
			"error":      cause.Error(),
			"updated_at": time.Now(),
		}).Error; err != nil {
			log.Printf("[PromptStage] mark prompt %s failed: %v", p.ID, err)
			continue
		}
		p.Status = models.PromptStatusFailed
		p.Error = cause.Error()
		s.Hub.Publish(Event{RunID: runID, TaskID: p.ID, TaskKind: "prompt", Kind: EventTaskTransition, Status: p.Status, Message: cause.Error()})
	}
}

// parseLinePrompts decodes the model response, tolerating short or long
// answers: missing pairs fail, extra pairs are dropped.
func parseLinePrompts(content string, count int) ([]struct{ Image, Video string }, error) {
	raw, err := extractJSON(content)
	if err != nil {
		return nil, err
	}
	var resp linePromptResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("parse prompt response failed: %w", err)
	}
	if len(resp.Descriptions) < count {
		return nil, fmt.Errorf("expected %d prompt pairs, got %d", count, len(resp.Descriptions))
	}
	out := make([]struct{ Image, Video string }, count)
	for i := 0; i < count; i++ {
		if resp.Descriptions[i].Image == "" {
			return nil, fmt.Errorf("prompt pair %d has an empty image prompt", i+1)
		}
		out[i].Image = resp.Descriptions[i].Image
		out[i].Video = resp.Descriptions[i].Video
	}
	return out, nil
}

func styleOrDefault(style string) string {
	if style == "" {
		return "traditional Chinese art style with ink painting aesthetic"
	}
	return style
}
