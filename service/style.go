package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"PoemToMedia-server/models"
)

const styleSystemPrompt = `You are a music producer and art director working with classical Chinese poetry. Read the whole poem and summarize its mood for song generation.

Return strict JSON:
{
  "anchor": "one short English sentence pinning the shared visual style of the poem",
  "title": "song title",
  "tags": "comma separated style tags (genre, vocals, mood, instruments)",
  "negative_tags": "comma separated styles to avoid",
  "lyrics_cn": "the original poem with song structure tags",
  "lyrics_en": "English translation with song structure tags",
  "instrumental": false
}`

// DeriveStyleSummary makes one whole-poem call that yields the music prompt
// and a style anchor appended to image prompts for cross-line consistency.
// The caller falls back to the raw poem text when this fails; images are
// never blocked on it.
func DeriveStyleSummary(ctx context.Context, llm *LLMClient, run *models.PipelineRun, lines []models.Line) (models.StyleSummary, error) {
	verses := make([]string, 0, len(lines))
	for _, line := range lines {
		verses = append(verses, fmt.Sprintf("%d. %s", line.Index, line.Text))
	}
	userPrompt := fmt.Sprintf(
		"## Poem: %s (%s)\n%s\n\n## Preferred music tags\n%s\n\nReturn only the JSON object.",
		run.Title, run.Author, strings.Join(verses, "\n"), run.Config.MusicTags)

	content, err := llm.Chat(ctx, run.Config.TextModel, run.Config.Temperature, styleSystemPrompt, userPrompt)
	if err != nil {
		return models.StyleSummary{}, err
	}

	raw, err := extractJSON(content)
	if err != nil {
		return models.StyleSummary{}, err
	}
	var summary models.StyleSummary
	if err := json.Unmarshal([]byte(raw), &summary); err != nil {
		return models.StyleSummary{}, fmt.Errorf("parse style summary failed: %w", err)
	}
	if summary.Tags == "" {
		summary.Tags = run.Config.MusicTags
	}
	if summary.Title == "" {
		summary.Title = run.Title
	}
	return summary, nil
}
