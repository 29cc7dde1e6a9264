package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Run status constants. A run moves strictly forward through the pipeline;
// failed is reserved for configuration-level errors, never per-item failures.
const (
	RunStatusCreated        = "created"
	RunStatusPromptsPending = "prompts_pending"
	RunStatusImagesPending  = "images_pending"
	RunStatusRendering      = "rendering" // videos and music in flight
	RunStatusCompleted      = "completed"
	RunStatusFailed         = "failed"
	RunStatusCancelled      = "cancelled"
)

// GenerationConfig is snapshotted onto the run at submission so stages never
// read mutable process-wide settings mid-flight.
type GenerationConfig struct {
	TextModel      string  `json:"text_model"`
	ImageModel     string  `json:"image_model"`
	VideoModel     string  `json:"video_model"`
	MusicModel     string  `json:"music_model"`
	Style          string  `json:"style"`
	PromptCount    int     `json:"prompt_count"`
	Temperature    float64 `json:"temperature"`
	MaxRetries     int     `json:"max_retries"`
	Concurrency    int     `json:"concurrency"`
	PollIntervalMs int     `json:"poll_interval_ms"`
	TimeoutSec     int     `json:"timeout_sec"`
	AspectRatio    string  `json:"aspect_ratio"`
	VideoSize      string  `json:"video_size"`
	MusicTags      string  `json:"music_tags"`
}

func (g GenerationConfig) Value() (driver.Value, error) {
	return json.Marshal(g)
}

func (g *GenerationConfig) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("failed to unmarshal JSON value:", value))
	}
	return json.Unmarshal(bytes, g)
}

// StyleSummary aggregates the whole poem's mood for the music job and keeps
// image prompts visually consistent across lines.
type StyleSummary struct {
	Anchor       string `json:"anchor"`
	Title        string `json:"title"`
	Tags         string `json:"tags"`
	NegativeTags string `json:"negative_tags"`
	LyricsCN     string `json:"lyrics_cn"`
	LyricsEN     string `json:"lyrics_en"`
	Instrumental bool   `json:"instrumental"`
}

func (s StyleSummary) Value() (driver.Value, error) {
	return json.Marshal(s)
}

func (s *StyleSummary) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("failed to unmarshal JSON value:", value))
	}
	return json.Unmarshal(bytes, s)
}

type PipelineRun struct {
	ID        string           `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Title     string           `json:"title"`
	Author    string           `json:"author"`
	PoemText  string           `json:"poemText"`
	Status    string           `json:"status"`
	Config    GenerationConfig `gorm:"type:json" json:"config"`
	Summary   StyleSummary     `gorm:"type:json" json:"summary"`
	Error     string           `json:"error"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

func (PipelineRun) TableName() string {
	return "pipeline_run"
}

var runTerminal = map[string]bool{
	RunStatusCompleted: true,
	RunStatusFailed:    true,
	RunStatusCancelled: true,
}

var runTerminalStatuses = []string{RunStatusCompleted, RunStatusFailed, RunStatusCancelled}

// ErrRunFinalized reports a lost race on the run row: another writer moved
// the run into a terminal state first. The attempted update is discarded.
var ErrRunFinalized = errors.New("run already in a terminal state")

func IsTerminalRunStatus(status string) bool {
	return runTerminal[status]
}

func GetRunByID(db *gorm.DB, runID string) (*PipelineRun, error) {
	var run PipelineRun
	if err := db.First(&run, "id = ?", runID).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

// UpdateStatus advances the run state machine. Terminal states stick: a
// completed, failed or cancelled run never moves again. The update is
// guarded in SQL so a stale in-memory copy cannot revive a run another
// worker already settled.
func (r *PipelineRun) UpdateStatus(db *gorm.DB, status, errMsg string) error {
	if IsTerminalRunStatus(r.Status) {
		return ErrRunFinalized
	}
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	}
	if errMsg != "" {
		updates["error"] = errMsg
	}
	res := db.Model(&PipelineRun{}).
		Where("id = ? AND status NOT IN ?", r.ID, runTerminalStatuses).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRunFinalized
	}
	r.Status = status
	if errMsg != "" {
		r.Error = errMsg
	}
	return nil
}

// Reopen pulls a settled run back into an active phase. Only the explicit
// item-retry path uses this; everything else goes through UpdateStatus.
func (r *PipelineRun) Reopen(db *gorm.DB, status string) error {
	if IsTerminalRunStatus(status) {
		return fmt.Errorf("cannot reopen run %s into terminal status %s", r.ID, status)
	}
	if err := db.Model(r).Updates(map[string]interface{}{
		"status":     status,
		"error":      "",
		"updated_at": time.Now(),
	}).Error; err != nil {
		return err
	}
	r.Status = status
	r.Error = ""
	return nil
}

// SetSummary stores the derived style summary once the prompt stage produced it.
func (r *PipelineRun) SetSummary(db *gorm.DB, summary StyleSummary) error {
	if err := db.Model(r).Updates(map[string]interface{}{
		"summary":    summary,
		"updated_at": time.Now(),
	}).Error; err != nil {
		return err
	}
	r.Summary = summary
	return nil
}
