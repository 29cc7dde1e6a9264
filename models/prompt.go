package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	PromptStatusPending   = "pending"
	PromptStatusGenerated = "generated"
	PromptStatusFailed    = "failed"
)

// Prompt is one image/video prompt pair derived from a line. The text model
// returns both in a single response so they are stored together.
type Prompt struct {
	ID          string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	RunId       string    `gorm:"index" json:"runId"`
	LineId      string    `gorm:"index" json:"lineId"`
	LineIndex   int       `json:"lineIndex"`
	Index       int       `gorm:"column:idx" json:"index"` // order within the line
	ImagePrompt string    `gorm:"type:text" json:"imagePrompt"`
	VideoPrompt string    `gorm:"type:text" json:"videoPrompt"`
	Model       string    `json:"model"`
	Temperature float64   `json:"temperature"`
	Status      string    `json:"status"`
	Error       string    `json:"error"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (Prompt) TableName() string {
	return "prompt"
}

func BatchCreatePrompts(db *gorm.DB, prompts []Prompt) error {
	if len(prompts) == 0 {
		return nil
	}
	return db.Create(&prompts).Error
}

func GetPromptByID(db *gorm.DB, promptID string) (*Prompt, error) {
	var p Prompt
	if err := db.First(&p, "id = ?", promptID).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPromptsByRunID returns prompts in line-major order.
func GetPromptsByRunID(db *gorm.DB, runID string) ([]Prompt, error) {
	var prompts []Prompt
	if err := db.Where("run_id = ?", runID).
		Order("line_index ASC, idx ASC").Find(&prompts).Error; err != nil {
		return nil, err
	}
	return prompts, nil
}
