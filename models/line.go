package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// Line is one verse of the submitted poem. Lines are immutable once parsed.
type Line struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	RunId     string    `gorm:"index" json:"runId"`
	Index     int       `gorm:"column:idx" json:"index"` // 1-based poem order
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

func (Line) TableName() string {
	return "line"
}

func BatchCreateLines(db *gorm.DB, lines []Line) error {
	if len(lines) == 0 {
		return nil
	}
	return db.Create(&lines).Error
}

func GetLinesByRunID(db *gorm.DB, runID string) ([]Line, error) {
	var lines []Line
	if err := db.Where("run_id = ?", runID).Order("idx ASC").Find(&lines).Error; err != nil {
		return nil, err
	}
	return lines, nil
}

// verse terminators, fullwidth and ASCII
const verseBreaks = "。！？；!?;\n"

// SplitVerses breaks poem text into verses on line breaks and sentence-ending
// punctuation. Commas (，、,) keep a couplet together; blank pieces are dropped.
func SplitVerses(text string) []string {
	var verses []string
	var b strings.Builder
	flush := func() {
		v := strings.TrimSpace(b.String())
		b.Reset()
		if v != "" {
			verses = append(verses, v)
		}
	}
	for _, r := range text {
		if strings.ContainsRune(verseBreaks, r) {
			flush()
			continue
		}
		b.WriteRune(r)
	}
	flush()
	return verses
}
