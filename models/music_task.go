package models

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// MusicTask produces the single audio track for a run. It reuses the
// submit-then-poll statuses of VideoTask; the unique index on run_id keeps it
// to one live instance per run.
type MusicTask struct {
	ID           string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	RunId        string    `gorm:"uniqueIndex" json:"runId"`
	JobId        string    `json:"jobId"`
	Status       string    `json:"status"`
	Attempts     int       `json:"attempts"`
	Title        string    `json:"title"`
	Tags         string    `json:"tags"`
	NegativeTags string    `json:"negativeTags"`
	LyricsCN     string    `gorm:"type:text" json:"lyricsCn"`
	LyricsEN     string    `gorm:"type:text" json:"lyricsEn"`
	Instrumental bool      `json:"instrumental"`
	Artifact     Artifact  `gorm:"embedded;embeddedPrefix:artifact_" json:"artifact"`
	Error        string    `json:"error"`
	SubmittedAt  time.Time `json:"submittedAt"`
	FinishedAt   time.Time `json:"finishedAt"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (MusicTask) TableName() string {
	return "music_task"
}

// CreateMusicTask seeds the run's music job from the derived style summary.
func CreateMusicTask(db *gorm.DB, runID string, summary StyleSummary) (*MusicTask, error) {
	task := &MusicTask{
		ID:           newID(),
		RunId:        runID,
		Status:       JobTaskStatusQueued,
		Title:        summary.Title,
		Tags:         summary.Tags,
		NegativeTags: summary.NegativeTags,
		LyricsCN:     summary.LyricsCN,
		LyricsEN:     summary.LyricsEN,
		Instrumental: summary.Instrumental,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if err := db.Create(task).Error; err != nil {
		return nil, err
	}
	return task, nil
}

func GetMusicTaskByID(db *gorm.DB, taskID string) (*MusicTask, error) {
	var task MusicTask
	if err := db.First(&task, "id = ?", taskID).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

// GetMusicTaskByRunID returns nil without error when the run has no music task yet.
func GetMusicTaskByRunID(db *gorm.DB, runID string) (*MusicTask, error) {
	var task MusicTask
	err := db.First(&task, "run_id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (t *MusicTask) UpdateStatus(db *gorm.DB, status, errMsg string) error {
	if IsTerminalTaskStatus(t.Status) {
		return ErrTaskFinalized
	}
	now := time.Now()
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": now,
	}
	if errMsg != "" {
		updates["error"] = errMsg
	}
	if status == JobTaskStatusSubmitted && t.SubmittedAt.IsZero() {
		updates["submitted_at"] = now
		t.SubmittedAt = now
	}
	if IsTerminalTaskStatus(status) {
		updates["finished_at"] = now
		t.FinishedAt = now
	}
	if err := guardedUpdate(db, &MusicTask{}, t.ID, updates); err != nil {
		return err
	}
	t.Status = status
	if errMsg != "" {
		t.Error = errMsg
	}
	return nil
}

func (t *MusicTask) SetJobID(db *gorm.DB, jobID string) error {
	if err := db.Model(t).Updates(map[string]interface{}{
		"job_id":     jobID,
		"updated_at": time.Now(),
	}).Error; err != nil {
		return err
	}
	t.JobId = jobID
	return nil
}

func (t *MusicTask) SetArtifact(db *gorm.DB, artifact Artifact) error {
	now := time.Now()
	if err := guardedUpdate(db, &MusicTask{}, t.ID, map[string]interface{}{
		"status":              JobTaskStatusSucceeded,
		"artifact_kind":       artifact.Kind,
		"artifact_object_key": artifact.ObjectKey,
		"artifact_url":        artifact.URL,
		"artifact_sha256":     artifact.SHA256,
		"artifact_size":       artifact.Size,
		"artifact_created_at": artifact.CreatedAt,
		"error":               "",
		"finished_at":         now,
		"updated_at":          now,
	}); err != nil {
		return err
	}
	t.Status = JobTaskStatusSucceeded
	t.Artifact = artifact
	t.Error = ""
	t.FinishedAt = now
	return nil
}

// ResetForRetry resubmits a fresh upstream job with the same style summary.
func (t *MusicTask) ResetForRetry(db *gorm.DB) error {
	if t.Status != JobTaskStatusFailed && t.Status != JobTaskStatusCancelled {
		return fmt.Errorf("music task %s is %s, only failed or cancelled tasks can be retried", t.ID, t.Status)
	}
	now := time.Now()
	if err := db.Model(t).Updates(map[string]interface{}{
		"status":              JobTaskStatusQueued,
		"attempts":            t.Attempts + 1,
		"job_id":              "",
		"error":               "",
		"artifact_kind":       "",
		"artifact_object_key": "",
		"artifact_url":        "",
		"artifact_sha256":     "",
		"artifact_size":       0,
		"artifact_created_at": time.Time{},
		"submitted_at":        time.Time{},
		"finished_at":         time.Time{},
		"updated_at":          now,
	}).Error; err != nil {
		return err
	}
	t.Status = JobTaskStatusQueued
	t.Attempts++
	t.JobId = ""
	t.Error = ""
	t.Artifact = Artifact{}
	t.SubmittedAt = time.Time{}
	t.FinishedAt = time.Time{}
	return nil
}
