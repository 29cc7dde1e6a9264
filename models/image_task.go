package models

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

const (
	ImageTaskStatusQueued    = "queued"
	ImageTaskStatusRunning   = "running"
	ImageTaskStatusRetrying  = "retrying" // transport is backing off between attempts
	ImageTaskStatusSucceeded = "succeeded"
	ImageTaskStatusFailed    = "failed"
	ImageTaskStatusCancelled = "cancelled"
)

var taskTerminal = map[string]bool{
	ImageTaskStatusSucceeded: true,
	ImageTaskStatusFailed:    true,
	ImageTaskStatusCancelled: true,
}

// ErrTaskFinalized reports a lost race: another writer (usually a run-level
// cancel) moved the task into a terminal state first. The attempted update is
// discarded.
var ErrTaskFinalized = errors.New("task already in a terminal state")

var terminalStatuses = []string{ImageTaskStatusSucceeded, ImageTaskStatusFailed, ImageTaskStatusCancelled}

// guardedUpdate applies updates only while the row is still non-terminal.
func guardedUpdate(db *gorm.DB, model interface{}, id string, updates map[string]interface{}) error {
	res := db.Model(model).
		Where("id = ? AND status NOT IN ?", id, terminalStatuses).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrTaskFinalized
	}
	return nil
}

// IsTerminalTaskStatus holds for the shared terminal states of image, video
// and music tasks.
func IsTerminalTaskStatus(status string) bool {
	return taskTerminal[status]
}

type ImageTask struct {
	ID         string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	RunId      string    `gorm:"index" json:"runId"`
	PromptId   string    `gorm:"index" json:"promptId"`
	Status     string    `json:"status"`
	Attempts   int       `json:"attempts"`
	Artifact   Artifact  `gorm:"embedded;embeddedPrefix:artifact_" json:"artifact"`
	Error      string    `json:"error"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (ImageTask) TableName() string {
	return "image_task"
}

func BatchCreateImageTasks(db *gorm.DB, tasks []ImageTask) error {
	if len(tasks) == 0 {
		return nil
	}
	return db.Create(&tasks).Error
}

func GetImageTaskByID(db *gorm.DB, taskID string) (*ImageTask, error) {
	var task ImageTask
	if err := db.First(&task, "id = ?", taskID).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

func GetImageTasksByRunID(db *gorm.DB, runID string) ([]ImageTask, error) {
	var tasks []ImageTask
	if err := db.Where("run_id = ?", runID).Order("created_at ASC").Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// UpdateStatus moves the task forward. Terminal states never revert here;
// only ResetForRetry may leave one. The update is guarded in SQL so a
// concurrent run-level cancel always wins.
func (t *ImageTask) UpdateStatus(db *gorm.DB, status, errMsg string) error {
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
	if status == ImageTaskStatusRunning && t.StartedAt.IsZero() {
		updates["started_at"] = now
		t.StartedAt = now
	}
	if IsTerminalTaskStatus(status) {
		updates["finished_at"] = now
		t.FinishedAt = now
	}
	if err := guardedUpdate(db, &ImageTask{}, t.ID, updates); err != nil {
		return err
	}
	t.Status = status
	if errMsg != "" {
		t.Error = errMsg
	}
	return nil
}

// SetArtifact records the stored image and marks the task succeeded.
func (t *ImageTask) SetArtifact(db *gorm.DB, artifact Artifact) error {
	now := time.Now()
	if err := guardedUpdate(db, &ImageTask{}, t.ID, map[string]interface{}{
		"status":              ImageTaskStatusSucceeded,
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
	t.Status = ImageTaskStatusSucceeded
	t.Artifact = artifact
	t.Error = ""
	t.FinishedAt = now
	return nil
}

// ResetForRetry is the single path out of a terminal state: back to queued,
// attempt count up by one, previous artifact discarded.
func (t *ImageTask) ResetForRetry(db *gorm.DB) error {
	if t.Status != ImageTaskStatusFailed && t.Status != ImageTaskStatusCancelled {
		return fmt.Errorf("image task %s is %s, only failed or cancelled tasks can be retried", t.ID, t.Status)
	}
	now := time.Now()
	if err := db.Model(t).Updates(map[string]interface{}{
		"status":              ImageTaskStatusQueued,
		"attempts":            t.Attempts + 1,
		"error":               "",
		"artifact_kind":       "",
		"artifact_object_key": "",
		"artifact_url":        "",
		"artifact_sha256":     "",
		"artifact_size":       0,
		"artifact_created_at": time.Time{},
		"started_at":          time.Time{},
		"finished_at":         time.Time{},
		"updated_at":          now,
	}).Error; err != nil {
		return err
	}
	t.Status = ImageTaskStatusQueued
	t.Attempts++
	t.Error = ""
	t.Artifact = Artifact{}
	t.StartedAt = time.Time{}
	t.FinishedAt = time.Time{}
	return nil
}
