package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Statuses shared by the submit-then-poll tasks (video, music).
const (
	JobTaskStatusQueued    = "queued"
	JobTaskStatusSubmitted = "submitted"
	JobTaskStatusPolling   = "polling"
	JobTaskStatusSucceeded = "succeeded"
	JobTaskStatusFailed    = "failed"
	JobTaskStatusCancelled = "cancelled"
)

type VideoTask struct {
	ID          string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	RunId       string    `gorm:"index" json:"runId"`
	ImageTaskId string    `gorm:"index" json:"imageTaskId"`
	JobId       string    `json:"jobId"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	Artifact    Artifact  `gorm:"embedded;embeddedPrefix:artifact_" json:"artifact"`
	Error       string    `json:"error"`
	SubmittedAt time.Time `json:"submittedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (VideoTask) TableName() string {
	return "video_task"
}

// CreateVideoTask chains a video job off a finished image. The source image
// task must have succeeded; there is no other way a video task comes to exist.
func CreateVideoTask(db *gorm.DB, source *ImageTask) (*VideoTask, error) {
	if source.Status != ImageTaskStatusSucceeded {
		return nil, fmt.Errorf("image task %s is %s, videos derive only from succeeded images", source.ID, source.Status)
	}
	task := &VideoTask{
		ID:          newID(),
		RunId:       source.RunId,
		ImageTaskId: source.ID,
		Status:      JobTaskStatusQueued,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := db.Create(task).Error; err != nil {
		return nil, err
	}
	return task, nil
}

func GetVideoTaskByID(db *gorm.DB, taskID string) (*VideoTask, error) {
	var task VideoTask
	if err := db.First(&task, "id = ?", taskID).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

func GetVideoTasksByRunID(db *gorm.DB, runID string) ([]VideoTask, error) {
	var tasks []VideoTask
	if err := db.Where("run_id = ?", runID).Order("created_at ASC").Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

func (t *VideoTask) UpdateStatus(db *gorm.DB, status, errMsg string) error {
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
	if err := guardedUpdate(db, &VideoTask{}, t.ID, updates); err != nil {
		return err
	}
	t.Status = status
	if errMsg != "" {
		t.Error = errMsg
	}
	return nil
}

// SetJobID records the upstream job id once the submit call is accepted.
func (t *VideoTask) SetJobID(db *gorm.DB, jobID string) error {
	if err := db.Model(t).Updates(map[string]interface{}{
		"job_id":     jobID,
		"updated_at": time.Now(),
	}).Error; err != nil {
		return err
	}
	t.JobId = jobID
	return nil
}

func (t *VideoTask) SetArtifact(db *gorm.DB, artifact Artifact) error {
	now := time.Now()
	if err := guardedUpdate(db, &VideoTask{}, t.ID, map[string]interface{}{
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

// ResetForRetry resubmits as a fresh upstream job: the old job id is dropped
// along with any artifact from the previous attempt.
func (t *VideoTask) ResetForRetry(db *gorm.DB) error {
	if t.Status != JobTaskStatusFailed && t.Status != JobTaskStatusCancelled {
		return fmt.Errorf("video task %s is %s, only failed or cancelled tasks can be retried", t.ID, t.Status)
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
