package service

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"PoemToMedia-server/config"

	"github.com/hibiken/asynq"
)

// Pipeline task types routed through asynq.
const (
	TypePromptStage = "pipeline:prompts"
	TypeImageTask   = "pipeline:image"
	TypeVideoTask   = "pipeline:video"
	TypeMusicTask   = "pipeline:music"
)

// RunPayload drives the run-level prompt stage.
type RunPayload struct {
	RunID string `json:"run_id"`
}

// TaskPayload drives one image/video/music task.
type TaskPayload struct {
	RunID  string `json:"run_id"`
	TaskID string `json:"task_id"`
}

// Queue wraps the asynq client. Business-level retry and backoff live in the
// transport layer, so pipeline tasks run with asynq retries disabled: a
// handler error is already a recorded task failure, not a reason to rerun.
type Queue struct {
	client *asynq.Client
}

func NewQueue() *Queue {
	return &Queue{
		client: asynq.NewClient(asynq.RedisClientOpt{
			Addr:     config.AppConfig.Redis.Addr,
			Password: config.AppConfig.Redis.Password,
		}),
	}
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// EnqueuePromptStage schedules prompt derivation for a freshly submitted run.
func (q *Queue) EnqueuePromptStage(runID string) error {
	return q.enqueue(TypePromptStage, RunPayload{RunID: runID}, "run:"+runID, 30*time.Minute)
}

// EnqueueImageTask schedules one image generation attempt. The attempt number
// keys the asynq task id so the same pipeline task is never in flight twice.
func (q *Queue) EnqueueImageTask(runID, taskID string, attempt int) error {
	id := fmt.Sprintf("image:%s:%d", taskID, attempt)
	return q.enqueue(TypeImageTask, TaskPayload{RunID: runID, TaskID: taskID}, id, 30*time.Minute)
}

func (q *Queue) EnqueueVideoTask(runID, taskID string, attempt int) error {
	id := fmt.Sprintf("video:%s:%d", taskID, attempt)
	return q.enqueue(TypeVideoTask, TaskPayload{RunID: runID, TaskID: taskID}, id, time.Hour)
}

func (q *Queue) EnqueueMusicTask(runID, taskID string, attempt int) error {
	id := fmt.Sprintf("music:%s:%d", taskID, attempt)
	return q.enqueue(TypeMusicTask, TaskPayload{RunID: runID, TaskID: taskID}, id, time.Hour)
}

func (q *Queue) enqueue(taskType string, payload interface{}, taskID string, timeout time.Duration) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}
	task := asynq.NewTask(taskType, b,
		asynq.TaskID(taskID),
		asynq.MaxRetry(0),
		asynq.Timeout(timeout),
		asynq.Retention(24*time.Hour),
	)
	info, err := q.client.Enqueue(task)
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}
	log.Printf("[Queue] enqueued %s id=%s", taskType, info.ID)
	return nil
}
