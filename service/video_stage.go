package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"PoemToMedia-server/models"

	"gorm.io/gorm"
)

// videoMaxWait bounds a single video job end to end, poll interval included.
const videoMaxWait = 30 * time.Minute

// VideoClient drives the asynchronous video generation API: submit returns a
// job id, status is polled until terminal.
type VideoClient struct {
	BaseURL   string
	APIKey    string
	Transport *Transport
}

type videoSubmitRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	Images      []string `json:"images"`
	AspectRatio string   `json:"aspect_ratio"`
	Size        string   `json:"size"`
}

type videoJobStatus struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	VideoURL string `json:"video_url"`
	Error    string `json:"error"`
}

func (c *VideoClient) Submit(ctx context.Context, model, prompt, imageURL, aspectRatio, size string) (string, error) {
	body, err := json.Marshal(videoSubmitRequest{
		Model:       model,
		Prompt:      prompt,
		Images:      []string{imageURL},
		AspectRatio: aspectRatio,
		Size:        size,
	})
	if err != nil {
		return "", fmt.Errorf("marshal video request failed: %w", err)
	}

	resp, err := c.Transport.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			strings.TrimRight(c.BaseURL, "/")+"/v1/video/create", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var data videoJobStatus
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", fmt.Errorf("decode submit response failed: %w", err)
	}
	if data.ID == "" {
		return "", fmt.Errorf("submit response missing job id")
	}
	return data.ID, nil
}

func (c *VideoClient) Query(ctx context.Context, jobID string) (videoJobStatus, error) {
	resp, err := c.Transport.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			strings.TrimRight(c.BaseURL, "/")+"/v1/video/query?id="+jobID, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
		return req, nil
	})
	if err != nil {
		return videoJobStatus{}, err
	}
	defer resp.Body.Close()

	var data videoJobStatus
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return videoJobStatus{}, fmt.Errorf("decode query response failed: %w", err)
	}
	return data, nil
}

// Cancel notifies the upstream service; the task is marked cancelled locally
// whether or not the service acknowledges.
func (c *VideoClient) Cancel(ctx context.Context, jobID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		strings.TrimRight(c.BaseURL, "/")+"/v1/video/cancel?id="+jobID, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// normalizeVideoStatus folds provider-specific status strings (including the
// Veo substates) into the internal task states. The second result reports
// whether the status is terminal.
func normalizeVideoStatus(apiStatus string) (string, bool) {
	switch strings.ToLower(strings.ReplaceAll(apiStatus, "-", "_")) {
	case "completed", "succeeded", "success",
		"video_generation_completed", "video_upsampling_completed":
		return models.JobTaskStatusSucceeded, true
	case "failed", "error",
		"video_generation_failed", "video_upsampling_failed":
		return models.JobTaskStatusFailed, true
	case "cancelled", "canceled":
		return models.JobTaskStatusCancelled, true
	default:
		// pending, submitted, queued, processing, image_downloading,
		// video_generating, video_upsampling and anything new keep polling
		return models.JobTaskStatusPolling, false
	}
}

// VideoStage animates one succeeded image. Each task is a small state
// machine: queued, submitted once the job id arrives, polling on a fixed
// interval, then a terminal state.
type VideoStage struct {
	DB    *gorm.DB
	Store ObjectStore
	Hub   *EventHub

	BaseURL string
	APIKey  string
}

func (s *VideoStage) RunTask(ctx context.Context, run *models.PipelineRun, task *models.VideoTask, source *models.ImageTask, prompt *models.Prompt) error {
	if err := ctx.Err(); err != nil {
		return s.finish(run, task, models.JobTaskStatusCancelled, err)
	}

	transport := NewTransport(time.Duration(run.Config.TimeoutSec)*time.Second, run.Config.MaxRetries)
	transport.OnRetry = func(attempt int, delay time.Duration, err error) {
		s.Hub.Publish(Event{
			RunID: run.ID, TaskID: task.ID, TaskKind: "video",
			Kind: EventRetryAttempt, Status: task.Status,
			Attempt: attempt, Message: err.Error(),
		})
	}
	client := &VideoClient{BaseURL: s.BaseURL, APIKey: s.APIKey, Transport: transport}

	videoPrompt := prompt.VideoPrompt
	if videoPrompt == "" {
		videoPrompt = prompt.ImagePrompt
	}

	jobID, err := client.Submit(ctx, run.Config.VideoModel, videoPrompt, source.Artifact.URL, run.Config.AspectRatio, run.Config.VideoSize)
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			return s.finish(run, task, models.JobTaskStatusCancelled, err)
		}
		return s.finish(run, task, models.JobTaskStatusFailed, err)
	}
	if err := task.SetJobID(s.DB, jobID); err != nil {
		return err
	}
	if err := s.transition(run, task, models.JobTaskStatusSubmitted, ""); err != nil {
		if errors.Is(err, models.ErrTaskFinalized) {
			return nil
		}
		return err
	}
	if err := s.transition(run, task, models.JobTaskStatusPolling, ""); err != nil {
		if errors.Is(err, models.ErrTaskFinalized) {
			return nil
		}
		return err
	}

	status, err := s.poll(ctx, client, run, task)
	if err != nil {
		if errors.Is(err, ErrCancelled) || ctx.Err() != nil {
			// best effort upstream, cancelled locally regardless
			if cerr := client.Cancel(context.Background(), jobID); cerr != nil {
				log.Printf("[VideoStage] upstream cancel for job %s failed: %v", jobID, cerr)
			}
			return s.finish(run, task, models.JobTaskStatusCancelled, err)
		}
		return s.finish(run, task, models.JobTaskStatusFailed, err)
	}

	switch status.normalized {
	case models.JobTaskStatusSucceeded:
		objectName := fmt.Sprintf("runs/%s/videos/%s.mp4", run.ID, task.ID)
		artifact, err := fetchToStore(ctx, s.Store, status.resultURL, objectName)
		if err != nil {
			if ctx.Err() != nil {
				return s.finish(run, task, models.JobTaskStatusCancelled, err)
			}
			return s.finish(run, task, models.JobTaskStatusFailed, err)
		}
		if err := task.SetArtifact(s.DB, artifact); err != nil {
			if errors.Is(err, models.ErrTaskFinalized) {
				return nil
			}
			return err
		}
		s.publish(run.ID, task, "")
		return nil
	case models.JobTaskStatusCancelled:
		return s.finish(run, task, models.JobTaskStatusCancelled, nil)
	default:
		// the service itself reported failure; retry requires explicit resubmission
		err := fmt.Errorf("%w: %s", ErrUpstreamFailed, status.upstreamError)
		return s.finish(run, task, models.JobTaskStatusFailed, err)
	}
}

type pollResult struct {
	normalized    string
	resultURL     string
	upstreamError string
}

func (s *VideoStage) poll(ctx context.Context, client *VideoClient, run *models.PipelineRun, task *models.VideoTask) (pollResult, error) {
	interval := time.Duration(run.Config.PollIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.After(videoMaxWait)

	// first query goes out right away; the ticker paces the rest
	for {
		status, err := client.Query(ctx, task.JobId)
		if err != nil {
			return pollResult{}, err
		}
		normalized, terminal := normalizeVideoStatus(status.Status)
		if terminal {
			return pollResult{normalized: normalized, resultURL: status.VideoURL, upstreamError: status.Error}, nil
		}

		select {
		case <-ctx.Done():
			return pollResult{}, &TransportError{Kind: KindCancelled, Message: ctx.Err().Error(), Attempts: 0, cause: ctx.Err()}
		case <-deadline:
			return pollResult{}, fmt.Errorf("video job %s polling timed out", task.JobId)
		case <-ticker.C:
		}
	}
}

func (s *VideoStage) transition(run *models.PipelineRun, task *models.VideoTask, status, msg string) error {
	if err := task.UpdateStatus(s.DB, status, msg); err != nil {
		return err
	}
	s.publish(run.ID, task, msg)
	return nil
}

func (s *VideoStage) finish(run *models.PipelineRun, task *models.VideoTask, status string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := task.UpdateStatus(s.DB, status, msg); err != nil {
		if errors.Is(err, models.ErrTaskFinalized) {
			return nil
		}
		return err
	}
	s.publish(run.ID, task, msg)
	return nil
}

func (s *VideoStage) publish(runID string, task *models.VideoTask, msg string) {
	s.Hub.Publish(Event{
		RunID: runID, TaskID: task.ID, TaskKind: "video",
		Kind: EventTaskTransition, Status: task.Status,
		Attempt: task.Attempts, Message: msg,
	})
}
