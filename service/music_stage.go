package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"PoemToMedia-server/models"

	"gorm.io/gorm"
)

// Music jobs routinely take several minutes; allow a generous window.
const musicMaxWait = 30 * time.Minute

// MusicClient drives a Suno-style music generation API.
type MusicClient struct {
	BaseURL   string
	APIKey    string
	Transport *Transport
}

type musicSubmitRequest struct {
	Prompt         string `json:"prompt"`
	Tags           string `json:"tags"`
	Title          string `json:"title,omitempty"`
	NegativeTags   string `json:"negative_tags"`
	MV             string `json:"mv"`
	GenerationType string `json:"generation_type"`
	Instrumental   bool   `json:"make_instrumental,omitempty"`
}

type musicClip struct {
	ID       string  `json:"id"`
	AudioURL string  `json:"audio_url"`
	Title    string  `json:"title"`
	Duration float64 `json:"duration"`
}

type musicFetchResponse struct {
	Data struct {
		TaskID   string      `json:"task_id"`
		Status   string      `json:"status"`
		FailType string      `json:"fail_type"`
		Clips    []musicClip `json:"data"`
	} `json:"data"`
}

func (c *MusicClient) Submit(ctx context.Context, model string, task *models.MusicTask) (string, error) {
	lyrics := task.LyricsCN
	if task.LyricsEN != "" {
		lyrics += "\n\n--- English Version ---\n\n" + task.LyricsEN
	}
	body, err := json.Marshal(musicSubmitRequest{
		Prompt:         lyrics,
		Tags:           task.Tags,
		Title:          task.Title,
		NegativeTags:   task.NegativeTags,
		MV:             model,
		GenerationType: "TEXT",
		Instrumental:   task.Instrumental,
	})
	if err != nil {
		return "", fmt.Errorf("marshal music request failed: %w", err)
	}

	resp, err := c.Transport.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			strings.TrimRight(c.BaseURL, "/")+"/suno/submit/music", bytes.NewReader(body))
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

	var data struct {
		Data string `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", fmt.Errorf("decode submit response failed: %w", err)
	}
	if data.Data == "" {
		return "", fmt.Errorf("submit response missing task id")
	}
	return data.Data, nil
}

func (c *MusicClient) Fetch(ctx context.Context, jobID string) (musicFetchResponse, error) {
	resp, err := c.Transport.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			strings.TrimRight(c.BaseURL, "/")+"/suno/fetch/"+jobID, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
		return req, nil
	})
	if err != nil {
		return musicFetchResponse{}, err
	}
	defer resp.Body.Close()

	var data musicFetchResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return musicFetchResponse{}, fmt.Errorf("decode fetch response failed: %w", err)
	}
	return data, nil
}

// normalizeMusicStatus folds the Suno task states into the internal set.
func normalizeMusicStatus(apiStatus string) (string, bool) {
	switch strings.ToUpper(apiStatus) {
	case "SUCCESS":
		return models.JobTaskStatusSucceeded, true
	case "FAILURE":
		return models.JobTaskStatusFailed, true
	default:
		// NOT_START, SUBMITTED, QUEUED, IN_PROGRESS
		return models.JobTaskStatusPolling, false
	}
}

// MusicStage produces the single audio track for a run, mirroring the video
// stage's submit/poll mechanics with exactly one task per run.
type MusicStage struct {
	DB    *gorm.DB
	Store ObjectStore
	Hub   *EventHub

	BaseURL string
	APIKey  string
}

func (s *MusicStage) RunTask(ctx context.Context, run *models.PipelineRun, task *models.MusicTask) error {
	if err := ctx.Err(); err != nil {
		return s.finish(run, task, models.JobTaskStatusCancelled, err)
	}

	transport := NewTransport(time.Duration(run.Config.TimeoutSec)*time.Second, run.Config.MaxRetries)
	transport.OnRetry = func(attempt int, delay time.Duration, err error) {
		s.Hub.Publish(Event{
			RunID: run.ID, TaskID: task.ID, TaskKind: "music",
			Kind: EventRetryAttempt, Status: task.Status,
			Attempt: attempt, Message: err.Error(),
		})
	}
	client := &MusicClient{BaseURL: s.BaseURL, APIKey: s.APIKey, Transport: transport}

	jobID, err := client.Submit(ctx, run.Config.MusicModel, task)
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

	clip, err := s.poll(ctx, client, run, task)
	if err != nil {
		if errors.Is(err, ErrCancelled) || ctx.Err() != nil {
			return s.finish(run, task, models.JobTaskStatusCancelled, err)
		}
		return s.finish(run, task, models.JobTaskStatusFailed, err)
	}

	objectName := fmt.Sprintf("runs/%s/music/%s.mp3", run.ID, task.ID)
	artifact, err := fetchToStore(ctx, s.Store, clip.AudioURL, objectName)
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
}

func (s *MusicStage) poll(ctx context.Context, client *MusicClient, run *models.PipelineRun, task *models.MusicTask) (musicClip, error) {
	interval := time.Duration(run.Config.PollIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.After(musicMaxWait)

	// first fetch goes out right away; the ticker paces the rest
	for {
		resp, err := client.Fetch(ctx, task.JobId)
		if err != nil {
			return musicClip{}, err
		}
		normalized, terminal := normalizeMusicStatus(resp.Data.Status)
		if terminal {
			if normalized != models.JobTaskStatusSucceeded {
				return musicClip{}, fmt.Errorf("%w: %s", ErrUpstreamFailed, resp.Data.FailType)
			}
			if len(resp.Data.Clips) == 0 || resp.Data.Clips[0].AudioURL == "" {
				return musicClip{}, fmt.Errorf("%w: no clips in successful response", ErrUpstreamFailed)
			}
			return resp.Data.Clips[0], nil
		}

		select {
		case <-ctx.Done():
			return musicClip{}, &TransportError{Kind: KindCancelled, Message: ctx.Err().Error(), cause: ctx.Err()}
		case <-deadline:
			return musicClip{}, fmt.Errorf("music job %s polling timed out", task.JobId)
		case <-ticker.C:
		}
	}
}

func (s *MusicStage) transition(run *models.PipelineRun, task *models.MusicTask, status, msg string) error {
	if err := task.UpdateStatus(s.DB, status, msg); err != nil {
		return err
	}
	s.publish(run.ID, task, msg)
	return nil
}

func (s *MusicStage) finish(run *models.PipelineRun, task *models.MusicTask, status string, cause error) error {
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

func (s *MusicStage) publish(runID string, task *models.MusicTask, msg string) {
	s.Hub.Publish(Event{
		RunID: runID, TaskID: task.ID, TaskKind: "music",
		Kind: EventTaskTransition, Status: task.Status,
		Attempt: task.Attempts, Message: msg,
	})
}
