package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"PoemToMedia-server/models"

	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"
)

var (
	markdownImageURL = regexp.MustCompile(`!\[.*?\]\((https?://[^)]+)\)`)
	bareImageURL     = regexp.MustCompile(`https?://\S+\.(?:png|jpg|jpeg|webp)\S*`)
)

// ImageClient generates one image per call through a chat-completions style
// endpoint and returns the URL of the produced image.
type ImageClient struct {
	BaseURL   string
	APIKey    string
	Transport *Transport
}

func (c *ImageClient) Generate(ctx context.Context, model, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: "Generate an image: " + prompt}},
		Temperature: 0.7,
	})
	if err != nil {
		return "", fmt.Errorf("marshal image request failed: %w", err)
	}

	resp, err := c.Transport.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			strings.TrimRight(c.BaseURL, "/")+"/v1/chat/completions", bytes.NewReader(body))
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

	var data chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", fmt.Errorf("decode image response failed: %w", err)
	}
	if len(data.Choices) == 0 {
		return "", fmt.Errorf("image response has no choices")
	}
	return extractImageURL(data.Choices[0].Message.Content)
}

// extractImageURL finds the image link in the model reply, which comes back
// either as a markdown image or a bare URL.
func extractImageURL(content string) (string, error) {
	if m := markdownImageURL.FindStringSubmatch(content); m != nil {
		return m[1], nil
	}
	if m := bareImageURL.FindString(content); m != "" {
		return m, nil
	}
	return "", fmt.Errorf("no image URL in response: %.200s", content)
}

// ImageStage executes one image task end to end: admission against the run's
// concurrency budget, generation, artifact upload, status bookkeeping.
type ImageStage struct {
	DB    *gorm.DB
	Store ObjectStore
	Hub   *EventHub

	BaseURL string
	APIKey  string
}

// RunTask performs a single attempt for the task. A failed task stays failed
// until the user retries it; sibling tasks are unaffected.
func (s *ImageStage) RunTask(ctx context.Context, run *models.PipelineRun, task *models.ImageTask, prompt *models.Prompt, sem *semaphore.Weighted) error {
	if err := sem.Acquire(ctx, 1); err != nil {
		return s.finish(run, task, models.ImageTaskStatusCancelled, err)
	}
	defer sem.Release(1)

	// Cancellation observed at the admission boundary: an attempt that has
	// not started yet is simply never dispatched.
	if err := ctx.Err(); err != nil {
		return s.finish(run, task, models.ImageTaskStatusCancelled, err)
	}

	if err := task.UpdateStatus(s.DB, models.ImageTaskStatusRunning, ""); err != nil {
		return err
	}
	s.publish(run.ID, task, "")

	transport := NewTransport(time.Duration(run.Config.TimeoutSec)*time.Second, run.Config.MaxRetries)
	transport.OnRetry = func(attempt int, delay time.Duration, err error) {
		if uerr := task.UpdateStatus(s.DB, models.ImageTaskStatusRetrying, err.Error()); uerr == nil {
			s.Hub.Publish(Event{
				RunID: run.ID, TaskID: task.ID, TaskKind: "image",
				Kind: EventRetryAttempt, Status: task.Status,
				Attempt: attempt, Message: err.Error(),
			})
		}
	}
	client := &ImageClient{BaseURL: s.BaseURL, APIKey: s.APIKey, Transport: transport}

	imagePrompt := prompt.ImagePrompt
	if run.Summary.Anchor != "" {
		imagePrompt += ", " + run.Summary.Anchor
	}

	sourceURL, err := client.Generate(ctx, run.Config.ImageModel, imagePrompt)
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			return s.finish(run, task, models.ImageTaskStatusCancelled, err)
		}
		return s.finish(run, task, models.ImageTaskStatusFailed, err)
	}

	objectName := fmt.Sprintf("runs/%s/images/%s.png", run.ID, task.ID)
	artifact, err := fetchToStore(ctx, s.Store, sourceURL, objectName)
	if err != nil {
		if ctx.Err() != nil {
			return s.finish(run, task, models.ImageTaskStatusCancelled, err)
		}
		return s.finish(run, task, models.ImageTaskStatusFailed, err)
	}

	if err := task.SetArtifact(s.DB, artifact); err != nil {
		// A run-level cancel beat us to the row; the result is discarded.
		if errors.Is(err, models.ErrTaskFinalized) {
			return nil
		}
		return err
	}
	s.publish(run.ID, task, "")
	return nil
}

func (s *ImageStage) finish(run *models.PipelineRun, task *models.ImageTask, status string, cause error) error {
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

func (s *ImageStage) publish(runID string, task *models.ImageTask, msg string) {
	s.Hub.Publish(Event{
		RunID: runID, TaskID: task.ID, TaskKind: "image",
		Kind: EventTaskTransition, Status: task.Status,
		Attempt: task.Attempts, Message: msg,
	})
}
