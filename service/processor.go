package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"PoemToMedia-server/config"
	"PoemToMedia-server/models"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"gorm.io/gorm"
)

// Processor owns the pipeline state machine. It consumes queue tasks,
// sequences the stages (prompts, then images, then videos and music in
// parallel) and exposes submit/cancel/retry to the API layer.
type Processor struct {
	DB       *gorm.DB
	Store    ObjectStore
	Hub      *EventHub
	Queue    *Queue
	Registry *RunRegistry
}

func NewProcessor(db *gorm.DB, store ObjectStore, hub *EventHub, queue *Queue, registry *RunRegistry) *Processor {
	return &Processor{
		DB:       db,
		Store:    store,
		Hub:      hub,
		Queue:    queue,
		Registry: registry,
	}
}

// StartProcessor runs the queue consumer in the background.
func (p *Processor) StartProcessor(concurrency int) {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     config.AppConfig.Redis.Addr,
			Password: config.AppConfig.Redis.Password,
		},
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				"default": 1,
			},
		},
	)
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypePromptStage, p.HandlePromptStage)
	mux.HandleFunc(TypeImageTask, p.HandleImageTask)
	mux.HandleFunc(TypeVideoTask, p.HandleVideoTask)
	mux.HandleFunc(TypeMusicTask, p.HandleMusicTask)

	log.Printf("starting pipeline processor with concurrency %d", concurrency)
	go func() {
		if err := srv.Run(mux); err != nil {
			log.Fatalf("could not run queue server: %v", err)
		}
	}()
}

// SubmitRun creates a run for the parsed poem and schedules the prompt stage.
// A configuration problem fails the run as a whole, up front.
func (p *Processor) SubmitRun(title, author, text string, cfg models.GenerationConfig) (*models.PipelineRun, error) {
	verses := models.SplitVerses(text)
	if len(verses) == 0 {
		return nil, fmt.Errorf("poem has no verses")
	}

	run := &models.PipelineRun{
		ID:        uuid.NewString(),
		Title:     title,
		Author:    author,
		PoemText:  text,
		Status:    models.RunStatusCreated,
		Config:    cfg,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := p.DB.Create(run).Error; err != nil {
		return nil, fmt.Errorf("create run failed: %w", err)
	}

	lines := make([]models.Line, 0, len(verses))
	for i, verse := range verses {
		lines = append(lines, models.Line{
			ID:        uuid.NewString(),
			RunId:     run.ID,
			Index:     i + 1,
			Text:      verse,
			CreatedAt: time.Now(),
		})
	}
	if err := models.BatchCreateLines(p.DB, lines); err != nil {
		return nil, fmt.Errorf("create lines failed: %w", err)
	}

	if err := config.AppConfig.Validate(); err != nil {
		p.failRun(run, fmt.Errorf("%w: %v", ErrConfiguration, err))
		return run, nil
	}

	p.Registry.Acquire(run.ID, cfg.Concurrency)
	if err := p.Queue.EnqueuePromptStage(run.ID); err != nil {
		p.failRun(run, err)
		return run, nil
	}
	return run, nil
}

// CancelRun cancels every non-terminal task of the run and marks the run
// cancelled. Succeeded artifacts are retained. Idempotent.
func (p *Processor) CancelRun(runID string) (*models.PipelineRun, error) {
	run, err := models.GetRunByID(p.DB, runID)
	if err != nil {
		return nil, err
	}
	if models.IsTerminalRunStatus(run.Status) {
		return run, nil
	}

	// stop dispatching first, then sweep the rows
	p.Registry.Remove(runID)

	imageTasks, err := models.GetImageTasksByRunID(p.DB, runID)
	if err != nil {
		return nil, err
	}
	for i := range imageTasks {
		t := &imageTasks[i]
		if models.IsTerminalTaskStatus(t.Status) {
			continue
		}
		if err := t.UpdateStatus(p.DB, models.ImageTaskStatusCancelled, "cancelled by user"); err != nil && !errors.Is(err, models.ErrTaskFinalized) {
			log.Printf("cancel image task %s: %v", t.ID, err)
			continue
		}
		p.Hub.Publish(Event{RunID: runID, TaskID: t.ID, TaskKind: "image", Kind: EventTaskTransition, Status: models.ImageTaskStatusCancelled})
	}

	videoTasks, err := models.GetVideoTasksByRunID(p.DB, runID)
	if err != nil {
		return nil, err
	}
	for i := range videoTasks {
		t := &videoTasks[i]
		if models.IsTerminalTaskStatus(t.Status) {
			continue
		}
		if err := t.UpdateStatus(p.DB, models.JobTaskStatusCancelled, "cancelled by user"); err != nil && !errors.Is(err, models.ErrTaskFinalized) {
			log.Printf("cancel video task %s: %v", t.ID, err)
			continue
		}
		p.Hub.Publish(Event{RunID: runID, TaskID: t.ID, TaskKind: "video", Kind: EventTaskTransition, Status: models.JobTaskStatusCancelled})
	}

	music, err := models.GetMusicTaskByRunID(p.DB, runID)
	if err != nil {
		return nil, err
	}
	if music != nil && !models.IsTerminalTaskStatus(music.Status) {
		if err := music.UpdateStatus(p.DB, models.JobTaskStatusCancelled, "cancelled by user"); err != nil && !errors.Is(err, models.ErrTaskFinalized) {
			log.Printf("cancel music task %s: %v", music.ID, err)
		} else {
			p.Hub.Publish(Event{RunID: runID, TaskID: music.ID, TaskKind: "music", Kind: EventTaskTransition, Status: models.JobTaskStatusCancelled})
		}
	}

	if err := run.UpdateStatus(p.DB, models.RunStatusCancelled, ""); err != nil {
		if errors.Is(err, models.ErrRunFinalized) {
			// another cancel (or completion) settled the row first
			return models.GetRunByID(p.DB, runID)
		}
		return nil, err
	}
	p.Hub.Publish(Event{RunID: runID, Kind: EventRunTransition, Status: models.RunStatusCancelled})
	return run, nil
}

// RetryItem resets one failed or cancelled task back to queued, attempt count
// up by one, and re-dispatches it. The run reopens if it had settled.
func (p *Processor) RetryItem(runID, itemID string) error {
	run, err := models.GetRunByID(p.DB, runID)
	if err != nil {
		return err
	}

	if task, err := models.GetImageTaskByID(p.DB, itemID); err == nil && task.RunId == runID {
		if err := task.ResetForRetry(p.DB); err != nil {
			return err
		}
		p.reopenRun(run, models.RunStatusImagesPending)
		p.Hub.Publish(Event{RunID: runID, TaskID: task.ID, TaskKind: "image", Kind: EventTaskTransition, Status: task.Status, Attempt: task.Attempts})
		return p.Queue.EnqueueImageTask(runID, task.ID, task.Attempts)
	}

	if task, err := models.GetVideoTaskByID(p.DB, itemID); err == nil && task.RunId == runID {
		if err := task.ResetForRetry(p.DB); err != nil {
			return err
		}
		p.reopenRun(run, models.RunStatusRendering)
		p.Hub.Publish(Event{RunID: runID, TaskID: task.ID, TaskKind: "video", Kind: EventTaskTransition, Status: task.Status, Attempt: task.Attempts})
		return p.Queue.EnqueueVideoTask(runID, task.ID, task.Attempts)
	}

	if task, err := models.GetMusicTaskByID(p.DB, itemID); err == nil && task.RunId == runID {
		if err := task.ResetForRetry(p.DB); err != nil {
			return err
		}
		p.reopenRun(run, models.RunStatusRendering)
		p.Hub.Publish(Event{RunID: runID, TaskID: task.ID, TaskKind: "music", Kind: EventTaskTransition, Status: task.Status, Attempt: task.Attempts})
		return p.Queue.EnqueueMusicTask(runID, task.ID, task.Attempts)
	}

	return fmt.Errorf("item %s not found in run %s", itemID, runID)
}

// ============================================================================
// Queue handlers
// ============================================================================

func (p *Processor) HandlePromptStage(ctx context.Context, t *asynq.Task) error {
	var payload RunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	run, err := models.GetRunByID(p.DB, payload.RunID)
	if err != nil {
		return fmt.Errorf("run not found: %v", err)
	}
	if models.IsTerminalRunStatus(run.Status) {
		return nil
	}
	if err := config.AppConfig.Validate(); err != nil {
		p.failRun(run, fmt.Errorf("%w: %v", ErrConfiguration, err))
		return nil
	}

	handle := p.Registry.Acquire(run.ID, run.Config.Concurrency)
	runCtx, stop := joinContext(ctx, handle.Context())
	defer stop()

	p.setRunStatus(run, models.RunStatusPromptsPending)

	lines, err := models.GetLinesByRunID(p.DB, run.ID)
	if err != nil {
		return fmt.Errorf("load lines failed: %v", err)
	}

	textCfg := config.AppConfig.AI.Text
	llm := &LLMClient{
		BaseURL:   textCfg.BaseURL,
		APIKey:    textCfg.APIKey,
		Transport: NewTransport(time.Duration(run.Config.TimeoutSec)*time.Second, run.Config.MaxRetries),
	}

	stage := &PromptStage{DB: p.DB, LLM: llm, Hub: p.Hub}
	if err := stage.GeneratePrompts(runCtx, run, lines); err != nil {
		// storage failure, not a per-line generation failure: surface it
		// instead of settling the run with no image tasks
		return fmt.Errorf("prompt stage for run %s: %v", run.ID, err)
	}

	// Whole-poem summary for music and style consistency. On failure fall
	// back to the raw poem so the music track still has something to sing.
	summary, err := DeriveStyleSummary(runCtx, llm, run, lines)
	if err != nil {
		log.Printf("style summary for run %s failed, using fallback: %v", run.ID, err)
		summary = models.StyleSummary{
			Title:    run.Title,
			Tags:     run.Config.MusicTags,
			LyricsCN: run.PoemText,
		}
	}
	if err := run.SetSummary(p.DB, summary); err != nil {
		return fmt.Errorf("store summary failed: %v", err)
	}

	if runCtx.Err() != nil {
		return nil // cancelled mid-stage; CancelRun swept the rows
	}

	p.setRunStatus(run, models.RunStatusImagesPending)

	prompts, err := models.GetPromptsByRunID(p.DB, run.ID)
	if err != nil {
		return fmt.Errorf("load prompts failed: %v", err)
	}
	var imageTasks []models.ImageTask
	for _, prompt := range prompts {
		if prompt.Status != models.PromptStatusGenerated {
			continue
		}
		imageTasks = append(imageTasks, models.ImageTask{
			ID:        uuid.NewString(),
			RunId:     run.ID,
			PromptId:  prompt.ID,
			Status:    models.ImageTaskStatusQueued,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		})
	}
	if err := models.BatchCreateImageTasks(p.DB, imageTasks); err != nil {
		return fmt.Errorf("create image tasks failed: %v", err)
	}
	for i := range imageTasks {
		task := &imageTasks[i]
		p.Hub.Publish(Event{RunID: run.ID, TaskID: task.ID, TaskKind: "image", Kind: EventTaskCreated, Status: task.Status})
		if err := p.Queue.EnqueueImageTask(run.ID, task.ID, task.Attempts); err != nil {
			log.Printf("enqueue image task %s failed: %v", task.ID, err)
		}
	}

	music, err := models.CreateMusicTask(p.DB, run.ID, summary)
	if err != nil {
		return fmt.Errorf("create music task failed: %v", err)
	}
	p.Hub.Publish(Event{RunID: run.ID, TaskID: music.ID, TaskKind: "music", Kind: EventTaskCreated, Status: music.Status})
	if err := p.Queue.EnqueueMusicTask(run.ID, music.ID, music.Attempts); err != nil {
		log.Printf("enqueue music task %s failed: %v", music.ID, err)
	}

	p.recomputeRunPhase(run.ID)
	return nil
}

func (p *Processor) HandleImageTask(ctx context.Context, t *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	task, err := models.GetImageTaskByID(p.DB, payload.TaskID)
	if err != nil {
		return fmt.Errorf("image task not found: %v", err)
	}
	if task.Status != models.ImageTaskStatusQueued {
		log.Printf("image task %s is %s, skipping dispatch", task.ID, task.Status)
		return nil
	}
	run, err := models.GetRunByID(p.DB, payload.RunID)
	if err != nil {
		return fmt.Errorf("run not found: %v", err)
	}
	if models.IsTerminalRunStatus(run.Status) {
		return nil
	}
	prompt, err := models.GetPromptByID(p.DB, task.PromptId)
	if err != nil {
		return fmt.Errorf("prompt not found: %v", err)
	}

	handle := p.Registry.Acquire(run.ID, run.Config.Concurrency)
	runCtx, stop := joinContext(ctx, handle.Context())
	defer stop()

	imageCfg := config.AppConfig.AI.Image
	stage := &ImageStage{DB: p.DB, Store: p.Store, Hub: p.Hub, BaseURL: imageCfg.BaseURL, APIKey: imageCfg.APIKey}
	if err := stage.RunTask(runCtx, run, task, prompt, handle.ImageSem); err != nil {
		return err
	}

	// chain: a succeeded image feeds exactly one animation job
	if task.Status == models.ImageTaskStatusSucceeded {
		videoTask, err := models.CreateVideoTask(p.DB, task)
		if err != nil {
			return fmt.Errorf("create video task failed: %v", err)
		}
		p.Hub.Publish(Event{RunID: run.ID, TaskID: videoTask.ID, TaskKind: "video", Kind: EventTaskCreated, Status: videoTask.Status})
		if err := p.Queue.EnqueueVideoTask(run.ID, videoTask.ID, videoTask.Attempts); err != nil {
			log.Printf("enqueue video task %s failed: %v", videoTask.ID, err)
		}
	}

	p.recomputeRunPhase(run.ID)
	return nil
}

func (p *Processor) HandleVideoTask(ctx context.Context, t *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	task, err := models.GetVideoTaskByID(p.DB, payload.TaskID)
	if err != nil {
		return fmt.Errorf("video task not found: %v", err)
	}
	if task.Status != models.JobTaskStatusQueued {
		log.Printf("video task %s is %s, skipping dispatch", task.ID, task.Status)
		return nil
	}
	run, err := models.GetRunByID(p.DB, payload.RunID)
	if err != nil {
		return fmt.Errorf("run not found: %v", err)
	}
	if models.IsTerminalRunStatus(run.Status) {
		return nil
	}
	source, err := models.GetImageTaskByID(p.DB, task.ImageTaskId)
	if err != nil {
		return fmt.Errorf("source image task not found: %v", err)
	}
	prompt, err := models.GetPromptByID(p.DB, source.PromptId)
	if err != nil {
		return fmt.Errorf("prompt not found: %v", err)
	}

	handle := p.Registry.Acquire(run.ID, run.Config.Concurrency)
	runCtx, stop := joinContext(ctx, handle.Context())
	defer stop()

	videoCfg := config.AppConfig.AI.Video
	stage := &VideoStage{DB: p.DB, Store: p.Store, Hub: p.Hub, BaseURL: videoCfg.BaseURL, APIKey: videoCfg.APIKey}
	if err := stage.RunTask(runCtx, run, task, source, prompt); err != nil {
		return err
	}

	p.recomputeRunPhase(run.ID)
	return nil
}

func (p *Processor) HandleMusicTask(ctx context.Context, t *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	task, err := models.GetMusicTaskByID(p.DB, payload.TaskID)
	if err != nil {
		return fmt.Errorf("music task not found: %v", err)
	}
	if task.Status != models.JobTaskStatusQueued {
		log.Printf("music task %s is %s, skipping dispatch", task.ID, task.Status)
		return nil
	}
	run, err := models.GetRunByID(p.DB, payload.RunID)
	if err != nil {
		return fmt.Errorf("run not found: %v", err)
	}
	if models.IsTerminalRunStatus(run.Status) {
		return nil
	}

	handle := p.Registry.Acquire(run.ID, run.Config.Concurrency)
	runCtx, stop := joinContext(ctx, handle.Context())
	defer stop()

	musicCfg := config.AppConfig.AI.Music
	stage := &MusicStage{DB: p.DB, Store: p.Store, Hub: p.Hub, BaseURL: musicCfg.BaseURL, APIKey: musicCfg.APIKey}
	if err := stage.RunTask(runCtx, run, task); err != nil {
		return err
	}

	p.recomputeRunPhase(run.ID)
	return nil
}

// ============================================================================
// Run state machine helpers
// ============================================================================

// recomputeRunPhase settles the run once its task collections are terminal:
// images still pending keep the run in images_pending, outstanding videos or
// music hold it in rendering, otherwise it completes.
func (p *Processor) recomputeRunPhase(runID string) {
	run, err := models.GetRunByID(p.DB, runID)
	if err != nil {
		log.Printf("recompute run %s: %v", runID, err)
		return
	}
	if models.IsTerminalRunStatus(run.Status) {
		return
	}

	imageTasks, err := models.GetImageTasksByRunID(p.DB, runID)
	if err != nil {
		log.Printf("recompute run %s: %v", runID, err)
		return
	}
	for _, t := range imageTasks {
		if !models.IsTerminalTaskStatus(t.Status) {
			return // still generating images
		}
	}

	videoTasks, err := models.GetVideoTasksByRunID(p.DB, runID)
	if err != nil {
		log.Printf("recompute run %s: %v", runID, err)
		return
	}
	music, err := models.GetMusicTaskByRunID(p.DB, runID)
	if err != nil {
		log.Printf("recompute run %s: %v", runID, err)
		return
	}

	rendering := false
	for _, t := range videoTasks {
		if !models.IsTerminalTaskStatus(t.Status) {
			rendering = true
			break
		}
	}
	if music != nil && !models.IsTerminalTaskStatus(music.Status) {
		rendering = true
	}

	if rendering {
		if run.Status != models.RunStatusRendering {
			p.setRunStatus(run, models.RunStatusRendering)
		}
		return
	}

	if err := run.UpdateStatus(p.DB, models.RunStatusCompleted, ""); err != nil {
		return // another worker settled it first
	}
	p.Hub.Publish(Event{RunID: runID, Kind: EventRunCompleted, Status: models.RunStatusCompleted})
	p.Registry.Remove(runID)
	log.Printf("run %s completed", runID)
}

func (p *Processor) setRunStatus(run *models.PipelineRun, status string) {
	if err := run.UpdateStatus(p.DB, status, ""); err != nil {
		if !errors.Is(err, models.ErrRunFinalized) {
			log.Printf("run %s status -> %s: %v", run.ID, status, err)
		}
		return
	}
	p.Hub.Publish(Event{RunID: run.ID, Kind: EventRunTransition, Status: status})
}

func (p *Processor) failRun(run *models.PipelineRun, cause error) {
	if err := run.UpdateStatus(p.DB, models.RunStatusFailed, cause.Error()); err != nil {
		log.Printf("fail run %s: %v", run.ID, err)
		return
	}
	p.Hub.Publish(Event{RunID: run.ID, Kind: EventRunTransition, Status: models.RunStatusFailed, Message: cause.Error()})
	p.Registry.Remove(run.ID)
}

// reopenRun pulls a settled run back into an active phase after an explicit
// item retry. Failed runs stay failed: they need reconfiguration, not retry.
func (p *Processor) reopenRun(run *models.PipelineRun, status string) {
	if run.Status == models.RunStatusFailed {
		return
	}
	if !models.IsTerminalRunStatus(run.Status) {
		return
	}
	if err := run.Reopen(p.DB, status); err != nil {
		log.Printf("reopen run %s: %v", run.ID, err)
		return
	}
	p.Hub.Publish(Event{RunID: run.ID, Kind: EventRunTransition, Status: status})
}

// joinContext derives a context that ends when either the queue context or
// the run's cancellation context ends.
func joinContext(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
