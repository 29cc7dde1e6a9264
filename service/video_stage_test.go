package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"PoemToMedia-server/models"
)

// videoTestServer serves the submit endpoint and replays the given status
// sequence from the query endpoint, holding the last entry forever.
func videoTestServer(t *testing.T, jobID string, statuses []string, videoURL string) *httptest.Server {
	t.Helper()
	var queries int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/video/create", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"id": jobID})
	})
	mux.HandleFunc("/v1/video/query", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("id"); got != jobID {
			http.Error(w, "unknown job "+got, http.StatusNotFound)
			return
		}
		i := int(atomic.AddInt32(&queries, 1)) - 1
		if i >= len(statuses) {
			i = len(statuses) - 1
		}
		reply := map[string]string{"id": jobID, "status": statuses[i]}
		if normalized, terminal := normalizeVideoStatus(statuses[i]); terminal {
			if normalized == models.JobTaskStatusSucceeded {
				reply["video_url"] = videoURL
			} else {
				reply["error"] = "render node crashed"
			}
		}
		json.NewEncoder(w).Encode(reply)
	})
	mux.HandleFunc("/v1/video/cancel", func(w http.ResponseWriter, r *http.Request) {})
	return httptest.NewServer(mux)
}

func seedVideoWork(t *testing.T, stage *VideoStage, run *models.PipelineRun) (*models.VideoTask, *models.ImageTask, *models.Prompt) {
	t.Helper()
	tasks, prompts := seedImageWork(t, &ImageStage{DB: stage.DB}, run.ID, 1)
	source := &tasks[0]
	if err := source.UpdateStatus(stage.DB, models.ImageTaskStatusRunning, ""); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if err := source.SetArtifact(stage.DB, models.Artifact{
		Kind:      models.ArtifactKindImage,
		ObjectKey: "runs/" + run.ID + "/images/" + source.ID + ".png",
		URL:       "http://store.local/" + source.ID + ".png",
	}); err != nil {
		t.Fatalf("set artifact: %v", err)
	}
	task, err := models.CreateVideoTask(stage.DB, source)
	if err != nil {
		t.Fatalf("create video task: %v", err)
	}
	return task, source, &prompts[0]
}

func TestVideoStageSubmitPollSucceed(t *testing.T) {
	db := openTestDB(t)
	run := newTestRun(t, db, models.GenerationConfig{VideoModel: "veo", AspectRatio: "16:9"})

	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("mp4-bytes"))
	}))
	defer files.Close()

	srv := videoTestServer(t, "job-7",
		[]string{"pending", "video_generating", "completed"}, files.URL+"/out.mp4")
	defer srv.Close()

	store := newFakeStore()
	stage := &VideoStage{DB: db, Store: store, Hub: NewEventHub(), BaseURL: srv.URL}
	task, source, prompt := seedVideoWork(t, stage, run)

	if err := stage.RunTask(context.Background(), run, task, source, prompt); err != nil {
		t.Fatalf("RunTask: %v", err)
	}

	got, err := models.GetVideoTaskByID(db, task.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != models.JobTaskStatusSucceeded {
		t.Fatalf("status = %s (%s), want succeeded", got.Status, got.Error)
	}
	if got.JobId != "job-7" {
		t.Fatalf("job id = %q, want job-7", got.JobId)
	}
	wantKey := fmt.Sprintf("runs/%s/videos/%s.mp4", run.ID, task.ID)
	if got.Artifact.ObjectKey != wantKey {
		t.Fatalf("object key %q, want %q", got.Artifact.ObjectKey, wantKey)
	}
	if keys := store.keys(); len(keys) != 1 {
		t.Fatalf("store has %d objects, want exactly 1: %v", len(keys), keys)
	}
	if got.SubmittedAt.IsZero() || got.FinishedAt.IsZero() {
		t.Fatalf("timestamps not recorded: %+v", got)
	}
}

func TestVideoStageUpstreamFailure(t *testing.T) {
	db := openTestDB(t)
	run := newTestRun(t, db, models.GenerationConfig{VideoModel: "veo"})

	srv := videoTestServer(t, "job-8", []string{"pending", "video_generation_failed"}, "")
	defer srv.Close()

	stage := &VideoStage{DB: db, Store: newFakeStore(), Hub: NewEventHub(), BaseURL: srv.URL}
	task, source, prompt := seedVideoWork(t, stage, run)

	if err := stage.RunTask(context.Background(), run, task, source, prompt); err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	got, err := models.GetVideoTaskByID(db, task.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != models.JobTaskStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.Error, "upstream job failed") {
		t.Fatalf("error %q missing upstream marker", got.Error)
	}
	if !got.Artifact.IsZero() {
		t.Fatalf("failed task has an artifact: %+v", got.Artifact)
	}
}

func TestVideoStagePollsBeforeFirstTick(t *testing.T) {
	db := openTestDB(t)
	cfg := models.GenerationConfig{VideoModel: "veo"}
	cfg.PollIntervalMs = 60_000
	run := newTestRun(t, db, cfg)

	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("mp4-bytes"))
	}))
	defer files.Close()

	srv := videoTestServer(t, "job-10", []string{"completed"}, files.URL+"/out.mp4")
	defer srv.Close()

	stage := &VideoStage{DB: db, Store: newFakeStore(), Hub: NewEventHub(), BaseURL: srv.URL}
	task, source, prompt := seedVideoWork(t, stage, run)

	start := time.Now()
	if err := stage.RunTask(context.Background(), run, task, source, prompt); err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("already-terminal job took %v, waited out the poll interval", elapsed)
	}
	got, err := models.GetVideoTaskByID(db, task.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != models.JobTaskStatusSucceeded {
		t.Fatalf("status = %s, want succeeded", got.Status)
	}
}

func TestVideoStageCancelledMidPoll(t *testing.T) {
	db := openTestDB(t)
	run := newTestRun(t, db, models.GenerationConfig{VideoModel: "veo"})

	srv := videoTestServer(t, "job-9", []string{"pending"}, "")
	defer srv.Close()

	stage := &VideoStage{DB: db, Store: newFakeStore(), Hub: NewEventHub(), BaseURL: srv.URL}
	task, source, prompt := seedVideoWork(t, stage, run)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- stage.RunTask(ctx, run, task, source, prompt)
	}()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("RunTask: %v", err)
	}

	got, err := models.GetVideoTaskByID(db, task.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != models.JobTaskStatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
}

func TestNormalizeVideoStatus(t *testing.T) {
	cases := []struct {
		in       string
		want     string
		terminal bool
	}{
		{"completed", models.JobTaskStatusSucceeded, true},
		{"VIDEO_GENERATION_COMPLETED", models.JobTaskStatusSucceeded, true},
		{"video-upsampling-completed", models.JobTaskStatusSucceeded, true},
		{"failed", models.JobTaskStatusFailed, true},
		{"video_generation_failed", models.JobTaskStatusFailed, true},
		{"cancelled", models.JobTaskStatusCancelled, true},
		{"canceled", models.JobTaskStatusCancelled, true},
		{"pending", models.JobTaskStatusPolling, false},
		{"video_generating", models.JobTaskStatusPolling, false},
		{"some_future_state", models.JobTaskStatusPolling, false},
	}
	for _, tc := range cases {
		got, terminal := normalizeVideoStatus(tc.in)
		if got != tc.want || terminal != tc.terminal {
			t.Fatalf("normalizeVideoStatus(%q) = (%s, %v), want (%s, %v)",
				tc.in, got, terminal, tc.want, tc.terminal)
		}
	}
}
