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

	"PoemToMedia-server/models"
)

func musicTestServer(t *testing.T, jobID string, statuses []string, audioURL string, submitted *musicSubmitRequest) *httptest.Server {
	t.Helper()
	var fetches int32
	mux := http.NewServeMux()
	mux.HandleFunc("/suno/submit/music", func(w http.ResponseWriter, r *http.Request) {
		if submitted != nil {
			if err := json.NewDecoder(r.Body).Decode(submitted); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"code": "success", "data": jobID})
	})
	mux.HandleFunc("/suno/fetch/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, jobID) {
			http.Error(w, "unknown task", http.StatusNotFound)
			return
		}
		i := int(atomic.AddInt32(&fetches, 1)) - 1
		if i >= len(statuses) {
			i = len(statuses) - 1
		}
		data := map[string]interface{}{
			"task_id": jobID,
			"status":  statuses[i],
		}
		switch statuses[i] {
		case "SUCCESS":
			data["data"] = []map[string]interface{}{
				{"id": "clip-1", "audio_url": audioURL, "title": "夜思", "duration": 95.2},
			}
		case "FAILURE":
			data["fail_type"] = "content_policy"
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
	})
	return httptest.NewServer(mux)
}

func TestMusicStageSubmitPollSucceed(t *testing.T) {
	db := openTestDB(t)
	run := newTestRun(t, db, models.GenerationConfig{MusicModel: "chirp-v4"})

	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("mp3-bytes"))
	}))
	defer files.Close()

	var submitted musicSubmitRequest
	srv := musicTestServer(t, "m-1", []string{"SUBMITTED", "IN_PROGRESS", "SUCCESS"}, files.URL+"/song.mp3", &submitted)
	defer srv.Close()

	task, err := models.CreateMusicTask(db, run.ID, models.StyleSummary{
		Title:        "春晓",
		Tags:         "guzheng, ambient, traditional chinese",
		NegativeTags: "rock, electronic",
		LyricsCN:     "春眠不觉晓",
		LyricsEN:     "Spring slumber, unaware of dawn",
	})
	if err != nil {
		t.Fatalf("create music task: %v", err)
	}

	stage := &MusicStage{DB: db, Store: newFakeStore(), Hub: NewEventHub(), BaseURL: srv.URL}
	if err := stage.RunTask(context.Background(), run, task); err != nil {
		t.Fatalf("RunTask: %v", err)
	}

	got, err := models.GetMusicTaskByRunID(db, run.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != models.JobTaskStatusSucceeded {
		t.Fatalf("status = %s (%s), want succeeded", got.Status, got.Error)
	}
	if got.JobId != "m-1" {
		t.Fatalf("job id = %q, want m-1", got.JobId)
	}
	wantKey := fmt.Sprintf("runs/%s/music/%s.mp3", run.ID, task.ID)
	if got.Artifact.ObjectKey != wantKey {
		t.Fatalf("object key %q, want %q", got.Artifact.ObjectKey, wantKey)
	}

	// both lyric languages travel in one prompt
	if !strings.Contains(submitted.Prompt, "春眠不觉晓") ||
		!strings.Contains(submitted.Prompt, "--- English Version ---") ||
		!strings.Contains(submitted.Prompt, "Spring slumber") {
		t.Fatalf("submitted prompt missing lyrics: %q", submitted.Prompt)
	}
	if submitted.Tags != "guzheng, ambient, traditional chinese" || submitted.MV != "chirp-v4" {
		t.Fatalf("submitted request wrong: %+v", submitted)
	}
}

func TestMusicStageUpstreamFailure(t *testing.T) {
	db := openTestDB(t)
	run := newTestRun(t, db, models.GenerationConfig{MusicModel: "chirp-v4"})

	srv := musicTestServer(t, "m-2", []string{"QUEUED", "FAILURE"}, "", nil)
	defer srv.Close()

	task, err := models.CreateMusicTask(db, run.ID, models.StyleSummary{Tags: "ambient", LyricsCN: "词"})
	if err != nil {
		t.Fatalf("create music task: %v", err)
	}
	stage := &MusicStage{DB: db, Store: newFakeStore(), Hub: NewEventHub(), BaseURL: srv.URL}
	if err := stage.RunTask(context.Background(), run, task); err != nil {
		t.Fatalf("RunTask: %v", err)
	}

	got, err := models.GetMusicTaskByRunID(db, run.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != models.JobTaskStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.Error, "content_policy") {
		t.Fatalf("error %q missing fail type", got.Error)
	}
}

func TestNormalizeMusicStatus(t *testing.T) {
	cases := []struct {
		in       string
		want     string
		terminal bool
	}{
		{"SUCCESS", models.JobTaskStatusSucceeded, true},
		{"success", models.JobTaskStatusSucceeded, true},
		{"FAILURE", models.JobTaskStatusFailed, true},
		{"NOT_START", models.JobTaskStatusPolling, false},
		{"SUBMITTED", models.JobTaskStatusPolling, false},
		{"QUEUED", models.JobTaskStatusPolling, false},
		{"IN_PROGRESS", models.JobTaskStatusPolling, false},
	}
	for _, tc := range cases {
		got, terminal := normalizeMusicStatus(tc.in)
		if got != tc.want || terminal != tc.terminal {
			t.Fatalf("normalizeMusicStatus(%q) = (%s, %v), want (%s, %v)",
				tc.in, got, terminal, tc.want, tc.terminal)
		}
	}
}
