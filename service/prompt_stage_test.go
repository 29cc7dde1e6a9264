package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"PoemToMedia-server/models"

	"github.com/google/uuid"
)

func chatReply(t *testing.T, w http.ResponseWriter, content string) {
	t.Helper()
	resp := map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"content": content}},
		},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		t.Errorf("encode chat reply: %v", err)
	}
}

func linePromptsJSON(count int) string {
	pairs := make([]string, 0, count)
	for i := 0; i < count; i++ {
		pairs = append(pairs, fmt.Sprintf(
			`{"image":"ink painting scene %d","video":"slow pan across scene %d"}`, i+1, i+1))
	}
	return `{"descriptions":[` + strings.Join(pairs, ",") + `]}`
}

func TestGeneratePromptsPerLineIsolation(t *testing.T) {
	db := openTestDB(t)
	run := newTestRun(t, db, models.GenerationConfig{PromptCount: 2, TextModel: "test-model"})

	lines := []models.Line{
		{ID: uuid.NewString(), RunId: run.ID, Index: 1, Text: "春眠不觉晓"},
		{ID: uuid.NewString(), RunId: run.ID, Index: 2, Text: "处处闻啼鸟"},
	}
	if err := models.BatchCreateLines(db, lines); err != nil {
		t.Fatalf("create lines: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		user := req.Messages[len(req.Messages)-1].Content
		if strings.Contains(user, "处处闻啼鸟") {
			http.Error(w, "model overloaded", http.StatusServiceUnavailable)
			return
		}
		chatReply(t, w, linePromptsJSON(2))
	}))
	defer srv.Close()

	transport := NewTransport(5*time.Second, 1)
	transport.BaseDelay = time.Millisecond
	stage := &PromptStage{
		DB:  db,
		LLM: &LLMClient{BaseURL: srv.URL, Transport: transport},
		Hub: NewEventHub(),
	}

	if err := stage.GeneratePrompts(context.Background(), run, lines); err != nil {
		t.Fatalf("generate prompts: %v", err)
	}

	prompts, err := models.GetPromptsByRunID(db, run.ID)
	if err != nil {
		t.Fatalf("load prompts: %v", err)
	}
	if len(prompts) != 4 {
		t.Fatalf("got %d prompts, want 4 (2 lines x 2)", len(prompts))
	}
	for _, p := range prompts {
		switch p.LineIndex {
		case 1:
			if p.Status != models.PromptStatusGenerated {
				t.Fatalf("line 1 prompt %d is %s, want generated", p.Index, p.Status)
			}
			if p.ImagePrompt == "" || p.VideoPrompt == "" {
				t.Fatalf("line 1 prompt %d missing text: %+v", p.Index, p)
			}
		case 2:
			if p.Status != models.PromptStatusFailed {
				t.Fatalf("line 2 prompt %d is %s, want failed", p.Index, p.Status)
			}
			if p.Error == "" {
				t.Fatalf("line 2 prompt %d has no error recorded", p.Index)
			}
		default:
			t.Fatalf("unexpected line index %d", p.LineIndex)
		}
	}
}

func TestGeneratePromptsStorageFailureAborts(t *testing.T) {
	db := openTestDB(t)
	run := newTestRun(t, db, models.GenerationConfig{PromptCount: 1, TextModel: "test-model"})
	lines := []models.Line{
		{ID: uuid.NewString(), RunId: run.ID, Index: 1, Text: "春眠不觉晓"},
	}
	if err := models.BatchCreateLines(db, lines); err != nil {
		t.Fatalf("create lines: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chatReply(t, w, linePromptsJSON(1))
	}))
	defer srv.Close()

	// a dead database must abort the stage, not pass for failed lines
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap db: %v", err)
	}
	if err := sqlDB.Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}

	stage := &PromptStage{
		DB:  db,
		LLM: &LLMClient{BaseURL: srv.URL, Transport: NewTransport(5*time.Second, 0)},
		Hub: NewEventHub(),
	}
	if err := stage.GeneratePrompts(context.Background(), run, lines); err == nil {
		t.Fatal("expected a storage failure to surface")
	}
}

func TestParseLinePrompts(t *testing.T) {
	fenced := "```json\n" + linePromptsJSON(2) + "\n```"
	got, err := parseLinePrompts(fenced, 2)
	if err != nil {
		t.Fatalf("fenced response: %v", err)
	}
	if len(got) != 2 || got[0].Image == "" {
		t.Fatalf("parsed %+v", got)
	}

	// extra pairs are dropped
	got, err = parseLinePrompts(linePromptsJSON(5), 2)
	if err != nil {
		t.Fatalf("long response: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d pairs, want 2", len(got))
	}

	// short answers fail
	if _, err := parseLinePrompts(linePromptsJSON(1), 2); err == nil {
		t.Fatal("expected short response to fail")
	}

	// empty image prompt fails
	if _, err := parseLinePrompts(`{"descriptions":[{"image":"","video":"x"}]}`, 1); err == nil {
		t.Fatal("expected empty image prompt to fail")
	}

	// no JSON at all
	if _, err := parseLinePrompts("sorry, I cannot help with that", 1); err == nil {
		t.Fatal("expected missing JSON to fail")
	}
}

func TestExtractJSON(t *testing.T) {
	got, err := extractJSON(`here you go: {"a":1} hope that helps`)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if got != `{"a":1}` {
		t.Fatalf("got %q", got)
	}
	if _, err := extractJSON("no braces here"); err == nil {
		t.Fatal("expected error for missing object")
	}
}
