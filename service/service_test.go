package service

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"PoemToMedia-server/models"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestRun(t *testing.T, db *gorm.DB, cfg models.GenerationConfig) *models.PipelineRun {
	t.Helper()
	if cfg.TimeoutSec == 0 {
		cfg.TimeoutSec = 5
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 1
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 2
	}
	if cfg.PollIntervalMs == 0 {
		cfg.PollIntervalMs = 10
	}
	run := &models.PipelineRun{
		ID:       uuid.NewString(),
		Title:    "春晓",
		Author:   "孟浩然",
		PoemText: "春眠不觉晓，处处闻啼鸟。夜来风雨声，花落知多少。",
		Status:   models.RunStatusCreated,
		Config:   cfg,
	}
	if err := db.Create(run).Error; err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

// fakeStore is an in-memory ObjectStore for exercising the stages without a
// bucket.
type fakeStore struct {
	mu   sync.Mutex
	puts map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{puts: make(map[string][]byte)}
}

func (s *fakeStore) Put(ctx context.Context, objectName string, reader io.Reader, size int64) (models.Artifact, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return models.Artifact{}, err
	}
	s.mu.Lock()
	s.puts[objectName] = data
	s.mu.Unlock()
	return models.Artifact{
		Kind:      kindFor(objectName),
		ObjectKey: objectName,
		URL:       "http://store.local/" + objectName,
		Size:      int64(len(data)),
	}, nil
}

func (s *fakeStore) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.puts))
	for k := range s.puts {
		out = append(out, k)
	}
	return out
}
