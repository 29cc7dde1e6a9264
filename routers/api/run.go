package api

import (
	"errors"
	"log"
	"net/http"
	"time"

	"PoemToMedia-server/config"
	"PoemToMedia-server/models"
	"PoemToMedia-server/service"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

var (
	db        *gorm.DB
	processor *service.Processor
	hub       *service.EventHub
)

// Init wires the handler package to its dependencies. Called once from main.
func Init(database *gorm.DB, p *service.Processor, h *service.EventHub) {
	db = database
	processor = p
	hub = h
}

// 提交诗词，创建一次生成运行
func CreateRun(c *gin.Context) {
	var req struct {
		Title       string   `json:"title"`
		Author      string   `json:"author"`
		PoemText    string   `json:"poem_text"`
		Style       string   `json:"style"`
		PromptCount int      `json:"prompt_count"`
		Concurrency int      `json:"concurrency"`
		MusicTags   string   `json:"music_tags"`
		Temperature *float64 `json:"temperature"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.PoemText == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "poem_text is required"})
		return
	}

	cfg := defaultGenerationConfig()
	if req.Style != "" {
		cfg.Style = req.Style
	}
	if req.PromptCount > 0 {
		cfg.PromptCount = req.PromptCount
	}
	if req.Concurrency > 0 {
		cfg.Concurrency = req.Concurrency
	}
	if req.MusicTags != "" {
		cfg.MusicTags = req.MusicTags
	}
	if req.Temperature != nil {
		cfg.Temperature = *req.Temperature
	}

	run, err := processor.SubmitRun(req.Title, req.Author, req.PoemText, cfg)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "创建运行失败: " + err.Error()})
		return
	}

	lines, err := models.GetLinesByRunID(db, run.ID)
	if err != nil {
		log.Printf("load lines for run %s: %v", run.ID, err)
	}
	c.JSON(http.StatusOK, gin.H{
		"run":   run,
		"lines": lines,
	})
}

// 运行列表，按创建时间倒序
func ListRuns(c *gin.Context) {
	var runs []models.PipelineRun
	if err := db.Order("created_at DESC").Limit(100).Find(&runs).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询运行列表失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// 运行详情：行、提示词与全部任务的当前快照
func GetRun(c *gin.Context) {
	runID := c.Param("run_id")
	run, err := models.GetRunByID(db, runID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "运行未找到: " + err.Error()})
		return
	}
	lines, err := models.GetLinesByRunID(db, runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	prompts, err := models.GetPromptsByRunID(db, runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	imageTasks, videoTasks, music, err := loadTasks(runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"run":         run,
		"lines":       lines,
		"prompts":     prompts,
		"image_tasks": imageTasks,
		"video_tasks": videoTasks,
		"music_task":  music,
	})
}

// 任务快照（不含行和提示词）
func GetRunTasks(c *gin.Context) {
	runID := c.Param("run_id")
	if _, err := models.GetRunByID(db, runID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "运行未找到: " + err.Error()})
		return
	}
	imageTasks, videoTasks, music, err := loadTasks(runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"image_tasks": imageTasks,
		"video_tasks": videoTasks,
		"music_task":  music,
	})
}

// 取消运行：未终态的任务全部取消，已生成的产物保留
func CancelRun(c *gin.Context) {
	runID := c.Param("run_id")
	run, err := processor.CancelRun(runID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "运行未找到"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "取消失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

// 重试单个失败或已取消的任务
func RetryRunItem(c *gin.Context) {
	runID := c.Param("run_id")
	itemID := c.Param("task_id")
	if err := processor.RetryItem(runID, itemID); err != nil {
		if errors.Is(err, models.ErrTaskFinalized) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "重试失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"retried": itemID, "retryAt": time.Now()})
}

// 删除运行及其全部行、提示词与任务记录
func DeleteRun(c *gin.Context) {
	runID := c.Param("run_id")
	run, err := models.GetRunByID(db, runID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "运行未找到: " + err.Error()})
		return
	}
	if !models.IsTerminalRunStatus(run.Status) {
		if _, err := processor.CancelRun(runID); err != nil {
			log.Printf("cancel before delete for run %s: %v", runID, err)
		}
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id = ?", runID).Delete(&models.ImageTask{}).Error; err != nil {
			return err
		}
		if err := tx.Where("run_id = ?", runID).Delete(&models.VideoTask{}).Error; err != nil {
			return err
		}
		if err := tx.Where("run_id = ?", runID).Delete(&models.MusicTask{}).Error; err != nil {
			return err
		}
		if err := tx.Where("run_id = ?", runID).Delete(&models.Prompt{}).Error; err != nil {
			return err
		}
		if err := tx.Where("run_id = ?", runID).Delete(&models.Line{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.PipelineRun{}, "id = ?", runID).Error
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "删除运行失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "deleteAt": time.Now()})
}

func loadTasks(runID string) ([]models.ImageTask, []models.VideoTask, *models.MusicTask, error) {
	imageTasks, err := models.GetImageTasksByRunID(db, runID)
	if err != nil {
		return nil, nil, nil, err
	}
	videoTasks, err := models.GetVideoTasksByRunID(db, runID)
	if err != nil {
		return nil, nil, nil, err
	}
	music, err := models.GetMusicTaskByRunID(db, runID)
	if err != nil {
		return nil, nil, nil, err
	}
	return imageTasks, videoTasks, music, nil
}

func defaultGenerationConfig() models.GenerationConfig {
	cfg := config.AppConfig
	return models.GenerationConfig{
		TextModel:      cfg.AI.Text.Model,
		ImageModel:     cfg.AI.Image.Model,
		VideoModel:     cfg.AI.Video.Model,
		MusicModel:     cfg.AI.Music.Model,
		PromptCount:    cfg.Generation.PromptCount,
		Temperature:    cfg.Generation.Temperature,
		MaxRetries:     cfg.Generation.MaxRetries,
		Concurrency:    cfg.Generation.Concurrency,
		PollIntervalMs: cfg.Generation.PollIntervalMs,
		TimeoutSec:     cfg.Generation.TimeoutSec,
		AspectRatio:    cfg.Generation.AspectRatio,
		VideoSize:      cfg.Generation.VideoSize,
		MusicTags:      cfg.Generation.MusicTags,
	}
}
