package config

import (
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v2"
)

type ServiceConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	MySQL struct {
		DSN string `yaml:"dsn"`
	} `yaml:"mysql"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	} `yaml:"redis"`
	MinIO struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
	} `yaml:"minio"`
	AI struct {
		Text  ServiceConfig `yaml:"text"`
		Image ServiceConfig `yaml:"image"`
		Video ServiceConfig `yaml:"video"`
		Music ServiceConfig `yaml:"music"`
	} `yaml:"ai"`
	Generation struct {
		PromptCount    int     `yaml:"prompt_count"`
		Temperature    float64 `yaml:"temperature"`
		MaxRetries     int     `yaml:"max_retries"`
		Concurrency    int     `yaml:"concurrency"`
		PollIntervalMs int     `yaml:"poll_interval_ms"`
		TimeoutSec     int     `yaml:"timeout_sec"`
		AspectRatio    string  `yaml:"aspect_ratio"`
		VideoSize      string  `yaml:"video_size"`
		MusicTags      string  `yaml:"music_tags"`
	} `yaml:"generation"`
	Worker struct {
		Concurrency int `yaml:"concurrency"`
	} `yaml:"worker"`
}

var AppConfig *Config

func InitConfig() {
	f, err := os.Open("config/config.yaml")
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	defer f.Close()
	decoder := yaml.NewDecoder(f)
	AppConfig = &Config{}
	if err := decoder.Decode(AppConfig); err != nil {
		log.Fatalf("failed to parse config file: %v", err)
	}
	AppConfig.ApplyDefaults()
}

func (c *Config) ApplyDefaults() {
	g := &c.Generation
	if g.PromptCount <= 0 {
		g.PromptCount = 3
	}
	if g.Temperature <= 0 {
		g.Temperature = 0.7
	}
	if g.MaxRetries <= 0 {
		g.MaxRetries = 5
	}
	if g.Concurrency <= 0 {
		g.Concurrency = 3
	}
	if g.PollIntervalMs <= 0 {
		g.PollIntervalMs = 5000
	}
	if g.TimeoutSec <= 0 {
		g.TimeoutSec = 120
	}
	if g.AspectRatio == "" {
		g.AspectRatio = "3:2"
	}
	if g.VideoSize == "" {
		g.VideoSize = "720P"
	}
	if g.MusicTags == "" {
		g.MusicTags = "chinese traditional,emotional"
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 10
	}
}

// Validate reports missing credentials or model choices. A run submitted
// against an invalid configuration fails as a whole rather than producing
// per-item errors, so this runs before any task is dispatched.
func (c *Config) Validate() error {
	services := map[string]ServiceConfig{
		"text":  c.AI.Text,
		"image": c.AI.Image,
		"video": c.AI.Video,
		"music": c.AI.Music,
	}
	for name, svc := range services {
		if svc.BaseURL == "" {
			return fmt.Errorf("ai.%s.base_url is not configured", name)
		}
		if svc.APIKey == "" {
			return fmt.Errorf("ai.%s.api_key is not configured", name)
		}
		if svc.Model == "" {
			return fmt.Errorf("ai.%s.model is not configured", name)
		}
	}
	return nil
}
