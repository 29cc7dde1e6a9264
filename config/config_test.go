package config

import (
	"strings"
	"testing"
)

func validConfig() *Config {
	c := &Config{}
	for _, svc := range []*ServiceConfig{&c.AI.Text, &c.AI.Image, &c.AI.Video, &c.AI.Music} {
		svc.BaseURL = "https://api.example.com"
		svc.APIKey = "sk-test"
		svc.Model = "some-model"
	}
	c.ApplyDefaults()
	return c
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsMissingCredentials(t *testing.T) {
	c := validConfig()
	c.AI.Video.APIKey = ""
	err := c.Validate()
	if err == nil {
		t.Fatal("expected error for missing video api key")
	}
	if !strings.Contains(err.Error(), "ai.video.api_key") {
		t.Fatalf("error %q does not name the missing field", err)
	}

	c = validConfig()
	c.AI.Music.Model = ""
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for missing music model")
	}
}

func TestApplyDefaults(t *testing.T) {
	c := &Config{}
	c.ApplyDefaults()
	g := c.Generation
	if g.PromptCount <= 0 || g.Concurrency <= 0 || g.MaxRetries <= 0 ||
		g.PollIntervalMs <= 0 || g.TimeoutSec <= 0 {
		t.Fatalf("generation defaults not applied: %+v", g)
	}
	if c.Worker.Concurrency <= 0 {
		t.Fatalf("worker default not applied: %+v", c.Worker)
	}

	// explicit values survive
	c2 := &Config{}
	c2.Generation.PromptCount = 7
	c2.ApplyDefaults()
	if c2.Generation.PromptCount != 7 {
		t.Fatalf("explicit prompt count overridden: %d", c2.Generation.PromptCount)
	}
}
