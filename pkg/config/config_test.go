package config

import (
	"os"
	"path/filepath"
	"testing"

	"stacknorm/pkg/scoring"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Scoring.Sigma != 1.0 {
		t.Errorf("Expected default sigma 1.0, got %f", cfg.Scoring.Sigma)
	}
	if cfg.Scoring.BackgroundPercentile != 20 {
		t.Errorf("Expected default background percentile 20, got %f", cfg.Scoring.BackgroundPercentile)
	}
	if cfg.Scoring.Policy != string(scoring.PolicyRobust) {
		t.Errorf("Expected default policy %q, got %q", scoring.PolicyRobust, cfg.Scoring.Policy)
	}
	if cfg.Normalize.ThumbnailSize != 180 {
		t.Errorf("Expected default thumbnail size 180, got %d", cfg.Normalize.ThumbnailSize)
	}
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Scoring.Sigma != DefaultConfig().Scoring.Sigma {
		t.Error("Expected defaults for a missing file")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "stacknorm.yaml")

	cfg := DefaultConfig()
	cfg.Scoring.Sigma = 2.5
	cfg.Scoring.Policy = string(scoring.PolicyMeanStd)
	cfg.Normalize.ThumbnailSize = 240
	cfg.Output.Verbose = false

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if loaded.Scoring.Sigma != 2.5 {
		t.Errorf("Expected sigma 2.5, got %f", loaded.Scoring.Sigma)
	}
	if loaded.Scoring.Policy != string(scoring.PolicyMeanStd) {
		t.Errorf("Expected policy meanstd, got %q", loaded.Scoring.Policy)
	}
	if loaded.Normalize.ThumbnailSize != 240 {
		t.Errorf("Expected thumbnail size 240, got %d", loaded.Normalize.ThumbnailSize)
	}
	if loaded.Output.Verbose {
		t.Error("Expected verbose false to survive the round trip")
	}
}

func TestLoadConfigRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("scoring: ["), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected error for malformed YAML")
	}
}

func TestPipelineParams(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scoring.Sigma = 1.5
	cfg.Scoring.Policy = string(scoring.PolicyMeanStd)
	cfg.Normalize.ThumbnailSize = 90

	p := cfg.PipelineParams()
	if p.Scoring.Sigma != 1.5 {
		t.Errorf("Expected sigma 1.5, got %f", p.Scoring.Sigma)
	}
	if p.Scoring.Policy != scoring.PolicyMeanStd {
		t.Errorf("Expected policy meanstd, got %q", p.Scoring.Policy)
	}
	if p.Normalize.ThumbnailSize != 90 {
		t.Errorf("Expected thumbnail size 90, got %d", p.Normalize.ThumbnailSize)
	}
}
