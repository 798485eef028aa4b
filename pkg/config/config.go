// Package config provides configuration loading and management for stacknorm.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"stacknorm/pkg/normalize"
	"stacknorm/pkg/pipeline"
	"stacknorm/pkg/scoring"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Reference selection parameters
	Scoring struct {
		// Sigma is the Gaussian denoising width applied before scoring
		Sigma float64 `yaml:"sigma"`

		// BackgroundPercentile is the low percentile treated as background
		BackgroundPercentile float64 `yaml:"backgroundPercentile"`

		// StructureWeight scales the skeleton density term of the score
		StructureWeight float64 `yaml:"structureWeight"`

		// Policy selects the scoring strategy, "robust" or "meanstd"
		Policy string `yaml:"policy"`
	} `yaml:"scoring"`

	// Normalization parameters
	Normalize struct {
		// ThumbnailSize bounds the preview thumbnails in pixels
		ThumbnailSize int `yaml:"thumbnailSize"`
	} `yaml:"normalize"`

	// Fallback physical parameters used when vendor metadata cannot be
	// parsed; zero keeps the unit-scale degraded mode
	Fallback struct {
		// VoxelXY is the lateral voxel size in micrometers
		VoxelXY float64 `yaml:"voxelXY"`

		// VoxelZ is the z step in micrometers
		VoxelZ float64 `yaml:"voxelZ"`
	} `yaml:"fallback"`

	// Output parameters
	Output struct {
		// Verbose controls the level of console output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	sp := scoring.DefaultParams()
	cfg.Scoring.Sigma = sp.Sigma
	cfg.Scoring.BackgroundPercentile = sp.BackgroundPercentile
	cfg.Scoring.StructureWeight = sp.StructureWeight
	cfg.Scoring.Policy = string(sp.Policy)

	cfg.Normalize.ThumbnailSize = normalize.DefaultParams().ThumbnailSize

	// Typical confocal acquisition scales, used only when metadata fails
	cfg.Fallback.VoxelXY = 0.3107
	cfg.Fallback.VoxelZ = 2.0

	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// PipelineParams converts the configuration into pipeline parameters.
func (c *Config) PipelineParams() pipeline.Params {
	p := pipeline.DefaultParams()
	p.Scoring.Sigma = c.Scoring.Sigma
	p.Scoring.BackgroundPercentile = c.Scoring.BackgroundPercentile
	p.Scoring.StructureWeight = c.Scoring.StructureWeight
	if c.Scoring.Policy != "" {
		p.Scoring.Policy = scoring.Policy(c.Scoring.Policy)
	}
	if c.Normalize.ThumbnailSize > 0 {
		p.Normalize.ThumbnailSize = c.Normalize.ThumbnailSize
	}
	p.FallbackVoxelXY = c.Fallback.VoxelXY
	p.FallbackVoxelZ = c.Fallback.VoxelZ
	return p
}
