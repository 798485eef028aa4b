package main

import (
	"flag"
	"fmt"
	"image"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"stacknorm/internal/models"
	"stacknorm/pkg/config"
	"stacknorm/pkg/formats"
	"stacknorm/pkg/pipeline"
)

func main() {
	// Parse command line arguments
	input := flag.String("input", "", "LSM/CZI file or directory of files to process")
	configPath := flag.String("config", "stacknorm.yaml", "Configuration file path")
	createConfig := flag.Bool("create-config", false, "Write the default configuration file and exit")
	verbose := flag.Bool("verbose", false, "Print per-slice progress")
	flag.Parse()

	if *createConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Default configuration written to: %s\n", *configPath)
		return
	}

	if *input == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	paths, err := collectInputs(*input)
	if err != nil {
		log.Fatalf("Failed to scan input: %v", err)
	}
	if len(paths) == 0 {
		log.Fatalf("No .lsm or .czi files found under: %s", *input)
	}

	fmt.Println("================================")
	fmt.Println("MULTI-CHANNEL Z-STACK NORMALIZATION")
	fmt.Println("Histogram matching against per-channel reference slices")
	fmt.Println("================================")
	fmt.Printf("Found %d file(s) to process\n\n", len(paths))

	sink := &consoleSink{verbose: cfg.Output.Verbose || *verbose}
	coordinator := pipeline.New(cfg.PipelineParams(), sink)

	startTime := time.Now()
	saved := coordinator.Run(paths)
	elapsed := time.Since(startTime)

	fmt.Printf("\nProcessed %d of %d file(s) in %.2f seconds\n", saved, len(paths), elapsed.Seconds())
	if saved < len(paths) {
		os.Exit(1)
	}
}

// collectInputs expands a file or directory path into the sorted list of
// accepted acquisition files.
func collectInputs(input string) ([]string, error) {
	info, err := os.Stat(input)
	if err != nil {
		return nil, err
	}

	if !info.IsDir() {
		if !formats.Accepted(input) {
			return nil, fmt.Errorf("unsupported file type: %s", input)
		}
		return []string{input}, nil
	}

	entries, err := os.ReadDir(input)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(input, entry.Name())
		if formats.Accepted(path) {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// consoleSink prints pipeline events to stdout.
type consoleSink struct {
	verbose bool
}

func (s *consoleSink) FileStarted(path string, channels, slices int) {
	fmt.Printf("Processing %s (%d channels x %d slices)\n", filepath.Base(path), channels, slices)
}

func (s *consoleSink) MetadataResolved(path string, params *models.ScalingParams) {
	fmt.Printf("  Voxel size: %.4f x %.4f x %.4f um, %.2f px/um, channel order %v\n",
		params.VoxelX, params.VoxelY, params.VoxelZ, params.Resolution, params.ChannelOrder)
}

func (s *consoleSink) MetadataDegraded(path string, err error) {
	log.Printf("Warning: metadata unreadable for %s, continuing with defaults: %v", filepath.Base(path), err)
}

func (s *consoleSink) Progress(path string, done, total int) {
	if !s.verbose {
		return
	}
	fmt.Printf("  Slices: %d/%d\r", done, total)
	if done == total {
		fmt.Println()
	}
}

func (s *consoleSink) ChannelPreview(string, int, image.Image) {}

func (s *consoleSink) ReferencePreview(path string, channel, refIndex int, img image.Image) {
	fmt.Printf("  Channel %d reference slice: %d\n", channel, refIndex)
}

func (s *consoleSink) FileSaved(path, outputPath string) {
	fmt.Printf("  Saved: %s\n", outputPath)
}

func (s *consoleSink) FileFailed(path string, err error) {
	log.Printf("Error: skipping %s: %v", filepath.Base(path), err)
}
