// Package pipeline runs the per-file normalization workflow: one worker
// goroutine per channel, a single consumer loop collecting their events,
// and strict one-file-at-a-time sequencing.
package pipeline

import (
	"errors"
	"fmt"

	"stacknorm/internal/models"
	"stacknorm/pkg/formats"
	"stacknorm/pkg/normalize"
	"stacknorm/pkg/scoring"
)

// State is the coordinator's per-file lifecycle position.
type State int

const (
	StateIdle State = iota
	StateMetadataResolved
	StateChannelsRunning
	StateAssembling
	StateSaved
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMetadataResolved:
		return "metadata_resolved"
	case StateChannelsRunning:
		return "channels_running"
	case StateAssembling:
		return "assembling"
	case StateSaved:
		return "saved"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Params bundles the tunables of one coordinator.
type Params struct {
	Scoring   scoring.Params
	Normalize normalize.Params

	// FallbackVoxelXY and FallbackVoxelZ replace the unit-scale voxel
	// sizes of degraded mode when vendor metadata cannot be parsed.
	// Zero keeps unit scale.
	FallbackVoxelXY float64
	FallbackVoxelZ  float64
}

// DefaultParams returns the pipeline defaults.
func DefaultParams() Params {
	return Params{
		Scoring:   scoring.DefaultParams(),
		Normalize: normalize.DefaultParams(),
	}
}

// Coordinator drives files through the pipeline one at a time. It is not
// safe for concurrent use; all per-file concurrency lives below it.
type Coordinator struct {
	params Params
	sink   EventSink

	state State
}

// New creates a coordinator reporting to sink. A nil sink discards all
// events.
func New(params Params, sink EventSink) *Coordinator {
	if sink == nil {
		sink = NopSink{}
	}
	return &Coordinator{params: params, sink: sink, state: StateIdle}
}

// State returns the coordinator's current lifecycle position.
func (c *Coordinator) State() State { return c.state }

// Run processes every path in order. A failed file is reported through
// the sink and does not stop the run; Run returns the number of files
// saved.
func (c *Coordinator) Run(paths []string) int {
	saved := 0
	for _, path := range paths {
		if err := c.ProcessFile(path); err != nil {
			c.sink.FileFailed(path, err)
			continue
		}
		saved++
	}
	return saved
}

// ProcessFile reads one acquisition, normalizes every channel and writes
// the processed output next to the input.
func (c *Coordinator) ProcessFile(path string) error {
	c.state = StateIdle

	reader, err := formats.Open(path)
	if err != nil {
		c.state = StateFailed
		return err
	}
	defer reader.Close()

	vol, err := reader.Volume()
	if err != nil {
		c.state = StateFailed
		return err
	}

	scaling, err := reader.Scaling()
	if err != nil {
		// Metadata trouble is recoverable: fall back to unit scale and
		// identity order, keep the pixels.
		var metaErr *formats.MetadataError
		if !errors.As(err, &metaErr) {
			c.state = StateFailed
			return err
		}
		c.sink.MetadataDegraded(path, err)
		scaling = models.DefaultScalingParams(vol.Channels)
		if c.params.FallbackVoxelXY > 0 {
			scaling.VoxelX = c.params.FallbackVoxelXY
			scaling.VoxelY = c.params.FallbackVoxelXY
			scaling.Resolution = 1.0 / c.params.FallbackVoxelXY
		}
		if c.params.FallbackVoxelZ > 0 {
			scaling.VoxelZ = c.params.FallbackVoxelZ
		}
	}

	return c.ProcessVolume(path, vol, scaling)
}

// ProcessVolume runs the workflow on an already-loaded volume. The output
// path is derived from path.
func (c *Coordinator) ProcessVolume(path string, vol *models.Volume, scaling *models.ScalingParams) error {
	c.sink.FileStarted(path, vol.Channels, vol.Slices)
	c.sink.MetadataResolved(path, scaling)
	c.state = StateMetadataResolved

	// Output plane position per source channel, for preview tinting.
	colorPlane := make(map[int]int, len(scaling.ChannelOrder))
	for p, ch := range scaling.ChannelOrder {
		if _, dup := colorPlane[ch]; !dup {
			colorPlane[ch] = p
		}
	}

	events := make(chan channelEvent, vol.Channels*4)
	for ch := 0; ch < vol.Channels; ch++ {
		stack, err := vol.Channel(ch)
		if err != nil {
			c.state = StateFailed
			return err
		}
		plane, ok := colorPlane[ch]
		if !ok {
			plane = ch
		}
		w := &channelWorker{
			channel:    ch,
			colorPlane: plane,
			stack:      stack,
			scoring:    c.params.Scoring,
			norm:       c.params.Normalize,
			events:     events,
		}
		go w.run()
	}
	c.state = StateChannelsRunning

	// Single consumer: all sink calls and completion counting happen
	// here, so no other synchronization is needed.
	results := make([]*models.ChannelStack, vol.Channels)
	total := vol.Channels * vol.Slices
	done := 0
	finished := 0
	var firstErr error

	for finished < vol.Channels {
		ev := <-events
		switch ev.kind {
		case eventProgress:
			done += ev.units
			c.sink.Progress(path, done, total)
		case eventPreview:
			c.sink.ChannelPreview(path, ev.channel, ev.img)
		case eventReference:
			c.sink.ReferencePreview(path, ev.channel, ev.refIndex, ev.img)
		case eventChannelDone:
			results[ev.channel] = ev.result
			finished++
		case eventChannelFailed:
			if firstErr == nil {
				firstErr = ev.err
			}
			finished++
		}
	}

	if firstErr != nil {
		c.state = StateFailed
		return firstErr
	}

	c.state = StateAssembling
	assembled, err := assembleVolume(results, scaling.ChannelOrder)
	if err != nil {
		c.state = StateFailed
		return err
	}

	// Saving runs off the consumer goroutine, but the coordinator waits
	// for it before touching the next file.
	outputPath := formats.OutputPath(path)
	go func() {
		if err := formats.WriteImageJ(outputPath, assembled, scaling); err != nil {
			events <- channelEvent{kind: eventSaveFailed, err: &SaveError{OutputPath: outputPath, Err: err}}
			return
		}
		events <- channelEvent{kind: eventSaved}
	}()

	ev := <-events
	if ev.kind == eventSaveFailed {
		c.state = StateFailed
		return ev.err
	}

	c.state = StateSaved
	c.sink.FileSaved(path, outputPath)
	return nil
}
