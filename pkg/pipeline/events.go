package pipeline

import (
	"fmt"
	"image"

	"stacknorm/internal/models"
)

// EventSink receives pipeline progress. All methods are called from the
// coordinator's consumer goroutine, one call at a time; implementations
// need no locking. Any method may be a no-op.
type EventSink interface {
	// FileStarted fires when a file's volume has been read.
	FileStarted(path string, channels, slices int)

	// MetadataResolved delivers the scaling record chosen for the file,
	// either parsed from vendor metadata or the degraded-mode defaults.
	MetadataResolved(path string, params *models.ScalingParams)

	// MetadataDegraded fires when vendor metadata could not be parsed and
	// processing continues with defaults.
	MetadataDegraded(path string, err error)

	// Progress reports processed slice counts across all channels.
	Progress(path string, done, total int)

	// ChannelPreview delivers the colorized thumbnail of a just-processed
	// slice.
	ChannelPreview(path string, channel int, img image.Image)

	// ReferencePreview delivers, once per channel, the thumbnail of the
	// chosen reference slice before processing starts.
	ReferencePreview(path string, channel, refIndex int, img image.Image)

	// FileSaved fires after the output file is on disk.
	FileSaved(path, outputPath string)

	// FileFailed fires when a file is skipped.
	FileFailed(path string, err error)
}

// NopSink discards every event. Embed it to implement only the events a
// sink cares about.
type NopSink struct{}

func (NopSink) FileStarted(string, int, int)                   {}
func (NopSink) MetadataResolved(string, *models.ScalingParams) {}
func (NopSink) MetadataDegraded(string, error)                 {}
func (NopSink) Progress(string, int, int)                      {}
func (NopSink) ChannelPreview(string, int, image.Image)        {}
func (NopSink) ReferencePreview(string, int, int, image.Image) {}
func (NopSink) FileSaved(string, string)                       {}
func (NopSink) FileFailed(string, error)                       {}

// ChannelProcessingError wraps a failure inside one channel's worker.
type ChannelProcessingError struct {
	Channel int
	Err     error
}

func (e *ChannelProcessingError) Error() string {
	return fmt.Sprintf("processing channel %d: %v", e.Channel, e.Err)
}

func (e *ChannelProcessingError) Unwrap() error { return e.Err }

// ChannelCountMismatchError reports a channel order that does not map the
// acquisition channels one-to-one.
type ChannelCountMismatchError struct {
	Channels int
	Order    []int
}

func (e *ChannelCountMismatchError) Error() string {
	return fmt.Sprintf("channel order %v does not map %d channels one-to-one", e.Order, e.Channels)
}

// SaveError wraps a failure while writing the processed output file.
type SaveError struct {
	OutputPath string
	Err        error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("saving %s: %v", e.OutputPath, e.Err)
}

func (e *SaveError) Unwrap() error { return e.Err }
