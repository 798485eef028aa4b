package pipeline

import (
	"image"

	"stacknorm/internal/models"
	"stacknorm/pkg/normalize"
	"stacknorm/pkg/scoring"
)

// eventKind tags messages flowing from channel workers to the
// coordinator's consumer loop.
type eventKind int

const (
	eventProgress eventKind = iota
	eventPreview
	eventReference
	eventChannelDone
	eventChannelFailed
	eventSaved
	eventSaveFailed
)

// channelEvent is one tagged message on the session channel. Only the
// fields relevant to its kind are set.
type channelEvent struct {
	kind    eventKind
	channel int

	units    int
	img      image.Image
	refIndex int

	result *models.ChannelStack
	err    error
}

// channelWorker normalizes one channel's z-stack end to end: reference
// selection, then per-slice histogram matching. It communicates with the
// coordinator only through the shared event channel and owns its stack
// exclusively while running.
type channelWorker struct {
	channel int
	// colorPlane is the output color plane this channel maps to, used to
	// tint previews
	colorPlane int
	stack      *models.ChannelStack
	scoring    scoring.Params
	norm       normalize.Params
	events     chan<- channelEvent
}

// run executes the worker. It always sends a terminal eventChannelDone or
// eventChannelFailed message.
func (w *channelWorker) run() {
	refIndex, err := scoring.SelectReference(w.stack, w.scoring)
	if err != nil {
		w.events <- channelEvent{
			kind:    eventChannelFailed,
			channel: w.channel,
			err:     &ChannelProcessingError{Channel: w.channel, Err: err},
		}
		return
	}

	cb := normalize.Callbacks{
		Progress: func(units int) {
			w.events <- channelEvent{kind: eventProgress, channel: w.channel, units: units}
		},
		Preview: func(img image.Image) {
			w.events <- channelEvent{kind: eventPreview, channel: w.channel, img: img}
		},
		Reference: func(img image.Image) {
			w.events <- channelEvent{kind: eventReference, channel: w.channel, refIndex: refIndex, img: img}
		},
	}

	result, err := normalize.New(w.norm).Run(w.stack, refIndex, w.colorPlane, cb)
	if err != nil {
		w.events <- channelEvent{
			kind:    eventChannelFailed,
			channel: w.channel,
			err:     &ChannelProcessingError{Channel: w.channel, Err: err},
		}
		return
	}

	w.events <- channelEvent{kind: eventChannelDone, channel: w.channel, result: result}
}
