package models

import (
	"fmt"
)

// Volume is a multi-channel 3D acquisition indexed as (z, channel, row, col).
// Samples are stored as uint16 regardless of the source bit depth; BitDepth
// records the acquisition depth (8 or 16) so downstream stages know the
// value range.
type Volume struct {
	// Data holds the samples in z-major order:
	// index = ((z*Channels + c)*Height + y)*Width + x
	Data []uint16

	// Slices is the number of z-slices (optical sections)
	Slices int

	// Channels is the number of acquisition channels
	Channels int

	// Height and Width are the row/column extents shared by every channel
	Height int
	Width  int

	// BitDepth is the sample depth of the source data, 8 or 16
	BitDepth int
}

// NewVolume allocates a zeroed volume with the given extents.
func NewVolume(slices, channels, height, width, bitDepth int) *Volume {
	return &Volume{
		Data:     make([]uint16, slices*channels*height*width),
		Slices:   slices,
		Channels: channels,
		Height:   height,
		Width:    width,
		BitDepth: bitDepth,
	}
}

// At returns the sample at (z, c, y, x). No bounds checking beyond the
// backing slice; callers iterate within the recorded extents.
func (v *Volume) At(z, c, y, x int) uint16 {
	return v.Data[((z*v.Channels+c)*v.Height+y)*v.Width+x]
}

// Set stores a sample at (z, c, y, x).
func (v *Volume) Set(z, c, y, x int, value uint16) {
	v.Data[((z*v.Channels+c)*v.Height+y)*v.Width+x] = value
}

// Channel extracts one channel's full z-stack as float64 planes.
// The returned stack owns its data; mutating it does not affect the volume.
func (v *Volume) Channel(c int) (*ChannelStack, error) {
	if c < 0 || c >= v.Channels {
		return nil, fmt.Errorf("channel %d out of range [0,%d)", c, v.Channels)
	}

	stack := &ChannelStack{
		Data:   make([]float64, v.Slices*v.Height*v.Width),
		Slices: v.Slices,
		Height: v.Height,
		Width:  v.Width,
	}

	planeSize := v.Height * v.Width
	for z := 0; z < v.Slices; z++ {
		base := ((z*v.Channels + c) * v.Height) * v.Width
		dst := stack.Data[z*planeSize : (z+1)*planeSize]
		for i := range dst {
			dst[i] = float64(v.Data[base+i])
		}
	}

	return stack, nil
}

// ChannelStack is a single channel's z-stack as float64 planes, the working
// representation for scoring and normalization. It is owned by exactly one
// worker for the duration of a run.
type ChannelStack struct {
	// Data holds Slices planes of Height*Width values each
	Data []float64

	// Slices, Height, Width are the stack extents
	Slices int
	Height int
	Width  int
}

// Slice returns the z-th plane as a shared sub-slice of the stack data.
func (s *ChannelStack) Slice(z int) []float64 {
	planeSize := s.Height * s.Width
	return s.Data[z*planeSize : (z+1)*planeSize]
}

// ScalingParams is the canonical physical-scale record resolved once per
// file from vendor metadata and read-only thereafter.
type ScalingParams struct {
	// VoxelX, VoxelY, VoxelZ are the physical voxel extents in micrometers
	VoxelX float64
	VoxelY float64
	VoxelZ float64

	// Resolution is the derived pixel density in pixels per micrometer,
	// the mean of 1/VoxelX and 1/VoxelY
	Resolution float64

	// LSM510 and LSM880 mark vendor sub-variants whose historical channel
	// reordering is already folded into ChannelOrder by the resolver
	LSM510 bool
	LSM880 bool

	// ChannelOrder maps output color-plane position to source channel
	// index: plane p displays channel ChannelOrder[p]
	ChannelOrder []int
}

// DefaultScalingParams returns the degraded-mode record used when vendor
// metadata cannot be parsed: unit scale and identity channel order.
func DefaultScalingParams(numChannels int) *ScalingParams {
	order := make([]int, numChannels)
	for i := range order {
		order[i] = i
	}
	return &ScalingParams{
		VoxelX:       1.0,
		VoxelY:       1.0,
		VoxelZ:       1.0,
		Resolution:   1.0,
		ChannelOrder: order,
	}
}

// SliceScore holds the per-slice diagnostics produced during reference
// selection. It exists only while a reference is being chosen.
type SliceScore struct {
	// Index is the z position of the scored slice
	Index int

	// SNR is the robust signal-to-noise sub-score
	SNR float64

	// SkeletonLength is the raw count of skeleton pixels in the
	// thresholded mask
	SkeletonLength int

	// Composite is SNR plus the weighted normalized skeleton density;
	// the slice with the highest composite wins
	Composite float64
}
