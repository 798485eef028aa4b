// Package normalize matches every z-slice of a channel against its
// reference slice and reports per-slice progress and previews.
package normalize

import (
	"fmt"
	"image"
	"sort"

	"stacknorm/internal/models"
	"stacknorm/pkg/filter"
	"stacknorm/pkg/preview"
)

// maxOutput is the ceiling of the fixed 8-bit output range.
const maxOutput = 255.0

// Params configures channel normalization.
type Params struct {
	// ThumbnailSize bounds the preview thumbnails in pixels
	ThumbnailSize int
}

// DefaultParams returns the normalization defaults.
func DefaultParams() Params {
	return Params{ThumbnailSize: preview.DefaultSize}
}

// Callbacks carries the per-slice event hooks. Any nil hook is skipped.
type Callbacks struct {
	// Progress is called once per processed slice with a unit count of 1
	Progress func(units int)

	// Preview receives the colorized thumbnail of each normalized slice
	Preview func(img image.Image)

	// Reference receives, once, the thumbnail of the unmodified
	// reference slice before any slice is processed
	Reference func(img image.Image)
}

// Normalizer matches a channel stack against a chosen reference slice.
type Normalizer struct {
	params Params
}

// New creates a normalizer with the given parameters.
func New(params Params) *Normalizer {
	return &Normalizer{params: params}
}

// Run normalizes every slice of the stack against the reference slice at
// refIndex: histogram matching to the reference distribution followed by a
// 3x3 median filter to suppress shot noise introduced by matching. The
// result has the same shape as the input with values clipped to the 8-bit
// output range. colorPlane selects where previews are colorized (0=red,
// 1=green, 2=blue).
func (n *Normalizer) Run(stack *models.ChannelStack, refIndex, colorPlane int, cb Callbacks) (*models.ChannelStack, error) {
	if stack == nil || stack.Slices == 0 {
		return nil, fmt.Errorf("normalize: empty channel stack")
	}
	if refIndex < 0 || refIndex >= stack.Slices {
		return nil, fmt.Errorf("normalize: reference index %d out of range [0,%d)", refIndex, stack.Slices)
	}

	reference := stack.Slice(refIndex)

	if cb.Reference != nil {
		img := preview.GrayRGB(reference, stack.Width, stack.Height)
		cb.Reference(preview.Thumbnail(img, n.params.ThumbnailSize))
	}

	refSorted := make([]float64, len(reference))
	copy(refSorted, reference)
	sort.Float64s(refSorted)

	out := &models.ChannelStack{
		Data:   make([]float64, len(stack.Data)),
		Slices: stack.Slices,
		Height: stack.Height,
		Width:  stack.Width,
	}

	planeSize := stack.Height * stack.Width
	for z := 0; z < stack.Slices; z++ {
		matched := matchToSorted(stack.Slice(z), refSorted)
		normalized := filter.Median3x3(matched, stack.Width, stack.Height)

		dst := out.Data[z*planeSize : (z+1)*planeSize]
		for i, v := range normalized {
			if v < 0 {
				v = 0
			} else if v > maxOutput {
				v = maxOutput
			}
			dst[i] = v
		}

		if cb.Preview != nil {
			img := preview.Colorize(dst, stack.Width, stack.Height, colorPlane)
			cb.Preview(preview.Thumbnail(img, n.params.ThumbnailSize))
		}
		if cb.Progress != nil {
			cb.Progress(1)
		}
	}

	return out, nil
}

// MatchHistograms transforms src so its cumulative intensity distribution
// approximates that of ref. Both planes may differ in length; the mapping
// assigns each source pixel the reference value at its source rank
// quantile.
func MatchHistograms(src, ref []float64) []float64 {
	refSorted := make([]float64, len(ref))
	copy(refSorted, ref)
	sort.Float64s(refSorted)
	return matchToSorted(src, refSorted)
}

// matchToSorted performs rank-based histogram matching against an already
// sorted reference distribution.
func matchToSorted(src, refSorted []float64) []float64 {
	n := len(src)
	out := make([]float64, n)
	if n == 0 || len(refSorted) == 0 {
		return out
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	// Stable sort keeps tied pixels in index order, making the mapping
	// deterministic and repeat runs reproducible.
	sort.SliceStable(order, func(a, b int) bool { return src[order[a]] < src[order[b]] })

	m := len(refSorted)
	for rank, idx := range order {
		pos := rank * m / n
		if pos >= m {
			pos = m - 1
		}
		out[idx] = refSorted[pos]
	}

	return out
}
