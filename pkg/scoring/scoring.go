// Package scoring selects the reference z-slice of a channel stack by
// scoring every slice for signal quality and structural content.
package scoring

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"stacknorm/internal/models"
	"stacknorm/pkg/filter"
)

// madScale converts a median absolute deviation to an approximate standard
// deviation under a normal distribution.
const madScale = 1.4826

// noiseFloor keeps the SNR denominator away from zero on flat slices.
const noiseFloor = 1e-6

// Policy selects the reference-scoring strategy.
type Policy string

const (
	// PolicyRobust scores slices with the MAD-based SNR plus a skeleton
	// density term. This is the default.
	PolicyRobust Policy = "robust"

	// PolicyMeanStd is the degraded mode: per-slice SNR in decibels from
	// mean/stddev, no structural term.
	PolicyMeanStd Policy = "meanstd"
)

// ErrEmptyStack is returned when a reference is requested for a channel
// with no z-slices.
var ErrEmptyStack = errors.New("scoring: channel stack has no slices")

// Params configures slice scoring.
type Params struct {
	// Sigma is the Gaussian denoising width applied before statistics
	Sigma float64

	// BackgroundPercentile is the low percentile treated as background,
	// in percent (default 20)
	BackgroundPercentile float64

	// StructureWeight scales the normalized skeleton density term in the
	// composite score
	StructureWeight float64

	// Policy selects robust or mean/std scoring
	Policy Policy
}

// DefaultParams returns the scoring defaults used by the pipeline.
func DefaultParams() Params {
	return Params{
		Sigma:                1.0,
		BackgroundPercentile: 20,
		StructureWeight:      1.0,
		Policy:               PolicyRobust,
	}
}

// ScoreSlice computes the composite quality score for a single plane.
//
// The slice is denoised with a Gaussian blur, the background is taken as
// the configured low percentile, noise is the scaled median absolute
// deviation (floored at noiseFloor), signal is the mean of pixels strictly
// above background (falling back to the overall mean), and the structural
// term is the skeleton pixel density of the mask thresholded at
// background+noise. A perfectly flat slice keeps the floored noise and
// saturates the SNR; that is a tuning concern, not a special case.
func ScoreSlice(plane []float64, width, height int, p Params) models.SliceScore {
	denoised := filter.Gaussian(plane, width, height, p.Sigma)

	sorted := make([]float64, len(denoised))
	copy(sorted, denoised)
	sort.Float64s(sorted)

	background := stat.Quantile(p.BackgroundPercentile/100, stat.Empirical, sorted, nil)
	noise := RobustNoise(denoised)

	var aboveSum float64
	var aboveCount int
	for _, v := range denoised {
		if v > background {
			aboveSum += v
			aboveCount++
		}
	}
	signal := stat.Mean(denoised, nil)
	if aboveCount > 0 {
		signal = aboveSum / float64(aboveCount)
	}

	snr := (signal - background) / noise

	threshold := background + noise
	mask := make([]bool, len(denoised))
	for i, v := range denoised {
		mask[i] = v > threshold
	}
	skeleton := filter.Skeletonize(mask, width, height)
	skeletonLength := filter.CountSet(skeleton)
	density := float64(skeletonLength) / float64(width*height)

	return models.SliceScore{
		SNR:            snr,
		SkeletonLength: skeletonLength,
		Composite:      snr + p.StructureWeight*density,
	}
}

// RobustNoise estimates the noise of a plane as the median absolute
// deviation about the median, scaled by madScale and floored at noiseFloor.
func RobustNoise(plane []float64) float64 {
	sorted := make([]float64, len(plane))
	copy(sorted, plane)
	sort.Float64s(sorted)
	medianVal := stat.Quantile(0.5, stat.Empirical, sorted, nil)

	absDev := make([]float64, len(plane))
	for i, v := range plane {
		absDev[i] = math.Abs(v - medianVal)
	}
	sort.Float64s(absDev)

	noise := stat.Quantile(0.5, stat.Empirical, absDev, nil) * madScale
	if noise < noiseFloor {
		noise = noiseFloor
	}
	return noise
}

// SelectReference scans every z-slice of a stack and returns the index of
// the slice with the highest composite score. The first index wins ties.
// Only an empty stack fails.
func SelectReference(stack *models.ChannelStack, p Params) (int, error) {
	if stack == nil || stack.Slices == 0 {
		return 0, ErrEmptyStack
	}

	if p.Policy == PolicyMeanStd {
		return selectMeanStd(stack)
	}

	bestScore := math.Inf(-1)
	bestIndex := 0

	for z := 0; z < stack.Slices; z++ {
		score := ScoreSlice(stack.Slice(z), stack.Width, stack.Height, p)
		if score.Composite > bestScore {
			bestScore = score.Composite
			bestIndex = z
		}
	}

	return bestIndex, nil
}

// Scores returns the full per-slice diagnostics for a stack, in z order.
// Used for tie-break inspection and tests; SelectReference does not keep
// them.
func Scores(stack *models.ChannelStack, p Params) []models.SliceScore {
	scores := make([]models.SliceScore, stack.Slices)
	for z := 0; z < stack.Slices; z++ {
		s := ScoreSlice(stack.Slice(z), stack.Width, stack.Height, p)
		s.Index = z
		scores[z] = s
	}
	return scores
}

// selectMeanStd is the lightweight fallback: SNR in decibels from the
// plain mean and standard deviation of each slice, zero when the slice is
// constant.
func selectMeanStd(stack *models.ChannelStack) (int, error) {
	bestSNR := math.Inf(-1)
	bestIndex := 0

	for z := 0; z < stack.Slices; z++ {
		plane := stack.Slice(z)
		mean := stat.Mean(plane, nil)
		std := stat.StdDev(plane, nil)

		snr := 0.0
		if std != 0 && mean > 0 {
			snr = 10 * math.Log10(mean/std)
		}

		if snr > bestSNR {
			bestSNR = snr
			bestIndex = z
		}
	}

	return bestIndex, nil
}
