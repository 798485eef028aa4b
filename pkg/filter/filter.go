// Package filter provides the 2D image kernels used by the normalization
// pipeline: Gaussian denoising, small-window median filtering, and binary
// skeletonization. All functions operate on flat row-major float64 planes.
package filter

import (
	"math"
	"sort"
)

// GaussianKernel builds a normalized 1D Gaussian kernel for the given sigma.
// The radius is ceil(3*sigma), covering >99% of the distribution mass.
func GaussianKernel(sigma float64) []float64 {
	if sigma <= 0 {
		return []float64{1}
	}

	radius := int(math.Ceil(3 * sigma))
	kernel := make([]float64, 2*radius+1)

	sum := 0.0
	for i := -radius; i <= radius; i++ {
		v := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		kernel[i+radius] = v
		sum += v
	}
	for i := range kernel {
		kernel[i] /= sum
	}

	return kernel
}

// Gaussian applies a separable Gaussian blur to a width*height plane and
// returns a new plane. Borders use edge clamping.
func Gaussian(plane []float64, width, height int, sigma float64) []float64 {
	kernel := GaussianKernel(sigma)
	radius := len(kernel) / 2

	tmp := make([]float64, len(plane))
	out := make([]float64, len(plane))

	// Horizontal pass
	for y := 0; y < height; y++ {
		row := y * width
		for x := 0; x < width; x++ {
			acc := 0.0
			for k := -radius; k <= radius; k++ {
				sx := x + k
				if sx < 0 {
					sx = 0
				} else if sx >= width {
					sx = width - 1
				}
				acc += plane[row+sx] * kernel[k+radius]
			}
			tmp[row+x] = acc
		}
	}

	// Vertical pass
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			acc := 0.0
			for k := -radius; k <= radius; k++ {
				sy := y + k
				if sy < 0 {
					sy = 0
				} else if sy >= height {
					sy = height - 1
				}
				acc += tmp[sy*width+x] * kernel[k+radius]
			}
			out[y*width+x] = acc
		}
	}

	return out
}

// Median3x3 applies a 3x3 median filter to a width*height plane and returns
// a new plane. Border pixels use the median of the in-bounds neighborhood,
// matching reflect-free edge handling.
func Median3x3(plane []float64, width, height int) []float64 {
	out := make([]float64, len(plane))
	window := make([]float64, 0, 9)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			window = window[:0]
			for dy := -1; dy <= 1; dy++ {
				sy := y + dy
				if sy < 0 || sy >= height {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					sx := x + dx
					if sx < 0 || sx >= width {
						continue
					}
					window = append(window, plane[sy*width+sx])
				}
			}
			out[y*width+x] = median(window)
		}
	}

	return out
}

// median returns the median of values, modifying the slice order in place.
func median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sort.Float64s(values)
	if n%2 == 0 {
		return (values[n/2-1] + values[n/2]) / 2
	}
	return values[n/2]
}

// Skeletonize reduces a binary mask to its one-pixel-wide medial structure
// using Zhang-Suen thinning. The mask is true where the pixel is set; the
// returned mask shares no storage with the input.
func Skeletonize(mask []bool, width, height int) []bool {
	skel := make([]bool, len(mask))
	copy(skel, mask)

	// Offsets of the 8-neighborhood P2..P9 in clockwise order starting
	// from the pixel directly above.
	for changed := true; changed; {
		changed = false
		for pass := 0; pass < 2; pass++ {
			var deletions []int
			for y := 1; y < height-1; y++ {
				for x := 1; x < width-1; x++ {
					idx := y*width + x
					if !skel[idx] {
						continue
					}

					p2 := skel[idx-width]
					p3 := skel[idx-width+1]
					p4 := skel[idx+1]
					p5 := skel[idx+width+1]
					p6 := skel[idx+width]
					p7 := skel[idx+width-1]
					p8 := skel[idx-1]
					p9 := skel[idx-width-1]

					neighbors := count(p2) + count(p3) + count(p4) + count(p5) +
						count(p6) + count(p7) + count(p8) + count(p9)
					if neighbors < 2 || neighbors > 6 {
						continue
					}

					transitions := 0
					seq := [9]bool{p2, p3, p4, p5, p6, p7, p8, p9, p2}
					for i := 0; i < 8; i++ {
						if !seq[i] && seq[i+1] {
							transitions++
						}
					}
					if transitions != 1 {
						continue
					}

					if pass == 0 {
						if (p2 && p4 && p6) || (p4 && p6 && p8) {
							continue
						}
					} else {
						if (p2 && p4 && p8) || (p2 && p6 && p8) {
							continue
						}
					}

					deletions = append(deletions, idx)
				}
			}

			for _, idx := range deletions {
				skel[idx] = false
			}
			if len(deletions) > 0 {
				changed = true
			}
		}
	}

	return skel
}

func count(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CountSet returns the number of set pixels in a mask.
func CountSet(mask []bool) int {
	n := 0
	for _, b := range mask {
		if b {
			n++
		}
	}
	return n
}
