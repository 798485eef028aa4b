package pipeline

import (
	"math"

	"stacknorm/internal/models"
)

// outputPlanes is the minimum number of color planes in the assembled
// volume; stacks with fewer channels repeat the last one so viewers get a
// full RGB composite.
const outputPlanes = 3

// assembleVolume reorders the processed channel stacks into their output
// color planes and packs them into an 8-bit (z, c, y, x) volume.
//
// order maps output plane to source channel and must be a permutation of
// the delivered channel indices; permutations shorter than outputPlanes
// are padded by repeating the last entry.
func assembleVolume(results []*models.ChannelStack, order []int) (*models.Volume, error) {
	channels := len(results)
	if err := validateOrder(order, channels); err != nil {
		return nil, err
	}

	planes := make([]int, len(order))
	copy(planes, order)
	for len(planes) < outputPlanes {
		planes = append(planes, planes[len(planes)-1])
	}

	first := results[planes[0]]
	vol := models.NewVolume(first.Slices, len(planes), first.Height, first.Width, 8)

	planeSize := first.Height * first.Width
	for p, c := range planes {
		stack := results[c]
		for z := 0; z < vol.Slices; z++ {
			src := stack.Slice(z)
			base := ((z*vol.Channels + p) * vol.Height) * vol.Width
			for i := 0; i < planeSize; i++ {
				v := math.Round(src[i])
				if v < 0 {
					v = 0
				} else if v > 255 {
					v = 255
				}
				vol.Data[base+i] = uint16(v)
			}
		}
	}

	return vol, nil
}

// validateOrder requires a permutation of exactly the delivered channel
// indices. Equal length with no repeats and no out-of-range entries is
// sufficient.
func validateOrder(order []int, channels int) error {
	if len(order) != channels {
		return &ChannelCountMismatchError{Channels: channels, Order: order}
	}
	seen := make(map[int]bool, len(order))
	for _, c := range order {
		if c < 0 || c >= channels || seen[c] {
			return &ChannelCountMismatchError{Channels: channels, Order: order}
		}
		seen[c] = true
	}
	return nil
}
