// Package preview renders the small thumbnail images handed to the
// progress sink while a channel is being normalized.
package preview

import (
	"image"
	"image/color"

	xdraw "golang.org/x/image/draw"
)

// DefaultSize is the bounding box of emitted thumbnails in pixels.
const DefaultSize = 180

// clamp8 maps a float sample to the 8-bit display range.
func clamp8(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// Colorize renders a plane into an RGB image with the samples placed in the
// given color plane (0=red, 1=green, 2=blue); the other planes stay black.
// Plane indices outside 0..2 fall back to a grayscale rendering.
func Colorize(plane []float64, width, height, colorPlane int) *image.RGBA {
	if colorPlane < 0 || colorPlane > 2 {
		return GrayRGB(plane, width, height)
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := clamp8(plane[y*width+x])
			var c color.RGBA
			switch colorPlane {
			case 0:
				c = color.RGBA{R: v, A: 255}
			case 1:
				c = color.RGBA{G: v, A: 255}
			case 2:
				c = color.RGBA{B: v, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// GrayRGB renders a plane as an unmodified grayscale RGB image, used for
// the once-only reference preview.
func GrayRGB(plane []float64, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := clamp8(plane[y*width+x])
			img.SetRGBA(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img
}

// Thumbnail scales an image down to fit within maxSize x maxSize while
// preserving aspect ratio. Images already within the box are returned
// unscaled.
func Thumbnail(img image.Image, maxSize int) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= maxSize && h <= maxSize {
		return img
	}

	var tw, th int
	if w >= h {
		tw = maxSize
		th = h * maxSize / w
	} else {
		th = maxSize
		tw = w * maxSize / h
	}
	if tw < 1 {
		tw = 1
	}
	if th < 1 {
		th = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, bounds, xdraw.Src, nil)
	return dst
}
