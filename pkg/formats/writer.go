package formats

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"stacknorm/internal/models"
)

// outputSuffix marks processed output files next to their source.
const outputSuffix = "_PROCESSED.tiff"

// OutputPath returns the processed file path for an input path, replacing
// the vendor extension with the processed suffix.
func OutputPath(inputPath string) string {
	base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	return filepath.Join(filepath.Dir(inputPath), base+outputSuffix)
}

// imageJDescription builds the hyperstack description ImageJ reads to
// recover channel and slice counts and the z spacing.
func imageJDescription(channels, slices int, spacing float64) string {
	return fmt.Sprintf(
		"ImageJ=1.11a\nimages=%d\nchannels=%d\nslices=%d\nhyperstack=true\nmode=color\nunit=um\nspacing=%g\nloop=false\n",
		channels*slices, channels, slices, spacing)
}

// WriteImageJ writes an 8-bit multi-page TIFF hyperstack readable by
// ImageJ: one grayscale page per (z, channel) plane in z-outer,
// channel-inner order, the hyperstack description on the first page, and
// the pixel resolution in pixels per micrometer.
func WriteImageJ(path string, vol *models.Volume, scaling *models.ScalingParams) error {
	if vol == nil || vol.Slices == 0 || vol.Channels == 0 {
		return fmt.Errorf("writing %s: empty volume", path)
	}

	spacing := 1.0
	resolution := 1.0
	if scaling != nil {
		if scaling.VoxelZ > 0 {
			spacing = scaling.VoxelZ
		}
		if scaling.Resolution > 0 {
			resolution = scaling.Resolution
		}
	}

	buf, err := encodeImageJ(vol, spacing, resolution)
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.WriteFile(path, buf, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// encodeImageJ lays the file out as: 8-byte header, all pixel planes, the
// description string, two shared resolution rationals, then the IFD
// chain.
func encodeImageJ(vol *models.Volume, spacing, resolution float64) ([]byte, error) {
	width, height := vol.Width, vol.Height
	pages := vol.Slices * vol.Channels
	planeBytes := width * height

	desc := imageJDescription(vol.Channels, vol.Slices, spacing)
	descBytes := append([]byte(desc), 0)
	if len(descBytes)%2 != 0 {
		descBytes = append(descBytes, 0)
	}

	pixelStart := int64(8)
	descOffset := pixelStart + int64(pages)*int64(planeBytes)
	resOffset := descOffset + int64(len(descBytes))
	ifdStart := resOffset + 16

	const tagsFirst = 15
	const tagsRest = 14
	ifdSize := func(tags int) int64 { return int64(2 + tags*12 + 4) }

	totalSize := ifdStart + ifdSize(tagsFirst) + int64(pages-1)*ifdSize(tagsRest)
	if totalSize > math.MaxUint32 {
		return nil, fmt.Errorf("volume of %d pages exceeds the 4 GiB TIFF limit", pages)
	}

	out := bytes.NewBuffer(make([]byte, 0, totalSize))
	le := binary.LittleEndian

	// header
	out.WriteString("II")
	writeU16 := func(v uint16) {
		var b [2]byte
		le.PutUint16(b[:], v)
		out.Write(b[:])
	}
	writeU32 := func(v uint32) {
		var b [4]byte
		le.PutUint32(b[:], v)
		out.Write(b[:])
	}
	writeU16(42)
	writeU32(uint32(ifdStart))

	// pixel planes, z-outer / channel-inner
	plane := make([]byte, planeBytes)
	for z := 0; z < vol.Slices; z++ {
		for c := 0; c < vol.Channels; c++ {
			base := (z*vol.Channels + c) * planeBytes
			for i := 0; i < planeBytes; i++ {
				plane[i] = uint8(vol.Data[base+i])
			}
			out.Write(plane)
		}
	}

	out.Write(descBytes)

	// shared X and Y resolution rationals in pixels per unit
	resNum := uint32(math.Round(resolution * 1e6))
	if resNum == 0 {
		resNum = 1
	}
	writeU32(resNum)
	writeU32(1e6)
	writeU32(resNum)
	writeU32(1e6)

	writeTag := func(tag, typ uint16, count, value uint32) {
		writeU16(tag)
		writeU16(typ)
		writeU32(count)
		writeU32(value)
	}

	nextIFD := ifdStart
	for p := 0; p < pages; p++ {
		tags := tagsRest
		if p == 0 {
			tags = tagsFirst
		}
		nextIFD += ifdSize(tags)
		if p == pages-1 {
			nextIFD = 0
		}

		writeU16(uint16(tags))
		writeTag(tagNewSubfileType, typeLong, 1, 0)
		writeTag(tagImageWidth, typeLong, 1, uint32(width))
		writeTag(tagImageLength, typeLong, 1, uint32(height))
		writeTag(tagBitsPerSample, typeShort, 1, 8)
		writeTag(tagCompression, typeShort, 1, 1)
		writeTag(tagPhotometric, typeShort, 1, 1)
		if p == 0 {
			writeTag(tagImageDesc, typeASCII, uint32(len(descBytes)), uint32(descOffset))
		}
		writeTag(tagStripOffsets, typeLong, 1, uint32(pixelStart+int64(p)*int64(planeBytes)))
		writeTag(tagSamplesPerPixel, typeShort, 1, 1)
		writeTag(tagRowsPerStrip, typeLong, 1, uint32(height))
		writeTag(tagStripByteCounts, typeLong, 1, uint32(planeBytes))
		writeTag(tagXResolution, typeRational, 1, uint32(resOffset))
		writeTag(tagYResolution, typeRational, 1, uint32(resOffset+8))
		writeTag(tagPlanarConfig, typeShort, 1, 1)
		writeTag(tagResolutionUnit, typeShort, 1, 1)
		writeU32(uint32(nextIFD))
	}

	return out.Bytes(), nil
}
