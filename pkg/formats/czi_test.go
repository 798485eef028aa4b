package formats

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// cziSpec describes a synthetic uncompressed CZI acquisition.
type cziSpec struct {
	width, height    int
	slices, channels int

	// scaling distances in meters; zero values are omitted from the XML
	scaleX, scaleY, scaleZ float64

	// omitMetadata drops the metadata segment entirely
	omitMetadata bool

	// subBlockMeta is per-sub-block metadata XML written between each
	// directory entry and its pixel data
	subBlockMeta string

	// pyramidBlock appends a compressed downsampled sub-block that the
	// reader must skip
	pyramidBlock bool

	pixel func(z, c, y, x int) uint8
}

func writeSegmentHeader(buf *bytes.Buffer, id string, allocated int64) {
	var header [cziSegmentHeaderSize]byte
	copy(header[0:16], id)
	binary.LittleEndian.PutUint64(header[16:24], uint64(allocated))
	binary.LittleEndian.PutUint64(header[24:32], uint64(allocated))
	buf.Write(header[:])
}

// writeSyntheticCZI builds a minimal segment chain: file header segment,
// the metadata XML, then one sub-block per (z, c) plane.
func writeSyntheticCZI(t *testing.T, path string, spec cziSpec) {
	t.Helper()
	le := binary.LittleEndian
	var buf bytes.Buffer

	// ZISRAWFILE header segment, content unused by the reader
	writeSegmentHeader(&buf, "ZISRAWFILE", 64)
	buf.Write(make([]byte, 64))

	if !spec.omitMetadata {
		var xml bytes.Buffer
		xml.WriteString("<ImageDocument><Metadata><Scaling><Items>")
		for _, d := range []struct {
			id    string
			value float64
		}{{"X", spec.scaleX}, {"Y", spec.scaleY}, {"Z", spec.scaleZ}} {
			if d.value == 0 {
				continue
			}
			fmt.Fprintf(&xml, `<Distance Id=%q><Value>%g</Value></Distance>`, d.id, d.value)
		}
		xml.WriteString("</Items></Scaling></Metadata></ImageDocument>")

		writeSegmentHeader(&buf, "ZISRAWMETADATA", int64(256+xml.Len()))
		sub := make([]byte, 256)
		le.PutUint32(sub[0:4], uint32(xml.Len()))
		buf.Write(sub)
		buf.Write(xml.Bytes())
	}

	planeBytes := spec.width * spec.height
	metaLen := len(spec.subBlockMeta)
	for z := 0; z < spec.slices; z++ {
		for c := 0; c < spec.channels; c++ {
			writeSegmentHeader(&buf, "ZISRAWSUBBLOCK", int64(256+metaLen+planeBytes))

			// sub-block header: metadata size, attachment size, data size
			var head [16]byte
			le.PutUint32(head[0:4], uint32(metaLen))
			le.PutUint64(head[8:16], uint64(planeBytes))
			buf.Write(head[:])

			// DirectoryEntryDV with X, Y, Z, C dimensions
			entry := make([]byte, 32)
			copy(entry[0:2], "DV")
			le.PutUint32(entry[2:6], cziPixelGray8)
			le.PutUint32(entry[28:32], 4)
			buf.Write(entry)

			dim := func(name string, start, size int) {
				d := make([]byte, 20)
				copy(d[0:4], name)
				le.PutUint32(d[4:8], uint32(start))
				le.PutUint32(d[8:12], uint32(size))
				le.PutUint32(d[16:20], uint32(size))
				buf.Write(d)
			}
			dim("X", 0, spec.width)
			dim("Y", 0, spec.height)
			dim("Z", z, 1)
			dim("C", c, 1)

			// pad the 16+112 byte prefix out to the 256-byte data offset
			buf.Write(make([]byte, 256-16-32-4*20))

			// metadata XML sits between the padded entry and the pixels
			buf.WriteString(spec.subBlockMeta)

			for y := 0; y < spec.height; y++ {
				for x := 0; x < spec.width; x++ {
					buf.WriteByte(spec.pixel(z, c, y, x))
				}
			}
		}
	}

	if spec.pyramidBlock {
		// Downsampled level: pyramid type set, compressed payload.
		writeSegmentHeader(&buf, "ZISRAWSUBBLOCK", 256+8)
		var head [16]byte
		le.PutUint64(head[8:16], 8)
		buf.Write(head[:])

		entry := make([]byte, 32)
		copy(entry[0:2], "DV")
		le.PutUint32(entry[2:6], cziPixelGray8)
		le.PutUint32(entry[18:22], 4) // JPEG-XR
		entry[22] = 1
		le.PutUint32(entry[28:32], 4)
		buf.Write(entry)

		dim := func(name string, start, size int) {
			d := make([]byte, 20)
			copy(d[0:4], name)
			le.PutUint32(d[4:8], uint32(start))
			le.PutUint32(d[8:12], uint32(size))
			le.PutUint32(d[16:20], uint32(size))
			buf.Write(d)
		}
		dim("X", 0, spec.width/2)
		dim("Y", 0, spec.height/2)
		dim("Z", 0, 1)
		dim("C", 0, 1)

		buf.Write(make([]byte, 256-16-32-4*20))
		buf.Write(make([]byte, 8))
	}

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("Failed to write synthetic CZI: %v", err)
	}
}

func defaultCZISpec() cziSpec {
	return cziSpec{
		width:  5,
		height: 4,
		slices: 2, channels: 3,
		scaleX: 0.1e-6,
		scaleY: 0.1e-6,
		scaleZ: 0.5e-6,
		pixel: func(z, c, y, x int) uint8 {
			return uint8(50*z + 20*c + 5*y + x)
		},
	}
}

func openCZI(t *testing.T, spec cziSpec) Reader {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stack.czi")
	writeSyntheticCZI(t, path, spec)

	reader, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { reader.Close() })
	return reader
}

func TestCZIVolumeRoundTrip(t *testing.T) {
	spec := defaultCZISpec()
	reader := openCZI(t, spec)

	vol, err := reader.Volume()
	if err != nil {
		t.Fatalf("Volume failed: %v", err)
	}

	if vol.Slices != spec.slices || vol.Channels != spec.channels {
		t.Errorf("Expected %dx%d slices/channels, got %dx%d",
			spec.slices, spec.channels, vol.Slices, vol.Channels)
	}
	if vol.BitDepth != 8 {
		t.Errorf("Expected 8-bit volume, got %d", vol.BitDepth)
	}

	for z := 0; z < spec.slices; z++ {
		for c := 0; c < spec.channels; c++ {
			for y := 0; y < spec.height; y++ {
				for x := 0; x < spec.width; x++ {
					want := uint16(spec.pixel(z, c, y, x))
					if got := vol.At(z, c, y, x); got != want {
						t.Fatalf("Sample (%d,%d,%d,%d): expected %d, got %d", z, c, y, x, want, got)
					}
				}
			}
		}
	}
}

func TestCZIScalingFromXML(t *testing.T) {
	spec := defaultCZISpec()
	reader := openCZI(t, spec)

	params, err := reader.Scaling()
	if err != nil {
		t.Fatalf("Scaling failed: %v", err)
	}

	if math.Abs(params.VoxelX-0.1) > 1e-9 || math.Abs(params.VoxelZ-0.5) > 1e-9 {
		t.Errorf("Expected voxels 0.1/0.1/0.5 um, got %f/%f/%f",
			params.VoxelX, params.VoxelY, params.VoxelZ)
	}
	if math.Abs(params.Resolution-10.0) > 1e-9 {
		t.Errorf("Expected resolution 10 px/um, got %f", params.Resolution)
	}

	// CZI keeps the recorded channel order
	for i, c := range params.ChannelOrder {
		if c != i {
			t.Errorf("Expected identity channel order, got %v", params.ChannelOrder)
			break
		}
	}
	if len(params.ChannelOrder) != spec.channels {
		t.Errorf("Expected %d order entries, got %v", spec.channels, params.ChannelOrder)
	}
}

func TestCZIMissingMetadataIsRecoverable(t *testing.T) {
	spec := defaultCZISpec()
	spec.omitMetadata = true
	reader := openCZI(t, spec)

	if _, err := reader.Volume(); err != nil {
		t.Errorf("Expected pixel data to stay readable, got %v", err)
	}

	_, err := reader.Scaling()
	if err == nil {
		t.Fatal("Expected a metadata error without the XML segment")
	}
	var metaErr *MetadataError
	if !errors.As(err, &metaErr) {
		t.Errorf("Expected *MetadataError, got %T", err)
	}
}

func TestCZISubBlockMetadataDoesNotShiftPixels(t *testing.T) {
	// Pixel data sits after the per-sub-block metadata XML; a reader
	// that ignores MetadataSize decodes those XML bytes as intensities.
	spec := defaultCZISpec()
	spec.subBlockMeta = "<METADATA><Tags><AcquisitionTime/></Tags></METADATA>"
	reader := openCZI(t, spec)

	vol, err := reader.Volume()
	if err != nil {
		t.Fatalf("Volume failed: %v", err)
	}

	for z := 0; z < spec.slices; z++ {
		for c := 0; c < spec.channels; c++ {
			for y := 0; y < spec.height; y++ {
				for x := 0; x < spec.width; x++ {
					want := uint16(spec.pixel(z, c, y, x))
					if got := vol.At(z, c, y, x); got != want {
						t.Fatalf("Sample (%d,%d,%d,%d): expected %d, got %d", z, c, y, x, want, got)
					}
				}
			}
		}
	}
}

func TestCZICompressedPyramidLevelSkipped(t *testing.T) {
	spec := defaultCZISpec()
	spec.pyramidBlock = true
	reader := openCZI(t, spec)

	vol, err := reader.Volume()
	if err != nil {
		t.Fatalf("Expected the compressed pyramid level to be skipped, got %v", err)
	}

	// Only the full-resolution planes contribute to the volume.
	if vol.Slices != spec.slices || vol.Channels != spec.channels {
		t.Errorf("Expected %dx%d slices/channels, got %dx%d",
			spec.slices, spec.channels, vol.Slices, vol.Channels)
	}
	if vol.Width != spec.width || vol.Height != spec.height {
		t.Errorf("Expected full-resolution extents %dx%d, got %dx%d",
			spec.width, spec.height, vol.Width, vol.Height)
	}
	if got := vol.At(0, 0, 0, 0); got != uint16(spec.pixel(0, 0, 0, 0)) {
		t.Errorf("Expected sample %d, got %d", spec.pixel(0, 0, 0, 0), got)
	}
}
