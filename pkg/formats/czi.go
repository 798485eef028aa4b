package formats

import (
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"math"
	"os"
	"strings"

	"stacknorm/internal/models"
)

// Zeiss CZI files are a sequence of ZISRAW segments, each starting with a
// 32-byte header: a 16-byte ASCII id, the allocated size and the used
// size. Pixel planes live in SUBBLOCK segments addressed by dimension
// entries, scaling lives in the XML METADATA segment. All integers are
// little-endian.

const cziSegmentHeaderSize = 32

// CZI pixel type codes for the plane data we accept.
const (
	cziPixelGray8  = 0
	cziPixelGray16 = 1
)

// cziSubBlock is one located pixel plane.
type cziSubBlock struct {
	z, c       int
	width      int
	height     int
	pixelType  int32
	dataOffset int64
	dataSize   int64
}

type cziReader struct {
	f    *os.File
	path string

	blocks  []cziSubBlock
	xmlMeta []byte

	scaling    *models.ScalingParams
	scalingErr error
}

func newCZIReader(f *os.File, path string) (*cziReader, error) {
	r := &cziReader{f: f, path: path}
	if err := r.scanSegments(); err != nil {
		f.Close()
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(r.blocks) == 0 {
		f.Close()
		return nil, fmt.Errorf("parsing %s: no image sub-blocks", path)
	}
	r.scaling, r.scalingErr = r.resolveScaling()
	return r, nil
}

func (r *cziReader) Close() error { return r.f.Close() }

// scanSegments walks the segment chain, collecting sub-block locations
// and the metadata XML.
func (r *cziReader) scanSegments() error {
	fi, err := r.f.Stat()
	if err != nil {
		return err
	}
	size := fi.Size()

	var offset int64
	for offset+cziSegmentHeaderSize <= size {
		var header [cziSegmentHeaderSize]byte
		if _, err := r.f.ReadAt(header[:], offset); err != nil {
			return fmt.Errorf("reading segment header at %d: %w", offset, err)
		}

		id := strings.TrimRight(string(header[0:16]), "\x00")
		allocated := int64(binary.LittleEndian.Uint64(header[16:24]))
		if allocated <= 0 {
			return fmt.Errorf("segment %q at %d has non-positive size %d", id, offset, allocated)
		}
		dataStart := offset + cziSegmentHeaderSize

		switch id {
		case "ZISRAWFILE":
			// file header segment, nothing needed from it
		case "ZISRAWMETADATA":
			if err := r.readMetadataSegment(dataStart); err != nil {
				return err
			}
		case "ZISRAWSUBBLOCK":
			if err := r.readSubBlockEntry(dataStart); err != nil {
				return err
			}
		}

		offset = dataStart + allocated
	}
	return nil
}

// readMetadataSegment extracts the XML document: a 256-byte sub-header
// whose first field is the XML size, followed by the XML itself.
func (r *cziReader) readMetadataSegment(offset int64) error {
	var head [4]byte
	if _, err := r.f.ReadAt(head[:], offset); err != nil {
		return fmt.Errorf("reading metadata header: %w", err)
	}
	xmlSize := int64(int32(binary.LittleEndian.Uint32(head[:])))
	if xmlSize <= 0 || xmlSize > 1<<28 {
		return fmt.Errorf("implausible metadata XML size %d", xmlSize)
	}

	r.xmlMeta = make([]byte, xmlSize)
	if _, err := r.f.ReadAt(r.xmlMeta, offset+256); err != nil {
		return fmt.Errorf("reading metadata XML: %w", err)
	}
	return nil
}

// readSubBlockEntry decodes the directory entry embedded in a SUBBLOCK
// segment and records where the plane's pixel data lives.
func (r *cziReader) readSubBlockEntry(offset int64) error {
	// MetadataSize i32, AttachmentSize i32, DataSize i64, then the
	// DirectoryEntryDV.
	var head [48]byte
	if _, err := r.f.ReadAt(head[:], offset); err != nil {
		return fmt.Errorf("reading sub-block at %d: %w", offset, err)
	}
	le := binary.LittleEndian

	metadataSize := int64(int32(le.Uint32(head[0:4])))
	dataSize := int64(le.Uint64(head[8:16]))
	entry := head[16:]

	if string(entry[0:2]) != "DV" {
		return fmt.Errorf("sub-block at %d: unsupported directory schema %q", offset, entry[0:2])
	}
	// The entry fields are unaligned: PixelType at byte 2, Compression
	// at 18, PyramidType at 22, DimensionCount at 28.
	pixelType := int32(le.Uint32(entry[2:6]))
	// Downsampled pyramid levels are skipped outright; they are often
	// compressed, so this must come before the compression check.
	if entry[22] != 0 {
		return nil
	}
	compression := int32(le.Uint32(entry[18:22]))
	if compression != 0 {
		return fmt.Errorf("sub-block at %d: compressed pixel data is not supported (compression=%d)", offset, compression)
	}
	dimCount := int(int32(le.Uint32(entry[28:32])))
	if dimCount < 0 || dimCount > 32 {
		return fmt.Errorf("sub-block at %d: implausible dimension count %d", offset, dimCount)
	}
	if metadataSize < 0 {
		return fmt.Errorf("sub-block at %d: negative metadata size %d", offset, metadataSize)
	}

	dims := make([]byte, dimCount*20)
	if _, err := r.f.ReadAt(dims, offset+48); err != nil {
		return fmt.Errorf("reading sub-block dimensions at %d: %w", offset, err)
	}

	block := cziSubBlock{pixelType: pixelType, dataSize: dataSize}
	for i := 0; i < dimCount; i++ {
		d := dims[i*20 : i*20+20]
		name := strings.TrimRight(string(d[0:4]), "\x00")
		start := int(int32(le.Uint32(d[4:8])))
		stored := int(int32(le.Uint32(d[16:20])))
		switch name {
		case "X":
			block.width = stored
		case "Y":
			block.height = stored
		case "Z":
			block.z = start
		case "C":
			block.c = start
		}
	}

	if block.width <= 0 || block.height <= 0 {
		return fmt.Errorf("sub-block at %d: missing X or Y extent", offset)
	}

	// Pixel data follows the per-sub-block metadata XML, which itself
	// follows the directory entry padded to at least the 256-byte
	// sub-header.
	entrySize := int64(32 + dimCount*20)
	dataStart := int64(16) + entrySize
	if dataStart < 256 {
		dataStart = 256
	}
	block.dataOffset = offset + dataStart + metadataSize

	r.blocks = append(r.blocks, block)
	return nil
}

// Volume assembles all located planes into a (z, c, y, x) volume.
func (r *cziReader) Volume() (*models.Volume, error) {
	first := r.blocks[0]
	slices, channels := 0, 0
	for _, b := range r.blocks {
		if b.width != first.width || b.height != first.height {
			return nil, fmt.Errorf("%s: sub-block extents differ across planes", r.path)
		}
		if b.pixelType != first.pixelType {
			return nil, fmt.Errorf("%s: mixed pixel types across planes", r.path)
		}
		if b.z+1 > slices {
			slices = b.z + 1
		}
		if b.c+1 > channels {
			channels = b.c + 1
		}
	}

	var bits int
	switch first.pixelType {
	case cziPixelGray8:
		bits = 8
	case cziPixelGray16:
		bits = 16
	default:
		return nil, fmt.Errorf("%s: unsupported pixel type %d", r.path, first.pixelType)
	}

	vol := models.NewVolume(slices, channels, first.height, first.width, bits)
	planeSize := first.height * first.width
	for _, b := range r.blocks {
		expected := int64(planeSize * bits / 8)
		if b.dataSize < expected {
			return nil, fmt.Errorf("%s: plane z=%d c=%d has %d bytes, want %d", r.path, b.z, b.c, b.dataSize, expected)
		}

		buf := make([]byte, expected)
		if _, err := r.f.ReadAt(buf, b.dataOffset); err != nil {
			return nil, fmt.Errorf("%s: reading plane z=%d c=%d: %w", r.path, b.z, b.c, err)
		}

		base := (b.z*channels + b.c) * planeSize
		if bits == 8 {
			for i := 0; i < planeSize; i++ {
				vol.Data[base+i] = uint16(buf[i])
			}
		} else {
			for i := 0; i < planeSize; i++ {
				vol.Data[base+i] = binary.LittleEndian.Uint16(buf[i*2 : i*2+2])
			}
		}
	}
	return vol, nil
}

// cziMetadata mirrors the part of the metadata XML carrying scaling
// distances.
type cziMetadata struct {
	Metadata struct {
		Scaling struct {
			Items struct {
				Distances []struct {
					ID    string  `xml:"Id,attr"`
					Value float64 `xml:"Value"`
				} `xml:"Distance"`
			} `xml:"Items"`
		} `xml:"Scaling"`
	} `xml:"Metadata"`
}

// Scaling resolves the canonical scaling record from the metadata XML.
// CZI acquisitions keep their recorded channel order.
func (r *cziReader) Scaling() (*models.ScalingParams, error) {
	if r.scalingErr != nil {
		return nil, &MetadataError{Path: r.path, Err: r.scalingErr}
	}
	return r.scaling, nil
}

func (r *cziReader) resolveScaling() (*models.ScalingParams, error) {
	channels := 0
	for _, b := range r.blocks {
		if b.c+1 > channels {
			channels = b.c + 1
		}
	}

	if len(r.xmlMeta) == 0 {
		return nil, fmt.Errorf("no metadata segment")
	}

	var doc cziMetadata
	if err := xml.Unmarshal(r.xmlMeta, &doc); err != nil {
		return nil, fmt.Errorf("decoding metadata XML: %w", err)
	}

	params := models.DefaultScalingParams(channels)
	found := false
	for _, d := range doc.Metadata.Scaling.Items.Distances {
		// distances are recorded in meters
		um := d.Value * 1e6
		if math.IsNaN(um) || um < 0 {
			continue
		}
		switch d.ID {
		case "X":
			params.VoxelX = um
			found = true
		case "Y":
			params.VoxelY = um
			found = true
		case "Z":
			params.VoxelZ = um
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("metadata XML carries no scaling distances")
	}

	var resX, resY float64
	if params.VoxelX > 0 {
		resX = 1.0 / params.VoxelX
	}
	if params.VoxelY > 0 {
		resY = 1.0 / params.VoxelY
	}
	params.Resolution = (resX + resY) / 2

	return params, nil
}
