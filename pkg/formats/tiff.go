package formats

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Minimal little/big-endian TIFF container walker, enough to reach the
// image IFDs and the Zeiss private tag of an LSM file. Values are decoded
// lazily by tag.

const (
	tagNewSubfileType  = 254
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagImageDesc       = 270
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagXResolution     = 282
	tagYResolution     = 283
	tagPlanarConfig    = 284
	tagResolutionUnit  = 296
	tagCZLSMInfo       = 34412
)

const (
	typeByte     = 1
	typeASCII    = 2
	typeShort    = 3
	typeLong     = 4
	typeRational = 5
)

var typeSizes = map[uint16]int{
	typeByte:     1,
	typeASCII:    1,
	typeShort:    2,
	typeLong:     4,
	typeRational: 8,
}

// tiffTag is one decoded IFD entry.
type tiffTag struct {
	typ   uint16
	count uint32
	// raw holds the inline value bytes or the dereferenced external data
	raw []byte
}

// tiffIFD maps tag id to its entry for one directory.
type tiffIFD struct {
	tags map[uint16]tiffTag
}

// tiffReader walks a TIFF container over an io.ReaderAt.
type tiffReader struct {
	r     io.ReaderAt
	order binary.ByteOrder
	ifds  []tiffIFD
}

// newTIFFReader parses the header and every IFD in the chain.
func newTIFFReader(r io.ReaderAt) (*tiffReader, error) {
	var header [8]byte
	if _, err := r.ReadAt(header[:], 0); err != nil {
		return nil, fmt.Errorf("reading TIFF header: %w", err)
	}

	t := &tiffReader{r: r}
	switch {
	case header[0] == 'I' && header[1] == 'I':
		t.order = binary.LittleEndian
	case header[0] == 'M' && header[1] == 'M':
		t.order = binary.BigEndian
	default:
		return nil, fmt.Errorf("not a TIFF file: bad byte-order mark %q", header[:2])
	}
	if t.order.Uint16(header[2:4]) != 42 {
		return nil, fmt.Errorf("not a TIFF file: bad magic %d", t.order.Uint16(header[2:4]))
	}

	offset := int64(t.order.Uint32(header[4:8]))
	for offset != 0 {
		ifd, next, err := t.readIFD(offset)
		if err != nil {
			return nil, err
		}
		t.ifds = append(t.ifds, ifd)
		if len(t.ifds) > 1<<16 {
			return nil, fmt.Errorf("IFD chain too long, file corrupt")
		}
		offset = next
	}

	return t, nil
}

// readIFD decodes the directory at offset and returns it with the offset
// of the next directory in the chain.
func (t *tiffReader) readIFD(offset int64) (tiffIFD, int64, error) {
	var countBuf [2]byte
	if _, err := t.r.ReadAt(countBuf[:], offset); err != nil {
		return tiffIFD{}, 0, fmt.Errorf("reading IFD at %d: %w", offset, err)
	}
	count := int(t.order.Uint16(countBuf[:]))

	entries := make([]byte, count*12+4)
	if _, err := t.r.ReadAt(entries, offset+2); err != nil {
		return tiffIFD{}, 0, fmt.Errorf("reading %d IFD entries at %d: %w", count, offset, err)
	}

	ifd := tiffIFD{tags: make(map[uint16]tiffTag, count)}
	for i := 0; i < count; i++ {
		e := entries[i*12 : i*12+12]
		tag := t.order.Uint16(e[0:2])
		typ := t.order.Uint16(e[2:4])
		n := t.order.Uint32(e[4:8])

		size, ok := typeSizes[typ]
		if !ok {
			// Unknown value type, keep the raw inline bytes
			size = 1
		}
		total := int64(size) * int64(n)

		var raw []byte
		if total <= 4 {
			raw = append([]byte(nil), e[8:8+total]...)
		} else {
			raw = make([]byte, total)
			valueOffset := int64(t.order.Uint32(e[8:12]))
			if _, err := t.r.ReadAt(raw, valueOffset); err != nil {
				return tiffIFD{}, 0, fmt.Errorf("reading tag %d data: %w", tag, err)
			}
		}

		ifd.tags[tag] = tiffTag{typ: typ, count: n, raw: raw}
	}

	next := int64(t.order.Uint32(entries[count*12:]))
	return ifd, next, nil
}

// uintValues decodes a SHORT or LONG tag into a uint64 slice.
func (t *tiffReader) uintValues(ifd tiffIFD, tag uint16) ([]uint64, bool) {
	entry, ok := ifd.tags[tag]
	if !ok {
		return nil, false
	}

	values := make([]uint64, entry.count)
	switch entry.typ {
	case typeShort:
		for i := range values {
			values[i] = uint64(t.order.Uint16(entry.raw[i*2 : i*2+2]))
		}
	case typeLong:
		for i := range values {
			values[i] = uint64(t.order.Uint32(entry.raw[i*4 : i*4+4]))
		}
	default:
		return nil, false
	}
	return values, true
}

// uintValue decodes the first value of a SHORT or LONG tag with a default.
func (t *tiffReader) uintValue(ifd tiffIFD, tag uint16, def uint64) uint64 {
	values, ok := t.uintValues(ifd, tag)
	if !ok || len(values) == 0 {
		return def
	}
	return values[0]
}
