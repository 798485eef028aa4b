package formats

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strings"

	"stacknorm/internal/models"
)

// Zeiss LSM files are TIFF containers: each z-plane is one image IFD with
// one strip per channel (planar configuration), thumbnails are reduced
// IFDs, and the acquisition block lives in private tag 34412 of the first
// directory.

// lsmMagic13 and lsmMagic15 are the accepted CZ_LSMINFO magic numbers
// (format versions 1.3 and 1.5/2.0).
const (
	lsmMagic13 = 0x0300494C
	lsmMagic15 = 0x0400494C
)

// scanInfoTrackName is the entry code of a track name inside the
// recursive ScanInformation block.
const scanInfoTrackName = 0x40000001

// scanInfoSubblockEnd closes the innermost ScanInformation subblock.
const scanInfoSubblockEnd = 0x0FFFFFFF

// lsmInfo is the subset of CZ_LSMINFO the resolver needs.
type lsmInfo struct {
	dimChannels int
	// voxel sizes in meters, as recorded
	voxelX, voxelY, voxelZ float64
	offsetChannelColors    int64
	offsetScanInfo         int64
}

type lsmReader struct {
	f    *os.File
	path string
	tiff *tiffReader

	info    *lsmInfo
	infoErr error
}

func newLSMReader(f *os.File, path string) (*lsmReader, error) {
	t, err := newTIFFReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(t.ifds) == 0 {
		f.Close()
		return nil, fmt.Errorf("parsing %s: no image directories", path)
	}

	r := &lsmReader{f: f, path: path, tiff: t}
	r.info, r.infoErr = r.parseInfo()
	return r, nil
}

func (r *lsmReader) Close() error { return r.f.Close() }

// parseInfo decodes the CZ_LSMINFO block from the first IFD.
func (r *lsmReader) parseInfo() (*lsmInfo, error) {
	entry, ok := r.tiff.ifds[0].tags[tagCZLSMInfo]
	if !ok {
		return nil, fmt.Errorf("no CZ_LSMINFO tag, not an LSM acquisition")
	}
	raw := entry.raw
	if len(raw) < 128 {
		return nil, fmt.Errorf("CZ_LSMINFO block truncated at %d bytes", len(raw))
	}

	// The Zeiss block is always little-endian regardless of the TIFF
	// byte order.
	le := binary.LittleEndian
	magic := le.Uint32(raw[0:4])
	if magic != lsmMagic13 && magic != lsmMagic15 {
		return nil, fmt.Errorf("bad CZ_LSMINFO magic 0x%08X", magic)
	}

	info := &lsmInfo{
		dimChannels:         int(int32(le.Uint32(raw[20:24]))),
		voxelX:              math.Float64frombits(le.Uint64(raw[40:48])),
		voxelY:              math.Float64frombits(le.Uint64(raw[48:56])),
		voxelZ:              math.Float64frombits(le.Uint64(raw[56:64])),
		offsetChannelColors: int64(le.Uint32(raw[108:112])),
		offsetScanInfo:      int64(le.Uint32(raw[124:128])),
	}
	return info, nil
}

// Volume reads every image IFD (thumbnails excluded) into a (z,c,y,x)
// volume. Only uncompressed strips are supported.
func (r *lsmReader) Volume() (*models.Volume, error) {
	var vol *models.Volume
	z := 0

	for _, ifd := range r.tiff.ifds {
		if r.tiff.uintValue(ifd, tagNewSubfileType, 0) != 0 {
			continue // reduced-resolution thumbnail directory
		}

		width := int(r.tiff.uintValue(ifd, tagImageWidth, 0))
		height := int(r.tiff.uintValue(ifd, tagImageLength, 0))
		bits := int(r.tiff.uintValue(ifd, tagBitsPerSample, 8))
		compression := r.tiff.uintValue(ifd, tagCompression, 1)
		if compression != 1 {
			return nil, fmt.Errorf("%s: compressed LSM strips are not supported (compression=%d)", r.path, compression)
		}
		if bits != 8 && bits != 16 {
			return nil, fmt.Errorf("%s: unsupported bit depth %d", r.path, bits)
		}

		offsets, ok := r.tiff.uintValues(ifd, tagStripOffsets)
		if !ok {
			return nil, fmt.Errorf("%s: image directory without strip offsets", r.path)
		}
		counts, ok := r.tiff.uintValues(ifd, tagStripByteCounts)
		if !ok || len(counts) != len(offsets) {
			return nil, fmt.Errorf("%s: strip byte counts missing or inconsistent", r.path)
		}

		planar := r.tiff.uintValue(ifd, tagPlanarConfig, 1)
		samples := int(r.tiff.uintValue(ifd, tagSamplesPerPixel, 1))

		var channels int
		switch {
		case planar == 2:
			channels = len(offsets) // one strip per channel plane
		case samples == 1:
			channels = 1
		default:
			return nil, fmt.Errorf("%s: chunky multi-sample LSM layout is not supported", r.path)
		}

		if vol == nil {
			slices := 0
			for _, d := range r.tiff.ifds {
				if r.tiff.uintValue(d, tagNewSubfileType, 0) == 0 {
					slices++
				}
			}
			vol = models.NewVolume(slices, channels, height, width, bits)
		} else if channels != vol.Channels || width != vol.Width || height != vol.Height {
			return nil, fmt.Errorf("%s: slice %d extents differ from the first slice", r.path, z)
		}

		if planar == 2 {
			for c := 0; c < channels; c++ {
				if err := r.readPlane(vol, z, c, offsets[c], counts[c], bits); err != nil {
					return nil, err
				}
			}
		} else {
			// Single-channel chunky data, possibly split across strips
			if err := r.readStrips(vol, z, offsets, counts, bits); err != nil {
				return nil, err
			}
		}

		z++
	}

	if vol == nil {
		return nil, fmt.Errorf("%s: no image data", r.path)
	}
	return vol, nil
}

// readPlane loads one full channel plane stored in a single strip.
func (r *lsmReader) readPlane(vol *models.Volume, z, c int, offset, count uint64, bits int) error {
	expected := vol.Height * vol.Width * bits / 8
	if int(count) != expected {
		return fmt.Errorf("%s: plane z=%d c=%d has %d bytes, want %d", r.path, z, c, count, expected)
	}

	buf := make([]byte, count)
	if _, err := r.f.ReadAt(buf, int64(offset)); err != nil {
		return fmt.Errorf("%s: reading plane z=%d c=%d: %w", r.path, z, c, err)
	}

	r.decodeSamples(vol, z, c, buf, bits)
	return nil
}

// readStrips loads a single-channel plane split across strips.
func (r *lsmReader) readStrips(vol *models.Volume, z int, offsets, counts []uint64, bits int) error {
	var buf []byte
	for i, offset := range offsets {
		part := make([]byte, counts[i])
		if _, err := r.f.ReadAt(part, int64(offset)); err != nil {
			return fmt.Errorf("%s: reading strip %d of slice %d: %w", r.path, i, z, err)
		}
		buf = append(buf, part...)
	}

	expected := vol.Height * vol.Width * bits / 8
	if len(buf) != expected {
		return fmt.Errorf("%s: slice %d has %d bytes, want %d", r.path, z, len(buf), expected)
	}

	r.decodeSamples(vol, z, 0, buf, bits)
	return nil
}

func (r *lsmReader) decodeSamples(vol *models.Volume, z, c int, buf []byte, bits int) {
	planeSize := vol.Height * vol.Width
	base := (z*vol.Channels + c) * planeSize
	if bits == 8 {
		for i := 0; i < planeSize; i++ {
			vol.Data[base+i] = uint16(buf[i])
		}
		return
	}
	for i := 0; i < planeSize; i++ {
		vol.Data[base+i] = r.tiff.order.Uint16(buf[i*2 : i*2+2])
	}
}

// Scaling resolves the canonical scaling record: voxel sizes converted
// from meters to micrometers, the mean inverse-voxel resolution, the
// channel order derived from recorded display colors, and the historical
// LSM510/LSM880 plane swap folded into that order.
func (r *lsmReader) Scaling() (*models.ScalingParams, error) {
	if r.infoErr != nil {
		return nil, &MetadataError{Path: r.path, Err: r.infoErr}
	}
	info := r.info

	params := &models.ScalingParams{
		VoxelX: info.voxelX * 1e6,
		VoxelY: info.voxelY * 1e6,
		VoxelZ: info.voxelZ * 1e6,
	}

	var resX, resY float64
	if params.VoxelX > 0 {
		resX = 1.0 / params.VoxelX
	}
	if params.VoxelY > 0 {
		resY = 1.0 / params.VoxelY
	}
	params.Resolution = (resX + resY) / 2

	order, err := r.channelOrder(info)
	if err != nil {
		return nil, &MetadataError{Path: r.path, Err: err}
	}
	params.ChannelOrder = order

	names, err := r.trackNames(info)
	if err != nil {
		return nil, &MetadataError{Path: r.path, Err: err}
	}
	for _, name := range names {
		lower := strings.ToLower(name)
		if strings.Contains(lower, "lsm510") {
			params.LSM510 = true
		} else if strings.Contains(lower, "lsm880") {
			params.LSM880 = true
		}
	}

	// Historical compatibility: LSM510 acquisitions swap output planes
	// 0 and 1, LSM880 swaps 0 and 2. The 880 swap references plane 2 and
	// is undefined for two-channel acquisitions, which keep their
	// resolved order.
	if params.LSM510 && len(params.ChannelOrder) >= 2 {
		params.ChannelOrder[0], params.ChannelOrder[1] = params.ChannelOrder[1], params.ChannelOrder[0]
	} else if params.LSM880 && len(params.ChannelOrder) >= 3 {
		params.ChannelOrder[0], params.ChannelOrder[2] = params.ChannelOrder[2], params.ChannelOrder[0]
	}

	return params, nil
}

// channelOrder maps recorded channel display colors to output planes
// (red->0, green->1, blue->2). Absent or unrecognized colors fall back to
// identity order.
func (r *lsmReader) channelOrder(info *lsmInfo) ([]int, error) {
	identity := func() []int {
		order := make([]int, info.dimChannels)
		for i := range order {
			order[i] = i
		}
		return order
	}

	if info.offsetChannelColors == 0 {
		return identity(), nil
	}

	var header [24]byte
	if _, err := r.f.ReadAt(header[:], info.offsetChannelColors); err != nil {
		return nil, fmt.Errorf("reading channel colors block: %w", err)
	}
	le := binary.LittleEndian
	numColors := int(int32(le.Uint32(header[4:8])))
	colorsOffset := int64(int32(le.Uint32(header[12:16])))
	if numColors <= 0 || numColors > 64 {
		return identity(), nil
	}

	raw := make([]byte, numColors*4)
	if _, err := r.f.ReadAt(raw, info.offsetChannelColors+colorsOffset); err != nil {
		return nil, fmt.Errorf("reading %d channel colors: %w", numColors, err)
	}

	var order []int
	for i := 0; i < numColors; i++ {
		v := le.Uint32(raw[i*4 : i*4+4])
		red := uint8(v)
		green := uint8(v >> 8)
		blue := uint8(v >> 16)
		switch {
		case red == 255 && green == 0 && blue == 0:
			order = append(order, 0)
		case red == 0 && green == 255 && blue == 0:
			order = append(order, 1)
		case red == 0 && green == 0 && blue == 255:
			order = append(order, 2)
		}
	}
	// Colors must account for every channel to define a usable order;
	// partial recognition falls back to identity like absent colors.
	if len(order) != info.dimChannels {
		return identity(), nil
	}
	return order, nil
}

// trackNames walks the recursive ScanInformation entry list and collects
// every track name string.
func (r *lsmReader) trackNames(info *lsmInfo) ([]string, error) {
	if info.offsetScanInfo == 0 {
		return nil, nil
	}

	offset := info.offsetScanInfo
	depth := 0
	var names []string

	// Entries are {code u32, type u32, size u32, data[size]}; type 0
	// marks subblock boundaries. Cap the walk to guard against corrupt
	// blocks.
	for i := 0; i < 1<<16; i++ {
		var head [12]byte
		if _, err := r.f.ReadAt(head[:], offset); err != nil {
			return nil, fmt.Errorf("walking scan information: %w", err)
		}
		le := binary.LittleEndian
		code := le.Uint32(head[0:4])
		typ := le.Uint32(head[4:8])
		size := int64(le.Uint32(head[8:12]))
		offset += 12

		if typ == 0 {
			if code == scanInfoSubblockEnd {
				depth--
				if depth <= 0 {
					return names, nil
				}
			} else {
				depth++
			}
			continue
		}

		if typ == typeASCII && code == scanInfoTrackName && size > 0 && size < 1024 {
			raw := make([]byte, size)
			if _, err := r.f.ReadAt(raw, offset); err != nil {
				return nil, fmt.Errorf("reading track name: %w", err)
			}
			names = append(names, strings.TrimRight(string(raw), "\x00"))
		}
		offset += size
	}

	return nil, fmt.Errorf("scan information block does not terminate")
}
