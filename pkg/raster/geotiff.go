// Package raster provides just enough GeoTIFF plumbing for the raw-data
// cache: reading georeferenced bounds from downloaded files and writing
// the stacked hourly-forcing rasters. It is deliberately not a general
// TIFF library; cgo GDAL bindings are off the table for deployment
// reasons and no pure-Go package exposes the Geo* tags we need.
package raster

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb"
)

// TIFF tag ids used by the reader and writer.
const (
	tagImageWidth       = 256
	tagImageLength      = 257
	tagBitsPerSample    = 258
	tagCompression      = 259
	tagPhotometric      = 262
	tagSamplesPerPixel  = 277
	tagPlanarConfig     = 284
	tagTileWidth        = 322
	tagTileLength       = 323
	tagTileOffsets      = 324
	tagTileByteCounts   = 325
	tagSampleFormat     = 339
	tagModelPixelScale  = 33550
	tagModelTiepoint    = 33922
	tagGeoKeyDirectory  = 34735
	tagGDALMetadata     = 42112
)

// GeoTIFF key ids.
const (
	geoKeyModelType      = 1024
	geoKeyRasterType     = 1025
	geoKeyGeographicType = 2048
	geoKeyProjectedCS    = 3072
)

// Info is the georeferencing header of a raster file.
type Info struct {
	Width  int
	Height int
	Bound  orb.Bound // in the file's native CRS
	EPSG   int       // 4326 for geographic, 326xx/327xx for UTM, 0 if absent
}

type ifdEntry struct {
	typ    uint16
	count  uint32
	value  uint32 // inline value or offset
	inline [4]byte
}

// ReadInfo parses the first IFD of a TIFF file and extracts size,
// bounds and CRS. Only the header region is read, never pixel data.
func ReadInfo(path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var head [8]byte
	if _, err := f.ReadAt(head[:], 0); err != nil {
		return nil, fmt.Errorf("tiff header: %w", err)
	}

	var bo binary.ByteOrder
	switch {
	case head[0] == 'I' && head[1] == 'I':
		bo = binary.LittleEndian
	case head[0] == 'M' && head[1] == 'M':
		bo = binary.BigEndian
	default:
		return nil, fmt.Errorf("not a tiff file")
	}
	if bo.Uint16(head[2:4]) != 42 {
		return nil, fmt.Errorf("bad tiff magic")
	}

	ifdOff := int64(bo.Uint32(head[4:8]))
	var cntBuf [2]byte
	if _, err := f.ReadAt(cntBuf[:], ifdOff); err != nil {
		return nil, fmt.Errorf("ifd count: %w", err)
	}
	n := int(bo.Uint16(cntBuf[:]))
	if n == 0 || n > 4096 {
		return nil, fmt.Errorf("implausible ifd entry count %d", n)
	}

	raw := make([]byte, n*12)
	if _, err := f.ReadAt(raw, ifdOff+2); err != nil {
		return nil, fmt.Errorf("ifd entries: %w", err)
	}

	entries := make(map[uint16]ifdEntry, n)
	for i := 0; i < n; i++ {
		e := raw[i*12 : i*12+12]
		ent := ifdEntry{
			typ:   bo.Uint16(e[2:4]),
			count: bo.Uint32(e[4:8]),
			value: bo.Uint32(e[8:12]),
		}
		copy(ent.inline[:], e[8:12])
		entries[bo.Uint16(e[0:2])] = ent
	}

	info := &Info{}

	w, err := entryUint(entries, tagImageWidth, bo)
	if err != nil {
		return nil, err
	}
	h, err := entryUint(entries, tagImageLength, bo)
	if err != nil {
		return nil, err
	}
	info.Width, info.Height = int(w), int(h)

	scale, err := entryDoubles(f, entries, tagModelPixelScale, bo)
	if err != nil {
		return nil, fmt.Errorf("model pixel scale: %w", err)
	}
	tie, err := entryDoubles(f, entries, tagModelTiepoint, bo)
	if err != nil {
		return nil, fmt.Errorf("model tiepoint: %w", err)
	}
	if len(scale) < 2 || len(tie) < 6 {
		return nil, fmt.Errorf("georeferencing tags truncated")
	}

	originX, originY := tie[3], tie[4]
	info.Bound = orb.Bound{
		Min: orb.Point{originX, originY - scale[1]*float64(info.Height)},
		Max: orb.Point{originX + scale[0]*float64(info.Width), originY},
	}

	if keys, err := entryShorts(f, entries, tagGeoKeyDirectory, bo); err == nil {
		info.EPSG = epsgFromGeoKeys(keys)
	}

	return info, nil
}

func epsgFromGeoKeys(keys []uint16) int {
	// Directory header is 4 shorts, then 4 shorts per key.
	for i := 4; i+3 < len(keys); i += 4 {
		switch keys[i] {
		case geoKeyProjectedCS:
			return int(keys[i+3])
		case geoKeyGeographicType:
			return int(keys[i+3])
		}
	}
	return 0
}

func entryUint(entries map[uint16]ifdEntry, tag uint16, bo binary.ByteOrder) (uint32, error) {
	e, ok := entries[tag]
	if !ok {
		return 0, fmt.Errorf("missing tiff tag %d", tag)
	}
	switch e.typ {
	case 3: // SHORT
		return uint32(bo.Uint16(e.inline[0:2])), nil
	case 4: // LONG
		return e.value, nil
	}
	return 0, fmt.Errorf("tag %d: unsupported type %d", tag, e.typ)
}

func entryDoubles(f *os.File, entries map[uint16]ifdEntry, tag uint16, bo binary.ByteOrder) ([]float64, error) {
	e, ok := entries[tag]
	if !ok {
		return nil, fmt.Errorf("missing tiff tag %d", tag)
	}
	if e.typ != 12 {
		return nil, fmt.Errorf("tag %d: expected DOUBLE, got type %d", tag, e.typ)
	}
	buf := make([]byte, 8*e.count)
	if _, err := f.ReadAt(buf, int64(e.value)); err != nil {
		return nil, err
	}
	out := make([]float64, e.count)
	for i := range out {
		bits := bo.Uint64(buf[i*8 : i*8+8])
		out[i] = math.Float64frombits(bits)
	}
	return out, nil
}

func entryShorts(f *os.File, entries map[uint16]ifdEntry, tag uint16, bo binary.ByteOrder) ([]uint16, error) {
	e, ok := entries[tag]
	if !ok {
		return nil, fmt.Errorf("missing tiff tag %d", tag)
	}
	if e.typ != 3 {
		return nil, fmt.Errorf("tag %d: expected SHORT, got type %d", tag, e.typ)
	}
	if e.count <= 2 {
		return []uint16{bo.Uint16(e.inline[0:2]), bo.Uint16(e.inline[2:4])}[:e.count], nil
	}
	buf := make([]byte, 2*e.count)
	if _, err := f.ReadAt(buf, int64(e.value)); err != nil {
		return nil, err
	}
	out := make([]uint16, e.count)
	for i := range out {
		out[i] = bo.Uint16(buf[i*2 : i*2+2])
	}
	return out, nil
}

// InfoReader caches parsed headers keyed by path, size and mtime, so a
// coverage sweep over hundreds of scene files stays cheap. The cache
// never serves a stale entry for a rewritten file because the key
// changes with it.
type InfoReader struct {
	cache *lru.Cache[string, *Info]
}

// NewInfoReader creates a reader caching up to size headers.
func NewInfoReader(size int) (*InfoReader, error) {
	c, err := lru.New[string, *Info](size)
	if err != nil {
		return nil, err
	}
	return &InfoReader{cache: c}, nil
}

// ReadInfo returns the georeferencing header of path, from cache when
// the file is unchanged.
func (r *InfoReader) ReadInfo(path string) (*Info, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s|%d|%d", path, st.Size(), st.ModTime().UnixNano())
	if info, ok := r.cache.Get(key); ok {
		return info, nil
	}
	info, err := ReadInfo(path)
	if err != nil {
		return nil, err
	}
	r.cache.Add(key, info)
	return info, nil
}
