package raster

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/paulmach/orb"
)

const tileSize = 256

// Grid is a multi-band float32 raster with a geographic bound.
type Grid struct {
	Width        int
	Height       int
	Bound        orb.Bound // geographic (EPSG:4326)
	Bands        [][]float32
	Descriptions []string // one per band, stored as GDAL metadata
}

// WriteGeoTIFF encodes the grid as a tiled, deflate-compressed GeoTIFF
// and writes it atomically (temp file + rename) at path.
func WriteGeoTIFF(path string, g *Grid) error {
	if len(g.Bands) == 0 {
		return fmt.Errorf("no bands to write")
	}
	for i, b := range g.Bands {
		if len(b) != g.Width*g.Height {
			return fmt.Errorf("band %d: have %d samples, want %d", i, len(b), g.Width*g.Height)
		}
	}

	data, err := encodeGeoTIFF(g)
	if err != nil {
		return err
	}

	tmp := path + ".part"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func encodeGeoTIFF(g *Grid) ([]byte, error) {
	nBands := len(g.Bands)
	tilesAcross := (g.Width + tileSize - 1) / tileSize
	tilesDown := (g.Height + tileSize - 1) / tileSize
	nTiles := tilesAcross * tilesDown

	// Compress tiles. Pixel-interleaved samples, edge tiles padded.
	tiles := make([][]byte, 0, nTiles)
	rowBuf := make([]byte, tileSize*tileSize*nBands*4)
	for ty := 0; ty < tilesDown; ty++ {
		for tx := 0; tx < tilesAcross; tx++ {
			pos := 0
			for py := 0; py < tileSize; py++ {
				y := ty*tileSize + py
				for px := 0; px < tileSize; px++ {
					x := tx*tileSize + px
					for b := 0; b < nBands; b++ {
						var v float32
						if x < g.Width && y < g.Height {
							v = g.Bands[b][y*g.Width+x]
						}
						binary.LittleEndian.PutUint32(rowBuf[pos:], math.Float32bits(v))
						pos += 4
					}
				}
			}
			var comp bytes.Buffer
			zw := zlib.NewWriter(&comp)
			if _, err := zw.Write(rowBuf[:pos]); err != nil {
				return nil, err
			}
			if err := zw.Close(); err != nil {
				return nil, err
			}
			tile := make([]byte, comp.Len())
			copy(tile, comp.Bytes())
			tiles = append(tiles, tile)
		}
	}

	scaleX := (g.Bound.Max[0] - g.Bound.Min[0]) / float64(g.Width)
	scaleY := (g.Bound.Max[1] - g.Bound.Min[1]) / float64(g.Height)

	var buf bytes.Buffer
	le := binary.LittleEndian

	// Header; IFD offset is patched after the data blocks are laid out.
	buf.Write([]byte{'I', 'I', 42, 0, 0, 0, 0, 0})

	tileOffsets := make([]uint32, nTiles)
	tileCounts := make([]uint32, nTiles)
	for i, t := range tiles {
		tileOffsets[i] = uint32(buf.Len())
		tileCounts[i] = uint32(len(t))
		buf.Write(t)
	}
	if buf.Len()%2 == 1 {
		buf.WriteByte(0)
	}

	writeShorts := func(vals []uint16) uint32 {
		off := uint32(buf.Len())
		for _, v := range vals {
			var b [2]byte
			le.PutUint16(b[:], v)
			buf.Write(b[:])
		}
		return off
	}
	writeLongs := func(vals []uint32) uint32 {
		off := uint32(buf.Len())
		for _, v := range vals {
			var b [4]byte
			le.PutUint32(b[:], v)
			buf.Write(b[:])
		}
		return off
	}
	writeDoubles := func(vals []float64) uint32 {
		off := uint32(buf.Len())
		for _, v := range vals {
			var b [8]byte
			le.PutUint64(b[:], math.Float64bits(v))
			buf.Write(b[:])
		}
		return off
	}

	bits := make([]uint16, nBands)
	sampleFormats := make([]uint16, nBands)
	for i := range bits {
		bits[i] = 32
		sampleFormats[i] = 3 // IEEE float
	}
	bitsOff := writeShorts(bits)
	formatsOff := writeShorts(sampleFormats)
	offsetsOff := writeLongs(tileOffsets)
	countsOff := writeLongs(tileCounts)
	scaleOff := writeDoubles([]float64{scaleX, scaleY, 0})
	tieOff := writeDoubles([]float64{0, 0, 0, g.Bound.Min[0], g.Bound.Max[1], 0})

	// Geographic WGS84, pixel-is-area.
	geoKeys := []uint16{
		1, 1, 0, 3,
		geoKeyModelType, 0, 1, 2,
		geoKeyRasterType, 0, 1, 1,
		geoKeyGeographicType, 0, 1, 4326,
	}
	geoOff := writeShorts(geoKeys)

	meta := gdalMetadata(g.Descriptions)
	metaOff := uint32(buf.Len())
	buf.WriteString(meta)
	buf.WriteByte(0)
	if buf.Len()%2 == 1 {
		buf.WriteByte(0)
	}

	type entry struct {
		tag, typ uint16
		count    uint32
		value    uint32
	}
	entries := []entry{
		{tagImageWidth, 4, 1, uint32(g.Width)},
		{tagImageLength, 4, 1, uint32(g.Height)},
		{tagBitsPerSample, 3, uint32(nBands), bitsOff},
		{tagCompression, 3, 1, 8}, // deflate
		{tagPhotometric, 3, 1, 1},
		{tagSamplesPerPixel, 3, 1, uint32(nBands)},
		{tagPlanarConfig, 3, 1, 1},
		{tagTileWidth, 3, 1, tileSize},
		{tagTileLength, 3, 1, tileSize},
		{tagTileOffsets, 4, uint32(nTiles), offsetsOff},
		{tagTileByteCounts, 4, uint32(nTiles), countsOff},
		{tagSampleFormat, 3, uint32(nBands), formatsOff},
		{tagModelPixelScale, 12, 3, scaleOff},
		{tagModelTiepoint, 12, 6, tieOff},
		{tagGeoKeyDirectory, 3, uint32(len(geoKeys)), geoOff},
		{tagGDALMetadata, 2, uint32(len(meta) + 1), metaOff},
	}

	ifdOff := uint32(buf.Len())
	var cnt [2]byte
	le.PutUint16(cnt[:], uint16(len(entries)))
	buf.Write(cnt[:])
	for _, e := range entries {
		var b [12]byte
		le.PutUint16(b[0:2], e.tag)
		le.PutUint16(b[2:4], e.typ)
		le.PutUint32(b[4:8], e.count)
		if e.typ == 3 && e.count == 1 {
			le.PutUint16(b[8:10], uint16(e.value))
		} else {
			le.PutUint32(b[8:12], e.value)
		}
		buf.Write(b[:])
	}
	buf.Write([]byte{0, 0, 0, 0}) // no next IFD

	out := buf.Bytes()
	le.PutUint32(out[4:8], ifdOff)
	return out, nil
}

func gdalMetadata(descriptions []string) string {
	var b bytes.Buffer
	b.WriteString("<GDALMetadata>\n")
	for i, d := range descriptions {
		fmt.Fprintf(&b, "  <Item name=\"DESCRIPTION\" sample=\"%d\" role=\"description\">%s</Item>\n", i, d)
	}
	b.WriteString("</GDALMetadata>\n")
	return b.String()
}
