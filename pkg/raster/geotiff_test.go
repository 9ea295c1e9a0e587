package raster

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGrid(w, h int) *Grid {
	bands := make([][]float32, 6)
	for b := range bands {
		bands[b] = make([]float32, w*h)
		for i := range bands[b] {
			bands[b][i] = float32(b*1000 + i)
		}
	}
	return &Grid{
		Width:  w,
		Height: h,
		Bound: orb.Bound{
			Min: orb.Point{-125.0, 25.0},
			Max: orb.Point{-67.0, 53.0},
		},
		Bands:        bands,
		Descriptions: []string{"Tair", "Qair", "PSurf", "Wind_E", "Wind_N", "SWdown"},
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stack.tif")

	require.NoError(t, WriteGeoTIFF(path, testGrid(464, 224)))

	info, err := ReadInfo(path)
	require.NoError(t, err)
	assert.Equal(t, 464, info.Width)
	assert.Equal(t, 224, info.Height)
	assert.Equal(t, 4326, info.EPSG)
	assert.InDelta(t, -125.0, info.Bound.Min[0], 1e-9)
	assert.InDelta(t, 25.0, info.Bound.Min[1], 1e-9)
	assert.InDelta(t, -67.0, info.Bound.Max[0], 1e-9)
	assert.InDelta(t, 53.0, info.Bound.Max[1], 1e-9)
}

func TestWriteIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.tif")
	require.NoError(t, WriteGeoTIFF(path, testGrid(10, 10)))

	// No temp leftovers after a successful write.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "out.tif", entries[0].Name())
}

func TestWriteRejectsRaggedBands(t *testing.T) {
	g := testGrid(4, 4)
	g.Bands[2] = g.Bands[2][:3]
	err := WriteGeoTIFF(filepath.Join(t.TempDir(), "bad.tif"), g)
	assert.Error(t, err)
}

func TestReadInfoRejectsNonTIFF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.tif")
	require.NoError(t, os.WriteFile(path, []byte("<html>not a raster</html>"), 0o644))
	_, err := ReadInfo(path)
	assert.Error(t, err)
}

func TestInfoReaderCaches(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.tif")
	require.NoError(t, WriteGeoTIFF(path, testGrid(8, 8)))

	r, err := NewInfoReader(16)
	require.NoError(t, err)

	i1, err := r.ReadInfo(path)
	require.NoError(t, err)
	i2, err := r.ReadInfo(path)
	require.NoError(t, err)
	assert.Same(t, i1, i2)
}
