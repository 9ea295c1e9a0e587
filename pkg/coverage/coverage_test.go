package coverage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etmapd/pkg/config"
	"etmapd/pkg/layout"
	"etmapd/pkg/model"
	"etmapd/pkg/raster"
)

func newTestChecker(t *testing.T) (*Checker, *layout.Cache) {
	t.Helper()
	root := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Data.Root = root

	headers, err := raster.NewInfoReader(64)
	require.NoError(t, err)

	return NewChecker(cfg, headers), layout.New(root)
}

// writeRaster drops a tiny real GeoTIFF covering the given bound.
func writeRaster(t *testing.T, path string, bound orb.Bound) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	grid := &raster.Grid{
		Width:  4,
		Height: 4,
		Bound:  bound,
		Bands:  [][]float32{make([]float32, 16)},
	}
	require.NoError(t, raster.WriteGeoTIFF(path, grid))
}

func date(s string) time.Time {
	d, err := time.ParseInLocation(model.DateLayout, s, time.UTC)
	if err != nil {
		panic(err)
	}
	return d
}

var (
	// A small field inside the big test raster bound.
	fieldGeom = orb.Polygon{{
		{-120.5, 38.5}, {-120.4, 38.5}, {-120.4, 38.6}, {-120.5, 38.6}, {-120.5, 38.5},
	}}
	wideBound   = orb.Bound{Min: orb.Point{-125, 32}, Max: orb.Point{-114, 42}}
	narrowBound = orb.Bound{Min: orb.Point{-100, 30}, Max: orb.Point{-99, 31}}
)

func TestCheckEmptyCache(t *testing.T) {
	c, _ := newTestChecker(t)

	report := c.Check(fieldGeom, date("2024-03-29"), date("2024-03-29"))

	assert.False(t, report.Covered(model.DatasetLandsat))
	assert.False(t, report.Covered(model.DatasetPrism))
	assert.False(t, report.Covered(model.DatasetNLDAS))
	assert.Equal(t, 0, report.DatasetsCovered)
	assert.Len(t, report.NeedsFetching, 3)
}

func TestLandsatSpatialOnly(t *testing.T) {
	c, cache := newTestChecker(t)

	// Scene dates far outside the request range still count, the
	// archive check ignores time entirely.
	old := date("2019-06-01")
	writeRaster(t, cache.LandsatScenePath("B4", "LC08_OLD", old), wideBound)
	writeRaster(t, cache.LandsatScenePath("B5", "LC08_OLD", old), wideBound)

	report := c.Check(fieldGeom, date("2024-03-29"), date("2024-03-29"))
	assert.True(t, report.Covered(model.DatasetLandsat))
}

// Only the first band directory is enumerated; the fetcher writes every
// band of a scene together, so one listing stands for all.
func TestLandsatFirstBandGoverns(t *testing.T) {
	c, cache := newTestChecker(t)

	writeRaster(t, cache.LandsatScenePath("B4", "LC08_A", date("2024-03-29")), wideBound)
	// B5 empty: irrelevant to the decision.

	report := c.Check(fieldGeom, date("2024-03-29"), date("2024-03-29"))
	assert.True(t, report.Covered(model.DatasetLandsat))
	assert.Equal(t, 1, report.Datasets[model.DatasetLandsat].FileCount)

	// A first band that misses the geometry is not covered, regardless
	// of the other bands.
	other := orb.Polygon{{
		{-99.5, 30.2}, {-99.4, 30.2}, {-99.4, 30.3}, {-99.5, 30.3}, {-99.5, 30.2},
	}}
	report = c.Check(other, date("2024-03-29"), date("2024-03-29"))
	assert.False(t, report.Covered(model.DatasetLandsat))
	assert.Contains(t, report.Datasets[model.DatasetLandsat].Detail, "scenes")
}

func TestPrismMissingDay(t *testing.T) {
	c, cache := newTestChecker(t)

	writeRaster(t, cache.PrismFile("ppt", date("2024-03-29")), wideBound)
	// 2024-03-30 has no files.

	report := c.Check(fieldGeom, date("2024-03-29"), date("2024-03-30"))
	cov := report.Datasets[model.DatasetPrism]
	assert.False(t, cov.Covered)
	assert.Contains(t, cov.Detail, "2024-03-30")
}

func TestPrismCovered(t *testing.T) {
	c, cache := newTestChecker(t)

	for _, d := range []string{"2024-03-29", "2024-03-30"} {
		writeRaster(t, cache.PrismFile("ppt", date(d)), wideBound)
	}

	report := c.Check(fieldGeom, date("2024-03-29"), date("2024-03-30"))
	cov := report.Datasets[model.DatasetPrism]
	assert.True(t, cov.Covered)
	assert.Equal(t, 2, cov.FileCount)
}

func TestNLDASRatioThreshold(t *testing.T) {
	c, cache := newTestChecker(t)
	day := date("2024-03-29")

	// 21 of 24 hours present: 0.875, just below the threshold.
	for hour := 0; hour < 21; hour++ {
		writeRaster(t, cache.NLDASHourFile(day, hour), wideBound)
	}
	report := c.Check(fieldGeom, day, day)
	cov := report.Datasets[model.DatasetNLDAS]
	assert.False(t, cov.Covered)
	assert.InDelta(t, 0.875, cov.DayRatio, 0.001)

	// Two more hours push it over.
	writeRaster(t, cache.NLDASHourFile(day, 21), wideBound)
	writeRaster(t, cache.NLDASHourFile(day, 22), wideBound)
	report = c.Check(fieldGeom, day, day)
	assert.True(t, report.Covered(model.DatasetNLDAS))
}

func TestEmptyGeometryAlwaysCovered(t *testing.T) {
	c, _ := newTestChecker(t)
	day := date("2024-03-29")

	// Nothing cached at all: an empty geometry still reports full
	// coverage, there is nothing to fetch for it.
	report := c.Check(orb.Polygon{}, day, day)
	assert.True(t, report.Covered(model.DatasetLandsat))
	assert.True(t, report.Covered(model.DatasetPrism))
	assert.True(t, report.Covered(model.DatasetNLDAS))
	assert.Empty(t, report.NeedsFetching)
}

func TestCorruptRasterIsSkipped(t *testing.T) {
	c, cache := newTestChecker(t)
	day := date("2024-03-29")

	// A good raster plus a junk file in the same directory.
	writeRaster(t, cache.LandsatScenePath("B4", "LC08_A", day), wideBound)
	writeRaster(t, cache.LandsatScenePath("B5", "LC08_A", day), wideBound)
	junk := filepath.Join(cache.LandsatDir("B4"), "B4_junk_2024-03-29.tif")
	require.NoError(t, os.WriteFile(junk, []byte("not a tiff"), 0o644))

	report := c.Check(fieldGeom, day, day)
	assert.True(t, report.Covered(model.DatasetLandsat))
	assert.Equal(t, 2, report.Datasets[model.DatasetLandsat].FileCount)
}

// The hourly union spans every present file, not a per-day sample: a
// first hour with a disjoint footprint must not hide the coverage the
// remaining hours provide.
func TestNLDASUnionSpansAllHours(t *testing.T) {
	c, cache := newTestChecker(t)
	day := date("2024-03-29")

	writeRaster(t, cache.NLDASHourFile(day, 0), narrowBound)
	for hour := 1; hour < 24; hour++ {
		writeRaster(t, cache.NLDASHourFile(day, hour), wideBound)
	}

	report := c.Check(fieldGeom, day, day)
	assert.True(t, report.Covered(model.DatasetNLDAS))
}
