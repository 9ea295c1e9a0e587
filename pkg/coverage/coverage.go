// Package coverage decides, per dataset, whether the on-disk raw-data
// cache already holds everything a request needs. Coverage is always
// evaluated against the live filesystem so deletions and out-of-band
// additions are picked up on the next check.
package coverage

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulmach/orb"

	"etmapd/pkg/config"
	"etmapd/pkg/geometry"
	"etmapd/pkg/layout"
	"etmapd/pkg/model"
	"etmapd/pkg/raster"
)

// nldasDayRatio is the fraction of expected hourly files that counts as
// covered. NLDAS publication gaps of a couple of hours per month are
// normal and do not affect daily aggregation downstream.
const nldasDayRatio = 0.9

const nldasHoursPerDay = 24

// Checker evaluates cache coverage for job requests.
type Checker struct {
	cache   *layout.Cache
	headers *raster.InfoReader
	bands   []string
	prism   []string
	log     *slog.Logger
}

// NewChecker creates a Checker over the cache root.
func NewChecker(cfg *config.Config, headers *raster.InfoReader) *Checker {
	bands := make([]string, 0, len(cfg.Landsat.Bands))
	for _, b := range cfg.Landsat.Bands {
		bands = append(bands, b.Name)
	}
	return &Checker{
		cache:   layout.New(cfg.Data.Root),
		headers: headers,
		bands:   bands,
		prism:   cfg.Prism.Variables,
		log:     slog.Default().With("component", "coverage"),
	}
}

// Check produces a full coverage report for the date range and geometry.
func (c *Checker) Check(geom orb.Geometry, from, to time.Time) *model.CoverageReport {
	report := &model.CoverageReport{
		Datasets:      make(map[string]model.DatasetCoverage, len(model.DatasetOrder)),
		TotalDatasets: len(model.DatasetOrder),
	}

	// An empty geometry has nothing to cover.
	if geometry.IsEmpty(geom) {
		for _, ds := range model.DatasetOrder {
			report.Datasets[ds] = model.DatasetCoverage{Covered: true, Detail: "empty geometry"}
		}
		report.DatasetsCovered = report.TotalDatasets
		return report
	}

	report.Datasets[model.DatasetLandsat] = c.checkLandsat(geom)
	report.Datasets[model.DatasetPrism] = c.checkPrism(geom, from, to)
	report.Datasets[model.DatasetNLDAS] = c.checkNLDAS(geom, from, to)

	for _, ds := range model.DatasetOrder {
		if report.Datasets[ds].Covered {
			report.DatasetsCovered++
		} else {
			report.NeedsFetching = append(report.NeedsFetching, ds)
		}
	}
	return report
}

// checkLandsat is a purely spatial test: the union of cached scene
// footprints must contain the request geometry. Only the first band
// directory is enumerated, the fetcher writes every band of a scene or
// none. Acquisition dates are ignored, nearest-scene search happens at
// fetch time.
func (c *Checker) checkLandsat(geom orb.Geometry) model.DatasetCoverage {
	cov := model.DatasetCoverage{}
	if len(c.bands) == 0 {
		cov.Detail = "no bands configured"
		return cov
	}

	files := listRasters(c.cache.LandsatDir(c.bands[0]))
	cov.FileCount = len(files)

	footprints := c.footprints(files)
	if !geometry.UnionContains(footprints, geom) {
		cov.Detail = "scenes do not cover geometry"
		return cov
	}

	cov.Covered = true
	return cov
}

// checkPrism requires at least one raster for every day of the range.
// The grids share one national extent, so the footprint of the first
// readable file stands in for all of them.
func (c *Checker) checkPrism(geom orb.Geometry, from, to time.Time) model.DatasetCoverage {
	cov := model.DatasetCoverage{}

	var firstFile string
	for _, day := range model.DaysBetween(from, to) {
		files := listRasters(c.cache.PrismDayDir(day))
		cov.FileCount += len(files)
		if len(files) == 0 {
			cov.Detail = "missing day " + day.Format(model.DateLayout)
			return cov
		}
		if firstFile == "" {
			firstFile = files[0]
		}
	}

	footprints := c.footprints([]string{firstFile})
	if !geometry.UnionContains(footprints, geom) {
		cov.Detail = "grid extent does not cover geometry"
		return cov
	}

	cov.Covered = true
	return cov
}

// checkNLDAS counts hourly files over the whole range and accepts the
// cache when the ratio reaches nldasDayRatio and the union of all
// present files covers the geometry.
func (c *Checker) checkNLDAS(geom orb.Geometry, from, to time.Time) model.DatasetCoverage {
	cov := model.DatasetCoverage{}

	days := model.DaysBetween(from, to)
	expected := len(days) * nldasHoursPerDay

	var present []string
	for _, day := range days {
		files := listRasters(c.cache.NLDASDayDir(day))
		cov.FileCount += len(files)
		present = append(present, files...)
	}

	if expected > 0 {
		cov.DayRatio = float64(cov.FileCount) / float64(expected)
	}
	if cov.DayRatio < nldasDayRatio {
		cov.Detail = "hourly files below threshold"
		return cov
	}

	footprints := c.footprints(present)
	if !geometry.UnionContains(footprints, geom) {
		cov.Detail = "grid extent does not cover geometry"
		return cov
	}

	cov.Covered = true
	return cov
}

// footprints reads raster headers and reprojects their bounds to
// geographic polygons. Unreadable files are logged and skipped, a
// corrupt raster must never wedge a job.
func (c *Checker) footprints(paths []string) []orb.Polygon {
	polys := make([]orb.Polygon, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		info, err := c.headers.ReadInfo(p)
		if err != nil {
			c.log.Warn("skipping unreadable raster", "path", p, "error", err)
			continue
		}
		poly, err := geometry.ReprojectBound(info.Bound, info.EPSG)
		if err != nil {
			c.log.Warn("skipping raster with unsupported crs", "path", p, "error", err)
			continue
		}
		polys = append(polys, poly)
	}
	return polys
}

// listRasters returns the .tif files directly under dir, sorted by
// name. A missing directory is an empty cache, not an error.
func listRasters(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(e.Name()), ".tif") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files
}
