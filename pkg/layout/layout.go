// Package layout defines the on-disk naming of the shared raw-data
// cache. The compute pipeline reads the same tree, so every path here
// is a contract, not a convention.
package layout

import (
	"fmt"
	"path/filepath"
	"time"
)

const (
	dateLayout    = "2006-01-02"
	compactLayout = "20060102"
)

// Cache resolves dataset paths under a single root directory.
type Cache struct {
	Root string
}

// New returns a Cache rooted at dir.
func New(dir string) *Cache {
	return &Cache{Root: dir}
}

// LandsatDir returns the directory holding all scenes of one band,
// e.g. <root>/Landsat_B4.
func (c *Cache) LandsatDir(band string) string {
	return filepath.Join(c.Root, "Landsat_"+band)
}

// LandsatScenePath returns the path of a single band raster,
// e.g. <root>/Landsat_B4/B4_LC08_L2SP_042034_20240329_02_T1_2024-03-29.tif.
func (c *Cache) LandsatScenePath(band, sceneID string, date time.Time) string {
	name := fmt.Sprintf("%s_%s_%s.tif", band, sceneID, date.Format(dateLayout))
	return filepath.Join(c.LandsatDir(band), name)
}

// PrismRoot returns the directory holding all daily climate grids.
func (c *Cache) PrismRoot() string {
	return filepath.Join(c.Root, "Prism_Daily")
}

// PrismDayDir returns the per-day directory, e.g. <root>/Prism_Daily/2024-03-29.
func (c *Cache) PrismDayDir(date time.Time) string {
	return filepath.Join(c.PrismRoot(), date.Format(dateLayout))
}

// PrismFile returns the path of one variable grid for a day,
// e.g. <root>/Prism_Daily/2024-03-29/prism_ppt_20240329.tif.
func (c *Cache) PrismFile(variable string, date time.Time) string {
	name := fmt.Sprintf("prism_%s_%s.tif", variable, date.Format(compactLayout))
	return filepath.Join(c.PrismDayDir(date), name)
}

// NLDASYearDir returns the per-year directory, e.g. <root>/NLDAS_2024_GeoTiff.
func (c *Cache) NLDASYearDir(year int) string {
	return filepath.Join(c.Root, fmt.Sprintf("NLDAS_%d_GeoTiff", year))
}

// NLDASDayDir returns the per-day directory under the year tree.
func (c *Cache) NLDASDayDir(date time.Time) string {
	return filepath.Join(c.NLDASYearDir(date.Year()), date.Format(dateLayout))
}

// NLDASHourFile returns the path of one hourly forcing raster,
// e.g. <root>/NLDAS_2024_GeoTiff/2024-03-29/NLDAS_FORA_20240329_0500.tif.
func (c *Cache) NLDASHourFile(date time.Time, hour int) string {
	name := fmt.Sprintf("NLDAS_FORA_%s_%02d00.tif", date.Format(compactLayout), hour)
	return filepath.Join(c.NLDASDayDir(date), name)
}
