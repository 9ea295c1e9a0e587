package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"
	"github.com/hashicorp/go-multierror"
	"github.com/paulmach/orb"

	"etmapd/pkg/config"
	"etmapd/pkg/layout"
	"etmapd/pkg/model"
	"etmapd/pkg/raster"
)

// nldasVariables are the six forcing fields kept in the output raster,
// in band order. Older archive files use the GRIB-derived short names,
// newer ones the CF names; both are accepted.
var nldasVariables = []struct {
	Name       string
	Candidates []string
}{
	{"Tair", []string{"Tair", "TMP"}},
	{"Qair", []string{"Qair", "SPFH"}},
	{"PSurf", []string{"PSurf", "PRES"}},
	{"Wind_E", []string{"Wind_E", "UGRD"}},
	{"Wind_N", []string{"Wind_N", "VGRD"}},
	{"SWdown", []string{"SWdown", "DSWRF"}},
}

// NLDASFetcher downloads hourly forcing files and converts each netCDF
// payload into a 6-band GeoTIFF.
type NLDASFetcher struct {
	cfg    config.NLDASConfig
	client *Client
	cache  *layout.Cache
	log    *slog.Logger
}

// NewNLDASFetcher creates the hourly-forcing fetcher. It reads the
// provider credentials once and fails fast when they are missing.
func NewNLDASFetcher(cfg config.NLDASConfig, client *Client, cache *layout.Cache) (*NLDASFetcher, error) {
	creds, err := NetrcCredentials(cfg.NetrcMachine)
	if err != nil {
		return nil, err
	}
	client.SetBasicAuth(cfg.NetrcMachine, creds)

	return &NLDASFetcher{
		cfg:    cfg,
		client: client,
		cache:  cache,
		log:    slog.Default().With("fetcher", model.DatasetNLDAS),
	}, nil
}

func (f *NLDASFetcher) Name() string {
	return model.DatasetNLDAS
}

// Fetch downloads all 24 hours of every day in the range. Complete
// days are skipped wholesale, present hours are skipped individually.
func (f *NLDASFetcher) Fetch(ctx context.Context, req *Request) error {
	var errs *multierror.Error

	for _, day := range model.DaysBetween(req.DateFrom, req.DateTo) {
		if f.dayComplete(day) {
			f.log.Debug("day already complete", "day", day.Format(model.DateLayout))
			continue
		}
		for hour := 0; hour < 24; hour++ {
			if err := f.fetchHour(ctx, day, hour); err != nil {
				if KindOf(err) == KindAuth || KindOf(err) == KindConfig {
					return err
				}
				if KindOf(err) == KindFormat || KindOf(err) == KindNotFound {
					f.log.Warn("skipping hour", "day", day.Format(model.DateLayout),
						"hour", hour, "error", err)
					continue
				}
				errs = multierror.Append(errs,
					fmt.Errorf("%s hour %02d: %w", day.Format(model.DateLayout), hour, err))
			}
		}
	}

	return errs.ErrorOrNil()
}

// dayComplete reports whether all 24 hourly rasters exist.
func (f *NLDASFetcher) dayComplete(day time.Time) bool {
	for hour := 0; hour < 24; hour++ {
		if _, err := os.Stat(f.cache.NLDASHourFile(day, hour)); err != nil {
			return false
		}
	}
	return true
}

// fetchHour downloads one hourly payload and writes the converted
// raster. The temporary netCDF payload is removed regardless of
// outcome.
func (f *NLDASFetcher) fetchHour(ctx context.Context, day time.Time, hour int) error {
	dest := f.cache.NLDASHourFile(day, hour)
	if _, err := os.Stat(dest); err == nil {
		f.client.recorder.FetchUnit(model.DatasetNLDAS, "cached")
		return nil
	}

	u := fmt.Sprintf(f.cfg.BaseURL, day.Year(), day.YearDay(), day.Format("20060102"), hour)

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return newError(KindConfig, "creating cache directory", err)
	}
	tmp := dest + ".nc"
	defer os.Remove(tmp)

	if err := f.client.downloadFileN(ctx, model.DatasetNLDAS, u, tmp, f.cfg.MaxRetries); err != nil {
		f.client.recorder.FetchUnit(model.DatasetNLDAS, "failed")
		return err
	}

	grid, err := convertNetCDF(tmp)
	if err != nil {
		f.client.recorder.FetchUnit(model.DatasetNLDAS, "failed")
		return err
	}

	if err := raster.WriteGeoTIFF(dest, grid); err != nil {
		return newError(KindConfig, "writing raster", err)
	}
	f.client.recorder.FetchUnit(model.DatasetNLDAS, "downloaded")
	return nil
}

// varReader is the slice of the netCDF API the converter needs.
// Narrowed so tests can feed synthetic variables.
type varReader interface {
	GetVariable(name string) (*api.Variable, error)
}

// convertNetCDF reads the six forcing variables from a netCDF payload
// and stacks them into a north-up raster grid.
func convertNetCDF(path string) (*raster.Grid, error) {
	nc, err := netcdf.Open(path)
	if err != nil {
		return nil, newError(KindFormat, "opening netcdf payload", err)
	}
	defer nc.Close()

	return convertGrid(nc)
}

func convertGrid(nc varReader) (*raster.Grid, error) {
	lats, err := readAxis(nc, "lat")
	if err != nil {
		return nil, err
	}
	lons, err := readAxis(nc, "lon")
	if err != nil {
		return nil, err
	}
	if len(lats) < 2 || len(lons) < 2 {
		return nil, newError(KindFormat, "degenerate grid axes", nil)
	}

	// Grid registration is cell-centered; extend by half a cell to get
	// the outer bound.
	latStep := (lats[len(lats)-1] - lats[0]) / float64(len(lats)-1)
	lonStep := (lons[len(lons)-1] - lons[0]) / float64(len(lons)-1)
	flipRows := latStep > 0 // rows stored south-up need flipping

	minLat := min(lats[0], lats[len(lats)-1]) - absf(latStep)/2
	maxLat := max(lats[0], lats[len(lats)-1]) + absf(latStep)/2
	minLon := min(lons[0], lons[len(lons)-1]) - absf(lonStep)/2
	maxLon := max(lons[0], lons[len(lons)-1]) + absf(lonStep)/2

	width, height := len(lons), len(lats)
	grid := &raster.Grid{
		Width:  width,
		Height: height,
		Bound:  orb.Bound{Min: orb.Point{minLon, minLat}, Max: orb.Point{maxLon, maxLat}},
	}

	for _, v := range nldasVariables {
		rows, err := readVariable(nc, v.Candidates)
		if err != nil {
			return nil, err
		}
		if len(rows) != height || len(rows[0]) != width {
			return nil, newError(KindFormat,
				fmt.Sprintf("variable %s grid is %dx%d, axes say %dx%d",
					v.Name, len(rows[0]), len(rows), width, height), nil)
		}

		band := make([]float32, 0, width*height)
		for y := 0; y < height; y++ {
			row := y
			if flipRows {
				row = height - 1 - y
			}
			band = append(band, rows[row]...)
		}
		grid.Bands = append(grid.Bands, band)
		grid.Descriptions = append(grid.Descriptions, v.Name)
	}

	return grid, nil
}

// readAxis returns a coordinate variable as float64.
func readAxis(nc varReader, name string) ([]float64, error) {
	v, err := nc.GetVariable(name)
	if err != nil {
		return nil, newError(KindFormat, "missing axis "+name, err)
	}
	switch vals := v.Values.(type) {
	case []float64:
		return vals, nil
	case []float32:
		out := make([]float64, len(vals))
		for i, f := range vals {
			out[i] = float64(f)
		}
		return out, nil
	default:
		return nil, newError(KindFormat, fmt.Sprintf("axis %s has type %T", name, v.Values), nil)
	}
}

// readVariable finds the first candidate name present and returns its
// 2D float32 grid, unwrapping a leading unit time dimension.
func readVariable(nc varReader, candidates []string) ([][]float32, error) {
	var v *api.Variable
	var err error
	for _, name := range candidates {
		v, err = nc.GetVariable(name)
		if err == nil && v != nil {
			break
		}
	}
	if v == nil {
		return nil, newError(KindFormat, fmt.Sprintf("no variable among %v", candidates), err)
	}

	switch vals := v.Values.(type) {
	case [][]float32:
		return vals, nil
	case [][][]float32:
		if len(vals) == 0 {
			return nil, newError(KindFormat, "empty time dimension", nil)
		}
		return vals[0], nil
	default:
		return nil, newError(KindFormat, fmt.Sprintf("variable has type %T", v.Values), nil)
	}
}

func absf(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
