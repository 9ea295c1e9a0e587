package fetch

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/batchatco/go-native-netcdf/netcdf/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etmapd/pkg/config"
	"etmapd/pkg/layout"
)

// fakeNC is a minimal varReader backed by a map.
type fakeNC map[string]*api.Variable

func (f fakeNC) GetVariable(name string) (*api.Variable, error) {
	v, ok := f[name]
	if !ok {
		return nil, fmt.Errorf("variable %s not found", name)
	}
	return v, nil
}

// sampleNC builds a tiny 2x3 forcing file. Latitudes ascend (south
// first), as the provider stores them, so the converter must flip.
func sampleNC(names [6]string) fakeNC {
	nc := fakeNC{
		"lat": {Values: []float32{30.0625, 30.1875}},
		"lon": {Values: []float32{-120.0625, -119.9375, -119.8125}},
	}
	for i, name := range names {
		base := float32(i * 10)
		nc[name] = &api.Variable{Values: [][][]float32{{
			{base + 1, base + 2, base + 3}, // southern row
			{base + 4, base + 5, base + 6}, // northern row
		}}}
	}
	return nc
}

var cfNames = [6]string{"Tair", "Qair", "PSurf", "Wind_E", "Wind_N", "SWdown"}
var gribNames = [6]string{"TMP", "SPFH", "PRES", "UGRD", "VGRD", "DSWRF"}

func TestConvertGridFlipsLatitude(t *testing.T) {
	grid, err := convertGrid(sampleNC(cfNames))
	require.NoError(t, err)

	assert.Equal(t, 3, grid.Width)
	assert.Equal(t, 2, grid.Height)
	require.Len(t, grid.Bands, 6)
	assert.Equal(t, cfNames[:], grid.Descriptions)

	// Row 0 of the raster is the northern row.
	assert.Equal(t, []float32{4, 5, 6, 1, 2, 3}, grid.Bands[0])

	// Cell-centered axes, bound extends half a cell outward.
	assert.InDelta(t, 30.0, grid.Bound.Min[1], 1e-6)
	assert.InDelta(t, 30.25, grid.Bound.Max[1], 1e-6)
	assert.InDelta(t, -120.125, grid.Bound.Min[0], 1e-6)
	assert.InDelta(t, -119.75, grid.Bound.Max[0], 1e-6)
}

func TestConvertGridAlternateNames(t *testing.T) {
	grid, err := convertGrid(sampleNC(gribNames))
	require.NoError(t, err)
	require.Len(t, grid.Bands, 6)
	// Band descriptions always use the canonical names.
	assert.Equal(t, cfNames[:], grid.Descriptions)
}

func TestConvertGridMissingVariable(t *testing.T) {
	nc := sampleNC(cfNames)
	delete(nc, "SWdown")
	_, err := convertGrid(nc)
	require.Error(t, err)
	assert.Equal(t, KindFormat, KindOf(err))
}

func TestConvertGridMissingAxis(t *testing.T) {
	nc := sampleNC(cfNames)
	delete(nc, "lat")
	_, err := convertGrid(nc)
	require.Error(t, err)
	assert.Equal(t, KindFormat, KindOf(err))
}

func TestNLDASURLTemplate(t *testing.T) {
	cfg := config.DefaultConfig().NLDAS
	day := time.Date(2024, 3, 29, 0, 0, 0, 0, time.UTC)
	u := fmt.Sprintf(cfg.BaseURL, day.Year(), day.YearDay(), day.Format("20060102"), 5)
	assert.Contains(t, u, "/2024/089/")
	assert.Contains(t, u, "A20240329.0500")
}

func TestNLDASFailsFastWithoutCredentials(t *testing.T) {
	t.Setenv("NETRC", filepath.Join(t.TempDir(), "absent"))
	_, err := NewNLDASFetcher(config.DefaultConfig().NLDAS, testClient(), layout.New(t.TempDir()))
	require.Error(t, err)
	assert.Equal(t, KindConfig, KindOf(err))
}

func TestDayComplete(t *testing.T) {
	f, cache := newNLDASForTest(t)
	day := time.Date(2024, 3, 29, 0, 0, 0, 0, time.UTC)

	assert.False(t, f.dayComplete(day))

	for hour := 0; hour < 24; hour++ {
		path := cache.NLDASHourFile(day, hour)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	}
	assert.True(t, f.dayComplete(day))
}

func newNLDASForTest(t *testing.T) (*NLDASFetcher, *layout.Cache) {
	t.Helper()
	netrc := filepath.Join(t.TempDir(), "netrc")
	require.NoError(t, os.WriteFile(netrc,
		[]byte("machine urs.earthdata.nasa.gov login u password p\n"), 0o600))
	t.Setenv("NETRC", netrc)

	cache := layout.New(t.TempDir())
	f, err := NewNLDASFetcher(config.DefaultConfig().NLDAS, testClient(), cache)
	require.NoError(t, err)
	return f, cache
}
