package fetch

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etmapd/pkg/config"
	"etmapd/pkg/layout"
)

func zipWithEntry(t *testing.T, name string, content []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create(name)
	require.NoError(t, err)
	_, err = f.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestExtractRasterPlain(t *testing.T) {
	data, err := extractRaster([]byte("plain raster"))
	require.NoError(t, err)
	assert.Equal(t, "plain raster", string(data))
}

func TestExtractRasterZip(t *testing.T) {
	payload := zipWithEntry(t, "PRISM_ppt_stable_4kmD2_20240329_bil.tif", []byte("tif inside"))
	data, err := extractRaster(payload)
	require.NoError(t, err)
	assert.Equal(t, "tif inside", string(data))
}

func TestExtractRasterZipWithoutRaster(t *testing.T) {
	payload := zipWithEntry(t, "readme.txt", []byte("no raster here"))
	_, err := extractRaster(payload)
	require.Error(t, err)
	assert.Equal(t, KindFormat, KindOf(err))
}

func newPrismFetcher(t *testing.T, baseURL string, variables []string) (*PrismFetcher, *layout.Cache) {
	t.Helper()
	cache := layout.New(t.TempDir())
	cfg := config.PrismConfig{BaseURL: baseURL, Variables: variables}
	return NewPrismFetcher(cfg, testClient(), cache), cache
}

func TestPrismFetchUnzipsAndRenames(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if strings.Contains(r.URL.Path, "/ppt/") {
			w.Write(zipWithEntry(t, "prism.tif", []byte("ppt grid")))
			return
		}
		w.Write([]byte("bare grid"))
	}))
	defer srv.Close()

	f, cache := newPrismFetcher(t, srv.URL+"/%s/%s", []string{"ppt", "tmean"})
	day := time.Date(2024, 3, 29, 0, 0, 0, 0, time.UTC)
	req := fetchReq("2024-03-29", "2024-03-29")

	require.NoError(t, f.Fetch(context.Background(), req))

	data, err := os.ReadFile(cache.PrismFile("ppt", day))
	require.NoError(t, err)
	assert.Equal(t, "ppt grid", string(data))

	data, err = os.ReadFile(cache.PrismFile("tmean", day))
	require.NoError(t, err)
	assert.Equal(t, "bare grid", string(data))

	// Re-run: nothing downloaded again.
	require.NoError(t, f.Fetch(context.Background(), req))
	assert.Equal(t, int32(2), calls.Load())
}

func TestPrismNotFoundIsSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/tmean/") {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("grid"))
	}))
	defer srv.Close()

	f, cache := newPrismFetcher(t, srv.URL+"/%s/%s", []string{"ppt", "tmean"})
	day := time.Date(2024, 3, 29, 0, 0, 0, 0, time.UTC)

	// A variable the provider does not publish is logged and skipped,
	// the rest of the day still lands.
	require.NoError(t, f.Fetch(context.Background(), fetchReq("2024-03-29", "2024-03-29")))

	_, err := os.Stat(cache.PrismFile("ppt", day))
	assert.NoError(t, err)
	_, err = os.Stat(cache.PrismFile("tmean", day))
	assert.True(t, os.IsNotExist(err))
}
