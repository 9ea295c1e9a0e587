package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etmapd/pkg/config"
)

func testClient() *Client {
	cfg := config.DefaultConfig().Request
	cfg.Timeout = config.Duration(5 * time.Second) // keep test failures fast
	return NewClient(cfg, nil)
}

func TestGetBytesRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	collapseRetryDelays(t)
	c := testClient()
	body, err := c.GetBytes(context.Background(), "test", srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestGetBytesAuthIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := testClient()
	_, err := c.GetBytes(context.Background(), "test", srv.URL, nil)
	require.Error(t, err)
	assert.Equal(t, KindAuth, KindOf(err))
	assert.Equal(t, int32(1), calls.Load(), "auth failures must not be retried")
}

func TestHTMLResponseIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<!DOCTYPE html><html><head><title>Earthdata Login</title></head></html>"))
	}))
	defer srv.Close()

	c := testClient()
	_, err := c.GetBytes(context.Background(), "test", srv.URL, nil)
	require.Error(t, err)
	assert.Equal(t, KindAuth, KindOf(err))
	assert.Contains(t, err.Error(), "Earthdata Login")
}

func TestDownloadFileAtomicAndIdempotent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte("raster bytes"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "sub", "out.tif")
	c := testClient()

	require.NoError(t, c.DownloadFile(context.Background(), "test", srv.URL, dest))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "raster bytes", string(data))

	// No .part leftovers.
	_, err = os.Stat(dest + ".part")
	assert.True(t, os.IsNotExist(err))

	// Second run hits the cache, not the server.
	require.NoError(t, c.DownloadFile(context.Background(), "test", srv.URL, dest))
	assert.Equal(t, int32(1), calls.Load())
}

func TestDownloadHTMLLeavesNoFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><head><title>Please log in</title></head></html>"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.tif")
	c := testClient()

	err := c.DownloadFile(context.Background(), "test", srv.URL, dest)
	require.Error(t, err)
	assert.Equal(t, KindAuth, KindOf(err))

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(dest + ".part")
	assert.True(t, os.IsNotExist(statErr))
}

func TestLinearBackOff(t *testing.T) {
	b := &linearBackOff{step: 5 * time.Second, cap: 30 * time.Second}
	assert.Equal(t, 5*time.Second, b.NextBackOff())
	assert.Equal(t, 10*time.Second, b.NextBackOff())
	for i := 0; i < 10; i++ {
		b.NextBackOff()
	}
	assert.Equal(t, 30*time.Second, b.NextBackOff())
	b.Reset()
	assert.Equal(t, 5*time.Second, b.NextBackOff())
}

// collapseRetryDelays makes the linear backoff effectively immediate
// for the duration of one test.
func collapseRetryDelays(t *testing.T) {
	t.Helper()
	oldStep, oldCap := retryStep, retryCap
	retryStep, retryCap = time.Millisecond, time.Millisecond
	t.Cleanup(func() { retryStep, retryCap = oldStep, oldCap })
}
