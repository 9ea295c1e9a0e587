package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderExposition(t *testing.T) {
	p := Init("test")

	p.JobCreated()
	p.JobCreated()
	p.JobDeduplicated()
	p.JobFinished("failed")
	p.FetchUnit("landsat", "downloaded")
	p.FetchUnit("nldas", "cached")
	p.ObserveDownload("prism", 1200*time.Millisecond)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `etmapd_jobs_created_total 2`)
	assert.Contains(t, body, `etmapd_jobs_deduplicated_total 1`)
	assert.Contains(t, body, `etmapd_jobs_finished_total{status="failed"} 1`)
	assert.Contains(t, body, `etmapd_fetch_units_total{dataset="landsat",result="downloaded"} 1`)
	assert.Contains(t, body, `etmapd_build_info{version="test"} 1`)
	assert.Contains(t, body, `etmapd_download_duration_seconds_count{dataset="prism"} 1`)
}
