package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loopbreaker/scriptrunner/internal/jobs"
	"github.com/loopbreaker/scriptrunner/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"/health": "/health",
		"/jobs":   "/jobs",
		"/jobs/6b1f2c3e-8a4d-4e8e-9c55-0f2a7d1b9e10":        "/jobs/{jobID}",
		"/jobs/6b1f2c3e-8a4d-4e8e-9c55-0f2a7d1b9e10/cancel": "/jobs/{jobID}/cancel",
		"/jobs/not-a-uuid": "/jobs/not-a-uuid",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizePath(in), in)
	}
}

func TestStatusAttr_Groups(t *testing.T) {
	assert.Equal(t, "2xx", statusAttr(201).Value.AsString())
	assert.Equal(t, "4xx", statusAttr(409).Value.AsString())
	assert.Equal(t, "5xx", statusAttr(500).Value.AsString())
}

func TestMetrics_HTTPRequestsExported(t *testing.T) {
	m, h, err := NewMetrics(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	m.RecordHTTPRequest(context.Background(), http.MethodPost, "/jobs", http.StatusConflict, 0.01)

	body := scrape(t, h)
	assert.Contains(t, body, "http_requests_total")
	assert.Contains(t, body, `path="/jobs"`)
	assert.Contains(t, body, `status="4xx"`)
	assert.Contains(t, body, "http_errors_total")
}

func TestMetrics_JobLifecycle(t *testing.T) {
	m, h, err := NewMetrics(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	mgr := jobs.NewManager(jobs.WithListener(m))
	ctx := context.Background()

	ok := mgr.Create(ctx, models.ScriptNormalizeVault)
	require.NoError(t, mgr.MarkStarted(ctx, ok))
	require.NoError(t, mgr.Complete(ctx, ok, map[string]int{"total": 1}))

	bad := mgr.Create(ctx, models.ScriptNormalizeNotes)
	require.NoError(t, mgr.MarkStarted(ctx, bad))
	require.NoError(t, mgr.Fail(ctx, bad, "boom"))

	body := scrape(t, h)
	assert.Contains(t, body, "script_jobs_total")
	assert.Contains(t, body, `script_type="normalize_vault"`)
	assert.Contains(t, body, `job_status="completed"`)
	assert.Contains(t, body, `job_status="failed"`)
	assert.Contains(t, body, "script_job_errors_total")
	assert.Contains(t, body, "script_job_duration_seconds")
	assert.Contains(t, body, "go_goroutines")
}
