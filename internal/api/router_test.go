package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/loopbreaker/scriptrunner/internal/api"
	"github.com/loopbreaker/scriptrunner/internal/api/handler"
	mw "github.com/loopbreaker/scriptrunner/internal/api/middleware"
	"github.com/loopbreaker/scriptrunner/internal/cache"
	"github.com/loopbreaker/scriptrunner/internal/config"
	"github.com/loopbreaker/scriptrunner/internal/jobs"
	"github.com/loopbreaker/scriptrunner/internal/runner"
	"github.com/loopbreaker/scriptrunner/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- stub cache ---

type stubCache struct{ count int64 }

func (c *stubCache) Ping(_ context.Context) error { return nil }
func (c *stubCache) SetJobStatus(_ context.Context, _ uuid.UUID, _ string, _ time.Duration) error {
	return nil
}
func (c *stubCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	c.count++
	return c.count, nil
}

var _ cache.Cache = (*stubCache)(nil)

// --- router tests ---

const testKey = "lb_router_test_key"

type testServer struct {
	router     http.Handler
	manager    *jobs.Manager
	dispatcher *runner.Dispatcher
}

func newTestServer(t *testing.T, auth config.AuthConfig, perMinute int) *testServer {
	t.Helper()
	m := jobs.NewManager()
	d := runner.NewDispatcher(m, map[models.ScriptType]runner.Executor{
		models.ScriptNormalizeNotes: runner.ExecutorFunc(func(ctx context.Context, job *jobs.Handle, req models.JobRequest) (any, error) {
			job.UpdateProgress(ctx, jobs.WithTotal(1))
			job.UpdateProgress(ctx, jobs.WithProcessed(1), jobs.WithSucceeded(1))
			return map[string]int{"total": 1}, nil
		}),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Wait(ctx)
	})

	router := api.NewRouter(api.Dependencies{
		Jobs:           handler.NewJobs(m, d, 2),
		Health:         handler.Health(nil, nil),
		Auth:           mw.NewAuth(auth),
		RateLimit:      mw.NewRateLimit(&stubCache{}, perMinute),
		AllowedOrigins: []string{"http://localhost:3000"},
	})
	return &testServer{router: router, manager: m, dispatcher: d}
}

func (s *testServer) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestRouter_HealthEndpoint_Public(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{APIKey: testKey}, 60)

	w := s.do("GET", "/health", "", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), handler.ServiceName)
}

func TestRouter_ReadEndpoints_Public(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{APIKey: testKey}, 60)
	id := s.manager.Create(context.Background(), models.ScriptNormalizeNotes)

	assert.Equal(t, http.StatusOK, s.do("GET", "/jobs", "", nil).Code)
	assert.Equal(t, http.StatusOK, s.do("GET", "/jobs/"+id.String(), "", nil).Code)
}

func TestRouter_MutatingEndpoints_RequireAuth(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{APIKey: testKey}, 60)

	endpoints := []struct {
		method string
		path   string
	}{
		{"POST", "/jobs"},
		{"POST", "/jobs/" + uuid.NewString() + "/cancel"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			w := s.do(ep.method, ep.path, "", nil)

			assert.Equal(t, http.StatusUnauthorized, w.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			errObj := body["error"].(map[string]any)
			assert.Equal(t, "INVALID_TOKEN", errObj["code"])
		})
	}
}

func TestRouter_JobRunsToCompletion(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{APIKey: testKey}, 60)

	w := s.do("POST", "/jobs", `{"script_type":"normalize_notes"}`, map[string]string{"X-API-Key": testKey})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Data models.Job `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	var got struct {
		Data models.Job `json:"data"`
	}
	require.Eventually(t, func() bool {
		w := s.do("GET", "/jobs/"+created.Data.ID.String(), "", nil)
		if w.Code != http.StatusOK || json.Unmarshal(w.Body.Bytes(), &got) != nil {
			return false
		}
		return got.Data.Status == models.JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	assert.JSONEq(t, `{"total":1}`, string(got.Data.Result))
	assert.Equal(t, 1, got.Data.Progress.Succeeded)
	assert.Equal(t, "Script completed successfully.", got.Data.Logs[len(got.Data.Logs)-1])
}

func TestRouter_UnregisteredScriptType(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{}, 60)

	w := s.do("POST", "/jobs", `{"script_type":"normalize_vault","vault_path":"/tmp"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_RateLimitsMutations(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{}, 1)

	first := s.do("POST", "/jobs/"+uuid.NewString()+"/cancel", "", nil)
	assert.Equal(t, http.StatusNotFound, first.Code)

	second := s.do("POST", "/jobs/"+uuid.NewString()+"/cancel", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)

	// reads are not limited
	assert.Equal(t, http.StatusOK, s.do("GET", "/jobs", "", nil).Code)
}

func TestRouter_CORSPreflight(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{APIKey: testKey}, 60)

	w := s.do("OPTIONS", "/jobs", "", map[string]string{
		"Origin":                        "http://localhost:3000",
		"Access-Control-Request-Method": "POST",
	})

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_NotFound(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{}, 60)

	w := s.do("GET", "/api/v1/nonexistent", "", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "RESOURCE_NOT_FOUND")
}
