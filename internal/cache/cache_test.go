package cache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/loopbreaker/scriptrunner/internal/cache"
	"github.com/loopbreaker/scriptrunner/internal/jobs"
	"github.com/loopbreaker/scriptrunner/pkg/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis spins up a Redis container and returns a connected RedisCache
// plus a raw client for reading keys back.
func setupRedis(t *testing.T) (*cache.RedisCache, *redis.Client) {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	redisURL := "redis://" + host + ":" + port.Port()
	rc, err := cache.NewRedisCache(redisURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })

	opts, err := redis.ParseURL(redisURL)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	return rc, client
}

// --- Ping ---

func TestPing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc, _ := setupRedis(t)
	err := rc.Ping(context.Background())
	assert.NoError(t, err)
}

// --- Job Status ---

func TestSetJobStatus(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc, client := setupRedis(t)
	ctx := context.Background()
	jobID := uuid.New()

	err := rc.SetJobStatus(ctx, jobID, "running", 10*time.Second)
	require.NoError(t, err)

	status, err := client.Get(ctx, cache.JobStatusKey(jobID)).Result()
	require.NoError(t, err)
	assert.Equal(t, "running", status)

	ttl, err := client.TTL(ctx, cache.JobStatusKey(jobID)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

// --- IncrWithExpiry ---

func TestIncrWithExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc, _ := setupRedis(t)
	ctx := context.Background()
	key := "ratelimit:test:" + uuid.NewString()[:8]

	val, err := rc.IncrWithExpiry(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)

	val, err = rc.IncrWithExpiry(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), val)

	val, err = rc.IncrWithExpiry(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(3), val)
}

func TestIncrWithExpiry_Expires(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc, _ := setupRedis(t)
	ctx := context.Background()
	key := "ratelimit:expiry:" + uuid.NewString()[:8]

	_, err := rc.IncrWithExpiry(ctx, key, 1*time.Second)
	require.NoError(t, err)

	time.Sleep(1500 * time.Millisecond)

	// After expiry, should start from 1 again
	val, err := rc.IncrWithExpiry(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)
}

// --- Status mirror ---

func TestStatusMirror_WritesStatusWithTTL(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc, client := setupRedis(t)
	ctx := context.Background()
	job := &models.Job{ID: uuid.New(), ScriptType: models.ScriptNormalizeNotes, Status: models.JobStatusRunning}

	cache.NewStatusMirror(rc).JobTransitioned(ctx, job, models.JobStatusPending)

	status, err := client.Get(ctx, cache.JobStatusKey(job.ID)).Result()
	require.NoError(t, err)
	assert.Equal(t, "running", status)
}

type failingCache struct{ cache.Cache }

func (failingCache) SetJobStatus(context.Context, uuid.UUID, string, time.Duration) error {
	return errors.New("redis down")
}

func TestStatusMirror_SwallowsErrors(t *testing.T) {
	job := &models.Job{ID: uuid.New(), Status: models.JobStatusFailed}
	assert.NotPanics(t, func() {
		cache.NewStatusMirror(failingCache{}).JobTransitioned(context.Background(), job, models.JobStatusRunning)
	})
}

func TestStatusMirror_DrivenByManager(t *testing.T) {
	rec := &recordingCache{}
	m := jobs.NewManager(jobs.WithListener(cache.NewStatusMirror(rec)))
	ctx := context.Background()

	id := m.Create(ctx, models.ScriptNormalizeNotes)
	require.NoError(t, m.MarkStarted(ctx, id))
	require.NoError(t, m.Complete(ctx, id, nil))

	assert.Equal(t, []string{"pending", "running", "completed"}, rec.statuses)
	assert.Equal(t, cache.StatusTTL, rec.ttl)
}

type recordingCache struct {
	cache.Cache
	statuses []string
	ttl      time.Duration
}

func (r *recordingCache) SetJobStatus(_ context.Context, _ uuid.UUID, status string, ttl time.Duration) error {
	r.statuses = append(r.statuses, status)
	r.ttl = ttl
	return nil
}

// --- Cache Key Builders ---

func TestJobStatusKey(t *testing.T) {
	jobID := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	key := cache.JobStatusKey(jobID)
	assert.Equal(t, "job:22222222-2222-2222-2222-222222222222", key)
}

func TestRateLimitKey(t *testing.T) {
	key := cache.RateLimitKey("203.0.113.7", 29000000)
	assert.Equal(t, "ratelimit:203.0.113.7:29000000", key)
}

func TestKeyBuilders_NonColliding(t *testing.T) {
	jobID := uuid.New()

	keys := map[string]bool{
		cache.JobStatusKey(jobID):       true,
		cache.RateLimitKey("client", 1): true,
		cache.RateLimitKey("client", 2): true,
		cache.RateLimitKey("other", 1):  true,
	}
	assert.Len(t, keys, 4, "all keys should be unique")
}
