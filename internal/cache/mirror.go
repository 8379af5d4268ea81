package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/loopbreaker/scriptrunner/internal/jobs"
	"github.com/loopbreaker/scriptrunner/pkg/models"
)

// StatusTTL bounds how long a mirrored job status outlives its last transition.
const StatusTTL = 30 * time.Minute

// StatusMirror publishes every job status transition to the cache so other
// processes can poll a job without asking the runner.
type StatusMirror struct {
	cache Cache
	ttl   time.Duration
}

func NewStatusMirror(c Cache) *StatusMirror {
	return &StatusMirror{cache: c, ttl: StatusTTL}
}

// JobTransitioned implements jobs.Listener. Cache failures are logged and
// never reach the job.
func (s *StatusMirror) JobTransitioned(ctx context.Context, job *models.Job, _ models.JobStatus) {
	if err := s.cache.SetJobStatus(ctx, job.ID, string(job.Status), s.ttl); err != nil {
		slog.Warn("mirror job status", "job_id", job.ID, "status", job.Status, "error", err)
	}
}

var _ jobs.Listener = (*StatusMirror)(nil)
