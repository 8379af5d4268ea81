package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loopbreaker/scriptrunner/pkg/models"
)

// Persister mirrors job snapshots to a durable medium so history survives a
// restart. Save overwrites the previous snapshot of the same job.
type Persister interface {
	Save(ctx context.Context, job *models.Job) error
	// Load returns up to limit of the most recently written snapshots.
	// Unreadable snapshots are skipped, not reported as errors.
	Load(ctx context.Context, limit int) ([]*models.Job, error)
}

const snapshotDateLayout = "2006-01-02"

// Pruner is implemented by persisters that can drop snapshots beyond a
// retention bound. Prune keeps the keep most recently written snapshots and
// returns how many it removed.
type Pruner interface {
	Prune(ctx context.Context, keep int) (int64, error)
}

// NopPersister keeps jobs in memory only.
type NopPersister struct{}

func (NopPersister) Save(context.Context, *models.Job) error { return nil }

func (NopPersister) Load(context.Context, int) ([]*models.Job, error) { return nil, nil }

// FilePersister writes one JSON file per job named "<creation date>_<id>.json".
type FilePersister struct {
	dir string
}

// NewFilePersister creates dir if needed.
func NewFilePersister(dir string) (*FilePersister, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create job log directory %s: %w", dir, err)
	}
	return &FilePersister{dir: dir}, nil
}

// Dir returns the directory snapshots are written to.
func (p *FilePersister) Dir() string { return p.dir }

// Path returns the snapshot file of job.
func (p *FilePersister) Path(job *models.Job) string {
	created := job.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	name := fmt.Sprintf("%s_%s.json", created.UTC().Format(snapshotDateLayout), job.ID)
	return filepath.Join(p.dir, name)
}

func (p *FilePersister) Save(_ context.Context, job *models.Job) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	data = append(data, '\n')
	return writeFileAtomic(p.Path(job), data)
}

func (p *FilePersister) Load(ctx context.Context, limit int) ([]*models.Job, error) {
	files, err := p.snapshots()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}

	jobs := make([]*models.Job, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return jobs, err
		}
		job, err := readSnapshot(f.path)
		if err != nil {
			slog.Warn("skipping job snapshot", "file", f.path, "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Prune removes every snapshot beyond the keep newest by modification time.
func (p *FilePersister) Prune(ctx context.Context, keep int) (int64, error) {
	files, err := p.snapshots()
	if err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	if len(files) <= keep {
		return 0, nil
	}

	var removed int64
	for _, f := range files[keep:] {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("remove job snapshot %s: %w", f.path, err)
		}
		removed++
	}
	return removed, nil
}

type snapshotFile struct {
	path    string
	modTime time.Time
}

// snapshots lists the snapshot files of the directory, newest first.
func (p *FilePersister) snapshots() ([]snapshotFile, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, fmt.Errorf("read job log directory %s: %w", p.dir, err)
	}

	files := make([]snapshotFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			slog.Warn("stat job snapshot", "file", e.Name(), "error", err)
			continue
		}
		files = append(files, snapshotFile{path: filepath.Join(p.dir, e.Name()), modTime: info.ModTime()})
	}

	sort.SliceStable(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})
	return files, nil
}

func readSnapshot(path string) (*models.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("parse JSON: %w", err)
	}
	if err := ValidateSnapshot(&job); err != nil {
		return nil, err
	}
	if job.CreatedAt.IsZero() {
		// keep later saves on the same file name
		if created, ok := createdFromName(filepath.Base(path)); ok {
			job.CreatedAt = created
		}
	}
	return &job, nil
}

// createdFromName parses the "<YYYY-MM-DD>_" prefix of a snapshot file name.
func createdFromName(name string) (time.Time, bool) {
	date, _, ok := strings.Cut(name, "_")
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(snapshotDateLayout, date)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ValidateSnapshot rejects JSON that decodes but is not a job record.
func ValidateSnapshot(job *models.Job) error {
	if job.ID == uuid.Nil {
		return fmt.Errorf("snapshot has no job_id")
	}
	switch job.Status {
	case models.JobStatusPending, models.JobStatusRunning, models.JobStatusCompleted,
		models.JobStatusFailed, models.JobStatusCancelled:
	default:
		return fmt.Errorf("snapshot has unknown status %q", job.Status)
	}
	if job.ScriptType == "" {
		return fmt.Errorf("snapshot has no script_type")
	}
	return nil
}

// writeFileAtomic replaces path through a temp file in the same directory so
// a crash never leaves a half-written snapshot behind.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".job-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("chmod temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("atomic rename for %s: %w", path, err)
	}
	return nil
}
