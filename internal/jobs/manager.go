// Package jobs is the orchestration core of the script runner. A Manager owns
// every job record of the process, serialises all mutation behind one mutex,
// mirrors significant transitions to a Persister, and bounds its own history.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loopbreaker/scriptrunner/pkg/models"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrNotRunning        = errors.New("job is not running")
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrCancelled is returned by executors that stop after observing a cancel request.
	ErrCancelled = errors.New("job cancelled")
)

const (
	DefaultMaxHistory = 100
	// ShutdownMessage is the error recorded on jobs still running at shutdown.
	ShutdownMessage = "Service shutdown"

	evictionMargin     = 10
	logPersistInterval = 5
)

// Listener observes status transitions. from is empty for a newly created job.
// Listeners run after the manager's lock is released and receive a copy.
type Listener interface {
	JobTransitioned(ctx context.Context, job *models.Job, from models.JobStatus)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, job *models.Job, from models.JobStatus)

func (f ListenerFunc) JobTransitioned(ctx context.Context, job *models.Job, from models.JobStatus) {
	f(ctx, job, from)
}

type entry struct {
	job *models.Job
	// appended counts every AppendLog call, including entries since dropped.
	appended int
}

type transition struct {
	job  *models.Job
	from models.JobStatus
}

// Manager is the job store and public facade of the orchestrator.
type Manager struct {
	mu     sync.Mutex
	jobs   map[uuid.UUID]*entry
	tokens map[uuid.UUID]*token
	// cancelled holds the ids of jobs in cancelled state; read without mu.
	cancelled sync.Map

	persister  Persister
	maxHistory int
	listeners  []Listener
	now        func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

func WithPersister(p Persister) Option {
	return func(m *Manager) {
		if p != nil {
			m.persister = p
		}
	}
}

func WithMaxHistory(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxHistory = n
		}
	}
}

func WithListener(l Listener) Option {
	return func(m *Manager) {
		if l != nil {
			m.listeners = append(m.listeners, l)
		}
	}
}

// WithClock overrides the time source. Tests use it to control ordering.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager returns an empty Manager. Without WithPersister jobs live in
// memory only.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		jobs:       make(map[uuid.UUID]*entry),
		tokens:     make(map[uuid.UUID]*token),
		persister:  NopPersister{},
		maxHistory: DefaultMaxHistory,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MaxHistory returns the retention bound of terminal jobs.
func (m *Manager) MaxHistory() int { return m.maxHistory }

// Restore loads persisted snapshots into an empty manager. Jobs that were not
// terminal when written get a fresh cancellation token so they stay
// cancellable; their status is kept as recorded.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	loaded, err := m.persister.Load(ctx, m.maxHistory)
	if err != nil {
		return 0, fmt.Errorf("load persisted jobs: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, job := range loaded {
		if _, ok := m.jobs[job.ID]; ok {
			continue
		}
		if job.Logs == nil {
			job.Logs = []string{}
		}
		if len(job.Logs) > models.MaxJobLogs {
			job.Logs = job.Logs[len(job.Logs)-models.MaxJobLogs:]
		}
		m.jobs[job.ID] = &entry{job: job, appended: len(job.Logs)}
		if !job.Status.Terminal() {
			m.tokens[job.ID] = newToken()
		}
		if job.Status == models.JobStatusCancelled {
			m.cancelled.Store(job.ID, struct{}{})
		}
		n++
	}
	return n, nil
}

// Create registers a pending job of the given type and returns its id.
// Callers that need "one running job per type" check RunningJobs first; the
// check and Create are not atomic, so two concurrent requests can both pass.
func (m *Manager) Create(ctx context.Context, scriptType models.ScriptType) uuid.UUID {
	m.mu.Lock()
	evicted := m.evictLocked()

	id := m.newIDLocked()
	job := &models.Job{
		ID:         id,
		ScriptType: scriptType,
		Status:     models.JobStatusPending,
		CreatedAt:  m.now(),
		Logs:       []string{},
	}
	m.jobs[id] = &entry{job: job}
	m.tokens[id] = newToken()
	m.persistLocked(ctx, job)
	ev := transition{job: job.Clone()}
	m.mu.Unlock()

	if evicted > 0 {
		m.prune(ctx)
	}
	m.notify(ctx, ev)
	return id
}

// prune trims persisted snapshots to the retention bound when the persister
// supports it. Failures are logged, never returned.
func (m *Manager) prune(ctx context.Context) {
	p, ok := m.persister.(Pruner)
	if !ok {
		return
	}
	removed, err := p.Prune(context.WithoutCancel(ctx), m.maxHistory)
	if err != nil {
		slog.Warn("failed to prune job snapshots", "error", err)
		return
	}
	if removed > 0 {
		slog.Debug("pruned job snapshots", "removed", removed)
	}
}

func (m *Manager) newIDLocked() uuid.UUID {
	for {
		id := uuid.New()
		if _, taken := m.jobs[id]; !taken {
			return id
		}
	}
}

// evictLocked drops the oldest terminal jobs once the store reaches
// maxHistory, leaving room for evictionMargin more creations. It returns the
// number of jobs removed.
func (m *Manager) evictLocked() int {
	if len(m.jobs) < m.maxHistory {
		return 0
	}

	terminal := make([]*models.Job, 0, len(m.jobs))
	for _, e := range m.jobs {
		if e.job.Status.Terminal() {
			terminal = append(terminal, e.job)
		}
	}
	sort.Slice(terminal, func(i, j int) bool {
		a, b := terminal[i].CompletedAt, terminal[j].CompletedAt
		switch {
		case a == nil && b == nil:
			return terminal[i].CreatedAt.Before(terminal[j].CreatedAt)
		case a == nil:
			return true
		case b == nil:
			return false
		default:
			return a.Before(*b)
		}
	})

	remove := len(m.jobs) - m.maxHistory + evictionMargin
	if remove > len(terminal) {
		remove = len(terminal)
	}
	for _, job := range terminal[:remove] {
		delete(m.jobs, job.ID)
		m.cancelled.Delete(job.ID)
		if tok, ok := m.tokens[job.ID]; ok {
			tok.release()
			delete(m.tokens, job.ID)
		}
	}
	if remove > 0 {
		slog.Debug("evicted job history", "removed", remove, "remaining", len(m.jobs))
	}
	return remove
}

// Get returns a copy of the job.
func (m *Manager) Get(id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.job.Clone(), nil
}

// List returns up to limit jobs, most recently started first. Jobs that have
// not started yet come last. A limit of zero or less returns everything.
func (m *Manager) List(limit int) []*models.Job {
	m.mu.Lock()
	out := make([]*models.Job, 0, len(m.jobs))
	for _, e := range m.jobs {
		out = append(out, e.job.Clone())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].StartedAt, out[j].StartedAt
		switch {
		case a == nil && b == nil:
			return out[i].CreatedAt.After(out[j].CreatedAt)
		case a == nil:
			return false
		case b == nil:
			return true
		case a.Equal(*b):
			return out[i].CreatedAt.After(out[j].CreatedAt)
		default:
			return a.After(*b)
		}
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// RunningJobs returns copies of the running jobs of scriptType, or of every
// type when scriptType is empty.
func (m *Manager) RunningJobs(scriptType models.ScriptType) []*models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Job
	for _, e := range m.jobs {
		if e.job.Status != models.JobStatusRunning {
			continue
		}
		if scriptType != "" && e.job.ScriptType != scriptType {
			continue
		}
		out = append(out, e.job.Clone())
	}
	return out
}

// MarkStarted moves a pending job to running.
func (m *Manager) MarkStarted(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	e, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if e.job.Status != models.JobStatusPending {
		from := e.job.Status
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, models.JobStatusRunning)
	}

	now := m.now()
	e.job.Status = models.JobStatusRunning
	e.job.StartedAt = &now
	m.persistLocked(ctx, e.job)
	ev := transition{job: e.job.Clone(), from: models.JobStatusPending}
	m.mu.Unlock()

	m.notify(ctx, ev)
	return nil
}

// UpdateProgress applies a partial progress update. Updates to a job that is
// not running are ignored.
func (m *Manager) UpdateProgress(ctx context.Context, id uuid.UUID, opts ...ProgressOption) error {
	var u progressUpdate
	for _, opt := range opts {
		opt(&u)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if e.job.Status != models.JobStatusRunning {
		return nil
	}
	u.apply(&e.job.Progress)
	if u.checkpoint(e.job.Progress) {
		m.persistLocked(ctx, e.job)
	}
	return nil
}

// AppendLog adds a line to the job's log, dropping the oldest line once
// models.MaxJobLogs is reached. Lines are accepted in every status.
func (m *Manager) AppendLog(ctx context.Context, id uuid.UUID, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	logs := e.job.Logs
	if len(logs) >= models.MaxJobLogs {
		n := copy(logs, logs[len(logs)-models.MaxJobLogs+1:])
		logs = append(logs[:n], msg)
	} else {
		logs = append(logs, msg)
	}
	e.job.Logs = logs
	e.appended++
	if e.appended%logPersistInterval == 0 {
		m.persistLocked(ctx, e.job)
	}
	return nil
}

// Complete records a successful result. result is stored as JSON; a value
// that cannot be encoded fails the job instead. Completing a job that is
// already terminal is a no-op.
func (m *Manager) Complete(ctx context.Context, id uuid.UUID, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return m.finish(ctx, id, models.JobStatusFailed, nil, fmt.Sprintf("encode result: %v", err))
	}
	return m.finish(ctx, id, models.JobStatusCompleted, raw, "")
}

// Fail records a failure message. Failing a job that is already terminal is
// a no-op.
func (m *Manager) Fail(ctx context.Context, id uuid.UUID, msg string) error {
	return m.finish(ctx, id, models.JobStatusFailed, nil, msg)
}

func (m *Manager) finish(ctx context.Context, id uuid.UUID, status models.JobStatus, result json.RawMessage, msg string) error {
	m.mu.Lock()
	e, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}

	from := e.job.Status
	switch {
	case from.Terminal():
		m.dropTokenLocked(id)
		m.mu.Unlock()
		return nil
	case from != models.JobStatusRunning:
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
	}

	now := m.now()
	e.job.Status = status
	e.job.CompletedAt = &now
	e.job.Progress.CurrentItem = nil
	if status == models.JobStatusCompleted {
		e.job.Result = result
	} else {
		e.job.ErrorMessage = &msg
	}
	m.dropTokenLocked(id)
	m.persistLocked(ctx, e.job)
	ev := transition{job: e.job.Clone(), from: from}
	m.mu.Unlock()

	m.notify(ctx, ev)
	return nil
}

func (m *Manager) dropTokenLocked(id uuid.UUID) {
	if tok, ok := m.tokens[id]; ok {
		tok.release()
		delete(m.tokens, id)
	}
}

// Cancel requests cooperative cancellation of a running job. The job is
// marked cancelled at once; its executor stops at its next checkpoint.
func (m *Manager) Cancel(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	e, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if e.job.Status != models.JobStatusRunning {
		m.mu.Unlock()
		return nil, ErrNotRunning
	}

	if tok, ok := m.tokens[id]; ok {
		tok.trip()
	}
	now := m.now()
	e.job.Status = models.JobStatusCancelled
	e.job.CompletedAt = &now
	m.cancelled.Store(id, struct{}{})
	m.persistLocked(ctx, e.job)
	out := e.job.Clone()
	ev := transition{job: e.job.Clone(), from: models.JobStatusRunning}
	m.mu.Unlock()

	m.notify(ctx, ev)
	return out, nil
}

// IsCancelled reports whether the job was cancelled. It does not take the
// manager's lock, so it is safe to poll from any goroutine.
func (m *Manager) IsCancelled(id uuid.UUID) bool {
	_, ok := m.cancelled.Load(id)
	return ok
}

// Handle returns the executor-side view of a live job.
func (m *Manager) Handle(id uuid.UUID) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[id]; !ok {
		return nil, ErrNotFound
	}
	tok, ok := m.tokens[id]
	if !ok {
		return nil, ErrNotRunning
	}
	return &Handle{id: id, m: m, tok: tok}, nil
}

// Shutdown fails every running job with ShutdownMessage and persists it, so
// a later Restore never brings a job back as running. It returns the number
// of jobs it failed.
func (m *Manager) Shutdown(ctx context.Context) int {
	m.mu.Lock()
	var events []transition
	for id, e := range m.jobs {
		if e.job.Status != models.JobStatusRunning {
			continue
		}
		if tok, ok := m.tokens[id]; ok {
			tok.trip()
			delete(m.tokens, id)
		}
		now := m.now()
		msg := ShutdownMessage
		e.job.Status = models.JobStatusFailed
		e.job.CompletedAt = &now
		e.job.ErrorMessage = &msg
		e.job.Progress.CurrentItem = nil
		m.persistLocked(ctx, e.job)
		events = append(events, transition{job: e.job.Clone(), from: models.JobStatusRunning})
	}
	m.mu.Unlock()

	m.notify(ctx, events...)
	return len(events)
}

// persistLocked writes a snapshot while the lock is held so snapshots of one
// job are written in mutation order. Failures are logged, never returned.
// The caller's cancellation is dropped: a cancelled job still records its
// final state.
func (m *Manager) persistLocked(ctx context.Context, job *models.Job) {
	if err := m.persister.Save(context.WithoutCancel(ctx), job); err != nil {
		slog.Warn("failed to persist job",
			"job_id", job.ID,
			"status", job.Status,
			"error", err,
		)
	}
}

func (m *Manager) notify(ctx context.Context, events ...transition) {
	ctx = context.WithoutCancel(ctx)
	for _, ev := range events {
		for _, l := range m.listeners {
			l.JobTransitioned(ctx, ev.job, ev.from)
		}
	}
}
