package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Handle is what an executor gets to report on its job. It never exposes the
// stored record; every call goes through the Manager.
type Handle struct {
	id  uuid.UUID
	m   *Manager
	tok *token
}

func (h *Handle) ID() uuid.UUID { return h.id }

// Context is cancelled when the job is cancelled or finished. Executors pass
// it to blocking I/O so a cancel request also interrupts in-flight calls.
func (h *Handle) Context() context.Context { return h.tok.ctx }

// Cancelled reports whether cancellation was requested. It does not lock the
// manager, so executors can poll it once per unit of work.
func (h *Handle) Cancelled() bool { return h.tok.cancelled() }

// UpdateProgress applies a partial progress update.
func (h *Handle) UpdateProgress(ctx context.Context, opts ...ProgressOption) {
	if err := h.m.UpdateProgress(ctx, h.id, opts...); err != nil {
		slog.Debug("progress update dropped", "job_id", h.id, "error", err)
	}
}

// Log appends a line to the job's log.
func (h *Handle) Log(ctx context.Context, msg string) {
	if err := h.m.AppendLog(ctx, h.id, msg); err != nil {
		slog.Debug("log line dropped", "job_id", h.id, "error", err)
	}
}

func (h *Handle) Logf(ctx context.Context, format string, args ...any) {
	h.Log(ctx, fmt.Sprintf(format, args...))
}
