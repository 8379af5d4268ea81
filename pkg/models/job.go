package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a script job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// ScriptType selects the executor that runs a job.
type ScriptType string

const (
	ScriptNormalizeNotes ScriptType = "normalize_notes"
	ScriptNormalizeVault ScriptType = "normalize_vault"
)

// MaxJobLogs bounds Job.Logs; older entries are dropped first.
const MaxJobLogs = 100

// Progress tracks a running job. CurrentItem is cleared when the job finishes.
type Progress struct {
	Total       int     `json:"total"`
	Processed   int     `json:"processed"`
	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
	CurrentItem *string `json:"current_item"`
}

// Job is one tracked execution of a script. The orchestrator owns the stored
// record; everything handed out to callers is a copy.
type Job struct {
	ID           uuid.UUID       `json:"job_id"`
	ScriptType   ScriptType      `json:"script_type"`
	Status       JobStatus       `json:"status"`
	Progress     Progress        `json:"progress"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at"`
	Logs         []string        `json:"logs"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	c := *j
	if j.Progress.CurrentItem != nil {
		item := *j.Progress.CurrentItem
		c.Progress.CurrentItem = &item
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	c.Logs = append(make([]string, 0, len(j.Logs)), j.Logs...)
	if j.Result != nil {
		c.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.ErrorMessage != nil {
		msg := *j.ErrorMessage
		c.ErrorMessage = &msg
	}
	return &c
}

// JobRequest carries the options a caller submits with a new job.
type JobRequest struct {
	ScriptType ScriptType `json:"script_type"`
	DryRun     bool       `json:"dry_run"`
	Verbose    bool       `json:"verbose"`

	// normalize_vault only
	VaultPath string `json:"vault_path,omitempty"`
	UseAI     bool   `json:"use_ai"`
	Backup    bool   `json:"backup"`
}
