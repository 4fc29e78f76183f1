package engine

import (
	"maps"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

// Task states.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether the status is completed or failed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Progress is the last progress report of a running task.
type Progress struct {
	Message   string    `json:"message"`
	Percent   float64   `json:"percent"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Task is one unit of AI work owned by a board engine.
type Task struct {
	ID          string         `json:"task_id"`
	Seq         uint64         `json:"seq"`
	Type        string         `json:"task_type"`
	BoardID     string         `json:"board_id"`
	Params      map[string]any `json:"params,omitempty"`
	Description string         `json:"description"`
	SessionID   string         `json:"session_id,omitempty"`

	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Progress    *Progress  `json:"progress,omitempty"`

	Result    string         `json:"result,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorKind string         `json:"error_kind,omitempty"`
	Success   bool           `json:"success"`
	Cancelled bool           `json:"cancelled"`

	integrated bool
}

// Clone returns a copy safe to hand out of the engine lock.
func (t *Task) Clone() *Task {
	c := *t
	c.Params = maps.Clone(t.Params)
	c.Data = maps.Clone(t.Data)
	if t.StartedAt != nil {
		s := *t.StartedAt
		c.StartedAt = &s
	}
	if t.CompletedAt != nil {
		d := *t.CompletedAt
		c.CompletedAt = &d
	}
	if t.Progress != nil {
		p := *t.Progress
		c.Progress = &p
	}
	return &c
}

// Duration is the run time so far, or the total run time once terminal.
func (t *Task) Duration(now time.Time) time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	end := now
	if t.CompletedAt != nil {
		end = *t.CompletedAt
	}
	return end.Sub(*t.StartedAt)
}

// TaskInfo is the compact view used by status snapshots and events.
type TaskInfo struct {
	TaskID      string     `json:"task_id"`
	TaskType    string     `json:"task_type"`
	Description string     `json:"description"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	Duration    float64    `json:"duration"`
	Progress    *Progress  `json:"progress,omitempty"`
}

func (t *Task) info(now time.Time) TaskInfo {
	c := t.Clone()
	return TaskInfo{
		TaskID:      c.ID,
		TaskType:    c.Type,
		Description: c.Description,
		Status:      c.Status,
		CreatedAt:   c.CreatedAt,
		StartedAt:   c.StartedAt,
		Duration:    c.Duration(now).Seconds(),
		Progress:    c.Progress,
	}
}

// Snapshot is the concurrent status of one board.
type Snapshot struct {
	Active         int        `json:"active_tasks"`
	Max            int        `json:"max_concurrent_tasks"`
	ActiveTasks    []TaskInfo `json:"active_task_details"`
	PendingTasks   []TaskInfo `json:"pending_task_details"`
	CompletedCount int        `json:"completed_tasks"`
	FailedCount    int        `json:"failed_tasks"`
	PendingCount   int        `json:"pending_tasks"`
	Total          int        `json:"total_tasks"`
}

// Tasks returns active then pending tasks, the list carried by events.
func (s Snapshot) Tasks() []TaskInfo {
	out := make([]TaskInfo, 0, len(s.ActiveTasks)+len(s.PendingTasks))
	out = append(out, s.ActiveTasks...)
	return append(out, s.PendingTasks...)
}
