package engine

import (
	"context"

	"github.com/c360studio/studyboard/events"
)

type reporterKey struct{}

type reporter struct {
	engine *Engine
	taskID string
}

// ReportProgress publishes a task_progress event for the task running under
// ctx. Reports closer together than the engine's progress interval are
// dropped; the return value tells whether this one was published.
func ReportProgress(ctx context.Context, message string, percent float64) bool {
	r, ok := ctx.Value(reporterKey{}).(*reporter)
	if !ok || r == nil {
		return false
	}
	return r.engine.progress(r.taskID, message, percent)
}

func (e *Engine) progress(taskID, message string, percent float64) bool {
	e.mu.Lock()
	en, ok := e.active[taskID]
	if !ok {
		e.mu.Unlock()
		return false
	}
	now := e.now()
	if !en.lastProgress.IsZero() && now.Sub(en.lastProgress) < e.cfg.ProgressInterval {
		e.mu.Unlock()
		return false
	}
	en.lastProgress = now
	en.task.Progress = &Progress{Message: message, Percent: percent, UpdatedAt: now}
	e.publishUnlock(publication{typ: events.TaskProgress, task: en.task.Clone(), snap: e.snapshotLocked()})
	return true
}
