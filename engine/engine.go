// Package engine runs the per-board task pipeline: FIFO admission under a
// concurrency cap, wall-clock timeouts, cancellation, a bounded terminal
// results cache, and a background integrator that threads task replies back
// into the board's primary conversation.
//
// Submit never waits on handler work. A dispatcher goroutine admits pending
// tasks whenever a slot frees up; each admitted task runs on its own
// goroutine with a cancellable context, so a timeout or cancel also aborts
// the in-flight LLM request.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/c360studio/studyboard/conversation"
	"github.com/c360studio/studyboard/events"
	"github.com/c360studio/studyboard/llm"
	"github.com/c360studio/studyboard/metrics"
	"github.com/google/uuid"
)

// Defaults applied when Config fields are zero.
const (
	DefaultMaxConcurrent    = 3
	DefaultTimeout          = 300 * time.Second
	DefaultResultCacheSize  = 100
	DefaultProgressInterval = 5 * time.Second
)

// Sentinel errors.
var (
	ErrQueueFull    = errors.New("task queue is full")
	ErrTaskNotFound = errors.New("task not found")
	ErrClosed       = errors.New("task engine closed")
)

// Config bounds one engine.
type Config struct {
	MaxConcurrent    int
	Timeout          time.Duration
	ResultCacheSize  int
	QueueLimit       int // 0 = unbounded
	ProgressInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ResultCacheSize <= 0 {
		c.ResultCacheSize = DefaultResultCacheSize
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = DefaultProgressInterval
	}
	return c
}

// Request is what a handler receives.
type Request struct {
	TaskID    string
	Type      string
	BoardID   string
	Params    map[string]any
	SessionID string // per-task session forked from the primary session
}

// Outcome is a successful handler result.
type Outcome struct {
	Content string
	Data    map[string]any
}

// HandlerFunc executes one task. It must honour ctx cancellation.
type HandlerFunc func(ctx context.Context, req Request) (*Outcome, error)

// Conversation is the part of the conversation store the engine uses for
// per-task isolation and result integration.
type Conversation interface {
	Fork(parent, child, board string)
	Append(session, board string, msgs ...conversation.Message)
	Clear(session, board string)
}

type entry struct {
	task   *Task
	cancel context.CancelFunc
	timer  *time.Timer

	lastProgress time.Time
}

// Engine is the task engine of one board.
type Engine struct {
	boardID string
	primary string
	run     HandlerFunc
	cfg     Config

	conv     Conversation
	bus      events.Publisher
	describe func(taskType string, params map[string]any) string
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	pubMu     sync.Mutex // taken before mu is released; orders published snapshots
	pending   []*entry
	active    map[string]*entry
	results   map[string]*Task
	order     []string // results in insertion order, oldest first
	seq       uint64
	completed int
	failed    int
	closed    bool

	toIntegrate []string

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wake       chan struct{}
	integrate  chan struct{}
	wg         sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithConversation enables per-task session forking and integration into
// the given primary session.
func WithConversation(conv Conversation, primarySession string) Option {
	return func(e *Engine) {
		e.conv = conv
		e.primary = primarySession
	}
}

// WithPublisher publishes lifecycle events.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) {
		e.bus = p
	}
}

// WithDescriber sets the human description builder.
func WithDescriber(fn func(taskType string, params map[string]any) string) Option {
	return func(e *Engine) {
		e.describe = fn
	}
}

// WithMetrics records task counters and queue depth.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates and starts an engine for a board.
func New(boardID string, run HandlerFunc, cfg Config, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		boardID:    boardID,
		run:        run,
		cfg:        cfg.withDefaults(),
		logger:     slog.Default(),
		now:        time.Now,
		active:     make(map[string]*entry),
		results:    make(map[string]*Task),
		baseCtx:    ctx,
		baseCancel: cancel,
		wake:       make(chan struct{}, 1),
		integrate:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.describe == nil {
		e.describe = func(taskType string, _ map[string]any) string { return taskType }
	}
	e.logger = e.logger.With("board_id", boardID)

	e.wg.Add(2)
	go e.dispatchLoop()
	go e.integrateLoop()
	return e
}

// BoardID returns the board this engine serves.
func (e *Engine) BoardID() string { return e.boardID }

// MaxConcurrent returns the effective concurrency cap.
func (e *Engine) MaxConcurrent() int { return e.cfg.MaxConcurrent }

// Submit queues a task and returns immediately.
func (e *Engine) Submit(taskType string, params map[string]any) (*Task, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if e.cfg.QueueLimit > 0 && len(e.pending) >= e.cfg.QueueLimit {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %d tasks pending", ErrQueueFull, e.cfg.QueueLimit)
	}

	e.seq++
	t := &Task{
		ID:          fmt.Sprintf("%s_%s", taskType, uuid.New().String()[:8]),
		Seq:         e.seq,
		Type:        taskType,
		BoardID:     e.boardID,
		Params:      params,
		Description: e.describe(taskType, params),
		Status:      StatusPending,
		CreatedAt:   e.now(),
	}
	e.pending = append(e.pending, &entry{task: t})
	snap := e.snapshotLocked()
	out := t.Clone()
	e.publishUnlock(publication{typ: events.TaskListUpdate, snap: snap})

	e.metrics.TaskSubmitted(taskType)
	e.metrics.QueueDepth(e.boardID, snap.Active, snap.PendingCount)
	e.logger.Debug("Task submitted", "task_id", t.ID, "task_type", taskType, "pending", snap.PendingCount)
	e.signal(e.wake)
	return out, nil
}

func (e *Engine) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// dispatchLoop admits pending tasks in FIFO order while slots are free.
func (e *Engine) dispatchLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.baseCtx.Done():
			return
		case <-e.wake:
			e.admit()
		}
	}
}

// admit moves pending tasks to active. The session fork, the timeout timer
// and task_started all happen before the task can be cancelled or finished.
func (e *Engine) admit() {
	e.mu.Lock()
	var started []publication
	var runs []func()
	for !e.closed && len(e.active) < e.cfg.MaxConcurrent && len(e.pending) > 0 {
		en := e.pending[0]
		e.pending[0] = nil
		e.pending = e.pending[1:]

		now := e.now()
		if now.Before(en.task.CreatedAt) {
			now = en.task.CreatedAt
		}
		en.task.Status = StatusRunning
		en.task.StartedAt = &now
		if e.conv != nil {
			en.task.SessionID = e.primary + "/" + en.task.ID
		}

		ctx, cancel := context.WithCancel(e.baseCtx)
		ctx = context.WithValue(ctx, reporterKey{}, &reporter{engine: e, taskID: en.task.ID})
		ctx = llm.WithCallContext(ctx, llm.CallContext{
			BoardID:  e.boardID,
			TaskID:   en.task.ID,
			TaskType: en.task.Type,
		})
		en.cancel = cancel
		if e.conv != nil {
			e.conv.Fork(e.primary, en.task.SessionID, e.boardID)
		}
		id := en.task.ID
		en.timer = time.AfterFunc(e.cfg.Timeout, func() {
			e.finish(id, nil, fmt.Errorf("task exceeded %s: timeout", e.cfg.Timeout), outcomeTimeout)
		})
		e.active[id] = en

		e.logger.Info("Task admitted",
			"task_id", en.task.ID,
			"task_type", en.task.Type,
			"active", len(e.active),
			"pending", len(e.pending))

		started = append(started, publication{typ: events.TaskStarted, task: en.task.Clone(), snap: e.snapshotLocked()})
		runs = append(runs, func() { e.execute(ctx, en) })
	}
	active, pending := len(e.active), len(e.pending)
	e.publishUnlock(started...)

	e.metrics.QueueDepth(e.boardID, active, pending)
	for _, run := range runs {
		go run()
	}
}

// execute runs on its own goroutine, one per admitted task.
func (e *Engine) execute(ctx context.Context, en *entry) {
	t := en.task
	req := Request{
		TaskID:    t.ID,
		Type:      t.Type,
		BoardID:   t.BoardID,
		Params:    t.Params,
		SessionID: t.SessionID,
	}

	out, err := e.invoke(ctx, req)
	if err != nil {
		e.finish(t.ID, nil, err, outcomeFailed)
		return
	}
	e.finish(t.ID, out, nil, outcomeCompleted)
}

func (e *Engine) invoke(ctx context.Context, req Request) (out *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	out, err = e.run(ctx, req)
	if err == nil && out == nil {
		out = &Outcome{}
	}
	return out, err
}

const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeTimeout   = "timeout"
	outcomeCancelled = "cancelled"
)

// finish moves an active task to the results cache. A task that is no
// longer active was already terminated and its late result is discarded.
func (e *Engine) finish(taskID string, out *Outcome, runErr error, outcome string) {
	e.mu.Lock()
	en, ok := e.active[taskID]
	if !ok {
		e.mu.Unlock()
		e.logger.Debug("Discarding result of terminated task", "task_id", taskID, "outcome", outcome)
		return
	}
	delete(e.active, taskID)
	en.cancel()
	if en.timer != nil {
		en.timer.Stop()
	}

	t := en.task
	now := e.now()
	if now.Before(*t.StartedAt) {
		now = *t.StartedAt
	}
	t.CompletedAt = &now
	t.Progress = nil

	switch outcome {
	case outcomeCompleted:
		t.Status = StatusCompleted
		t.Success = true
		t.Result = out.Content
		t.Data = out.Data
		e.completed++
	case outcomeTimeout:
		t.Status = StatusFailed
		t.Error = "timeout"
		t.ErrorKind = string(llm.KindTimeout)
		e.failed++
	case outcomeCancelled:
		t.Status = StatusFailed
		t.Cancelled = true
		t.Error = "cancelled"
		t.ErrorKind = "Cancelled"
		e.failed++
	default:
		t.Status = StatusFailed
		t.Error, t.ErrorKind = describeError(runErr)
		e.failed++
	}
	e.storeLocked(t)
	e.toIntegrate = append(e.toIntegrate, t.ID)
	snap := e.snapshotLocked()
	final := t.Clone()
	typ := events.TaskFailed
	if final.Success {
		typ = events.TaskCompleted
	}
	e.publishUnlock(publication{typ: typ, task: final, snap: snap})

	ran := final.Duration(now)
	e.metrics.TaskFinished(final.Type, outcome, ran)
	e.metrics.QueueDepth(e.boardID, snap.Active, snap.PendingCount)

	switch outcome {
	case outcomeCompleted:
		e.logger.Info("Task completed", "task_id", taskID, "task_type", final.Type, "duration", ran)
	case outcomeFailed:
		e.logger.Info("Task failed", "task_id", taskID, "task_type", final.Type, "error", runErr)
	default:
		e.logger.Warn("Task terminated", "task_id", taskID, "task_type", final.Type, "outcome", outcome)
	}

	e.signal(e.wake)
	e.signal(e.integrate)
}

// describeError renders a failure as prose plus its kind.
func describeError(err error) (string, string) {
	if err == nil {
		return "unknown error", string(llm.KindOther)
	}
	var gwErr *llm.Error
	if errors.As(err, &gwErr) {
		return gwErr.UserMessage(), string(gwErr.Kind)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout: " + err.Error(), string(llm.KindTimeout)
	}
	return err.Error(), string(llm.KindOther)
}

// storeLocked caches a terminal task, evicting the oldest beyond the cap.
func (e *Engine) storeLocked(t *Task) {
	if _, exists := e.results[t.ID]; !exists {
		e.order = append(e.order, t.ID)
	}
	e.results[t.ID] = t
	for len(e.order) > e.cfg.ResultCacheSize {
		oldest := e.order[0]
		e.order = e.order[1:]
		delete(e.results, oldest)
	}
}

// Cancel terminates a pending or running task. Cancelling a task that is
// already terminal returns its cached record unchanged.
func (e *Engine) Cancel(taskID string) (*Task, error) {
	e.mu.Lock()
	if t, ok := e.results[taskID]; ok {
		out := t.Clone()
		e.mu.Unlock()
		return out, nil
	}

	if _, ok := e.active[taskID]; ok {
		e.mu.Unlock()
		e.finish(taskID, nil, nil, outcomeCancelled)
		return e.result(taskID)
	}

	idx := slices.IndexFunc(e.pending, func(en *entry) bool { return en.task.ID == taskID })
	if idx < 0 {
		e.mu.Unlock()
		return nil, ErrTaskNotFound
	}
	en := e.pending[idx]
	e.pending = slices.Delete(e.pending, idx, idx+1)

	t := en.task
	now := e.now()
	if now.Before(t.CreatedAt) {
		now = t.CreatedAt
	}
	t.StartedAt = &now
	t.CompletedAt = &now
	t.Status = StatusFailed
	t.Cancelled = true
	t.Error = "cancelled"
	t.ErrorKind = "Cancelled"
	e.failed++
	e.storeLocked(t)
	snap := e.snapshotLocked()
	final := t.Clone()
	e.publishUnlock(publication{typ: events.TaskFailed, task: final, snap: snap})

	e.metrics.TaskFinished(final.Type, outcomeCancelled, 0)
	e.metrics.QueueDepth(e.boardID, snap.Active, snap.PendingCount)
	e.logger.Warn("Pending task cancelled", "task_id", taskID, "task_type", final.Type)
	return final, nil
}

func (e *Engine) result(taskID string) (*Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.results[taskID]; ok {
		return t.Clone(), nil
	}
	return nil, ErrTaskNotFound
}

// Result returns a terminal task from the results cache.
func (e *Engine) Result(taskID string) (*Task, bool) {
	t, err := e.result(taskID)
	return t, err == nil
}

// Lookup finds a task in any state.
func (e *Engine) Lookup(taskID string) (*Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.results[taskID]; ok {
		return t.Clone(), true
	}
	if en, ok := e.active[taskID]; ok {
		return en.task.Clone(), true
	}
	for _, en := range e.pending {
		if en.task.ID == taskID {
			return en.task.Clone(), true
		}
	}
	return nil, false
}

// ListResults returns terminal tasks, most recently completed first.
func (e *Engine) ListResults(limit int) []*Task {
	e.mu.Lock()
	out := make([]*Task, 0, len(e.results))
	for _, t := range e.results {
		out = append(out, t.Clone())
	}
	e.mu.Unlock()

	slices.SortStableFunc(out, func(a, b *Task) int {
		if c := b.CompletedAt.Compare(*a.CompletedAt); c != 0 {
			return c
		}
		return int(b.Seq) - int(a.Seq)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Status returns the concurrent status snapshot.
func (e *Engine) Status() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	now := e.now()
	snap := Snapshot{
		Active:         len(e.active),
		Max:            e.cfg.MaxConcurrent,
		ActiveTasks:    make([]TaskInfo, 0, len(e.active)),
		PendingTasks:   make([]TaskInfo, 0, len(e.pending)),
		CompletedCount: e.completed,
		FailedCount:    e.failed,
		PendingCount:   len(e.pending),
		Total:          int(e.seq),
	}
	for _, en := range e.active {
		snap.ActiveTasks = append(snap.ActiveTasks, en.task.info(now))
	}
	slices.SortFunc(snap.ActiveTasks, func(a, b TaskInfo) int {
		return a.StartedAt.Compare(*b.StartedAt)
	})
	for _, en := range e.pending {
		snap.PendingTasks = append(snap.PendingTasks, en.task.info(now))
	}
	return snap
}

// Observe calls fn with the current snapshot. No engine event is published
// while fn runs, so a subscription registered inside fn sees every event
// that follows the snapshot and none that precede it.
func (e *Engine) Observe(fn func(Snapshot)) {
	e.mu.Lock()
	snap := e.snapshotLocked()
	e.pubMu.Lock()
	e.mu.Unlock()
	defer e.pubMu.Unlock()
	fn(snap)
}

type publication struct {
	typ  events.Type
	task *Task
	snap Snapshot
}

// publishUnlock releases e.mu and publishes events built from state read
// under it. pubMu is taken before e.mu is released, so events reach the bus
// in the order their snapshots were taken. Must be called with e.mu held.
func (e *Engine) publishUnlock(pubs ...publication) {
	e.pubMu.Lock()
	e.mu.Unlock()
	defer e.pubMu.Unlock()
	for _, p := range pubs {
		e.publish(p.typ, p.task, p.snap)
	}
}

func (e *Engine) publish(typ events.Type, t *Task, snap Snapshot) {
	if e.bus == nil {
		return
	}
	ev := events.Event{Type: typ, BoardID: e.boardID, Tasks: snap.Tasks(), Timestamp: e.now()}
	if t != nil {
		ev.Task = t
	}
	e.bus.Publish(ev)
}

// integrateLoop threads terminal task replies into the primary
// conversation, one at a time, each task at most once.
func (e *Engine) integrateLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.baseCtx.Done():
			e.drainIntegrations()
			return
		case <-e.integrate:
			e.drainIntegrations()
		}
	}
}

func (e *Engine) drainIntegrations() {
	for {
		e.mu.Lock()
		if len(e.toIntegrate) == 0 {
			e.mu.Unlock()
			return
		}
		id := e.toIntegrate[0]
		e.toIntegrate = e.toIntegrate[1:]
		t, ok := e.results[id]
		if !ok || t.integrated {
			e.mu.Unlock()
			continue
		}
		t.integrated = true
		final := t.Clone()
		e.mu.Unlock()

		e.integrateTask(final)
	}
}

func (e *Engine) integrateTask(t *Task) {
	if e.conv == nil {
		return
	}
	if t.Success && t.Result != "" {
		e.conv.Append(e.primary, e.boardID, conversation.Message{
			Role:    conversation.RoleAssistant,
			Content: IntegrationMessage(t.Type, *t.CompletedAt, t.Result),
		})
	}
	if t.SessionID != "" {
		e.conv.Clear(t.SessionID, e.boardID)
	}
}

// IntegrationMessage formats a task reply as it is recorded in the primary
// conversation.
func IntegrationMessage(taskType string, at time.Time, content string) string {
	return fmt.Sprintf("[concurrent-%s@%s] %s", taskType, at.Format(time.RFC3339), content)
}

// Close cancels every pending and running task and stops the engine's
// goroutines. Handlers that ignore their context may still be running when
// Close returns; their results are discarded.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	ids := make([]string, 0, len(e.pending)+len(e.active))
	for _, en := range e.pending {
		ids = append(ids, en.task.ID)
	}
	for id := range e.active {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		_, _ = e.Cancel(id)
	}
	e.baseCancel()
	e.wg.Wait()
	e.metrics.ForgetBoard(e.boardID)
	e.logger.Info("Task engine closed", "cancelled", len(ids))
}
