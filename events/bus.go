// Package events is the per-board task event bus. Subscribers get a bounded
// inbox; when it is full the oldest non-heartbeat event is dropped. Closed
// subscriptions are swept lazily on the next publish to their board.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/studyboard/metrics"
)

// Type is the event type sent to subscribers.
type Type string

// Task lifecycle event types.
const (
	TaskStarted    Type = "task_started"
	TaskProgress   Type = "task_progress"
	TaskCompleted  Type = "task_completed"
	TaskFailed     Type = "task_failed"
	TaskListUpdate Type = "task_list_update"
	Heartbeat      Type = "heartbeat"
)

// DefaultInboxSize is the per-subscriber inbox bound.
const DefaultInboxSize = 100

// Event is one message on a board stream.
type Event struct {
	Type      Type      `json:"type"`
	BoardID   string    `json:"board_id"`
	Tasks     any       `json:"tasks"`
	Task      any       `json:"task,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Relay receives a copy of every non-heartbeat event after local delivery.
type Relay interface {
	Relay(e Event)
}

// Publisher is the side of the bus the task engine needs.
type Publisher interface {
	Publish(e Event)
}

type board struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// Bus fans events out to per-board subscribers.
type Bus struct {
	mu     sync.Mutex
	boards map[string]*board

	inboxSize int
	relays    []Relay
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithInboxSize bounds each subscriber inbox.
func WithInboxSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.inboxSize = n
		}
	}
}

// WithMetrics counts dropped events.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) {
		b.metrics = m
	}
}

// WithRelay mirrors events to an external sink.
func WithRelay(r Relay) Option {
	return func(b *Bus) {
		if r != nil {
			b.relays = append(b.relays, r)
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		b.now = now
	}
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		boards:    make(map[string]*board),
		inboxSize: DefaultInboxSize,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a subscriber for a board. The initial events are queued
// before the subscription becomes visible to publishers, so they are always
// received first.
func (b *Bus) Subscribe(boardID string, initial ...Event) *Subscription {
	sub := newSubscription(boardID, b.inboxSize, b.onDrop)
	for _, e := range initial {
		sub.deliver(b.stamp(e, boardID))
	}

	// Lock order is bus then board, matching pruneEmpty.
	b.mu.Lock()
	bd, ok := b.boards[boardID]
	if !ok {
		bd = &board{subs: make(map[*Subscription]struct{})}
		b.boards[boardID] = bd
	}
	bd.mu.Lock()
	bd.subs[sub] = struct{}{}
	n := len(bd.subs)
	bd.mu.Unlock()
	b.mu.Unlock()

	b.logger.Debug("Event subscriber added", "board_id", boardID, "subscribers", n)
	return sub
}

func (b *Bus) stamp(e Event, boardID string) Event {
	if e.BoardID == "" {
		e.BoardID = boardID
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}
	return e
}

func (b *Bus) onDrop(sub *Subscription, dropped Event) {
	b.metrics.EventDropped()
	b.logger.Debug("Subscriber inbox full, dropped oldest event",
		"board_id", sub.boardID,
		"dropped_type", dropped.Type,
		"total_dropped", sub.Dropped())
}

// Publish delivers e to every live subscriber of e.BoardID. The board lock
// is only held while copying the subscriber set.
func (b *Bus) Publish(e Event) {
	e = b.stamp(e, e.BoardID)

	b.mu.Lock()
	bd, ok := b.boards[e.BoardID]
	b.mu.Unlock()

	if ok {
		for _, sub := range bd.live() {
			sub.deliver(e)
		}
	}

	if e.Type == Heartbeat {
		return
	}
	for _, r := range b.relays {
		r.Relay(e)
	}
}

// live copies the subscriber set, removing closed subscriptions.
func (bd *board) live() []*Subscription {
	bd.mu.Lock()
	defer bd.mu.Unlock()
	out := make([]*Subscription, 0, len(bd.subs))
	for sub := range bd.subs {
		if sub.Closed() {
			delete(bd.subs, sub)
			continue
		}
		out = append(out, sub)
	}
	return out
}

// Subscribers returns the number of registered subscriptions for a board,
// including closed ones that have not been swept yet.
func (b *Bus) Subscribers(boardID string) int {
	b.mu.Lock()
	bd, ok := b.boards[boardID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	bd.mu.Lock()
	defer bd.mu.Unlock()
	return len(bd.subs)
}

// Boards lists boards that have a subscriber set.
func (b *Bus) Boards() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.boards))
	for id := range b.boards {
		ids = append(ids, id)
	}
	return ids
}

// CloseBoard closes every subscription of a board and forgets the board.
func (b *Bus) CloseBoard(boardID string) {
	b.mu.Lock()
	bd, ok := b.boards[boardID]
	delete(b.boards, boardID)
	b.mu.Unlock()
	if !ok {
		return
	}

	bd.mu.Lock()
	subs := make([]*Subscription, 0, len(bd.subs))
	for sub := range bd.subs {
		subs = append(subs, sub)
	}
	bd.subs = make(map[*Subscription]struct{})
	bd.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	b.logger.Debug("Event board closed", "board_id", boardID, "subscribers", len(subs))
}

// RunHeartbeat publishes a heartbeat to every board on each tick until ctx
// is done. Boards whose subscribers are all gone are dropped.
func (b *Bus) RunHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range b.Boards() {
				b.Publish(Event{Type: Heartbeat, BoardID: id})
				b.pruneEmpty(id)
			}
		}
	}
}

func (b *Bus) pruneEmpty(boardID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bd, ok := b.boards[boardID]
	if !ok {
		return
	}
	bd.mu.Lock()
	empty := len(bd.subs) == 0
	bd.mu.Unlock()
	if empty {
		delete(b.boards, boardID)
	}
}
