// Package conversation keeps ordered chat histories keyed by
// (session id, board id). Sessions can be forked so a task works on a
// private copy of the board's primary conversation.
package conversation

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Role is the speaker of a message.
type Role string

// Message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is an assistant request to run a tool.
type ToolCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one conversation entry.
type Message struct {
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	ToolCall   *ToolCall `json:"tool_call,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
}

type key struct {
	session string
	board   string
}

func (k key) less(o key) bool {
	if k.session != o.session {
		return k.session < o.session
	}
	return k.board < o.board
}

type entry struct {
	mu       sync.Mutex
	messages []Message
	touched  time.Time
}

// Store is the process-wide conversation store.
type Store struct {
	logger  *slog.Logger
	idleAge time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[key]*entry
	pinned  map[string]int
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithIdleAge sets how long an untouched pair survives reaping.
func WithIdleAge(d time.Duration) Option {
	return func(s *Store) {
		s.idleAge = d
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		logger:  slog.Default(),
		idleAge: 24 * time.Hour,
		now:     time.Now,
		entries: make(map[key]*entry),
		pinned:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// get returns the entry for k, creating it when create is set.
func (s *Store) get(k key, create bool) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	if !ok && create {
		e = &entry{touched: s.now()}
		s.entries[k] = e
	}
	return e
}

// Append adds messages to the end of a conversation.
func (s *Store) Append(session, board string, msgs ...Message) {
	e := s.get(key{session, board}, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.messages = append(e.messages, msgs...)
	e.touched = s.now()
}

// Recent returns the last n messages, or all of them when n <= 0.
func (s *Store) Recent(session, board string, n int) []Message {
	e := s.get(key{session, board}, false)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	msgs := e.messages
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return slices.Clone(msgs)
}

// Len returns the number of messages in a conversation.
func (s *Store) Len(session, board string) int {
	e := s.get(key{session, board}, false)
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.messages)
}

// Clear removes one (session, board) pair, or every pair of the session
// when board is empty.
func (s *Store) Clear(session, board string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if board != "" {
		delete(s.entries, key{session, board})
		return
	}
	for k := range s.entries {
		if k.session == session {
			delete(s.entries, k)
		}
	}
}

// Fork replaces child's conversation on board with a copy of parent's.
// Later appends to either side are not visible to the other.
func (s *Store) Fork(parent, child, board string) {
	if parent == child {
		return
	}
	pk, ck := key{parent, board}, key{child, board}
	pe := s.get(pk, true)
	ce := s.get(ck, true)

	// Fixed lock order keeps concurrent forks in opposite directions safe.
	first, second := pe, ce
	if ck.less(pk) {
		first, second = ce, pe
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	ce.messages = slices.Clone(pe.messages)
	ce.touched = s.now()
}

// Trim keeps the last keep messages. A leading system message survives
// trimming and does not count towards keep.
func (s *Store) Trim(session, board string, keep int) {
	e := s.get(key{session, board}, false)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var head []Message
	rest := e.messages
	if len(rest) > 0 && rest[0].Role == RoleSystem {
		head, rest = rest[:1], rest[1:]
	}
	if keep < 0 {
		keep = 0
	}
	if len(rest) <= keep {
		return
	}
	trimmed := make([]Message, 0, len(head)+keep)
	trimmed = append(trimmed, head...)
	trimmed = append(trimmed, rest[len(rest)-keep:]...)
	e.messages = trimmed
}

// Pin marks a session active; pinned sessions are never reaped. Pins nest.
func (s *Store) Pin(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pinned[session]++
}

// Unpin releases one Pin.
func (s *Store) Unpin(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pinned[session] <= 1 {
		delete(s.pinned, session)
		return
	}
	s.pinned[session]--
}

// Reap drops every unpinned pair idle for at least the idle age and returns
// how many were removed.
func (s *Store) Reap() int {
	cutoff := s.now().Add(-s.idleAge)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, e := range s.entries {
		if s.pinned[k.session] > 0 {
			continue
		}
		e.mu.Lock()
		idle := !e.touched.After(cutoff)
		e.mu.Unlock()
		if idle {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// RunReaper calls Reap every interval until ctx is done.
func (s *Store) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Reap(); n > 0 {
				s.logger.Info("Reaped idle conversations", "count", n)
			}
		}
	}
}

// Size returns the number of (session, board) pairs held.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
