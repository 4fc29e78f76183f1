package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// previewRunes bounds query_preview and response_preview.
const previewRunes = 200

// InteractionRecord is one outbound LLM call, successful or not.
type InteractionRecord struct {
	ID              string         `json:"id"`
	Timestamp       time.Time      `json:"timestamp"`
	LLMType         string         `json:"llm_type"`
	Query           string         `json:"query"`
	Response        string         `json:"response"`
	QueryPreview    string         `json:"query_preview"`
	ResponsePreview string         `json:"response_preview"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Duration        float64        `json:"duration"`
	Error           string         `json:"error,omitempty"`
	ErrorKind       ErrorKind      `json:"error_kind,omitempty"`
}

// InteractionLog appends every record to a JSONL file and keeps a bounded
// in-memory tail for the UI. A nil *InteractionLog drops records.
type InteractionLog struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	tail   []InteractionRecord
	next   int
	full   bool
	logger *slog.Logger
}

// InteractionLogOption configures an InteractionLog.
type InteractionLogOption func(*InteractionLog)

// WithInteractionLogger sets the logger used for write failures.
func WithInteractionLogger(logger *slog.Logger) InteractionLogOption {
	return func(l *InteractionLog) {
		l.logger = logger
	}
}

// OpenInteractionLog opens (or creates) the JSONL file at path and primes the
// tail with its last tailSize records. An empty path keeps records in memory only.
func OpenInteractionLog(path string, tailSize int, opts ...InteractionLogOption) (*InteractionLog, error) {
	if tailSize < 1 {
		tailSize = 1
	}
	l := &InteractionLog{
		path:   path,
		tail:   make([]InteractionRecord, tailSize),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if path == "" {
		return l, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create interaction log dir: %w", err)
	}
	if err := l.prime(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open interaction log: %w", err)
	}
	l.file = f
	return l, nil
}

// prime loads existing records so the tail survives restarts.
func (l *InteractionLog) prime() error {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read interaction log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var rec InteractionRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		l.push(rec)
	}
	return scanner.Err()
}

func (l *InteractionLog) push(rec InteractionRecord) {
	l.tail[l.next] = rec
	l.next = (l.next + 1) % len(l.tail)
	if l.next == 0 {
		l.full = true
	}
}

// Append assigns an id and timestamp when missing, fills previews, and
// persists the record. Write failures are logged, never returned: the
// interaction log must not fail an LLM call.
func (l *InteractionLog) Append(rec InteractionRecord) InteractionRecord {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	rec.QueryPreview = preview(rec.Query)
	rec.ResponsePreview = preview(rec.Response)
	if l == nil {
		return rec
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.push(rec)
	if l.file == nil {
		return rec
	}
	data, err := json.Marshal(rec)
	if err != nil {
		l.logger.Warn("Failed to marshal interaction record", "id", rec.ID, "error", err)
		return rec
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		l.logger.Warn("Failed to append interaction record", "id", rec.ID, "path", l.path, "error", err)
	}
	return rec
}

// Recent returns up to limit records, oldest first.
func (l *InteractionLog) Recent(limit int) []InteractionRecord {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var ordered []InteractionRecord
	if l.full {
		ordered = append(ordered, l.tail[l.next:]...)
	}
	ordered = append(ordered, l.tail[:l.next]...)

	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	out := make([]InteractionRecord, len(ordered))
	copy(out, ordered)
	return out
}

// Close flushes and closes the backing file.
func (l *InteractionLog) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= previewRunes {
		return s
	}
	r := []rune(s)
	return string(r[:previewRunes]) + "..."
}

// CallContext identifies who made a gateway call; it lands in the
// interaction record metadata.
type CallContext struct {
	BoardID  string
	TaskID   string
	TaskType string
}

type callContextKey struct{}

// WithCallContext attaches caller identity to a context.
func WithCallContext(ctx context.Context, cc CallContext) context.Context {
	return context.WithValue(ctx, callContextKey{}, cc)
}

// GetCallContext extracts caller identity from a context.
func GetCallContext(ctx context.Context) CallContext {
	if cc, ok := ctx.Value(callContextKey{}).(CallContext); ok {
		return cc
	}
	return CallContext{}
}
