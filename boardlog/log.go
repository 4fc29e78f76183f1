package boardlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
)

// Log manages board files under one directory. All mutators for a board
// run under that board's mutex; readers get a snapshot copy.
type Log struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	records map[string]*Record
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		l.logger = logger
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		l.now = now
	}
}

// New creates a Log rooted at dir.
func New(dir string, opts ...Option) *Log {
	l := &Log{
		dir:     dir,
		logger:  slog.Default(),
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
		records: make(map[string]*Record),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Dir returns the boards directory.
func (l *Log) Dir() string { return l.dir }

func (l *Log) path(boardID string) string {
	return filepath.Join(l.dir, boardID+".json")
}

func (l *Log) lock(boardID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[boardID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[boardID] = m
	}
	return m
}

func (l *Log) cached(boardID string) (*Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[boardID]
	return r, ok
}

func (l *Log) setCached(r *Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[r.BoardID] = r
}

// Load returns a snapshot of the board. A board with no file yet is a fresh
// empty record; read and decode failures are returned.
func (l *Log) Load(boardID string) (*Record, error) {
	if err := ValidateBoardID(boardID); err != nil {
		return nil, err
	}
	m := l.lock(boardID)
	m.Lock()
	defer m.Unlock()

	r, err := l.load(boardID)
	if err != nil {
		return nil, err
	}
	return r.Clone(), nil
}

// load reads through the cache; caller holds the board mutex. The returned
// record is shared and must not be mutated.
func (l *Log) load(boardID string) (*Record, error) {
	if r, ok := l.cached(boardID); ok {
		return r, nil
	}

	path := l.path(boardID)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return newRecord(boardID, l.now()), nil
	}
	if err != nil {
		return nil, &IOError{Op: "read", Path: path, Err: err}
	}

	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, &SerializationError{BoardID: boardID, Err: err}
	}
	if r.BoardID == "" {
		r.BoardID = boardID
	}
	if r.PDFs == nil {
		r.PDFs = []PDF{}
	}
	if r.Windows == nil {
		r.Windows = []Window{}
	}
	if r.Operations == nil {
		r.Operations = []Operation{}
	}
	r.refreshState()

	l.setCached(&r)
	return &r, nil
}

// Save atomically replaces the board file with r.
func (l *Log) Save(boardID string, r *Record) error {
	if err := ValidateBoardID(boardID); err != nil {
		return err
	}
	m := l.lock(boardID)
	m.Lock()
	defer m.Unlock()

	c := r.Clone()
	c.BoardID = boardID
	return l.save(c)
}

// save writes r and, only on success, makes it the cached record.
func (l *Log) save(r *Record) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return &SerializationError{BoardID: r.BoardID, Err: err}
	}
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return &IOError{Op: "mkdir", Path: l.dir, Err: err}
	}

	path := l.path(r.BoardID)
	tmp, err := os.CreateTemp(l.dir, "."+r.BoardID+"-*.tmp")
	if err != nil {
		return &IOError{Op: "create", Path: path, Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &IOError{Op: "write", Path: path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &IOError{Op: "sync", Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &IOError{Op: "close", Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return &IOError{Op: "rename", Path: path, Err: err}
	}

	l.setCached(r)
	return nil
}

// mutate loads a working copy, applies fn, stamps and saves it. The cached
// record only changes when the save succeeds.
func (l *Log) mutate(boardID string, fn func(r *Record) error) (*Record, error) {
	if err := ValidateBoardID(boardID); err != nil {
		return nil, err
	}
	m := l.lock(boardID)
	m.Lock()
	defer m.Unlock()

	current, err := l.load(boardID)
	if err != nil {
		return nil, err
	}
	r := current.Clone()
	if err := fn(r); err != nil {
		return nil, err
	}
	r.UpdatedAt = l.now()
	r.refreshState()

	if err := l.save(r); err != nil {
		l.logger.Error("Failed to save board log", "board_id", boardID, "error", err)
		return nil, err
	}
	return r.Clone(), nil
}

func (l *Log) operation(opType string, details map[string]any) Operation {
	return Operation{
		ID:        uuid.New().String(),
		Type:      opType,
		Timestamp: l.now(),
		Details:   details,
	}
}

// Init resets the board to a fresh empty record with a single
// "initialized" operation.
func (l *Log) Init(boardID string) (*Record, error) {
	if err := ValidateBoardID(boardID); err != nil {
		return nil, err
	}
	m := l.lock(boardID)
	m.Lock()
	defer m.Unlock()

	r := newRecord(boardID, l.now())
	r.appendOperation(l.operation(OpInitialized, nil))
	if err := l.save(r); err != nil {
		return nil, err
	}

	l.logger.Info("Board initialized", "board_id", boardID)
	return r.Clone(), nil
}

// UpdateInfo sets the display name and owning course.
func (l *Log) UpdateInfo(boardID, name, courseID string) (*Record, error) {
	return l.mutate(boardID, func(r *Record) error {
		r.Name = name
		r.CourseID = courseID
		return nil
	})
}

// AddPDF attaches filename, or refreshes its page count if already attached.
func (l *Log) AddPDF(boardID, filename string, pages int) (*Record, error) {
	if filename == "" {
		return nil, fmt.Errorf("add pdf: empty filename")
	}
	return l.mutate(boardID, func(r *Record) error {
		now := l.now()
		if i := r.pdfIndex(filename); i >= 0 {
			r.PDFs[i].Pages = pages
			r.PDFs[i].UpdatedAt = now
		} else {
			r.PDFs = append(r.PDFs, PDF{
				Filename:  filename,
				Pages:     pages,
				AddedAt:   now,
				UpdatedAt: now,
			})
		}
		r.appendOperation(l.operation(OpPDFAdded, map[string]any{"filename": filename, "pages": pages}))
		return nil
	})
}

// UpdatePDFContentSummary stores a summary for an attached PDF.
func (l *Log) UpdatePDFContentSummary(boardID, filename, summary string) error {
	_, err := l.mutate(boardID, func(r *Record) error {
		i := r.pdfIndex(filename)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrPDFNotFound, filename)
		}
		r.PDFs[i].ContentSummary = summary
		r.PDFs[i].UpdatedAt = l.now()
		r.appendOperation(l.operation(OpPDFSummaryUpdated, map[string]any{"filename": filename}))
		return nil
	})
	return err
}

// UpdatePDFCurrentPage records which page a window shows. No operation is
// logged; page flips would flood the log.
func (l *Log) UpdatePDFCurrentPage(boardID, filename, windowID string, page int) error {
	_, err := l.mutate(boardID, func(r *Record) error {
		i := r.pdfIndex(filename)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrPDFNotFound, filename)
		}
		if r.PDFs[i].CurrentPages == nil {
			r.PDFs[i].CurrentPages = make(map[string]int)
		}
		r.PDFs[i].CurrentPages[windowID] = page
		return nil
	})
	return err
}

// RemovePDF detaches filename. removed is false (and nothing is written)
// when the board did not reference it.
func (l *Log) RemovePDF(boardID, filename string) (removed bool, err error) {
	_, err = l.mutate(boardID, func(r *Record) error {
		i := r.pdfIndex(filename)
		if i < 0 {
			return errNoChange
		}
		r.PDFs = append(r.PDFs[:i], r.PDFs[i+1:]...)
		r.appendOperation(l.operation(OpPDFRemoved, map[string]any{"filename": filename}))
		removed = true
		return nil
	})
	if errors.Is(err, errNoChange) {
		return false, nil
	}
	return removed, err
}

var errNoChange = errors.New("no change")

// AddWindow places a window, assigning an id and timestamps.
func (l *Log) AddWindow(boardID string, w Window) (*Window, error) {
	if !w.Type.IsValid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidWindow, w.Type)
	}
	var added Window
	_, err := l.mutate(boardID, func(r *Record) error {
		now := l.now()
		if w.ID == "" {
			w.ID = "window-" + uuid.New().String()[:8]
		}
		if r.windowIndex(w.ID) >= 0 {
			return fmt.Errorf("%w: duplicate id %q", ErrInvalidWindow, w.ID)
		}
		w.CreatedAt = now
		w.UpdatedAt = now
		r.Windows = append(r.Windows, w)
		r.appendOperation(l.operation(OpWindowAdded, map[string]any{"window_id": w.ID, "type": string(w.Type)}))
		added = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &added, nil
}

// UpdateWindow patches a window.
func (l *Log) UpdateWindow(boardID, windowID string, u WindowUpdate) (*Window, error) {
	var updated Window
	_, err := l.mutate(boardID, func(r *Record) error {
		i := r.windowIndex(windowID)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrWindowNotFound, windowID)
		}
		w := &r.Windows[i]
		if u.Title != nil {
			w.Title = *u.Title
		}
		if u.Position != nil {
			w.Position = *u.Position
		}
		if u.Size != nil {
			w.Size = *u.Size
		}
		if u.Content != nil {
			w.Content = *u.Content
		}
		w.UpdatedAt = l.now()
		r.appendOperation(l.operation(OpWindowUpdated, map[string]any{"window_id": windowID}))
		updated = *w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// RemoveWindow deletes a window and any current-page entries pointing at it.
func (l *Log) RemoveWindow(boardID, windowID string) error {
	_, err := l.mutate(boardID, func(r *Record) error {
		i := r.windowIndex(windowID)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrWindowNotFound, windowID)
		}
		r.Windows = append(r.Windows[:i], r.Windows[i+1:]...)
		for j := range r.PDFs {
			delete(r.PDFs[j].CurrentPages, windowID)
		}
		r.appendOperation(l.operation(OpWindowRemoved, map[string]any{"window_id": windowID}))
		return nil
	})
	return err
}

// AddOperation appends a caller-defined operation.
func (l *Log) AddOperation(boardID, opType string, details map[string]any) error {
	if opType == "" {
		return fmt.Errorf("add operation: empty type")
	}
	_, err := l.mutate(boardID, func(r *Record) error {
		r.appendOperation(l.operation(opType, details))
		return nil
	})
	return err
}

// Summary returns the compact view of a board.
func (l *Log) Summary(boardID string) (*Summary, error) {
	r, err := l.Load(boardID)
	if err != nil {
		return nil, err
	}
	return r.Summarize(), nil
}

// ListBoards returns every board id with a file on disk, sorted. Files whose
// names are not valid board ids are skipped.
func (l *Log) ListBoards() ([]string, error) {
	if _, err := os.Stat(l.dir); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	names, err := doublestar.Glob(os.DirFS(l.dir), "*.json")
	if err != nil {
		return nil, &IOError{Op: "list", Path: l.dir, Err: err}
	}

	ids := make([]string, 0, len(names))
	for _, name := range names {
		id := strings.TrimSuffix(name, ".json")
		if ValidateBoardID(id) != nil {
			l.logger.Debug("Skipping non-board file", "name", name)
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
