// Package boardlog keeps the durable per-board record: attached PDFs, placed
// windows and a bounded operation log. Each board is one JSON file written
// with temp-file-then-rename, and every mutator saves before returning.
package boardlog

import (
	"maps"
	"slices"
	"time"
)

// MaxOperations bounds the operation log; the oldest entries are evicted first.
const MaxOperations = 100

// State is the board lifecycle state.
type State string

// Board states.
const (
	StateEmpty  State = "empty"
	StateActive State = "active"
)

// WindowType enumerates what a window shows.
type WindowType string

// Window types.
const (
	WindowPDF        WindowType = "pdf"
	WindowTextNote   WindowType = "text_note"
	WindowImage      WindowType = "image"
	WindowVideo      WindowType = "video"
	WindowUserNote   WindowType = "user_note"
	WindowAnnotation WindowType = "annotation"
	WindowBoardNote  WindowType = "board_note"
)

// IsValid reports whether t is a known window type.
func (t WindowType) IsValid() bool {
	switch t {
	case WindowPDF, WindowTextNote, WindowImage, WindowVideo, WindowUserNote, WindowAnnotation, WindowBoardNote:
		return true
	}
	return false
}

// Operation types written by this package.
const (
	OpInitialized       = "initialized"
	OpPDFAdded          = "pdf_added"
	OpPDFRemoved        = "pdf_removed"
	OpPDFSummaryUpdated = "pdf_summary_updated"
	OpWindowAdded       = "window_added"
	OpWindowUpdated     = "window_updated"
	OpWindowRemoved     = "window_removed"
)

// PDF is one attachment of a PDF to the board.
type PDF struct {
	Filename       string    `json:"filename"`
	Pages          int       `json:"pages"`
	AddedAt        time.Time `json:"added_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	ContentSummary string    `json:"content_summary,omitempty"`

	// CurrentPages maps an open window id to the page it shows.
	CurrentPages map[string]int `json:"current_pages,omitempty"`
}

// Position is a window's top-left corner.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size is a window's extent.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Window is a board-owned view.
type Window struct {
	ID        string     `json:"id"`
	Type      WindowType `json:"type"`
	Title     string     `json:"title"`
	Position  Position   `json:"position"`
	Size      Size       `json:"size"`
	Content   string     `json:"content,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// WindowUpdate patches a window; nil fields are left alone.
type WindowUpdate struct {
	Title    *string   `json:"title,omitempty"`
	Position *Position `json:"position,omitempty"`
	Size     *Size     `json:"size,omitempty"`
	Content  *string   `json:"content,omitempty"`
}

// Operation is one operation-log entry.
type Operation struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Record is the on-disk board document.
type Record struct {
	BoardID    string      `json:"board_id"`
	Name       string      `json:"name,omitempty"`
	CourseID   string      `json:"course_id,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	PDFs       []PDF       `json:"pdfs"`
	Windows    []Window    `json:"windows"`
	Operations []Operation `json:"operations"`
	State      State       `json:"state"`
}

func newRecord(boardID string, now time.Time) *Record {
	return &Record{
		BoardID:    boardID,
		CreatedAt:  now,
		UpdatedAt:  now,
		PDFs:       []PDF{},
		Windows:    []Window{},
		Operations: []Operation{},
		State:      StateEmpty,
	}
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	c := *r
	c.PDFs = make([]PDF, len(r.PDFs))
	for i, p := range r.PDFs {
		p.CurrentPages = maps.Clone(p.CurrentPages)
		c.PDFs[i] = p
	}
	c.Windows = slices.Clone(r.Windows)
	if c.Windows == nil {
		c.Windows = []Window{}
	}
	c.Operations = make([]Operation, len(r.Operations))
	for i, op := range r.Operations {
		op.Details = maps.Clone(op.Details)
		c.Operations[i] = op
	}
	return &c
}

// HasPDF reports whether filename is attached.
func (r *Record) HasPDF(filename string) bool {
	return r.pdfIndex(filename) >= 0
}

// PDF returns the attachment for filename.
func (r *Record) PDF(filename string) (PDF, bool) {
	if i := r.pdfIndex(filename); i >= 0 {
		return r.PDFs[i], true
	}
	return PDF{}, false
}

// Window returns the window with id.
func (r *Record) Window(id string) (Window, bool) {
	if i := r.windowIndex(id); i >= 0 {
		return r.Windows[i], true
	}
	return Window{}, false
}

func (r *Record) pdfIndex(filename string) int {
	return slices.IndexFunc(r.PDFs, func(p PDF) bool { return p.Filename == filename })
}

func (r *Record) windowIndex(id string) int {
	return slices.IndexFunc(r.Windows, func(w Window) bool { return w.ID == id })
}

// appendOperation adds an entry and evicts from the head past MaxOperations.
func (r *Record) appendOperation(op Operation) {
	r.Operations = append(r.Operations, op)
	if over := len(r.Operations) - MaxOperations; over > 0 {
		r.Operations = slices.Delete(r.Operations, 0, over)
	}
}

// refreshState derives the board state from its contents.
func (r *Record) refreshState() {
	if len(r.PDFs) == 0 && len(r.Windows) == 0 {
		r.State = StateEmpty
	} else {
		r.State = StateActive
	}
}

// PDFRef is the compact per-PDF view in a Summary.
type PDFRef struct {
	Filename string `json:"filename"`
	Pages    int    `json:"pages"`
}

// WindowRef is the compact per-window view in a Summary.
type WindowRef struct {
	ID   string     `json:"id"`
	Type WindowType `json:"type"`
}

// Summary is the compact board view.
type Summary struct {
	BoardID          string      `json:"board_id"`
	Name             string      `json:"name,omitempty"`
	State            State       `json:"state"`
	PDFCount         int         `json:"pdf_count"`
	WindowCount      int         `json:"window_count"`
	OperationCount   int         `json:"operation_count"`
	RecentOperations []Operation `json:"recent_operations"`
	PDFs             []PDFRef    `json:"pdfs"`
	Windows          []WindowRef `json:"windows"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// recentOperationCount is how many operations a Summary carries.
const recentOperationCount = 5

// Summarize builds the compact view of r.
func (r *Record) Summarize() *Summary {
	s := &Summary{
		BoardID:        r.BoardID,
		Name:           r.Name,
		State:          r.State,
		PDFCount:       len(r.PDFs),
		WindowCount:    len(r.Windows),
		OperationCount: len(r.Operations),
		PDFs:           make([]PDFRef, 0, len(r.PDFs)),
		Windows:        make([]WindowRef, 0, len(r.Windows)),
		UpdatedAt:      r.UpdatedAt,
	}
	start := max(len(r.Operations)-recentOperationCount, 0)
	s.RecentOperations = slices.Clone(r.Operations[start:])
	if s.RecentOperations == nil {
		s.RecentOperations = []Operation{}
	}
	for _, p := range r.PDFs {
		s.PDFs = append(s.PDFs, PDFRef{Filename: p.Filename, Pages: p.Pages})
	}
	for _, w := range r.Windows {
		s.Windows = append(s.Windows, WindowRef{ID: w.ID, Type: w.Type})
	}
	return s
}
