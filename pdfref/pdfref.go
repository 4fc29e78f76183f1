// Package pdfref deletes uploaded PDFs by reference count: a board drops its
// reference, and the bytes plus every extracted page go away only once no
// board log references the file any more.
package pdfref

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/c360studio/studyboard/boardlog"
	"github.com/c360studio/studyboard/pagestore"
)

// ErrInvalidFilename is returned for names that could escape the data dirs.
var ErrInvalidFilename = pagestore.ErrInvalidFilename

// BoardLogs is the board log surface the reference scan needs.
type BoardLogs interface {
	ListBoards() ([]string, error)
	Load(boardID string) (*boardlog.Record, error)
	RemovePDF(boardID, filename string) (bool, error)
}

// PageFiles lists the strict-pattern page files of a PDF.
type PageFiles interface {
	TextFiles(filename string) ([]string, error)
	ImageFiles(filename string) ([]string, error)
	Invalidate(filename string, page int)
}

// Result is the outcome of a delete.
type Result struct {
	Status           string   `json:"status"`
	Filename         string   `json:"filename"`
	BoardID          string   `json:"board_id,omitempty"`
	ReferencesBefore int      `json:"references_before"`
	ReferencesAfter  int      `json:"references_after"`
	FilesDeleted     []string `json:"files_deleted"`
	PhysicalDeletion bool     `json:"physical_deletion"`
}

// References is the reference index entry of one PDF.
type References struct {
	Filename string   `json:"filename"`
	Boards   []string `json:"boards"`
	Count    int      `json:"count"`

	// Unreadable lists board logs that could not be read; while any exist
	// the file is treated as possibly referenced.
	Unreadable []string `json:"unreadable,omitempty"`
}

// Manager performs reference-counted deletes.
type Manager struct {
	boards     BoardLogs
	pages      PageFiles
	uploadsDir string
	logger     *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// New creates a Manager. uploadsDir holds the PDF bytes.
func New(boards BoardLogs, pages PageFiles, uploadsDir string, opts ...Option) *Manager {
	m := &Manager{
		boards:     boards,
		pages:      pages,
		uploadsDir: uploadsDir,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// References scans every board log for filename.
func (m *Manager) References(ctx context.Context, filename string) (*References, error) {
	if err := pagestore.ValidateFilename(filename); err != nil {
		return nil, err
	}
	ids, err := m.boards.ListBoards()
	if err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}

	refs := &References{Filename: filename, Boards: []string{}}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := m.boards.Load(id)
		if err != nil {
			m.logger.Warn("Board log unreadable during reference scan", "board_id", id, "error", err)
			refs.Unreadable = append(refs.Unreadable, id)
			continue
		}
		if rec.HasPDF(filename) {
			refs.Boards = append(refs.Boards, id)
		}
	}
	sort.Strings(refs.Boards)
	refs.Count = len(refs.Boards)
	return refs, nil
}

// Delete removes boardID's reference to filename, or every board's when
// boardID is empty, and deletes the stored files once nothing references
// them. Repeating a delete is harmless.
func (m *Manager) Delete(ctx context.Context, filename, boardID string) (*Result, error) {
	before, err := m.References(ctx, filename)
	if err != nil {
		return nil, err
	}
	if boardID != "" {
		if err := boardlog.ValidateBoardID(boardID); err != nil {
			return nil, err
		}
	}

	targets := before.Boards
	if boardID != "" {
		targets = []string{boardID}
	}
	for _, id := range targets {
		removed, err := m.boards.RemovePDF(id, filename)
		if err != nil {
			return nil, fmt.Errorf("remove %s from board %s: %w", filename, id, err)
		}
		if removed {
			m.logger.Info("PDF reference removed", "board_id", id, "filename", filename)
		}
	}

	res := &Result{
		Status:           "success",
		Filename:         filename,
		BoardID:          boardID,
		ReferencesBefore: before.Count,
		FilesDeleted:     []string{},
	}

	// Rescan right before unlinking; another board may have attached the
	// file in the meantime.
	after, err := m.References(ctx, filename)
	if err != nil {
		return nil, err
	}
	res.ReferencesAfter = after.Count
	if after.Count > 0 || len(after.Unreadable) > 0 {
		m.logger.Info("PDF still referenced, keeping files",
			"filename", filename,
			"references", after.Count,
			"unreadable_boards", len(after.Unreadable))
		return res, nil
	}

	deleted, err := m.purge(filename)
	res.FilesDeleted = deleted
	res.PhysicalDeletion = true
	if err != nil {
		return res, err
	}
	m.logger.Info("PDF physically deleted", "filename", filename, "files", len(deleted))
	return res, nil
}

// purge unlinks the PDF bytes and every strict-pattern page text and image.
func (m *Manager) purge(filename string) ([]string, error) {
	var paths []string
	if m.uploadsDir != "" {
		paths = append(paths, filepath.Join(m.uploadsDir, filename))
	}
	texts, err := m.pages.TextFiles(filename)
	if err != nil {
		return nil, fmt.Errorf("list page texts of %s: %w", filename, err)
	}
	images, err := m.pages.ImageFiles(filename)
	if err != nil {
		return nil, fmt.Errorf("list page images of %s: %w", filename, err)
	}
	paths = append(paths, texts...)
	paths = append(paths, images...)

	deleted := []string{}
	var errs []error
	for _, p := range paths {
		err := os.Remove(p)
		switch {
		case err == nil:
			deleted = append(deleted, filepath.Base(p))
		case errors.Is(err, os.ErrNotExist):
		default:
			errs = append(errs, fmt.Errorf("delete %s: %w", filepath.Base(p), err))
		}
	}
	m.pages.Invalidate(filename, 0)
	return deleted, errors.Join(errs...)
}
