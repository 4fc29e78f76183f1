package boardlog

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidBoardID is returned for malformed or forbidden board ids.
	ErrInvalidBoardID = errors.New("invalid board id")

	// ErrWindowNotFound is returned when a window id is not on the board.
	ErrWindowNotFound = errors.New("window not found")

	// ErrPDFNotFound is returned when a PDF is not attached to the board.
	ErrPDFNotFound = errors.New("pdf not attached")

	// ErrInvalidWindow is returned for windows with an unknown type or a
	// duplicate id.
	ErrInvalidWindow = errors.New("invalid window")
)

// IOError reports a failed read or write of a board file.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("board log %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// SerializationError reports a board file that could not be encoded or decoded.
type SerializationError struct {
	BoardID string
	Err     error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("board log %s: serialization: %v", e.BoardID, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }
