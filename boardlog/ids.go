package boardlog

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const maxBoardIDLen = 128

var (
	boardIDChars = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

	// fileBoardID is the current scheme for file-scoped boards:
	// "file-<slug>-<unix millis>", slug limited to word characters.
	fileBoardID = regexp.MustCompile(`^file-[A-Za-z0-9_]+-[0-9]{10,13}$`)

	slugUnsafe = regexp.MustCompile(`[^A-Za-z0-9_]+`)
)

// ValidateBoardID is the single gate for board ids. Course-file identifiers
// ("file-course-...") and "file-..." ids outside the current scheme are
// rejected so they can never be used as a board key.
func ValidateBoardID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidBoardID)
	case len(id) > maxBoardIDLen:
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidBoardID, maxBoardIDLen)
	case !boardIDChars.MatchString(id), strings.Contains(id, ".."):
		return fmt.Errorf("%w: %q has characters outside [A-Za-z0-9_.-]", ErrInvalidBoardID, id)
	case strings.HasPrefix(id, "file-course-"):
		return fmt.Errorf("%w: %q is a course file id", ErrInvalidBoardID, id)
	case strings.HasPrefix(id, "file-") && !fileBoardID.MatchString(id):
		return fmt.Errorf("%w: %q does not match the file board scheme", ErrInvalidBoardID, id)
	}
	return nil
}

// GenerateBoardID returns a fresh "board-<unix millis>-<6 hex>" id.
func GenerateBoardID() string {
	var b [3]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("board-%d-%x", time.Now().UnixMilli(), b)
}

// GenerateFileBoardID returns a file-scoped id "file-<slug>-<unix millis>"
// derived from a display name.
func GenerateFileBoardID(name string) string {
	slug := strings.Trim(slugUnsafe.ReplaceAllString(name, "_"), "_")
	if slug == "" {
		slug = "board"
	}
	if len(slug) > 64 {
		slug = slug[:64]
	}
	if slug == "course" {
		slug = "course_file"
	}
	return fmt.Sprintf("file-%s-%d", slug, time.Now().UnixMilli())
}
