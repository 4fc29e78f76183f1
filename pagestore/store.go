// Package pagestore maps (pdf filename, page number) to extracted page text
// and rasterized page images. The upload pipeline writes one
// "<filename>_page_<N>.txt" per page into the pages directory and one
// "<filename>_page_<N>.png" into the images directory.
package pagestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// maxCachedPages bounds the text cache; it is cleared wholesale when full.
const maxCachedPages = 2048

var (
	// ErrPageNotFound is returned when no text or image exists for a page.
	ErrPageNotFound = errors.New("page not found")

	// ErrInvalidFilename is returned for names that could escape the store.
	ErrInvalidFilename = errors.New("invalid filename")
)

// ValidateFilename rejects empty names, path separators and dot segments.
func ValidateFilename(filename string) error {
	switch {
	case filename == "", filename == ".", filename == "..":
		return fmt.Errorf("%w: %q", ErrInvalidFilename, filename)
	case strings.ContainsAny(filename, `/\`), strings.Contains(filename, "\x00"):
		return fmt.Errorf("%w: %q", ErrInvalidFilename, filename)
	}
	return nil
}

// TextFileName returns the page text file name for a PDF page.
func TextFileName(filename string, page int) string {
	return fmt.Sprintf("%s_page_%d.txt", filename, page)
}

// ImageFileName returns the page image file name for a PDF page.
func ImageFileName(filename string, page int) string {
	return fmt.Sprintf("%s_page_%d.png", filename, page)
}

// pagePattern matches "<filename>_page_<N><ext>" exactly, with N a positive
// integer. Names that merely look similar never match.
func pagePattern(filename, ext string) *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(filename) + `_page_([0-9]+)` + regexp.QuoteMeta(ext) + `$`)
}

// ParsePageNumber extracts N from a strict page file name, or false.
func ParsePageNumber(filename, name, ext string) (int, bool) {
	m := pagePattern(filename, ext).FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// escapeGlob quotes doublestar metacharacters in a literal.
func escapeGlob(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '{', '}', '\\':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// Store is the file-backed page store.
type Store struct {
	pagesDir  string
	imagesDir string
	logger    *slog.Logger
	remote    *RemoteReader

	mu    sync.RWMutex
	cache map[string]string
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithRemote reads page text through the page-content HTTP endpoint instead
// of the local pages directory.
func WithRemote(r *RemoteReader) Option {
	return func(s *Store) {
		s.remote = r
	}
}

// New creates a store over the given pages and images directories.
func New(pagesDir, imagesDir string, opts ...Option) *Store {
	s := &Store{
		pagesDir:  pagesDir,
		imagesDir: imagesDir,
		logger:    slog.Default(),
		cache:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PagesDir returns the directory holding page text files.
func (s *Store) PagesDir() string { return s.pagesDir }

// ImagesDir returns the directory holding page images.
func (s *Store) ImagesDir() string { return s.imagesDir }

func cacheKey(filename string, page int) string {
	return filename + "\x00" + strconv.Itoa(page)
}

// PageText returns the extracted text of a page. A missing page file is
// ErrPageNotFound; an existing empty file is "" with no error.
func (s *Store) PageText(ctx context.Context, filename string, page int) (string, error) {
	if err := ValidateFilename(filename); err != nil {
		return "", err
	}
	if page < 1 {
		return "", fmt.Errorf("%w: %s page %d", ErrPageNotFound, filename, page)
	}

	key := cacheKey(filename, page)
	s.mu.RLock()
	text, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return text, nil
	}

	if s.remote != nil {
		text, err := s.remote.PageText(ctx, filename, page)
		if err != nil {
			return "", err
		}
		s.remember(key, text)
		return text, nil
	}

	data, err := os.ReadFile(filepath.Join(s.pagesDir, TextFileName(filename, page)))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s page %d", ErrPageNotFound, filename, page)
	}
	if err != nil {
		return "", fmt.Errorf("read page %d of %s: %w", page, filename, err)
	}

	text = string(data)
	s.remember(key, text)
	return text, nil
}

func (s *Store) remember(key, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cache) >= maxCachedPages {
		s.cache = make(map[string]string)
	}
	s.cache[key] = text
}

// PageImage returns the rasterized page and its MIME type.
func (s *Store) PageImage(_ context.Context, filename string, page int) ([]byte, string, error) {
	if err := ValidateFilename(filename); err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(filepath.Join(s.imagesDir, ImageFileName(filename, page)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", fmt.Errorf("%w: no image for %s page %d", ErrPageNotFound, filename, page)
	}
	if err != nil {
		return nil, "", fmt.Errorf("read page image %d of %s: %w", page, filename, err)
	}
	return data, "image/png", nil
}

// Pages lists the page numbers with a text file, ascending.
func (s *Store) Pages(filename string) ([]int, error) {
	files, err := s.TextFiles(filename)
	if err != nil {
		return nil, err
	}
	pages := make([]int, 0, len(files))
	for _, f := range files {
		if n, ok := ParsePageNumber(filename, filepath.Base(f), ".txt"); ok {
			pages = append(pages, n)
		}
	}
	sort.Ints(pages)
	return pages, nil
}

// PageCount is the highest page number with a text file.
func (s *Store) PageCount(ctx context.Context, filename string) (int, error) {
	if s.remote != nil {
		return s.remote.PageCount(ctx, filename)
	}
	pages, err := s.Pages(filename)
	if err != nil {
		return 0, err
	}
	if len(pages) == 0 {
		return 0, nil
	}
	return pages[len(pages)-1], nil
}

// TextFiles returns absolute paths of every page text file for filename
// that matches the strict naming pattern.
func (s *Store) TextFiles(filename string) ([]string, error) {
	return s.strictMatches(s.pagesDir, filename, ".txt")
}

// ImageFiles returns absolute paths of every page image for filename that
// matches the strict naming pattern.
func (s *Store) ImageFiles(filename string) ([]string, error) {
	return s.strictMatches(s.imagesDir, filename, ".png")
}

// strictMatches globs "<filename>_page_*<ext>" and then keeps only names
// whose page part is a positive integer.
func (s *Store) strictMatches(dir, filename, ext string) ([]string, error) {
	if err := ValidateFilename(filename); err != nil {
		return nil, err
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	candidates, err := doublestar.Glob(os.DirFS(dir), escapeGlob(filename)+"_page_*"+ext)
	if err != nil {
		return nil, fmt.Errorf("glob pages of %s: %w", filename, err)
	}

	re := pagePattern(filename, ext)
	var out []string
	for _, c := range candidates {
		m := re.FindStringSubmatch(c)
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err != nil || n <= 0 {
			continue
		}
		out = append(out, filepath.Join(dir, c))
	}
	sort.Strings(out)
	return out, nil
}

// WritePageText atomically replaces a page's text and refreshes the cache.
func (s *Store) WritePageText(_ context.Context, filename string, page int, text string) error {
	if err := ValidateFilename(filename); err != nil {
		return err
	}
	if page < 1 {
		return fmt.Errorf("write page text: page %d out of range", page)
	}
	if err := os.MkdirAll(s.pagesDir, 0755); err != nil {
		return fmt.Errorf("create pages dir: %w", err)
	}

	target := filepath.Join(s.pagesDir, TextFileName(filename, page))
	tmp, err := os.CreateTemp(s.pagesDir, ".page-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp page file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp page file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp page file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace page file: %w", err)
	}

	s.remember(cacheKey(filename, page), text)
	s.logger.Debug("Page text written", "filename", filename, "page", page, "bytes", len(text))
	return nil
}

// Invalidate drops cached text for one page, or every page of filename
// when page is 0.
func (s *Store) Invalidate(filename string, page int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if page > 0 {
		delete(s.cache, cacheKey(filename, page))
		return
	}
	prefix := filename + "\x00"
	for k := range s.cache {
		if strings.HasPrefix(k, prefix) {
			delete(s.cache, k)
		}
	}
}
