package pagestore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	s := New(filepath.Join(root, "pages"), filepath.Join(root, "images"))
	require.NoError(t, os.MkdirAll(s.PagesDir(), 0755))
	require.NoError(t, os.MkdirAll(s.ImagesDir(), 0755))
	return s
}

func writePage(t *testing.T, s *Store, name, text string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(s.PagesDir(), name), []byte(text), 0644))
}

func TestValidateFilename(t *testing.T) {
	for _, bad := range []string{"", ".", "..", "a/b.pdf", `a\b.pdf`, "x\x00.pdf"} {
		assert.ErrorIs(t, ValidateFilename(bad), ErrInvalidFilename, bad)
	}
	for _, good := range []string{"L.pdf", "线性代数 第1章.pdf", "notes[1].pdf"} {
		assert.NoError(t, ValidateFilename(good), good)
	}
}

func TestPageText(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	writePage(t, s, "L.pdf_page_2.txt", "Alpha beta gamma")
	writePage(t, s, "L.pdf_page_3.txt", "")

	text, err := s.PageText(ctx, "L.pdf", 2)
	require.NoError(t, err)
	assert.Equal(t, "Alpha beta gamma", text)

	text, err = s.PageText(ctx, "L.pdf", 3)
	require.NoError(t, err)
	assert.Empty(t, text)

	_, err = s.PageText(ctx, "L.pdf", 9)
	assert.ErrorIs(t, err, ErrPageNotFound)

	_, err = s.PageText(ctx, "L.pdf", 0)
	assert.ErrorIs(t, err, ErrPageNotFound)

	_, err = s.PageText(ctx, "../etc/passwd", 1)
	assert.ErrorIs(t, err, ErrInvalidFilename)
}

func TestPageCountUsesStrictPattern(t *testing.T) {
	s := newTestStore(t)
	writePage(t, s, "X.pdf_page_1.txt", "one")
	writePage(t, s, "X.pdf_page_2.txt", "two")
	writePage(t, s, "X.pdf_page_10.txt", "ten")
	writePage(t, s, "X.pdf_page_0.txt", "zero is not a page")
	writePage(t, s, "X.pdf_page_2a.txt", "not a number")
	writePage(t, s, "X.pdf_page_3.txt.bak", "backup")
	writePage(t, s, "XX.pdf_page_4.txt", "other pdf")
	writePage(t, s, "X.pdf_pages_5.txt", "near miss")

	pages, err := s.Pages("X.pdf")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 10}, pages)

	n, err := s.PageCount(context.Background(), "X.pdf")
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	n, err = s.PageCount(context.Background(), "missing.pdf")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTextFilesEscapesGlobMetacharacters(t *testing.T) {
	s := newTestStore(t)
	writePage(t, s, "notes[1].pdf_page_1.txt", "bracketed")
	writePage(t, s, "notes1.pdf_page_1.txt", "would match an unescaped class")

	files, err := s.TextFiles("notes[1].pdf")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "notes[1].pdf_page_1.txt", filepath.Base(files[0]))
}

func TestImageFiles(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.ImagesDir(), "X.pdf_page_1.png"), []byte("png"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(s.ImagesDir(), "X.pdf_page_x.png"), []byte("png"), 0644))

	files, err := s.ImageFiles("X.pdf")
	require.NoError(t, err)
	require.Len(t, files, 1)

	data, mime, err := s.PageImage(context.Background(), "X.pdf", 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)
	assert.Equal(t, "image/png", mime)

	_, _, err = s.PageImage(context.Background(), "X.pdf", 2)
	assert.ErrorIs(t, err, ErrPageNotFound)
}

func TestWritePageTextReplacesAndCaches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	writePage(t, s, "L.pdf_page_2.txt", "")

	_, err := s.PageText(ctx, "L.pdf", 2)
	require.NoError(t, err)

	require.NoError(t, s.WritePageText(ctx, "L.pdf", 2, "vision text"))

	text, err := s.PageText(ctx, "L.pdf", 2)
	require.NoError(t, err)
	assert.Equal(t, "vision text", text)

	onDisk, err := os.ReadFile(filepath.Join(s.PagesDir(), "L.pdf_page_2.txt"))
	require.NoError(t, err)
	assert.Equal(t, "vision text", string(onDisk))

	entries, err := os.ReadDir(s.PagesDir())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestInvalidate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	writePage(t, s, "L.pdf_page_1.txt", "old")

	text, err := s.PageText(ctx, "L.pdf", 1)
	require.NoError(t, err)
	require.Equal(t, "old", text)

	writePage(t, s, "L.pdf_page_1.txt", "new")
	text, _ = s.PageText(ctx, "L.pdf", 1)
	assert.Equal(t, "old", text, "served from cache")

	s.Invalidate("L.pdf", 0)
	text, _ = s.PageText(ctx, "L.pdf", 1)
	assert.Equal(t, "new", text)
}

func TestWatcherInvalidatesOnWrite(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writePage(t, s, "L.pdf_page_1.txt", "old")
	_, err := s.PageText(ctx, "L.pdf", 1)
	require.NoError(t, err)

	w, err := NewWatcher(s)
	require.NoError(t, err)
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	writePage(t, s, "L.pdf_page_1.txt", "rewritten by pipeline")

	assert.Eventually(t, func() bool {
		text, err := s.PageText(ctx, "L.pdf", 1)
		return err == nil && text == "rewritten by pipeline"
	}, 2*time.Second, 20*time.Millisecond)
	assert.Positive(t, w.Invalidations())
}

func TestRemoteReader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/pages/L.pdf/1", "/api/pages/L.pdf/2":
			json.NewEncoder(w).Encode(PageContent{Filename: "L.pdf", Page: 2, Text: "remote text", TotalPages: 3})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	s := New(t.TempDir(), t.TempDir(), WithRemote(NewRemoteReader(server.URL+"/api/", nil)))
	ctx := context.Background()

	text, err := s.PageText(ctx, "L.pdf", 2)
	require.NoError(t, err)
	assert.Equal(t, "remote text", text)

	n, err := s.PageCount(ctx, "L.pdf")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = s.PageText(ctx, "L.pdf", 7)
	assert.ErrorIs(t, err, ErrPageNotFound)

	n, err = s.PageCount(ctx, "gone.pdf")
	require.NoError(t, err)
	assert.Zero(t, n)
}
