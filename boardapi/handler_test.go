package boardapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/c360studio/studyboard/boardlog"
	"github.com/c360studio/studyboard/conversation"
	"github.com/c360studio/studyboard/events"
	"github.com/c360studio/studyboard/expert"
	"github.com/c360studio/studyboard/llm"
	"github.com/c360studio/studyboard/llm/testutil"
	"github.com/c360studio/studyboard/pagestore"
	"github.com/c360studio/studyboard/pdfref"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInteractions []llm.InteractionRecord

func (f fakeInteractions) Interactions(limit int) []llm.InteractionRecord {
	if limit > 0 && len(f) > limit {
		return f[len(f)-limit:]
	}
	return f
}

type testServer struct {
	mux     *http.ServeMux
	mock    *testutil.MockGateway
	boards  *boardlog.Log
	uploads string
	pages   string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	root := t.TempDir()
	ts := &testServer{
		mux:     http.NewServeMux(),
		mock:    &testutil.MockGateway{TextResponses: []string{"注释"}},
		boards:  boardlog.New(filepath.Join(root, "boards")),
		uploads: filepath.Join(root, "uploads"),
		pages:   filepath.Join(root, "pages"),
	}
	require.NoError(t, os.MkdirAll(ts.uploads, 0755))
	require.NoError(t, os.MkdirAll(ts.pages, 0755))
	store := pagestore.New(ts.pages, filepath.Join(root, "images"))

	reg, err := expert.NewRegistry(expert.Deps{
		Gateway:       ts.mock,
		Pages:         store,
		Boards:        ts.boards,
		Conversations: conversation.NewStore(),
		Bus:           events.NewBus(),
	})
	require.NoError(t, err)
	t.Cleanup(reg.CloseAll)

	h, err := NewHandler(Deps{
		Registry:     reg,
		Boards:       ts.boards,
		Pages:        store,
		PDFs:         pdfref.New(ts.boards, store, ts.uploads),
		Interactions: fakeInteractions{{ID: "a"}, {ID: "b"}, {ID: "c"}},
	})
	require.NoError(t, err)
	h.RegisterHTTPHandlers("/api/", ts.mux)
	ts.mux.HandleFunc("GET /healthz", h.Health)
	return ts
}

func (ts *testServer) writePage(t *testing.T, filename string, page int, text string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(ts.pages, pagestore.TextFileName(filename, page)), []byte(text), 0644))
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func submitBody(board, typ string, params map[string]any) map[string]any {
	return map[string]any{"board_id": board, "task_info": map[string]any{"type": typ, "params": params}}
}

func TestSubmitAndResult(t *testing.T) {
	ts := newTestServer(t)
	ts.writePage(t, "L.pdf", 2, "Alpha beta gamma")

	rec, body := ts.do(t, http.MethodPost, "/api/expert/submit",
		submitBody("B1", "generate_annotation", map[string]any{"filename": "L.pdf", "pageNumber": 2}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "generate_annotation", body["task_type"])
	taskID := body["task_id"].(string)
	require.NotEmpty(t, taskID)
	assert.Contains(t, body, "timing")

	var result map[string]any
	require.Eventually(t, func() bool {
		rec, out := ts.do(t, http.MethodGet, "/api/expert/result/"+taskID, nil)
		result = out
		return rec.Code == http.StatusOK && out["status"] == "completed"
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "注释", result["result"])
	assert.Equal(t, "B1", result["board_id"])
	assert.Equal(t, true, result["success"])
	assert.Contains(t, result, "timing")
	assert.Equal(t, 1, ts.mock.TextCalls())
	assert.Equal(t, 0, ts.mock.VisionCalls())

	rec, _ = ts.do(t, http.MethodGet, "/api/expert/result/"+taskID+"?board_id=B1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, out := ts.do(t, http.MethodGet, "/api/expert/results/B1?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, out["count"])
}

func TestSubmit_ValidationErrors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body any
		code int
	}{
		{"unknown type", submitBody("B1", "summon", nil), http.StatusBadRequest},
		{"missing param", submitBody("B1", "generate_note", map[string]any{}), http.StatusBadRequest},
		{"course board id", submitBody("file-course-7", "generate_note", map[string]any{"filename": "L.pdf"}), http.StatusBadRequest},
		{"empty body", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := ts.do(t, http.MethodPost, "/api/expert/submit", tt.body)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, "error", body["status"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestResult_NotFound(t *testing.T) {
	ts := newTestServer(t)
	rec, body := ts.do(t, http.MethodGet, "/api/expert/result/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "error", body["status"])
}

func TestCancel(t *testing.T) {
	ts := newTestServer(t)
	rec, _ := ts.do(t, http.MethodPost, "/api/expert/cancel/x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = ts.do(t, http.MethodPost, "/api/expert/cancel/x?board_id=B9", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	block := make(chan struct{})
	defer close(block)
	ts.mock.TextFunc = func(ctx context.Context, _ []llm.Message) (string, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return "", ctx.Err()
	}
	ts.writePage(t, "L.pdf", 1, "some text")
	_, body := ts.do(t, http.MethodPost, "/api/expert/submit",
		submitBody("B1", "generate_annotation", map[string]any{"filename": "L.pdf", "pageNumber": 1}))
	taskID := body["task_id"].(string)

	for range 2 {
		rec, out := ts.do(t, http.MethodPost, "/api/expert/cancel/"+taskID+"?board_id=B1", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		task := out["task"].(map[string]any)
		assert.Equal(t, true, task["cancelled"])
		assert.Equal(t, "failed", task["status"])
	}
}

func TestConcurrentStatus(t *testing.T) {
	ts := newTestServer(t)
	rec, body := ts.do(t, http.MethodGet, "/api/expert/concurrent-status/B1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "B1", body["board_id"])
	assert.Contains(t, body, "response_time")
	assert.Contains(t, body, "timestamp")
	status := body["concurrent_status"].(map[string]any)
	assert.EqualValues(t, 3, status["max_concurrent_tasks"])
	assert.EqualValues(t, 0, status["active_tasks"])
}

func TestAnnotationStyle(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.do(t, http.MethodGet, "/api/boards/B1/annotation-style", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "detailed", body["annotation_style"])
	assert.Len(t, body["available_styles"], 4)

	rec, body = ts.do(t, http.MethodPost, "/api/boards/B1/annotation-style",
		map[string]any{"style": "custom", "custom_prompt": "只写要点"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "custom", body["annotation_style"])

	_, body = ts.do(t, http.MethodGet, "/api/boards/B1/annotation-style", nil)
	assert.Equal(t, "custom", body["annotation_style"])
	assert.Equal(t, "只写要点", body["custom_prompt"])

	rec, _ = ts.do(t, http.MethodPost, "/api/boards/B1/annotation-style", map[string]any{"style": "custom"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = ts.do(t, http.MethodPost, "/api/boards/B1/annotation-style", map[string]any{"style": "haiku"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBoardRoutes(t *testing.T) {
	ts := newTestServer(t)

	rec, _ := ts.do(t, http.MethodPost, "/api/boards/B1/init", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	_, body := ts.do(t, http.MethodGet, "/api/boards/B1/summary", nil)
	sum := body["summary"].(map[string]any)
	assert.EqualValues(t, 0, sum["pdf_count"])

	ts.writePage(t, "L.pdf", 1, "a")
	ts.writePage(t, "L.pdf", 2, "b")
	rec, body = ts.do(t, http.MethodPost, "/api/boards/B1/pdfs", map[string]any{"filename": "L.pdf"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sum = body["summary"].(map[string]any)
	assert.EqualValues(t, 1, sum["pdf_count"])
	assert.EqualValues(t, 2, sum["pdfs"].([]any)[0].(map[string]any)["pages"])

	rec, body = ts.do(t, http.MethodPost, "/api/boards/B1/windows",
		map[string]any{"type": "user_note", "title": "笔记", "content": "x"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	windowID := body["window"].(map[string]any)["id"].(string)

	rec, _ = ts.do(t, http.MethodPost, "/api/boards/B1/pdfs/L.pdf/current-page", map[string]any{"window_id": windowID, "page": 2})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body = ts.do(t, http.MethodPut, "/api/boards/B1/windows/"+windowID, map[string]any{"title": "新标题"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "新标题", body["window"].(map[string]any)["title"])

	rec, _ = ts.do(t, http.MethodDelete, "/api/boards/B1/windows/"+windowID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = ts.do(t, http.MethodDelete, "/api/boards/B1/windows/"+windowID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = ts.do(t, http.MethodPost, "/api/boards/B1/windows", map[string]any{"type": "hologram"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeletePDF_ReferenceCounted(t *testing.T) {
	ts := newTestServer(t)
	for _, b := range []string{"B1", "B2"} {
		_, err := ts.boards.AddPDF(b, "X.pdf", 2)
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(filepath.Join(ts.uploads, "X.pdf"), []byte("%PDF"), 0644))
	ts.writePage(t, "X.pdf", 1, "one")
	ts.writePage(t, "X.pdf", 2, "two")

	rec, body := ts.do(t, http.MethodDelete, "/api/pdf/X.pdf?board_id=B1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 2, body["references_before"])
	assert.EqualValues(t, 1, body["references_after"])
	assert.Equal(t, false, body["physical_deletion"])

	_, body = ts.do(t, http.MethodGet, "/api/pdf/X.pdf/references", nil)
	assert.Equal(t, []any{"B2"}, body["boards"])

	rec, body = ts.do(t, http.MethodDelete, "/api/pdf/X.pdf?board_id=B2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["physical_deletion"])
	assert.Len(t, body["files_deleted"], 3)
	_, err := os.Stat(filepath.Join(ts.uploads, "X.pdf"))
	assert.True(t, os.IsNotExist(err))
}

func TestPageContent(t *testing.T) {
	ts := newTestServer(t)
	ts.writePage(t, "L.pdf", 1, "first")
	ts.writePage(t, "L.pdf", 3, "third")

	rec, body := ts.do(t, http.MethodGet, "/api/pages/L.pdf/3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "third", body["text"])
	assert.EqualValues(t, 3, body["total_pages"])

	rec, _ = ts.do(t, http.MethodGet, "/api/pages/L.pdf/2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = ts.do(t, http.MethodGet, "/api/pages/L.pdf/zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInteractionsAndHealth(t *testing.T) {
	ts := newTestServer(t)
	rec, body := ts.do(t, http.MethodGet, "/api/llm/interactions?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["count"])

	rec, body = ts.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestTaskEventStream(t *testing.T) {
	ts := newTestServer(t)
	ts.writePage(t, "L.pdf", 1, "Alpha beta gamma")
	srv := httptest.NewServer(ts.mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/expert/task-events/B1", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan events.Event, 16)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			data, ok := strings.CutPrefix(sc.Text(), "data: ")
			if !ok {
				continue
			}
			var ev events.Event
			if json.Unmarshal([]byte(data), &ev) == nil {
				lines <- ev
			}
		}
	}()

	next := func() events.Event {
		select {
		case ev, ok := <-lines:
			require.True(t, ok, "stream ended")
			return ev
		case <-ctx.Done():
			t.Fatal("timed out waiting for event")
			return events.Event{}
		}
	}

	first := next()
	assert.Equal(t, events.TaskListUpdate, first.Type)

	body, _ := json.Marshal(submitBody("B1", "generate_annotation", map[string]any{"filename": "L.pdf", "pageNumber": 1}))
	post, err := srv.Client().Post(srv.URL+"/api/expert/submit", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	post.Body.Close()

	var seen []events.Type
	for {
		ev := next()
		if ev.Type == events.Heartbeat {
			continue
		}
		seen = append(seen, ev.Type)
		assert.Equal(t, "B1", ev.BoardID)
		if ev.Type == events.TaskCompleted {
			break
		}
	}
	assert.Equal(t, []events.Type{events.TaskListUpdate, events.TaskStarted, events.TaskCompleted}, seen)
}
