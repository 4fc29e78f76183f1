package boardapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/c360studio/studyboard/engine"
	"github.com/c360studio/studyboard/events"
	"github.com/c360studio/studyboard/expert"
)

// SubmitRequest is the body of POST /expert/submit.
type SubmitRequest struct {
	BoardID  string `json:"board_id"`
	TaskInfo struct {
		Type   string         `json:"type"`
		Params map[string]any `json:"params"`
	} `json:"task_info"`
}

// Timing reports how long the server spent on a request or task, in seconds.
type Timing struct {
	SubmitTime   float64 `json:"submit_time,omitempty"`
	Duration     float64 `json:"duration,omitempty"`
	ResponseTime float64 `json:"response_time,omitempty"`
}

// SubmitResponse is the reply to a submit.
type SubmitResponse struct {
	Status   string `json:"status"`
	TaskID   string `json:"task_id"`
	TaskType string `json:"task_type"`
	BoardID  string `json:"board_id"`
	Timing   Timing `json:"timing"`
}

// handleSubmit handles POST /expert/submit. It never waits on LLM work.
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req SubmitRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	x, err := h.deps.Registry.Get(req.BoardID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	task, err := x.Submit(req.TaskInfo.Type, req.TaskInfo.Params)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, SubmitResponse{
		Status:   "success",
		TaskID:   task.ID,
		TaskType: task.Type,
		BoardID:  req.BoardID,
		Timing:   Timing{SubmitTime: seconds(time.Since(start))},
	})
}

// ResultResponse mirrors the task record plus timing.
type ResultResponse struct {
	*engine.Task
	Timing Timing `json:"timing"`
}

// handleResult handles GET /expert/result/{task_id}?board_id=.
// Without board_id every live expert is searched.
func (h *Handler) handleResult(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	boardID := r.URL.Query().Get("board_id")

	var task *engine.Task
	if boardID != "" {
		if x, ok := h.deps.Registry.Lookup(boardID); ok {
			task, _ = x.Lookup(taskID)
		}
	} else if _, t, ok := h.deps.Registry.FindTask(taskID); ok {
		task = t
	}
	if task == nil {
		h.writeError(w, fmt.Errorf("%w: %s", engine.ErrTaskNotFound, taskID))
		return
	}
	h.writeJSON(w, http.StatusOK, ResultResponse{
		Task:   task,
		Timing: Timing{Duration: seconds(task.Duration(time.Now()))},
	})
}

// handleListResults handles GET /expert/results/{board_id}?limit=.
func (h *Handler) handleListResults(w http.ResponseWriter, r *http.Request) {
	boardID := r.PathValue("board_id")
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			h.writeError(w, fmt.Errorf("%w: limit must be a non-negative integer", errBadRequest))
			return
		}
		limit = n
	}
	x, err := h.deps.Registry.Get(boardID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	results := x.ListResults(limit)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "success",
		"board_id": boardID,
		"results":  results,
		"count":    len(results),
	})
}

// handleCancel handles POST /expert/cancel/{task_id}?board_id=.
func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	boardID := r.URL.Query().Get("board_id")
	if boardID == "" {
		h.writeError(w, fmt.Errorf("%w: board_id is required", errBadRequest))
		return
	}
	x, ok := h.deps.Registry.Lookup(boardID)
	if !ok {
		h.writeError(w, fmt.Errorf("%w: %s", engine.ErrTaskNotFound, taskID))
		return
	}
	task, err := x.Cancel(taskID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "success",
		"board_id": boardID,
		"task":     task,
	})
}

// StatusResponse wraps a concurrent status snapshot.
type StatusResponse struct {
	Status           string          `json:"status"`
	ConcurrentStatus engine.Snapshot `json:"concurrent_status"`
	BoardID          string          `json:"board_id"`
	ResponseTime     float64         `json:"response_time"`
	Timestamp        time.Time       `json:"timestamp"`
}

// handleConcurrentStatus handles GET /expert/concurrent-status/{board_id}.
func (h *Handler) handleConcurrentStatus(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	boardID := r.PathValue("board_id")
	x, err := h.deps.Registry.Get(boardID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	snap := x.ConcurrentStatus()
	h.writeJSON(w, http.StatusOK, StatusResponse{
		Status:           "success",
		ConcurrentStatus: snap,
		BoardID:          boardID,
		ResponseTime:     seconds(time.Since(start)),
		Timestamp:        time.Now(),
	})
}

// handleTaskEvents handles GET /expert/task-events/{board_id} as an SSE
// stream. The first message is a task_list_update snapshot; heartbeats come
// from the bus.
func (h *Handler) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	boardID := r.PathValue("board_id")
	x, err := h.deps.Registry.Get(boardID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, errors.New("streaming not supported"))
		return
	}
	sub, err := x.Subscribe()
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Debug("Task event stream opened", "board_id", boardID)
	defer h.logger.Debug("Task event stream closed", "board_id", boardID, "dropped", sub.Dropped())

	var eventID uint64
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return
		}
		eventID++
		if err := h.sendSSEEvent(w, flusher, eventID, ev); err != nil {
			h.logger.Debug("Client disconnected during event", "board_id", boardID, "error", err)
			return
		}
	}
}

// sendSSEEvent writes one event as "data: <json>\n\n". The event type
// travels inside the payload so plain EventSource onmessage handlers see
// every event.
func (h *Handler) sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, id uint64, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("Failed to marshal SSE data", "type", ev.Type, "error", err)
		return nil
	}
	if id > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", id); err != nil {
			return fmt.Errorf("write event id: %w", err)
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write event data: %w", err)
	}
	flusher.Flush()
	return nil
}

// QueryRequest is the body of POST /expert/query.
type QueryRequest struct {
	BoardID string `json:"board_id"`
	Query   string `json:"query"`
}

// handleQuery handles POST /expert/query, a synchronous turn on the board's
// primary conversation.
func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req QueryRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	x, err := h.deps.Registry.Get(req.BoardID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	reply, err := x.ProcessQuery(r.Context(), req.Query)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "success",
		"board_id": req.BoardID,
		"response": reply,
		"timing":   Timing{ResponseTime: seconds(time.Since(start))},
	})
}

// StyleResponse is the annotation style view of a board.
type StyleResponse struct {
	Status          string                  `json:"status"`
	BoardID         string                  `json:"board_id"`
	AnnotationStyle expert.Style            `json:"annotation_style"`
	CustomPrompt    string                  `json:"custom_prompt"`
	AvailableStyles map[expert.Style]string `json:"available_styles"`
}

func (h *Handler) styleResponse(x *expert.Expert) StyleResponse {
	cfg := x.AnnotationStyle()
	return StyleResponse{
		Status:          "success",
		BoardID:         x.BoardID(),
		AnnotationStyle: cfg.Style,
		CustomPrompt:    cfg.CustomPrompt,
		AvailableStyles: expert.AvailableStyles,
	}
}

// handleGetStyle handles GET /boards/{board_id}/annotation-style.
func (h *Handler) handleGetStyle(w http.ResponseWriter, r *http.Request) {
	x, err := h.deps.Registry.Get(r.PathValue("board_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.styleResponse(x))
}

// SetStyleRequest is the body of POST /boards/{board_id}/annotation-style.
type SetStyleRequest struct {
	Style           string `json:"style"`
	AnnotationStyle string `json:"annotation_style"`
	CustomPrompt    string `json:"custom_prompt"`
}

// handleSetStyle handles POST /boards/{board_id}/annotation-style.
func (h *Handler) handleSetStyle(w http.ResponseWriter, r *http.Request) {
	var req SetStyleRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	name := req.Style
	if name == "" {
		name = req.AnnotationStyle
	}
	style, err := expert.ParseStyle(name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	x, err := h.deps.Registry.Get(r.PathValue("board_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := x.SetAnnotationStyle(style, req.CustomPrompt); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.styleResponse(x))
}
