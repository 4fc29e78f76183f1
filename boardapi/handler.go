// Package boardapi is the HTTP and SSE surface over the board experts, board
// logs, page store and PDF reference index.
package boardapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/c360studio/studyboard/boardlog"
	"github.com/c360studio/studyboard/engine"
	"github.com/c360studio/studyboard/expert"
	"github.com/c360studio/studyboard/llm"
	"github.com/c360studio/studyboard/pagestore"
	"github.com/c360studio/studyboard/pdfref"
)

// maxBodySize bounds request bodies; process_image carries base64 images.
const maxBodySize = 16 << 20

// errBadRequest marks malformed request bodies and query strings.
var errBadRequest = errors.New("bad request")

// InteractionSource exposes the recent LLM interaction tail.
type InteractionSource interface {
	Interactions(limit int) []llm.InteractionRecord
}

// Deps are the collaborators behind the HTTP surface. Registry and Boards
// are required; routes whose dependency is nil answer 503.
type Deps struct {
	Registry     *expert.Registry
	Boards       *boardlog.Log
	Pages        *pagestore.Store
	PDFs         *pdfref.Manager
	Interactions InteractionSource
	Logger       *slog.Logger
}

// Handler serves the board API.
type Handler struct {
	deps   Deps
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(deps Deps) (*Handler, error) {
	if deps.Registry == nil {
		return nil, errors.New("boardapi: expert registry is required")
	}
	if deps.Boards == nil {
		return nil, errors.New("boardapi: board log is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{deps: deps, logger: logger}, nil
}

// RegisterHTTPHandlers registers every route under prefix (e.g. "/api").
func (h *Handler) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	prefix = strings.TrimSuffix(prefix, "/")

	mux.HandleFunc("POST "+prefix+"/expert/submit", h.handleSubmit)
	mux.HandleFunc("GET "+prefix+"/expert/result/{task_id}", h.handleResult)
	mux.HandleFunc("GET "+prefix+"/expert/results/{board_id}", h.handleListResults)
	mux.HandleFunc("POST "+prefix+"/expert/cancel/{task_id}", h.handleCancel)
	mux.HandleFunc("GET "+prefix+"/expert/concurrent-status/{board_id}", h.handleConcurrentStatus)
	mux.HandleFunc("GET "+prefix+"/expert/task-events/{board_id}", h.handleTaskEvents)
	mux.HandleFunc("POST "+prefix+"/expert/query", h.handleQuery)

	mux.HandleFunc("GET "+prefix+"/boards/{board_id}/annotation-style", h.handleGetStyle)
	mux.HandleFunc("POST "+prefix+"/boards/{board_id}/annotation-style", h.handleSetStyle)
	mux.HandleFunc("POST "+prefix+"/boards/{board_id}/init", h.handleInitBoard)
	mux.HandleFunc("GET "+prefix+"/boards/{board_id}/summary", h.handleBoardSummary)
	mux.HandleFunc("POST "+prefix+"/boards/{board_id}/pdfs", h.handleAddPDF)
	mux.HandleFunc("POST "+prefix+"/boards/{board_id}/pdfs/{filename}/current-page", h.handleCurrentPage)
	mux.HandleFunc("POST "+prefix+"/boards/{board_id}/windows", h.handleAddWindow)
	mux.HandleFunc("PUT "+prefix+"/boards/{board_id}/windows/{window_id}", h.handleUpdateWindow)
	mux.HandleFunc("DELETE "+prefix+"/boards/{board_id}/windows/{window_id}", h.handleRemoveWindow)

	mux.HandleFunc("DELETE "+prefix+"/pdf/{filename}", h.handleDeletePDF)
	mux.HandleFunc("GET "+prefix+"/pdf/{filename}/references", h.handleReferences)
	mux.HandleFunc("GET "+prefix+"/pages/{filename}/{page}", h.handlePage)
	mux.HandleFunc("GET "+prefix+"/llm/interactions", h.handleInteractions)
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Status    string `json:"status"`
	Error     string `json:"error"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, boardlog.ErrInvalidBoardID),
		errors.Is(err, boardlog.ErrInvalidWindow),
		errors.Is(err, expert.ErrUnknownTaskType),
		errors.Is(err, expert.ErrMissingParam),
		errors.Is(err, expert.ErrInvalidParam),
		errors.Is(err, pagestore.ErrInvalidFilename):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrTaskNotFound),
		errors.Is(err, boardlog.ErrWindowNotFound),
		errors.Is(err, boardlog.ErrPDFNotFound),
		errors.Is(err, pagestore.ErrPageNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, engine.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeJSON writes a JSON response.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("Failed to write JSON response", "error", err)
	}
}

// writeError writes err with the status it maps to.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Status: "error", Error: err.Error()}
	var gwErr *llm.Error
	if errors.As(err, &gwErr) {
		resp.Error = gwErr.UserMessage()
		resp.ErrorKind = string(gwErr.Kind)
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", "status", status, "error", err)
	}
	h.writeJSON(w, status, resp)
}

func (h *Handler) unavailable(w http.ResponseWriter, what string) {
	h.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Status: "error", Error: what + " not configured"})
}

// decodeBody reads a bounded JSON body into v.
func decodeBody(r *http.Request, v any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodySize)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", errBadRequest)
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// seconds renders a duration the way clients expect timings.
func seconds(d time.Duration) float64 {
	return d.Seconds()
}
