package boardapi

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/c360studio/studyboard/boardlog"
	"github.com/c360studio/studyboard/pagestore"
)

// handleInitBoard handles POST /boards/{board_id}/init.
func (h *Handler) handleInitBoard(w http.ResponseWriter, r *http.Request) {
	rec, err := h.deps.Boards.Init(r.PathValue("board_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "success", "board": rec})
}

// handleBoardSummary handles GET /boards/{board_id}/summary.
func (h *Handler) handleBoardSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.deps.Boards.Summary(r.PathValue("board_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "success", "summary": sum})
}

// AddPDFRequest is the body of POST /boards/{board_id}/pdfs.
type AddPDFRequest struct {
	Filename string `json:"filename"`
	Pages    int    `json:"pages"`
}

// handleAddPDF handles POST /boards/{board_id}/pdfs. A zero page count is
// filled from the extracted pages on disk.
func (h *Handler) handleAddPDF(w http.ResponseWriter, r *http.Request) {
	var req AddPDFRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if err := pagestore.ValidateFilename(req.Filename); err != nil {
		h.writeError(w, err)
		return
	}
	if req.Pages <= 0 && h.deps.Pages != nil {
		n, err := h.deps.Pages.PageCount(r.Context(), req.Filename)
		if err != nil {
			h.writeError(w, err)
			return
		}
		req.Pages = n
	}
	rec, err := h.deps.Boards.AddPDF(r.PathValue("board_id"), req.Filename, req.Pages)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "success", "summary": rec.Summarize()})
}

// CurrentPageRequest is the body of POST /boards/{board_id}/pdfs/{filename}/current-page.
type CurrentPageRequest struct {
	WindowID string `json:"window_id"`
	Page     int    `json:"page"`
}

// handleCurrentPage records which page a PDF window shows.
func (h *Handler) handleCurrentPage(w http.ResponseWriter, r *http.Request) {
	var req CurrentPageRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.WindowID == "" || req.Page < 1 {
		h.writeError(w, fmt.Errorf("%w: window_id and a page >= 1 are required", errBadRequest))
		return
	}
	boardID, filename := r.PathValue("board_id"), r.PathValue("filename")
	if err := h.deps.Boards.UpdatePDFCurrentPage(boardID, filename, req.WindowID, req.Page); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "success", "filename": filename, "page": req.Page})
}

// handleAddWindow handles POST /boards/{board_id}/windows.
func (h *Handler) handleAddWindow(w http.ResponseWriter, r *http.Request) {
	var win boardlog.Window
	if err := decodeBody(r, &win); err != nil {
		h.writeError(w, err)
		return
	}
	added, err := h.deps.Boards.AddWindow(r.PathValue("board_id"), win)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]any{"status": "success", "window": added})
}

// handleUpdateWindow handles PUT /boards/{board_id}/windows/{window_id}.
func (h *Handler) handleUpdateWindow(w http.ResponseWriter, r *http.Request) {
	var u boardlog.WindowUpdate
	if err := decodeBody(r, &u); err != nil {
		h.writeError(w, err)
		return
	}
	updated, err := h.deps.Boards.UpdateWindow(r.PathValue("board_id"), r.PathValue("window_id"), u)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "success", "window": updated})
}

// handleRemoveWindow handles DELETE /boards/{board_id}/windows/{window_id}.
func (h *Handler) handleRemoveWindow(w http.ResponseWriter, r *http.Request) {
	windowID := r.PathValue("window_id")
	if err := h.deps.Boards.RemoveWindow(r.PathValue("board_id"), windowID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "success", "window_id": windowID})
}

// handleDeletePDF handles DELETE /pdf/{filename}?board_id=.
func (h *Handler) handleDeletePDF(w http.ResponseWriter, r *http.Request) {
	if h.deps.PDFs == nil {
		h.unavailable(w, "pdf reference index")
		return
	}
	res, err := h.deps.PDFs.Delete(r.Context(), r.PathValue("filename"), r.URL.Query().Get("board_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// handleReferences handles GET /pdf/{filename}/references.
func (h *Handler) handleReferences(w http.ResponseWriter, r *http.Request) {
	if h.deps.PDFs == nil {
		h.unavailable(w, "pdf reference index")
		return
	}
	refs, err := h.deps.PDFs.References(r.Context(), r.PathValue("filename"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, refs)
}

// handlePage handles GET /pages/{filename}/{page}, the page-content
// endpoint read by pagestore.RemoteReader.
func (h *Handler) handlePage(w http.ResponseWriter, r *http.Request) {
	if h.deps.Pages == nil {
		h.unavailable(w, "page store")
		return
	}
	filename := r.PathValue("filename")
	page, err := strconv.Atoi(r.PathValue("page"))
	if err != nil || page < 1 {
		h.writeError(w, fmt.Errorf("%w: page must be a positive integer", errBadRequest))
		return
	}
	text, err := h.deps.Pages.PageText(r.Context(), filename, page)
	if err != nil {
		h.writeError(w, err)
		return
	}
	total, err := h.deps.Pages.PageCount(r.Context(), filename)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, pagestore.PageContent{
		Filename:   filename,
		Page:       page,
		Text:       text,
		TotalPages: total,
	})
}

// handleInteractions handles GET /llm/interactions?limit=.
func (h *Handler) handleInteractions(w http.ResponseWriter, r *http.Request) {
	if h.deps.Interactions == nil {
		h.unavailable(w, "interaction log")
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			h.writeError(w, fmt.Errorf("%w: limit must be a non-negative integer", errBadRequest))
			return
		}
		limit = n
	}
	records := h.deps.Interactions.Interactions(limit)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":       "success",
		"interactions": records,
		"count":        len(records),
	})
}

// Health answers liveness probes with the number of live board experts.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"boards": len(h.deps.Registry.Boards()),
	})
}
