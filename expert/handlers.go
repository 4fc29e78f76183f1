package expert

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/c360studio/studyboard/boardlog"
	"github.com/c360studio/studyboard/engine"
	"github.com/c360studio/studyboard/llm"
	"github.com/c360studio/studyboard/pagestore"
)

// Task types handled by the expert.
const (
	TypeGenerateAnnotation    = "generate_annotation"
	TypeImproveAnnotation     = "improve_annotation"
	TypeVisionAnnotation      = "vision_annotation"
	TypeGenerateNote          = "generate_note"
	TypeGenerateSegmentedNote = "generate_segmented_note"
	TypeImproveNote           = "improve_note"
	TypeImprovePDFNote        = "improve_pdf_note"
	TypeGenerateBoardNote     = "generate_board_note"
	TypeImproveBoardNote      = "improve_board_note"
	TypeAnswerQuestion        = "answer_question"
	TypeProcessImage          = "process_image"
)

const (
	// minTextRunes is the page text length below which annotation falls
	// back to the vision model.
	minTextRunes = 50

	// maxNotePages is the most pages a whole-PDF note reads; longer PDFs
	// use the first and last noteEdgePages pages.
	maxNotePages  = 40
	noteEdgePages = 20

	maxSegmentPages = 40
)

// param aliases accepted from clients.
var aliases = map[string][]string{
	"filename":          {"filename"},
	"pageNumber":        {"pageNumber", "page_number", "page"},
	"currentAnnotation": {"currentAnnotation", "current_annotation"},
	"improveRequest":    {"improveRequest", "improve_request"},
	"content":           {"content", "note", "currentNote", "current_note"},
	"question":          {"question", "query"},
	"startPage":         {"startPage", "start_page"},
	"pageCount":         {"pageCount", "page_count"},
	"existingNote":      {"existingNote", "existing_note"},
	"referencePages":    {"referencePages", "reference_pages"},
	"image":             {"image", "imageData", "image_data"},
}

func str(params map[string]any, name string) string {
	return stringParam(params, aliases[name]...)
}

func num(params map[string]any, name string) (int, bool) {
	return intParam(params, aliases[name]...)
}

type handler struct {
	required []string
	validate func(params map[string]any) error
	run      func(ctx context.Context, x *Expert, req engine.Request) (*engine.Outcome, error)
}

var handlers map[string]handler

func init() {
	handlers = map[string]handler{
		TypeGenerateAnnotation:    {required: []string{"filename", "pageNumber"}, validate: validPage, run: handleGenerateAnnotation},
		TypeImproveAnnotation:     {required: []string{"filename", "pageNumber", "currentAnnotation", "improveRequest"}, validate: validPage, run: handleImproveAnnotation},
		TypeVisionAnnotation:      {required: []string{"filename", "pageNumber"}, validate: validPage, run: handleVisionAnnotation},
		TypeGenerateNote:          {required: []string{"filename"}, run: handleGenerateNote},
		TypeGenerateSegmentedNote: {required: []string{"filename"}, validate: validSegment, run: handleGenerateSegmentedNote},
		TypeImproveNote:           {required: []string{"content", "improveRequest"}, run: handleImproveNote},
		TypeImprovePDFNote:        {required: []string{"content", "improveRequest"}, run: handleImproveNote},
		TypeGenerateBoardNote:     {run: handleGenerateBoardNote},
		TypeImproveBoardNote:      {required: []string{"content", "improveRequest"}, run: handleImproveBoardNote},
		TypeAnswerQuestion:        {required: []string{"question"}, run: handleAnswerQuestion},
		TypeProcessImage:          {validate: validImageSource, run: handleProcessImage},
	}
}

// TaskTypes lists every supported task type.
func TaskTypes() []string {
	return slices.Sorted(maps.Keys(handlers))
}

// validateTask rejects unknown types and missing or malformed params before
// a task is queued.
func validateTask(taskType string, params map[string]any) error {
	h, ok := handlers[taskType]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTaskType, taskType)
	}
	for _, name := range h.required {
		if name == "pageNumber" || name == "startPage" {
			if _, ok := num(params, name); !ok {
				return missing(name)
			}
			continue
		}
		if str(params, name) == "" {
			return missing(name)
		}
	}
	if name := str(params, "filename"); name != "" {
		if err := pagestore.ValidateFilename(name); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidParam, err)
		}
	}
	override, err := styleOverride(params)
	if err != nil {
		return err
	}
	if override != nil {
		if err := override.Validate(); err != nil {
			return err
		}
	}
	if h.validate != nil {
		return h.validate(params)
	}
	return nil
}

func validPage(params map[string]any) error {
	if p, _ := num(params, "pageNumber"); p < 1 {
		return fmt.Errorf("%w: pageNumber must be >= 1", ErrInvalidParam)
	}
	return nil
}

func validSegment(params map[string]any) error {
	if p, ok := num(params, "startPage"); ok && p < 1 {
		return fmt.Errorf("%w: startPage must be >= 1", ErrInvalidParam)
	}
	if c, ok := num(params, "pageCount"); ok && c < 1 {
		return fmt.Errorf("%w: pageCount must be >= 1", ErrInvalidParam)
	}
	return nil
}

func validImageSource(params map[string]any) error {
	if str(params, "image") != "" {
		return nil
	}
	if str(params, "filename") == "" {
		return missing("image")
	}
	if _, ok := num(params, "pageNumber"); !ok {
		return missing("pageNumber")
	}
	return validPage(params)
}

// pageText reads a page, treating a missing page as empty.
func (x *Expert) pageText(ctx context.Context, filename string, page int) (string, error) {
	text, err := x.deps.Pages.PageText(ctx, filename, page)
	if errors.Is(err, pagestore.ErrPageNotFound) {
		return "", nil
	}
	return text, err
}

func (x *Expert) pageImage(ctx context.Context, filename string, page int) (llm.Image, error) {
	data, mime, err := x.deps.Pages.PageImage(ctx, filename, page)
	if err != nil {
		if errors.Is(err, pagestore.ErrPageNotFound) {
			return llm.Image{}, fmt.Errorf("第%d页没有可用的文字或图像 (%s): %w", page, filename, err)
		}
		return llm.Image{}, err
	}
	return llm.Image{MIMEType: mime, Data: data}, nil
}

// collectPages reads the given pages, skipping missing ones.
func (x *Expert) collectPages(ctx context.Context, filename string, pages []int) ([]PageText, error) {
	out := make([]PageText, 0, len(pages))
	for _, p := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := x.pageText(ctx, filename, p)
		if err != nil {
			return nil, fmt.Errorf("read %s page %d: %w", filename, p, err)
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		out = append(out, PageText{Page: p, Text: text})
	}
	return out, nil
}

// SelectNotePages picks the pages a whole-PDF note is built from.
func SelectNotePages(total int) []int {
	if total <= 0 {
		return nil
	}
	if total <= maxNotePages {
		pages := make([]int, total)
		for i := range pages {
			pages[i] = i + 1
		}
		return pages
	}
	pages := make([]int, 0, 2*noteEdgePages)
	for p := 1; p <= noteEdgePages; p++ {
		pages = append(pages, p)
	}
	for p := total - noteEdgePages + 1; p <= total; p++ {
		pages = append(pages, p)
	}
	return pages
}

func handleGenerateAnnotation(ctx context.Context, x *Expert, req engine.Request) (*engine.Outcome, error) {
	filename := str(req.Params, "filename")
	page, _ := num(req.Params, "pageNumber")
	override, err := styleOverride(req.Params)
	if err != nil {
		return nil, err
	}

	text, err := x.pageText(ctx, filename, page)
	if err != nil {
		return nil, err
	}

	var out *engine.Outcome
	err = x.withStyle(override, func(style StyleConfig) error {
		data := map[string]any{
			"filename":         filename,
			"page_number":      page,
			"annotation_style": string(style.Style),
		}

		annotateText := func() error {
			reply, err := x.chat(ctx, req.SessionID, AnnotationPrompt(style, filename, page, text), llm.Options{})
			if err != nil {
				return err
			}
			data["source"] = "text"
			out = &engine.Outcome{Content: reply, Data: data}
			return nil
		}
		trimmed := strings.TrimSpace(text)
		if utf8.RuneCountInString(trimmed) >= minTextRunes {
			return annotateText()
		}

		img, err := x.pageImage(ctx, filename, page)
		if errors.Is(err, pagestore.ErrPageNotFound) && trimmed != "" {
			// Short text with no rendered page is still better than nothing.
			return annotateText()
		}
		if err != nil {
			return err
		}
		reply, err := x.vision(ctx, req.SessionID, img, VisionAnnotationPrompt(style, filename, page), llm.Options{})
		if err != nil {
			return err
		}
		// A cancelled or timed-out task must not leave text behind.
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := x.deps.Pages.WritePageText(ctx, filename, page, reply); err != nil {
			return fmt.Errorf("save recognized page text: %w", err)
		}
		data["source"] = "vision"
		out = &engine.Outcome{Content: reply, Data: data}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func handleImproveAnnotation(ctx context.Context, x *Expert, req engine.Request) (*engine.Outcome, error) {
	filename := str(req.Params, "filename")
	page, _ := num(req.Params, "pageNumber")
	override, err := styleOverride(req.Params)
	if err != nil {
		return nil, err
	}

	text, err := x.pageText(ctx, filename, page)
	if err != nil {
		return nil, err
	}

	var reply string
	err = x.withStyle(override, func(StyleConfig) error {
		prompt := ImproveAnnotationPrompt(filename, page,
			str(req.Params, "currentAnnotation"), str(req.Params, "improveRequest"), text)
		var err error
		reply, err = x.chat(ctx, req.SessionID, prompt, llm.Options{})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &engine.Outcome{Content: reply, Data: map[string]any{"filename": filename, "page_number": page}}, nil
}

func handleVisionAnnotation(ctx context.Context, x *Expert, req engine.Request) (*engine.Outcome, error) {
	filename := str(req.Params, "filename")
	page, _ := num(req.Params, "pageNumber")
	request := str(req.Params, "improveRequest")

	img, err := x.pageImage(ctx, filename, page)
	if err != nil {
		return nil, err
	}
	style := x.AnnotationStyle()
	initial, err := x.vision(ctx, req.SessionID, img, VisionAnnotationPrompt(style, filename, page), llm.Options{})
	if err != nil {
		return nil, fmt.Errorf("vision stage: %w", err)
	}
	engine.ReportProgress(ctx, "图像识别完成，正在优化注释", 50)

	data := map[string]any{"filename": filename, "page_number": page, "initial_annotation": initial}

	text, err := x.pageText(ctx, filename, page)
	if err != nil {
		text = ""
	}
	refined, err := x.chat(ctx, req.SessionID, RefineVisionPrompt(filename, page, initial, request, text), llm.Options{})
	if err != nil {
		x.logger.Warn("Vision annotation refinement failed, returning initial annotation",
			"task_id", req.TaskID, "error", err)
		data["refined"] = false
		data["refine_error"] = err.Error()
		return &engine.Outcome{Content: initial, Data: data}, nil
	}
	data["refined"] = true
	return &engine.Outcome{Content: refined, Data: data}, nil
}

func handleGenerateNote(ctx context.Context, x *Expert, req engine.Request) (*engine.Outcome, error) {
	filename := str(req.Params, "filename")
	total, err := x.deps.Pages.PageCount(ctx, filename)
	if err != nil {
		return nil, fmt.Errorf("count pages of %s: %w", filename, err)
	}
	if total == 0 {
		return nil, fmt.Errorf("%s 没有可用的页面内容，无法生成笔记", filename)
	}

	selected := SelectNotePages(total)
	pages, err := x.collectPages(ctx, filename, selected)
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("%s 的页面内容均为空，无法生成笔记", filename)
	}
	engine.ReportProgress(ctx, fmt.Sprintf("已读取%d页内容，正在生成笔记", len(pages)), 20)

	reply, err := x.chat(ctx, req.SessionID, NotePrompt(filename, total, pages), llm.Options{Extended: true})
	if err != nil {
		return nil, err
	}
	note := NoteMarker(selected) + "\n\n" + reply

	if err := x.deps.Boards.UpdatePDFContentSummary(x.boardID, filename, note); err != nil &&
		!errors.Is(err, boardlog.ErrPDFNotFound) {
		x.logger.Warn("Failed to store note as content summary", "filename", filename, "error", err)
	}

	return &engine.Outcome{Content: note, Data: map[string]any{
		"filename":    filename,
		"total_pages": total,
		"pages_used":  len(selected),
	}}, nil
}

func handleGenerateSegmentedNote(ctx context.Context, x *Expert, req engine.Request) (*engine.Outcome, error) {
	filename := str(req.Params, "filename")
	start, ok := num(req.Params, "startPage")
	if !ok {
		start = 1
	}
	count, ok := num(req.Params, "pageCount")
	if !ok || count > maxSegmentPages {
		count = maxSegmentPages
	}

	total, err := x.deps.Pages.PageCount(ctx, filename)
	if err != nil {
		return nil, fmt.Errorf("count pages of %s: %w", filename, err)
	}

	data := map[string]any{
		"total_pages":     total,
		"next_start_page": start,
		"has_more":        false,
		"current_range":   "",
		"pages_processed": 0,
	}
	if start > total {
		note := fmt.Sprintf("起始页 %d 超出了 %s 的总页数 %d，没有更多内容可以生成笔记。", start, filename, total)
		data["note"] = note
		data["error"] = "start page beyond end of document"
		return &engine.Outcome{Content: note, Data: data}, nil
	}

	end := min(start+count-1, total)
	wanted := make([]int, 0, end-start+1)
	for p := start; p <= end; p++ {
		wanted = append(wanted, p)
	}
	pages, err := x.collectPages(ctx, filename, wanted)
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("%s 第%d-%d页没有可用的内容", filename, start, end)
	}
	engine.ReportProgress(ctx, fmt.Sprintf("正在生成第%d-%d页笔记", start, end), 30)

	prompt := SegmentNotePrompt(filename, total, start, end, pages, str(req.Params, "existingNote"))
	reply, err := x.chat(ctx, req.SessionID, prompt, llm.Options{Extended: true})
	if err != nil {
		return nil, err
	}

	data["note"] = reply
	data["next_start_page"] = end + 1
	data["has_more"] = end < total
	data["current_range"] = fmt.Sprintf("%d-%d", start, end)
	data["pages_processed"] = end - start + 1
	return &engine.Outcome{Content: reply, Data: data}, nil
}

func handleImproveNote(ctx context.Context, x *Expert, req engine.Request) (*engine.Outcome, error) {
	filename := str(req.Params, "filename")
	var refs []PageText
	if filename != "" {
		var err error
		refs, err = x.collectPages(ctx, filename, intListParam(req.Params, aliases["referencePages"]...))
		if err != nil {
			return nil, err
		}
	}

	subject := "笔记"
	if req.Type == TypeImprovePDFNote && filename != "" {
		subject = filename + " 的笔记"
	}
	prompt := ImproveNotePrompt(subject, str(req.Params, "content"), str(req.Params, "improveRequest"), refs)

	reply, err := x.chat(ctx, req.SessionID, prompt, llm.Options{Extended: true})
	if err != nil && llm.IsRetryableByUser(err) && ctx.Err() == nil {
		x.logger.Info("Retrying note improvement once", "task_id", req.TaskID, "error", err)
		reply, err = x.chat(ctx, req.SessionID, prompt, llm.Options{Extended: true})
	}
	if err != nil {
		return nil, err
	}
	return &engine.Outcome{Content: reply, Data: map[string]any{"filename": filename, "reference_pages": len(refs)}}, nil
}

func handleGenerateBoardNote(ctx context.Context, x *Expert, req engine.Request) (*engine.Outcome, error) {
	rec, err := x.deps.Boards.Load(x.boardID)
	if err != nil {
		return nil, err
	}

	notes := make(map[string]string)
	var order []string
	supplied := mapParam(req.Params, "notes")
	for _, p := range rec.PDFs {
		note, _ := supplied[p.Filename].(string)
		if note == "" {
			note = p.ContentSummary
		}
		if strings.TrimSpace(note) == "" {
			continue
		}
		notes[p.Filename] = note
		order = append(order, p.Filename)
	}
	for _, f := range slices.Sorted(maps.Keys(supplied)) {
		if _, seen := notes[f]; seen {
			continue
		}
		if note, _ := supplied[f].(string); strings.TrimSpace(note) != "" {
			notes[f] = note
			order = append(order, f)
		}
	}
	if len(order) == 0 {
		return nil, errors.New("展板上还没有可综合的 PDF 笔记，请先为 PDF 生成笔记")
	}

	reply, err := x.chat(ctx, req.SessionID, BoardNotePrompt(notes, order), llm.Options{Extended: true})
	if err != nil {
		return nil, err
	}
	return &engine.Outcome{Content: reply, Data: map[string]any{"pdf_count": len(order)}}, nil
}

func handleImproveBoardNote(ctx context.Context, x *Expert, req engine.Request) (*engine.Outcome, error) {
	prompt := ImproveNotePrompt("展板笔记", str(req.Params, "content"), str(req.Params, "improveRequest"), nil)
	reply, err := x.chat(ctx, req.SessionID, prompt, llm.Options{Extended: true})
	if err != nil {
		return nil, err
	}
	return &engine.Outcome{Content: reply}, nil
}

// boardContext gathers what a question can be grounded on.
func (x *Expert) boardContext(ctx context.Context) (BoardContext, error) {
	rec, err := x.deps.Boards.Load(x.boardID)
	if err != nil {
		return BoardContext{}, err
	}
	var bc BoardContext
	for _, p := range rec.PDFs {
		bp := BoardPDF{Filename: p.Filename, Pages: p.Pages, Summary: p.ContentSummary}
		if len(p.CurrentPages) > 0 {
			first := slices.Sorted(maps.Keys(p.CurrentPages))[0]
			bp.CurrentPage = p.CurrentPages[first]
			if bp.CurrentPage > 0 {
				text, err := x.pageText(ctx, p.Filename, bp.CurrentPage)
				if err != nil {
					x.logger.Debug("Current page unavailable", "filename", p.Filename, "page", bp.CurrentPage, "error", err)
				}
				bp.CurrentText = text
			}
		}
		bc.PDFs = append(bc.PDFs, bp)
	}
	for _, w := range rec.Windows {
		switch w.Type {
		case boardlog.WindowTextNote, boardlog.WindowUserNote, boardlog.WindowAnnotation, boardlog.WindowBoardNote:
			if strings.TrimSpace(w.Content) != "" {
				bc.Windows = append(bc.Windows, BoardWindow{Type: string(w.Type), Title: w.Title, Content: w.Content})
			}
		}
	}
	return bc, nil
}

func handleAnswerQuestion(ctx context.Context, x *Expert, req engine.Request) (*engine.Outcome, error) {
	question := str(req.Params, "question")
	bc, err := x.boardContext(ctx)
	if err != nil {
		return nil, err
	}
	if bc.Empty() {
		return &engine.Outcome{Content: EmptyBoardAnswer, Data: map[string]any{"empty_board": true}}, nil
	}
	reply, err := x.chat(ctx, req.SessionID, QuestionPrompt(bc, question), llm.Options{})
	if err != nil {
		return nil, err
	}
	return &engine.Outcome{Content: reply, Data: map[string]any{"pdf_count": len(bc.PDFs)}}, nil
}

func handleProcessImage(ctx context.Context, x *Expert, req engine.Request) (*engine.Outcome, error) {
	var img llm.Image
	if raw := str(req.Params, "image"); raw != "" {
		data, mime, err := decodeImageParam(raw)
		if err != nil {
			return nil, err
		}
		img = llm.Image{MIMEType: mime, Data: data}
	} else {
		page, _ := num(req.Params, "pageNumber")
		var err error
		img, err = x.pageImage(ctx, str(req.Params, "filename"), page)
		if err != nil {
			return nil, err
		}
	}

	current, request := str(req.Params, "currentAnnotation"), str(req.Params, "improveRequest")
	if extra := mapParam(req.Params, "context"); extra != nil {
		if current == "" {
			current = str(extra, "currentAnnotation")
		}
		if request == "" {
			request = str(extra, "improveRequest")
		}
	}

	reply, err := x.vision(ctx, req.SessionID, img, ProcessImagePrompt(current, request), llm.Options{})
	if err != nil {
		return nil, err
	}
	return &engine.Outcome{Content: reply}, nil
}
