package expert

import (
	"fmt"
	"strings"
)

// maxPageChars bounds each page excerpt placed in a prompt.
const maxPageChars = 4000

// PageText is one page handed to a prompt builder.
type PageText struct {
	Page int
	Text string
}

// SystemPrompt returns the board expert's system prompt.
func SystemPrompt(boardID string) string {
	return fmt.Sprintf(`你是展板 %s 的学习助手专家。你帮助学生理解展板上的 PDF 学习资料：
为页面生成注释、整理与改进笔记、回答问题。

## 规则

- 只依据提供的资料作答，不要编造页面中不存在的内容
- 引用内容时标注页码，格式为 (第X页)
- 使用 Markdown 组织输出，公式使用 LaTeX
- 回答使用中文，除非用户明确要求其他语言`, boardID)
}

// AnnotationPrompt builds the text-LLM prompt for one page.
func AnnotationPrompt(style StyleConfig, filename string, page int, text string) string {
	return fmt.Sprintf(`## 任务

为 %s 第%d页生成注释。

%s

## 页面内容

%s`, filename, page, style.instruction(), clip(text, maxPageChars))
}

// VisionAnnotationPrompt asks a vision model to read a page image.
func VisionAnnotationPrompt(style StyleConfig, filename string, page int) string {
	return fmt.Sprintf(`这是 %s 第%d页的图像，页面文字无法直接提取。

1. 先完整识别图中的文字、公式与图表要点
2. 再按照下面的要求生成注释

%s`, filename, page, style.instruction())
}

// ImproveAnnotationPrompt refines an existing annotation.
func ImproveAnnotationPrompt(filename string, page int, current, request, pageText string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## 任务\n\n根据用户的改进要求，改进 %s 第%d页的注释。\n\n", filename, page)
	fmt.Fprintf(&b, "## 当前注释\n\n%s\n\n", current)
	fmt.Fprintf(&b, "## 改进要求\n\n%s\n\n", request)
	if strings.TrimSpace(pageText) != "" {
		fmt.Fprintf(&b, "## 页面内容\n\n%s\n\n", clip(pageText, maxPageChars))
	}
	b.WriteString("只输出改进后的完整注释。")
	return b.String()
}

// RefineVisionPrompt is the second stage of vision_annotation.
func RefineVisionPrompt(filename string, page int, initial, request, pageText string) string {
	if strings.TrimSpace(request) == "" {
		request = "使注释更准确、结构更清晰"
	}
	return ImproveAnnotationPrompt(filename, page, initial, request, pageText)
}

// NoteMarker labels which pages a whole-PDF note was built from, one marker
// per contiguous range.
func NoteMarker(pages []int) string {
	var b strings.Builder
	for _, r := range pageRanges(pages) {
		fmt.Fprintf(&b, "<参考第%d页-第%d页内容>", r[0], r[1])
	}
	return b.String()
}

// NotePrompt asks for a whole-PDF study note with page citations.
func NotePrompt(filename string, total int, pages []PageText) string {
	return fmt.Sprintf(`## 任务

为 %s（共%d页）生成一份完整的学习笔记。

## 要求

- 按章节或主题组织，使用 Markdown 标题
- 覆盖核心概念、定义、定理、方法与例子
- 每个要点后必须标注来源页码，格式为 (第X页)
- 资料中未包含的页面不要臆测

## 资料内容

%s`, filename, total, joinPages(pages))
}

// SegmentNotePrompt asks for notes on one page range, continuing an
// existing note when given.
func SegmentNotePrompt(filename string, total, start, end int, pages []PageText, existing string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## 任务\n\n为 %s（共%d页）的第%d页至第%d页生成学习笔记。\n\n", filename, total, start, end)
	b.WriteString("## 要求\n\n- 使用 Markdown 组织\n- 每个要点标注来源页码，格式为 (第X页)\n")
	if strings.TrimSpace(existing) != "" {
		b.WriteString("- 下面给出已有笔记，请紧接其内容继续编写，不要重复已有部分\n\n")
		fmt.Fprintf(&b, "## 已有笔记\n\n%s\n\n", clip(existing, 3*maxPageChars))
	} else {
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "## 资料内容\n\n%s", joinPages(pages))
	return b.String()
}

// ImproveNotePrompt refines a note against a request.
func ImproveNotePrompt(subject, note, request string, refs []PageText) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## 任务\n\n根据改进要求改进%s。\n\n", subject)
	fmt.Fprintf(&b, "## 当前笔记\n\n%s\n\n", note)
	fmt.Fprintf(&b, "## 改进要求\n\n%s\n\n", request)
	if len(refs) > 0 {
		fmt.Fprintf(&b, "## 参考页面\n\n%s\n\n", joinPages(refs))
	}
	b.WriteString("保留原有的页码引用 (第X页)，只输出改进后的完整笔记。")
	return b.String()
}

// BoardNotePrompt synthesizes the per-PDF notes of a board.
func BoardNotePrompt(notes map[string]string, order []string) string {
	var b strings.Builder
	b.WriteString("## 任务\n\n综合展板上所有 PDF 的笔记，生成一份展板总笔记。\n\n")
	b.WriteString("## 要求\n\n- 归纳各资料之间的联系与共同主题\n- 标明每个要点来自哪份资料\n- 使用 Markdown 组织\n\n")
	b.WriteString("## 各 PDF 笔记\n\n")
	for _, f := range order {
		fmt.Fprintf(&b, "### %s\n\n%s\n\n", f, clip(notes[f], 2*maxPageChars))
	}
	return strings.TrimRight(b.String(), "\n")
}

// BoardContext is what answer_question knows about a board.
type BoardContext struct {
	PDFs    []BoardPDF
	Windows []BoardWindow
}

// BoardPDF is one PDF on the board with its visible page.
type BoardPDF struct {
	Filename    string
	Pages       int
	Summary     string
	CurrentPage int
	CurrentText string
}

// BoardWindow is a text-bearing window on the board.
type BoardWindow struct {
	Type    string
	Title   string
	Content string
}

// Empty reports whether the board has nothing to ground an answer on.
func (c BoardContext) Empty() bool {
	return len(c.PDFs) == 0 && len(c.Windows) == 0
}

// QuestionPrompt grounds a question in the board state.
func QuestionPrompt(board BoardContext, question string) string {
	var b strings.Builder
	b.WriteString("## 展板内容\n\n")
	for _, p := range board.PDFs {
		fmt.Fprintf(&b, "### PDF: %s（共%d页）\n\n", p.Filename, p.Pages)
		if p.Summary != "" {
			fmt.Fprintf(&b, "笔记摘要：\n%s\n\n", clip(p.Summary, maxPageChars))
		}
		if p.CurrentPage > 0 && p.CurrentText != "" {
			fmt.Fprintf(&b, "当前查看第%d页：\n%s\n\n", p.CurrentPage, clip(p.CurrentText, maxPageChars))
		}
	}
	for _, w := range board.Windows {
		title := w.Title
		if title == "" {
			title = w.Type
		}
		fmt.Fprintf(&b, "### 窗口: %s (%s)\n\n%s\n\n", title, w.Type, clip(w.Content, maxPageChars/2))
	}
	fmt.Fprintf(&b, "## 问题\n\n%s\n\n请依据展板内容回答，引用时标注来源与页码。", question)
	return b.String()
}

// EmptyBoardAnswer is returned without calling the LLM when a board has no
// material to answer from.
const EmptyBoardAnswer = "当前展板还没有任何学习资料。请先上传 PDF 或添加笔记窗口，然后再提问，我会根据展板内容为你解答。"

// ProcessImagePrompt describes an image, optionally improving an existing
// annotation.
func ProcessImagePrompt(current, request string) string {
	var b strings.Builder
	b.WriteString("请识别并解释这张图片的内容：文字、公式、图表与关键信息。")
	if strings.TrimSpace(current) != "" {
		fmt.Fprintf(&b, "\n\n## 当前注释\n\n%s", current)
	}
	if strings.TrimSpace(request) != "" {
		fmt.Fprintf(&b, "\n\n## 用户要求\n\n%s", request)
	}
	return b.String()
}

func joinPages(pages []PageText) string {
	var b strings.Builder
	for i, p := range pages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "--- 第%d页 ---\n%s", p.Page, clip(p.Text, maxPageChars))
	}
	return b.String()
}

// pageRanges groups sorted page numbers into inclusive contiguous ranges.
func pageRanges(pages []int) [][2]int {
	var out [][2]int
	for _, p := range pages {
		if n := len(out); n > 0 && out[n-1][1]+1 == p {
			out[n-1][1] = p
			continue
		}
		out = append(out, [2]int{p, p})
	}
	return out
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "\n...(内容过长，已截断)"
}
