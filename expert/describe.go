package expert

import (
	"fmt"
	"strings"
)

// maxDescribedFilename bounds the filename shown in task descriptions.
const maxDescribedFilename = 25

// displayName strips the .pdf extension and truncates long names.
func displayName(filename string) string {
	name := filename
	if strings.HasSuffix(strings.ToLower(name), ".pdf") {
		name = name[:len(name)-len(".pdf")]
	}
	return truncateRunes(name, maxDescribedFilename)
}

// Describe builds the human description shown for an active task.
func Describe(taskType string, params map[string]any) string {
	file := displayName(stringParam(params, "filename"))
	page, hasPage := intParam(params, "pageNumber", "page_number", "page")

	onPage := func(action string) string {
		switch {
		case file != "" && hasPage:
			return fmt.Sprintf("%s %s 第%d页", action, file, page)
		case file != "":
			return fmt.Sprintf("%s %s", action, file)
		default:
			return action
		}
	}

	switch taskType {
	case TypeGenerateAnnotation:
		return onPage("生成注释")
	case TypeImproveAnnotation:
		return onPage("改进注释")
	case TypeVisionAnnotation:
		return onPage("视觉识别注释")
	case TypeGenerateNote:
		return onPage("生成笔记")
	case TypeGenerateSegmentedNote:
		start, ok := intParam(params, "startPage", "start_page")
		if !ok {
			start = 1
		}
		count, ok := intParam(params, "pageCount", "page_count")
		if !ok || count <= 0 || count > maxSegmentPages {
			count = maxSegmentPages
		}
		if file == "" {
			return fmt.Sprintf("分段笔记 第%d-%d页", start, start+count-1)
		}
		return fmt.Sprintf("分段笔记 %s 第%d-%d页", file, start, start+count-1)
	case TypeImproveNote, TypeImprovePDFNote:
		return onPage("改进笔记")
	case TypeGenerateBoardNote:
		return "生成展板笔记"
	case TypeImproveBoardNote:
		return "改进展板笔记"
	case TypeAnswerQuestion:
		q := strings.TrimSpace(stringParam(params, "question", "query"))
		if q == "" {
			return "回答问题"
		}
		return "回答问题: " + truncateRunes(q, maxDescribedFilename)
	case TypeProcessImage:
		return onPage("识别图片")
	default:
		return taskType
	}
}
