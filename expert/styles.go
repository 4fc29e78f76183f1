package expert

import (
	"fmt"
	"strings"
)

// Style selects how page annotations are phrased.
type Style string

// Annotation styles.
const (
	StyleKeywords    Style = "keywords"
	StyleTranslation Style = "translation"
	StyleDetailed    Style = "detailed"
	StyleCustom      Style = "custom"
)

// DefaultStyle is used by new experts.
const DefaultStyle = StyleDetailed

// AvailableStyles describes every style for the annotation-style endpoint.
var AvailableStyles = map[Style]string{
	StyleKeywords:    "关键词注释：提取页面核心概念与术语，附简短解释",
	StyleTranslation: "翻译注释：将页面内容翻译为中文并保留术语原文",
	StyleDetailed:    "详细注释：逐段讲解页面内容、推导与例子",
	StyleCustom:      "自定义注释：使用用户提供的提示词",
}

// ParseStyle validates a style name.
func ParseStyle(s string) (Style, error) {
	st := Style(strings.TrimSpace(strings.ToLower(s)))
	if _, ok := AvailableStyles[st]; !ok {
		return "", fmt.Errorf("%w: unknown annotation style %q", ErrInvalidParam, s)
	}
	return st, nil
}

// StyleConfig is a board's annotation style setting.
type StyleConfig struct {
	Style        Style  `json:"annotation_style"`
	CustomPrompt string `json:"custom_prompt"`
}

// Validate rejects a custom style without a prompt.
func (c StyleConfig) Validate() error {
	if _, ok := AvailableStyles[c.Style]; !ok {
		return fmt.Errorf("%w: unknown annotation style %q", ErrInvalidParam, c.Style)
	}
	if c.Style == StyleCustom && strings.TrimSpace(c.CustomPrompt) == "" {
		return fmt.Errorf("%w: custom style requires custom_prompt", ErrInvalidParam)
	}
	return nil
}

// instruction is the style-specific part of the annotation prompt.
func (c StyleConfig) instruction() string {
	switch c.Style {
	case StyleKeywords:
		return `请以"关键词注释"的方式处理本页：
- 列出本页 5-10 个核心关键词或术语
- 每个关键词给出一到两句简明解释
- 最后用一句话概括本页主旨`
	case StyleTranslation:
		return `请以"翻译注释"的方式处理本页：
- 将本页内容完整、准确地翻译为中文
- 专业术语保留原文并在括号中给出中文
- 公式与符号保持原样`
	case StyleCustom:
		return c.CustomPrompt
	default:
		return `请以"详细注释"的方式处理本页：
- 先概括本页主题
- 逐段解释关键概念、定义、定理与推导
- 对难点给出直观解释或例子
- 使用 Markdown 组织结构`
	}
}

// SetAnnotationStyle replaces the board's style.
func (x *Expert) SetAnnotationStyle(style Style, customPrompt string) error {
	cfg := StyleConfig{Style: style, CustomPrompt: customPrompt}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if style != StyleCustom {
		cfg.CustomPrompt = ""
	}
	x.styleMu.Lock()
	x.style = cfg
	x.styleMu.Unlock()
	x.logger.Info("Annotation style updated", "style", style)
	return nil
}

// AnnotationStyle returns the board's current style.
func (x *Expert) AnnotationStyle() StyleConfig {
	x.styleMu.RLock()
	defer x.styleMu.RUnlock()
	return x.style
}

// withStyle runs fn under the style for one call: override when given,
// otherwise a snapshot of the board's setting. An override only reaches fn;
// the board's setting is never written.
func (x *Expert) withStyle(override *StyleConfig, fn func(StyleConfig) error) error {
	if override == nil {
		return fn(x.AnnotationStyle())
	}
	if err := override.Validate(); err != nil {
		return err
	}
	return fn(*override)
}

// styleOverride reads the optional per-call style params.
func styleOverride(params map[string]any) (*StyleConfig, error) {
	name := stringParam(params, "annotation_style", "annotationStyle")
	if name == "" {
		return nil, nil
	}
	st, err := ParseStyle(name)
	if err != nil {
		return nil, err
	}
	return &StyleConfig{Style: st, CustomPrompt: stringParam(params, "custom_prompt", "customPrompt")}, nil
}
