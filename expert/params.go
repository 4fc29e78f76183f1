package expert

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Validation errors surfaced to callers as 4xx.
var (
	ErrUnknownTaskType = errors.New("unknown task type")
	ErrMissingParam    = errors.New("missing parameter")
	ErrInvalidParam    = errors.New("invalid parameter")
)

// stringParam returns the first non-empty string among keys.
func stringParam(params map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := params[k].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// intParam accepts JSON numbers, ints and numeric strings.
func intParam(params map[string]any, keys ...string) (int, bool) {
	for _, k := range keys {
		switch v := params[k].(type) {
		case int:
			return v, true
		case int64:
			return int(v), true
		case float64:
			return int(v), true
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// intListParam accepts a JSON array of numbers or a comma separated string.
func intListParam(params map[string]any, keys ...string) []int {
	for _, k := range keys {
		switch v := params[k].(type) {
		case []int:
			return v
		case []any:
			out := make([]int, 0, len(v))
			for _, item := range v {
				if n, ok := intParam(map[string]any{"v": item}, "v"); ok {
					out = append(out, n)
				}
			}
			return out
		case string:
			var out []int
			for _, part := range strings.Split(v, ",") {
				if n, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
					out = append(out, n)
				}
			}
			return out
		}
	}
	return nil
}

// mapParam returns a nested object parameter.
func mapParam(params map[string]any, key string) map[string]any {
	if m, ok := params[key].(map[string]any); ok {
		return m
	}
	return nil
}

func missing(name string) error {
	return fmt.Errorf("%w: %s", ErrMissingParam, name)
}

// decodeImageParam accepts a data URL or raw base64.
func decodeImageParam(s string) ([]byte, string, error) {
	mime := "image/png"
	if rest, ok := strings.CutPrefix(s, "data:"); ok {
		meta, payload, found := strings.Cut(rest, ",")
		if !found {
			return nil, "", fmt.Errorf("%w: malformed image data URL", ErrInvalidParam)
		}
		if m, _, _ := strings.Cut(meta, ";"); m != "" {
			mime = m
		}
		s = payload
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, "", fmt.Errorf("%w: image is not valid base64: %v", ErrInvalidParam, err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: image is empty", ErrInvalidParam)
	}
	return data, mime, nil
}

// truncateRunes cuts s to at most n runes, marking the cut with an ellipsis
// that counts toward n.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	if n <= 3 {
		return string([]rune(s)[:n])
	}
	return string([]rune(s)[:n-3]) + "..."
}
