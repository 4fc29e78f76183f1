package main

import (
	"fmt"
	"os"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// fixture is one canned reply.
type fixture struct {
	Status  int // 0 means 200 with Content as the assistant message
	Content string
}

// numberedFileRe matches "qwen-vl.1.txt", "deepseek.2.md".
var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.(txt|md)$`)

// statusLineRe matches a leading "HTTP 503" line.
var statusLineRe = regexp.MustCompile(`^HTTP (\d{3})\s*(?:\r?\n|$)`)

func parseFixture(data string) fixture {
	if m := statusLineRe.FindStringSubmatch(data); m != nil {
		status, _ := strconv.Atoi(m[1])
		return fixture{Status: status, Content: strings.TrimSpace(data[len(m[0]):])}
	}
	return fixture{Content: data}
}

// loadFixtures reads every .txt and .md file under dir and returns a map of
// model to fixture sequence. For each model numbered files come first in
// numeric order, then the base file as the repeating fallback.
func loadFixtures(dir string) (map[string][]fixture, error) {
	fsys := os.DirFS(dir)
	paths, err := doublestar.Glob(fsys, "**/*.{txt,md}")
	if err != nil {
		return nil, err
	}

	base := make(map[string]fixture)
	numbered := make(map[string]map[int]fixture)

	for _, p := range paths {
		data, err := os.ReadFile(dir + "/" + p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		fx := parseFixture(string(data))
		name := path.Base(p)

		if m := numberedFileRe.FindStringSubmatch(name); m != nil {
			index, _ := strconv.Atoi(m[2])
			if numbered[m[1]] == nil {
				numbered[m[1]] = make(map[int]fixture)
			}
			numbered[m[1]][index] = fx
			continue
		}
		base[strings.TrimSuffix(name, path.Ext(name))] = fx
	}

	fixtures := make(map[string][]fixture)
	for model, byIndex := range numbered {
		indices := make([]int, 0, len(byIndex))
		for idx := range byIndex {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		for _, idx := range indices {
			fixtures[model] = append(fixtures[model], byIndex[idx])
		}
	}
	for model, fx := range base {
		fixtures[model] = append(fixtures[model], fx)
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}
	return fixtures, nil
}
