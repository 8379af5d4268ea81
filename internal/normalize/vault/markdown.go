package vault

import (
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

const descriptionLimit = 150

var (
	inlineTagPattern = regexp.MustCompile(`(?:^|\s)#([a-zA-Z][a-zA-Z0-9_-]*)\b`)

	// applied in order
	markdownStrips = []struct {
		re   *regexp.Regexp
		repl string
	}{
		{regexp.MustCompile(`(?m)^#{1,6}\s+.*$`), ""},
		{regexp.MustCompile(`\[\[([^\]|]+)(?:\|[^\]]+)?\]\]`), "${1}"},
		{regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`), ""},
		{regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`), "${1}"},
		{regexp.MustCompile("```[\\s\\S]*?```"), ""},
		{regexp.MustCompile("`[^`]+`"), ""},
		{regexp.MustCompile(`\*\*([^*]+)\*\*`), "${1}"},
		{regexp.MustCompile(`\*([^*]+)\*`), "${1}"},
		{regexp.MustCompile(`__([^_]+)__`), "${1}"},
		{regexp.MustCompile(`_([^_]+)_`), "${1}"},
		{regexp.MustCompile(`(?m)^>\s*`), ""},
		{regexp.MustCompile(`(?m)^---+$`), ""},
		{regexp.MustCompile(`(?m)^\*\*\*+$`), ""},
	}
	whitespace = regexp.MustCompile(`\s+`)
)

// extractInlineTags returns the distinct lowercase #tags of body.
func extractInlineTags(body string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, m := range inlineTagPattern.FindAllStringSubmatch(body, -1) {
		tag := strings.ToLower(m[1])
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

// mergeTags lowercases, trims and deduplicates existing and inline tags and
// returns them sorted.
func mergeTags(existing, inline []string) []string {
	set := make(map[string]struct{}, len(existing)+len(inline))
	for _, t := range existing {
		set[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	for _, t := range inline {
		set[t] = struct{}{}
	}
	delete(set, "")

	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// titleFromFilename turns "my-first_note.md" into "My First Note".
func titleFromFilename(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	name = strings.NewReplacer("-", " ", "_", " ").Replace(name)
	return titleCase(name)
}

// titleCase upper-cases every letter that follows a non-letter and
// lower-cases the rest.
func titleCase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			if prevLetter {
				b.WriteRune(unicode.ToLower(r))
			} else {
				b.WriteRune(unicode.ToTitle(r))
			}
			prevLetter = true
			continue
		}
		b.WriteRune(r)
		prevLetter = false
	}
	return b.String()
}

// generateDescription strips markdown from body and returns its first
// sentence-bounded 150 characters. It returns "" when no text remains.
func generateDescription(body string) string {
	text := strings.TrimSpace(body)
	if text == "" {
		return ""
	}
	for _, s := range markdownStrips {
		text = s.re.ReplaceAllString(text, s.repl)
	}
	text = strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
	if text == "" {
		return ""
	}
	return truncateAtBoundary(text, descriptionLimit)
}

// truncateAtBoundary cuts text to limit characters, preferring to end after
// a period or at a space in the last 40% of the window.
func truncateAtBoundary(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}

	cut := runes[:limit]
	threshold := limit * 6 / 10
	lastPeriod, lastSpace := -1, -1
	for i, r := range cut {
		switch r {
		case '.':
			lastPeriod = i
		case ' ':
			lastSpace = i
		}
	}
	switch {
	case lastPeriod > threshold:
		return string(cut[:lastPeriod+1])
	case lastSpace > threshold:
		return string(cut[:lastSpace]) + "..."
	default:
		return string(cut) + "..."
	}
}
