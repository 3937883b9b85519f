package promptstream

import (
	"encoding/json"
	"strings"

	"productshot/internal/domain"
)

// MinSegmentLength is the shortest paragraph kept by the fallback pass.
const MinSegmentLength = 40

// Parse recovers prompts from model text in three passes: the whole text as
// JSON, then the interior of a markdown code fence (or the outermost JSON
// fragment), then paragraphs of at least MinSegmentLength characters. When
// no paragraph qualifies the whole text becomes a single prompt.
func Parse(text string) Result {
	res := Result{Raw: text}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		res.Mode = ModeEmpty
		return res
	}

	if prompts, ok := parseJSON(trimmed); ok {
		res.Prompts, res.Mode = prompts, ModeJSON
		return res
	}
	if inner, ok := fenceInterior(trimmed); ok {
		if prompts, ok := parseJSON(inner); ok {
			res.Prompts, res.Mode = prompts, ModeFenced
			return res
		}
	}
	if fragment := jsonFragment(trimmed); fragment != "" && fragment != trimmed {
		if prompts, ok := parseJSON(fragment); ok {
			res.Prompts, res.Mode = prompts, ModeFenced
			return res
		}
	}

	res.Prompts, res.Mode = paragraphs(trimmed), ModeParagraphs
	return res
}

func parseJSON(text string) ([]domain.Prompt, bool) {
	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil, false
	}
	var items []any
	switch v := doc.(type) {
	case []any:
		items = v
	case map[string]any:
		for _, key := range []string{"prompts", "items", "ideas"} {
			if list, ok := v[key].([]any); ok {
				items = list
				break
			}
		}
		if items == nil {
			if p, ok := promptFrom(v); ok {
				return []domain.Prompt{p}, true
			}
			return nil, false
		}
	default:
		return nil, false
	}

	prompts := make([]domain.Prompt, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				prompts = append(prompts, domain.Prompt{Prompt: s})
			}
		case map[string]any:
			if p, ok := promptFrom(v); ok {
				prompts = append(prompts, p)
			}
		}
	}
	return prompts, len(prompts) > 0
}

func promptFrom(obj map[string]any) (domain.Prompt, bool) {
	var p domain.Prompt
	p.Title = firstString(obj, "title", "name")
	p.Prompt = firstString(obj, "prompt", "text", "description", "content")
	return p, p.Prompt != ""
}

func firstString(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

// fenceInterior returns the body of the first ``` block. An unterminated
// fence, as left by a truncated stream, runs to the end of the text.
func fenceInterior(text string) (string, bool) {
	start := strings.Index(text, "```")
	if start < 0 {
		return "", false
	}
	rest := text[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 && !strings.ContainsAny(strings.TrimSpace(rest[:nl]), "{[") {
		rest = rest[nl+1:]
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	rest = strings.TrimSpace(rest)
	return rest, rest != ""
}

func jsonFragment(text string) string {
	start := strings.IndexAny(text, "{[")
	end := strings.LastIndexAny(text, "]}")
	if start < 0 || end < start {
		return ""
	}
	return strings.TrimSpace(text[start : end+1])
}

func paragraphs(text string) []domain.Prompt {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	segments := strings.Split(text, "\n\n")
	if len(segments) == 1 {
		segments = strings.Split(text, "\n")
	}

	var prompts []domain.Prompt
	for _, seg := range segments {
		seg = cleanSegment(seg)
		if len(seg) >= MinSegmentLength {
			prompts = append(prompts, domain.Prompt{Prompt: seg})
		}
	}
	if len(prompts) == 0 {
		whole := cleanSegment(text)
		if whole == "" {
			whole = strings.TrimSpace(text)
		}
		prompts = []domain.Prompt{{Prompt: whole}}
	}
	return prompts
}

func cleanSegment(seg string) string {
	seg = strings.TrimSpace(strings.ReplaceAll(seg, "```", ""))
	seg = strings.TrimLeft(seg, "-*• ")
	// "1." / "2)" list markers
	if i := strings.IndexAny(seg, ".)"); i > 0 && i <= 3 && isDigits(seg[:i]) {
		seg = seg[i+1:]
	}
	seg = strings.TrimSpace(seg)
	seg = strings.Trim(seg, `"`)
	return strings.Join(strings.Fields(seg), " ")
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
