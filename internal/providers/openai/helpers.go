package openai

import (
	"fmt"
	"strings"

	"productshot/internal/domain"
	"productshot/internal/providers"
)

var chatModelCanonical = map[string]string{
	"gpt-4o-mini": "gpt-4o-mini",
	"gpt-4o":      "gpt-4o",
	"gpt-4.1":     "gpt-4.1",
}

var chatModelAliases = map[string]string{
	"gpt4o-mini":             "gpt-4o-mini",
	"gpt4omini":              "gpt-4o-mini",
	"gpt-4o-mini-2024-07-18": "gpt-4o-mini",
	"gpt4o":                  "gpt-4o",
	"gpt-41":                 "gpt-4.1",
}

func normalizeChatModel(name string) (string, string) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return defaultChatModel, ""
	}
	normalized := strings.ToLower(trimmed)
	normalized = strings.ReplaceAll(normalized, "_", "-")
	normalized = strings.ReplaceAll(normalized, " ", "-")
	if canonical, ok := chatModelCanonical[normalized]; ok {
		return canonical, ""
	}
	if alias, ok := chatModelAliases[normalized]; ok {
		return alias, "alias"
	}
	return defaultChatModel, "defaulted"
}

func buildAnalysisPrompt(req providers.AnalysisRequest) string {
	sb := &strings.Builder{}
	sb.WriteString("Analyze the product in the attached photo for a marketing shoot. Respond strictly with JSON matching this schema: ")
	sb.WriteString(`{"product":string,"category":string,"materials":string[],"colors":string[],"camera_angles":string[],"lighting":string,"backgrounds":string[],"props":string[],"mood":string}`)
	fmt.Fprintf(sb, ". Use locale '%s' for free text. Seller notes: %q.", coalesce(req.Locale, "en"), req.Notes)
	return sb.String()
}

func buildPromptSynthesis(req providers.PromptRequest) string {
	count := req.Count
	if count < 1 {
		count = 1
	}
	sb := &strings.Builder{}
	fmt.Fprintf(sb, "Write %d distinct image generation prompts for the product described by this blueprint. ", count)
	sb.WriteString(`Respond with a JSON array only: [{"title":string,"prompt":string}]. `)
	if req.Style != "" {
		fmt.Fprintf(sb, "Visual style: %q. ", req.Style)
	}
	fmt.Fprintf(sb, "Blueprint: %s", req.Blueprint)
	return sb.String()
}

func buildImagePrompt(req providers.ImageRequest) string {
	sb := &strings.Builder{}
	sb.WriteString(strings.TrimSpace(req.Prompt))
	if req.ImageURL != "" {
		fmt.Fprintf(sb, "\nKeep the product identical to the one in %s.", req.ImageURL)
	}
	if req.ReferenceURL != "" {
		fmt.Fprintf(sb, "\nMatch the lighting, palette and composition of %s.", req.ReferenceURL)
	}
	return sb.String()
}

func imageSize(aspect string) string {
	switch aspect {
	case "3:4", "9:16":
		return "1024x1536"
	case "4:3", "16:9":
		return "1536x1024"
	default:
		return "1024x1024"
	}
}

func imageQuality(resolution string, turbo bool) string {
	if turbo {
		return "low"
	}
	switch resolution {
	case domain.Resolution2K, domain.Resolution4K:
		return "high"
	default:
		return "medium"
	}
}

func coalesce(values ...string) string {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			return v
		}
	}
	return ""
}

func extractJSONFragment(raw string) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ""
	}
	text = trimCodeFence(text)
	start := strings.IndexAny(text, "{[")
	end := strings.LastIndexAny(text, "]}")
	if start >= 0 && end >= start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

func trimCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```JSON")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}
