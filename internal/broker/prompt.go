package broker

import (
	"fmt"
	"strings"

	"github.com/lingosub/lingosub/internal/plan"
	"github.com/lingosub/lingosub/internal/subtitle"
)

const (
	languageEnglish        = "English"
	languageEnglishUS      = "English (US)"
	languageEnglishUK      = "English (UK)"
	languageSpanishLatin   = "Spanish (Neutral Latin American)"
	languageSpanishSpain   = "Spanish (Spain)"
	languageSpanishNeutral = "Spanish (Neutral)"
)

var exactLanguageLabels = map[string]string{
	"en":    languageEnglish,
	"en-us": languageEnglishUS,
	"en-gb": languageEnglishUK,
	"es":    languageSpanishNeutral,
	"spa":   languageSpanishNeutral,
	"es-es": languageSpanishSpain,
	"ea":    languageSpanishLatin,
	"spl":   languageSpanishLatin,
}

// NormalizeLanguage takes user input (BCP-47-ish tags like "es", "es-MX",
// "es_419") and returns a normalized tag plus a human-friendly label better
// suited for prompts. Only a small set of common values is mapped; everything
// else falls back to the normalized tag.
func NormalizeLanguage(input string) (tag string, label string) {
	tag = strings.TrimSpace(input)
	tag = strings.ReplaceAll(tag, "_", "-")
	for strings.Contains(tag, "--") {
		tag = strings.ReplaceAll(tag, "--", "-")
	}
	if tag == "" {
		return "", ""
	}

	parts := strings.Split(tag, "-")
	parts[0] = strings.ToLower(parts[0])
	if len(parts) >= 2 {
		// Region is usually 2 letters or 3 digits.
		if len(parts[1]) == 2 {
			parts[1] = strings.ToUpper(parts[1])
		} else if len(parts[1]) == 3 {
			parts[1] = strings.ToLower(parts[1])
		}
	}
	tag = strings.Join(parts, "-")
	lower := strings.ToLower(tag)

	if label, ok := exactLanguageLabels[lower]; ok {
		return tag, label
	}
	if strings.HasPrefix(lower, "en-") {
		return tag, languageEnglish
	}
	if strings.HasPrefix(lower, "es-") {
		return tag, languageSpanishLatin
	}
	return tag, tag
}

func languageLabel(input string) string {
	_, label := NormalizeLanguage(input)
	if label == "" {
		label = input
	}
	return label
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// buildMessages assembles the system and user messages for an LLM provider.
// Context entries are included as read-only hints; extra is the caller's
// additional instruction text.
func buildMessages(workflow plan.Workflow, sourceLang, targetLang, extra, payload string, before, after []*subtitle.Entry) []chatMessage {
	system := "You are a subtitle translation engine. Output must follow the requested format exactly. Do not add commentary."
	if extra = strings.TrimSpace(extra); extra != "" {
		system += "\n" + extra
	}

	var b strings.Builder
	b.WriteString("Translate the following subtitles")
	if label := languageLabel(sourceLang); label != "" {
		b.WriteString(" from `" + label + "`")
	}
	b.WriteString(" to: `" + languageLabel(targetLang) + "`\n\nRules:\n")
	b.WriteString("- Output MUST contain the same number of items as the input.\n")
	b.WriteString("- Preserve idx values exactly and do not reorder.\n")
	switch workflow {
	case plan.WorkflowRebuildTimestamps:
		b.WriteString("- Keep the numbered format: a line with `N.` followed by the translated text, items separated by a blank line.\n")
		b.WriteString("- Do not output timestamps, markdown, code fences, or explanations.\n")
	case plan.WorkflowStructured:
		b.WriteString("- Output MUST be NDJSON: one JSON object per line (no surrounding array).\n")
		b.WriteString("- Each line MUST be valid JSON with exactly two keys: idx (number) and text (string).\n")
		b.WriteString("- Do not output markdown, code fences, headers, or explanations.\n")
		b.WriteString("\nExample:\nInput:\n{\"idx\":1,\"text\":\"Hello\\nworld\"}\nOutput:\n{\"idx\":1,\"text\":\"Hola\\nmundo\"}\n")
	case plan.WorkflowAITimestamps:
		b.WriteString("- Output MUST be NDJSON: one JSON object per line with keys idx, start, end, text.\n")
		b.WriteString("- Timestamps use HH:MM:SS.mmm. You may adjust them slightly to fit the translated reading speed; keep them ordered and non-overlapping.\n")
		b.WriteString("- Do not output markdown, code fences, headers, or explanations.\n")
	}

	if len(before) > 0 || len(after) > 0 {
		b.WriteString("\nContext (for reference only, do NOT translate or include in output):\n")
		for _, e := range before {
			fmt.Fprintf(&b, "[before %d] %s\n", e.Idx, oneLine(e.Text))
		}
		for _, e := range after {
			fmt.Fprintf(&b, "[after %d] %s\n", e.Idx, oneLine(e.Text))
		}
	}

	b.WriteString("\nInput:\n\n")
	b.WriteString(payload)
	b.WriteString("\n")

	return []chatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: b.String()},
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
