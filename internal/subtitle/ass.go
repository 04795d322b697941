package subtitle

import (
	"fmt"
	"strings"
)

// Field order of a Dialogue line: Layer (Marked for SSA), Start, End, Style,
// Name, MarginL, MarginR, MarginV, Effect, Text. The text itself may contain
// commas, so only the first nine commas delimit fields.
const assDialogueFields = 10

// parseASS parses ASS/SSA. Everything before and around the [Events] section
// except the Dialogue lines is preserved verbatim as the document header so
// styles survive re-serialization.
func parseASS(text string, format Format) (*Document, error) {
	doc := &Document{Format: format}
	candidates := 0
	malformed := 0
	var headerLines []string

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "Dialogue:") {
			headerLines = append(headerLines, line)
			continue
		}
		candidates++

		raw := strings.TrimSpace(strings.TrimPrefix(trimmed, "Dialogue:"))
		// Workaround for a tokenizer bug with empty Effect fields: insert a
		// single space after the ninth comma before splitting, and strip it
		// from the text afterwards.
		nine := nthComma(raw, 9)
		if nine < 0 {
			malformed++
			continue
		}
		raw = raw[:nine+1] + " " + raw[nine+1:]
		fields := strings.SplitN(raw, ",", assDialogueFields)

		start, okS := parseASSTime(fields[1])
		end, okE := parseASSTime(fields[2])
		if !okS || !okE || start > end {
			malformed++
			continue
		}

		content := CleanText(decodeASSText(strings.TrimPrefix(fields[9], " ")))
		if content == "" {
			continue
		}
		style := strings.Join([]string{
			strings.TrimSpace(fields[0]),
			fields[3], fields[4], fields[5], fields[6], fields[7], fields[8],
		}, ",")
		doc.Entries = append(doc.Entries, &Entry{Start: start, End: end, Text: content, Style: style})
	}
	doc.Skipped = malformed
	doc.Header = strings.TrimRight(strings.Join(headerLines, "\n"), "\n")

	if candidates > 0 && malformed*4 >= candidates {
		return nil, &ParseError{Kind: ParseMalformed, Detail: fmt.Sprintf("%d of %d dialogue lines are invalid", malformed, candidates)}
	}
	if len(doc.Entries) == 0 {
		return nil, &ParseError{Kind: ParseEmptyOrInvalid, Detail: "no dialogue lines found"}
	}
	return doc, nil
}

func serializeASS(doc *Document) string {
	var b strings.Builder
	if doc.Header != "" {
		b.WriteString(doc.Header)
		b.WriteByte('\n')
	}
	for _, e := range doc.Entries {
		style := e.Style
		if style == "" {
			style = "0,Default,,0,0,0,"
		}
		parts := strings.SplitN(style, ",", 7)
		for len(parts) < 7 {
			parts = append(parts, "")
		}
		fmt.Fprintf(&b, "Dialogue: %s,%s,%s,%s,%s\n",
			parts[0], formatASSTime(e.Start), formatASSTime(e.End),
			strings.Join(parts[1:], ","), encodeASSText(e.Text))
	}
	return b.String()
}

func nthComma(s string, n int) int {
	count := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			count++
			if count == n {
				return i
			}
		}
	}
	return -1
}
