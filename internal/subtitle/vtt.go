package subtitle

import (
	"fmt"
	"strings"
)

// parseVTT parses a WEBVTT file. NOTE/STYLE/REGION blocks before the first
// cue are preserved verbatim in the document header; cue identifiers are
// dropped (entries are renumbered on serialize).
func parseVTT(text string) (*Document, error) {
	blocks := splitBlocks(text)
	if len(blocks) == 0 || !strings.HasPrefix(strings.TrimSpace(blocks[0][0]), "WEBVTT") {
		return nil, &ParseError{Kind: ParseEmptyOrInvalid, Detail: "missing WEBVTT header"}
	}

	doc := &Document{Format: FormatVTT}
	candidates := 0
	malformed := 0
	var headerBlocks []string
	seenCue := false

	for bi, block := range blocks {
		timingLine := -1
		for i, line := range block {
			if strings.Contains(line, "-->") {
				timingLine = i
				break
			}
		}
		if timingLine < 0 {
			if bi == 0 {
				// The WEBVTT signature block itself; may carry extra header text.
				rest := strings.Join(block[1:], "\n")
				if strings.TrimSpace(rest) != "" {
					headerBlocks = append(headerBlocks, rest)
				}
				continue
			}
			if !seenCue {
				headerBlocks = append(headerBlocks, strings.Join(block, "\n"))
			}
			continue
		}
		candidates++
		seenCue = true

		start, end, ok := parseCueTiming(block[timingLine])
		if !ok {
			malformed++
			continue
		}
		content := CleanText(strings.Join(block[timingLine+1:], "\n"))
		if content == "" {
			continue
		}
		doc.Entries = append(doc.Entries, &Entry{Start: start, End: end, Text: content})
	}
	doc.Skipped = malformed
	doc.Header = strings.Join(headerBlocks, "\n\n")

	if candidates > 0 && malformed*4 >= candidates {
		return nil, &ParseError{Kind: ParseMalformed, Detail: fmt.Sprintf("%d of %d cues have invalid timestamps", malformed, candidates)}
	}
	if len(doc.Entries) == 0 {
		return nil, &ParseError{Kind: ParseEmptyOrInvalid, Detail: "no timing cues found"}
	}
	return doc, nil
}

func serializeVTT(doc *Document) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	if h := strings.TrimSpace(doc.Header); h != "" {
		b.WriteString(h)
		b.WriteString("\n\n")
	}
	for i, e := range doc.Entries {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n", i+1, formatVTTTime(e.Start), formatVTTTime(e.End), CleanText(e.Text))
		b.WriteByte('\n')
	}
	return b.String()
}
