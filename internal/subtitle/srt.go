package subtitle

import (
	"fmt"
	"strconv"
	"strings"
)

// parseSRT splits the input into blank-line separated blocks. Every block
// containing a "-->" line is a candidate cue; candidates with a broken
// timestamp are skipped and counted against the malformed threshold.
func parseSRT(text string) (*Document, error) {
	doc := &Document{Format: FormatSRT}
	candidates := 0
	malformed := 0

	for _, block := range splitBlocks(text) {
		timingLine := -1
		for i, line := range block {
			if strings.Contains(line, "-->") {
				timingLine = i
				break
			}
		}
		if timingLine < 0 {
			continue
		}
		candidates++

		start, end, ok := parseCueTiming(block[timingLine])
		if !ok {
			malformed++
			continue
		}

		idx := 0
		if timingLine > 0 {
			if n, err := strconv.Atoi(strings.TrimSpace(block[timingLine-1])); err == nil {
				idx = n
			}
		}
		content := CleanText(strings.Join(block[timingLine+1:], "\n"))
		if content == "" {
			continue // empty cue
		}
		doc.Entries = append(doc.Entries, &Entry{Idx: idx, Start: start, End: end, Text: content})
	}
	doc.Skipped = malformed

	if candidates > 0 && malformed*4 >= candidates {
		return nil, &ParseError{Kind: ParseMalformed, Detail: fmt.Sprintf("%d of %d cues have invalid timestamps", malformed, candidates)}
	}
	if len(doc.Entries) == 0 {
		return nil, &ParseError{Kind: ParseEmptyOrInvalid, Detail: "no timing cues found"}
	}
	return doc, nil
}

func serializeSRT(doc *Document) string {
	var b strings.Builder
	for i, e := range doc.Entries {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n", i+1, formatSRTTime(e.Start), formatSRTTime(e.End), CleanText(e.Text))
		b.WriteByte('\n')
	}
	return b.String()
}

// splitBlocks splits normalized text into blocks separated by blank lines.
func splitBlocks(text string) [][]string {
	var blocks [][]string
	var cur []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			if len(cur) > 0 {
				blocks = append(blocks, cur)
				cur = nil
			}
			continue
		}
		cur = append(cur, line)
	}
	if len(cur) > 0 {
		blocks = append(blocks, cur)
	}
	return blocks
}
