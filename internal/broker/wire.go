package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lingosub/lingosub/internal/plan"
	"github.com/lingosub/lingosub/internal/subtitle"
)

// Wire formats, one per workflow:
//
//   rebuild-timestamps: numbered plain-text blocks separated by blank lines.
//     1.
//     Hello
//     world
//
//     2.
//     How are you?
//
//   structured: NDJSON, one object per line.
//     {"idx":1,"text":"Hello\nworld"}
//
//   ai-timestamps: NDJSON with timestamps the model may adjust.
//     {"idx":1,"start":"00:00:01.000","end":"00:00:02.000","text":"Hello"}

const abbreviationMax = 250

var errNoItemsParsed = errors.New("no translated items parsed")

// TranslatedEntry is one translated item as returned by a provider.
// HasTiming is set only by the ai-timestamps workflow.
type TranslatedEntry struct {
	Idx       int
	Start     time.Duration
	End       time.Duration
	HasTiming bool
	Text      string
}

type wireItem struct {
	Idx   int    `json:"idx"`
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
	Text  string `json:"text"`
}

// EncodeBatch renders the payload for one batch in the workflow's wire
// format. Carriage returns are normalized away before encoding.
func EncodeBatch(workflow plan.Workflow, batch plan.Batch) (string, error) {
	switch workflow {
	case plan.WorkflowRebuildTimestamps:
		return encodeNumbered(batch.Entries), nil
	case plan.WorkflowStructured, plan.WorkflowAITimestamps:
		return encodeNDJSON(workflow, batch.Entries)
	}
	return "", fmt.Errorf("unknown workflow %q", workflow)
}

func encodeNumbered(entries []*subtitle.Entry) string {
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%d.\n%s", e.Idx, normalizeNewlines(e.Text))
	}
	return b.String()
}

func encodeNDJSON(workflow plan.Workflow, entries []*subtitle.Entry) (string, error) {
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		item := wireItem{Idx: e.Idx, Text: normalizeNewlines(e.Text)}
		if workflow == plan.WorkflowAITimestamps {
			item.Start = subtitle.FormatTimestamp(e.Start)
			item.End = subtitle.FormatTimestamp(e.End)
		}
		enc, err := json.Marshal(item)
		if err != nil {
			return "", err
		}
		b.Write(enc)
	}
	return b.String(), nil
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

// DecodeBatch parses a provider's output for the workflow, tolerating code
// fences, surrounding prose and mildly broken JSON.
func DecodeBatch(workflow plan.Workflow, out string) ([]TranslatedEntry, error) {
	out = stripCodeFences(normalizeNewlines(out))
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, errors.New("empty translation output")
	}
	switch workflow {
	case plan.WorkflowRebuildTimestamps:
		return decodeNumbered(out)
	case plan.WorkflowStructured, plan.WorkflowAITimestamps:
		return decodeNDJSON(workflow, out)
	}
	return nil, fmt.Errorf("unknown workflow %q", workflow)
}

func decodeNumbered(out string) ([]TranslatedEntry, error) {
	var res []TranslatedEntry
	var cur *TranslatedEntry
	flush := func() {
		if cur != nil {
			cur.Text = strings.TrimSpace(cur.Text)
			res = append(res, *cur)
			cur = nil
		}
	}
	for _, line := range strings.Split(out, "\n") {
		if idx, rest, ok := parseItemMarker(line); ok {
			flush()
			cur = &TranslatedEntry{Idx: idx, Text: rest}
			continue
		}
		if cur == nil {
			// Leading prose before the first marker.
			continue
		}
		if cur.Text != "" {
			cur.Text += "\n"
		}
		cur.Text += line
	}
	flush()
	if len(res) == 0 {
		return nil, errNoItemsParsed
	}
	return res, nil
}

// parseItemMarker matches "N.", "N)", "N:" or "#N" markers, with optional
// text on the same line.
func parseItemMarker(line string) (idx int, rest string, ok bool) {
	s := strings.TrimSpace(line)
	s = strings.TrimPrefix(s, "#")
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 || i >= len(s) {
		return 0, "", false
	}
	switch s[i] {
	case '.', ')', ':':
	default:
		return 0, "", false
	}
	n, err := strconv.Atoi(s[:i])
	if err != nil || n <= 0 {
		return 0, "", false
	}
	return n, strings.TrimSpace(s[i+1:]), true
}

func decodeNDJSON(workflow plan.Workflow, out string) ([]TranslatedEntry, error) {
	if strings.HasPrefix(out, "[") {
		var items []wireItem
		if err := json.Unmarshal([]byte(out), &items); err == nil {
			return itemsToEntries(workflow, items)
		}
	}

	// Extract balanced JSON objects; tolerates objects that are not strictly
	// one per line.
	if segs := extractJSONObjects(out); len(segs) > 0 {
		items := make([]wireItem, 0, len(segs))
		salvaged := false
		for i, seg := range segs {
			var it wireItem
			if err := json.Unmarshal([]byte(seg), &it); err != nil {
				// Most common model mistake: unescaped quotes in text.
				repaired, ok := repairWireObject(seg)
				if !ok {
					return nil, fmt.Errorf("invalid json object #%d: %w (obj=%q)", i+1, err, abbreviate(seg, abbreviationMax))
				}
				it = repaired
				salvaged = true
			}
			items = append(items, it)
		}
		if salvaged {
			slog.Debug("salvaged invalid json objects in translation output", "items", len(items))
		}
		return itemsToEntries(workflow, items)
	}

	// Diagnostic pass: line-by-line NDJSON gives the most actionable error.
	for lineNo, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var it wireItem
		if err := json.Unmarshal([]byte(line), &it); err != nil {
			return nil, fmt.Errorf("invalid json line %d: %w (line=%q)", lineNo+1, err, abbreviate(line, abbreviationMax))
		}
	}
	return nil, errNoItemsParsed
}

func itemsToEntries(workflow plan.Workflow, items []wireItem) ([]TranslatedEntry, error) {
	res := make([]TranslatedEntry, 0, len(items))
	for _, it := range items {
		if it.Idx <= 0 {
			return nil, fmt.Errorf("invalid idx in item: %d", it.Idx)
		}
		e := TranslatedEntry{Idx: it.Idx, Text: it.Text}
		if workflow == plan.WorkflowAITimestamps {
			if it.Start == "" || it.End == "" {
				return nil, fmt.Errorf("item %d is missing timestamps", it.Idx)
			}
			start, err := subtitle.ParseTimestamp(it.Start)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", it.Idx, err)
			}
			end, err := subtitle.ParseTimestamp(it.End)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", it.Idx, err)
			}
			if start > end {
				return nil, fmt.Errorf("item %d: start %s after end %s", it.Idx, it.Start, it.End)
			}
			e.Start, e.End, e.HasTiming = start, end, true
		}
		res = append(res, e)
	}
	if len(res) == 0 {
		return nil, errNoItemsParsed
	}
	return res, nil
}

// extractJSONObjects returns the balanced top-level {...} segments of s,
// honoring JSON string escaping.
func extractJSONObjects(s string) []string {
	var res []string
	inStr := false
	esc := false
	depth := 0
	start := -1
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			if esc {
				esc = false
				continue
			}
			if c == '\\' {
				esc = true
				continue
			}
			if c == '"' {
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					res = append(res, strings.TrimSpace(s[start:i+1]))
					start = -1
				}
			}
		}
	}
	return res
}

// repairWireObject recovers idx/text (and timestamps when present) from an
// almost-JSON object whose text string contains unescaped double quotes.
func repairWireObject(obj string) (wireItem, bool) {
	idx, ok := extractIntField(obj, "idx")
	if !ok || idx <= 0 {
		return wireItem{}, false
	}
	text, ok := extractStringFieldBestEffort(obj, "text")
	if !ok {
		return wireItem{}, false
	}
	it := wireItem{Idx: idx, Text: text}
	if start, ok := extractStringFieldBestEffort(obj, "start"); ok {
		it.Start = start
	}
	if end, ok := extractStringFieldBestEffort(obj, "end"); ok {
		it.End = end
	}
	return it, true
}

func extractIntField(obj, name string) (int, bool) {
	key := `"` + name + `"`
	pos := strings.Index(obj, key)
	if pos < 0 {
		return 0, false
	}
	colon := strings.IndexByte(obj[pos:], ':')
	if colon < 0 {
		return 0, false
	}
	p := pos + colon + 1
	for p < len(obj) && isJSONSpace(obj[p]) {
		p++
	}
	start := p
	if p < len(obj) && obj[p] == '-' {
		p++
	}
	for p < len(obj) && obj[p] >= '0' && obj[p] <= '9' {
		p++
	}
	n, err := strconv.Atoi(obj[start:p])
	if err != nil {
		return 0, false
	}
	return n, true
}

// extractStringFieldBestEffort reads a JSON string value whose closing quote
// is identified structurally: a quote followed by '}' or by ',"' (the next
// key). Any other quote is treated as unescaped content and re-escaped.
func extractStringFieldBestEffort(obj, name string) (string, bool) {
	key := `"` + name + `"`
	pos := strings.Index(obj, key)
	if pos < 0 {
		return "", false
	}
	colon := strings.IndexByte(obj[pos+len(key):], ':')
	if colon < 0 {
		return "", false
	}
	q := pos + len(key) + colon + 1
	for q < len(obj) && isJSONSpace(obj[q]) {
		q++
	}
	if q >= len(obj) || obj[q] != '"' {
		return "", false
	}
	q++

	var raw strings.Builder
	for q < len(obj) {
		c := obj[q]
		if c == '\\' {
			raw.WriteByte(c)
			q++
			if q < len(obj) {
				raw.WriteByte(obj[q])
				q++
			}
			continue
		}
		if c == '"' {
			k := q + 1
			for k < len(obj) && isJSONSpace(obj[k]) {
				k++
			}
			if k >= len(obj) || obj[k] == '}' {
				break
			}
			if obj[k] == ',' {
				k2 := k + 1
				for k2 < len(obj) && isJSONSpace(obj[k2]) {
					k2++
				}
				if k2 < len(obj) && obj[k2] == '"' {
					break
				}
			}
			raw.WriteString(`\"`)
			q++
			continue
		}
		raw.WriteByte(c)
		q++
	}
	if q >= len(obj) {
		return "", false
	}

	var decoded string
	if err := json.Unmarshal([]byte(`"`+raw.String()+`"`), &decoded); err != nil {
		return "", false
	}
	return decoded, true
}

func isJSONSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:]
	}
	if j := strings.LastIndex(s, "```"); j >= 0 {
		s = s[:j]
	}
	return s
}

func abbreviate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// checkShape verifies the decoded entries cover exactly the requested
// indices. Duplicate indices count as extras.
func checkShape(provider ProviderID, requested []int, got []TranslatedEntry) *ProviderError {
	want := make(map[int]bool, len(requested))
	for _, idx := range requested {
		want[idx] = true
	}
	seen := make(map[int]bool, len(got))
	var extra []int
	for _, e := range got {
		if !want[e.Idx] || seen[e.Idx] {
			extra = append(extra, e.Idx)
			continue
		}
		seen[e.Idx] = true
	}
	var missing []int
	for _, idx := range requested {
		if !seen[idx] {
			missing = append(missing, idx)
		}
	}
	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}
	sort.Ints(missing)
	sort.Ints(extra)
	return &ProviderError{
		Kind:     ShapeMismatch,
		Provider: provider,
		Missing:  missing,
		Extra:    extra,
	}
}
