package subtitle

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

// Format identifies the container format of a subtitle document.
type Format string

const (
	FormatSRT Format = "srt"
	FormatVTT Format = "vtt"
	FormatASS Format = "ass"
	FormatSSA Format = "ssa"
)

// ParseFormat maps a user-supplied format name (or file extension) to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(s, "."))) {
	case "srt":
		return FormatSRT, nil
	case "vtt", "webvtt":
		return FormatVTT, nil
	case "ass":
		return FormatASS, nil
	case "ssa":
		return FormatSSA, nil
	default:
		return "", fmt.Errorf("unsupported subtitle format %q", s)
	}
}

// Entry is one timed cue. Idx is 1-based and is the alignment key for the
// whole pipeline: translations are matched back to their source cue by Idx.
type Entry struct {
	Idx   int
	Start time.Duration
	End   time.Duration
	Text  string

	// Style carries format-specific fields (ASS dialogue prefix fields) that
	// must survive re-serialization. Opaque to everything but the serializer.
	Style string
}

// Document is a parsed subtitle file: an opaque header plus ordered entries.
type Document struct {
	Format  Format
	Header  string
	Entries []*Entry

	// Skipped counts malformed cues dropped during parse.
	Skipped int
}

type ParseErrorKind int

const (
	// ParseEmptyOrInvalid: no usable timing cues at all, or a required header
	// (WEBVTT) is missing.
	ParseEmptyOrInvalid ParseErrorKind = iota
	// ParseMalformed: 25% or more of the candidate cues had broken timestamps.
	ParseMalformed
)

type ParseError struct {
	Kind   ParseErrorKind
	Detail string
}

func (e *ParseError) Error() string {
	switch e.Kind {
	case ParseMalformed:
		return "malformed subtitle: " + e.Detail
	default:
		return "empty or invalid subtitle: " + e.Detail
	}
}

// Parse tokenizes data into a Document. Input is treated as UTF-8 with BOM
// tolerance; line endings are normalized to LF before parsing.
func Parse(data []byte, format Format) (*Document, error) {
	text := normalizeInput(data)
	var doc *Document
	var err error
	switch format {
	case FormatSRT:
		doc, err = parseSRT(text)
	case FormatVTT:
		doc, err = parseVTT(text)
	case FormatASS, FormatSSA:
		doc, err = parseASS(text, format)
	default:
		return nil, &ParseError{Kind: ParseEmptyOrInvalid, Detail: fmt.Sprintf("unknown format %q", format)}
	}
	if err != nil {
		return nil, err
	}
	if err := ValidateSequentialIdx(doc.Entries); err != nil {
		Reindex(doc.Entries)
	}
	return doc, nil
}

// Serialize re-emits doc in its own format. Output always ends with a single
// trailing LF, and runs of three or more blank lines are collapsed to two.
func Serialize(doc *Document) []byte {
	var out string
	switch doc.Format {
	case FormatVTT:
		out = serializeVTT(doc)
	case FormatASS, FormatSSA:
		out = serializeASS(doc)
	default:
		out = serializeSRT(doc)
	}
	return finalizeOutput(out)
}

func normalizeInput(data []byte) string {
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	s := string(data)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return s
}

var blankRunPattern = strings.Repeat("\n", 4)

func finalizeOutput(s string) []byte {
	for strings.Contains(s, blankRunPattern) {
		s = strings.ReplaceAll(s, blankRunPattern, "\n\n\n")
	}
	s = strings.TrimRight(s, "\n") + "\n"
	return []byte(s)
}

func CleanText(text string) string { return strings.Trim(text, "\n ") }

// ValidateSequentialIdx ensures entry indexes start at 1 and are sequential
// by slice order.
func ValidateSequentialIdx(entries []*Entry) error {
	for i, e := range entries {
		if e == nil {
			return fmt.Errorf("nil entry at position %d", i+1)
		}
		if e.Idx != i+1 {
			return fmt.Errorf("invalid entry index at position %d: expected %d, got %d", i+1, i+1, e.Idx)
		}
	}
	return nil
}

// Reindex updates entry indexes in-place to be sequential starting at 1.
func Reindex(entries []*Entry) {
	for i, e := range entries {
		if e == nil {
			continue
		}
		e.Idx = i + 1
	}
}

// Clone returns a deep copy of doc. The orchestrator mutates a clone so the
// parsed source document stays untouched for alignment checks.
func (d *Document) Clone() *Document {
	nd := &Document{Format: d.Format, Header: d.Header, Skipped: d.Skipped}
	nd.Entries = make([]*Entry, 0, len(d.Entries))
	for _, e := range d.Entries {
		ne := *e
		nd.Entries = append(nd.Entries, &ne)
	}
	return nd
}
