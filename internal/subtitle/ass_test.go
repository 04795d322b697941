package subtitle

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

const sampleASS = `[Script Info]
Title: Sample
ScriptType: v4.00+

[V4+ Styles]
Format: Name, Fontname, Fontsize
Style: Default,Arial,20

[Events]
Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text
Dialogue: 0,0:00:01.00,0:00:02.00,Default,,0,0,0,,{\i1}Hello{\i0} there
Dialogue: 0,0:00:02.50,0:00:03.50,Default,,0,0,0,,First\NSecond, with comma
Dialogue: 0,0:00:04.00,0:00:05.00,Default,,0,0,0,,{laughs} plain braces
`

func TestParseASS_Basic(t *testing.T) {
	doc, err := Parse([]byte(sampleASS), FormatASS)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(doc.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(doc.Entries))
	}
	if doc.Entries[0].Text != "Hello there" {
		t.Fatalf("override tags should be stripped, got %q", doc.Entries[0].Text)
	}
	if doc.Entries[1].Text != "First\nSecond, with comma" {
		t.Fatalf("\\N and embedded commas mishandled, got %q", doc.Entries[1].Text)
	}
	if doc.Entries[2].Text != "{laughs} plain braces" {
		t.Fatalf("plain braces must be preserved, got %q", doc.Entries[2].Text)
	}
	if doc.Entries[0].Start != time.Second || doc.Entries[1].Start != 2500*time.Millisecond {
		t.Fatalf("centisecond timestamps mishandled: %v, %v", doc.Entries[0].Start, doc.Entries[1].Start)
	}
	if !strings.Contains(doc.Header, "[V4+ Styles]") {
		t.Fatalf("expected styles preserved in header")
	}
}

func TestParseASS_DrawingStripped(t *testing.T) {
	input := "[Events]\nFormat: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text\n" +
		"Dialogue: 0,0:00:01.00,0:00:02.00,Default,,0,0,0,,{\\p1}m 0 0 l 100 0{\\p0}Visible\n"
	doc, err := Parse([]byte(input), FormatASS)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if doc.Entries[0].Text != "Visible" {
		t.Fatalf("drawing commands should be stripped, got %q", doc.Entries[0].Text)
	}
}

func TestParseASS_HardSpace(t *testing.T) {
	input := "[Events]\nFormat: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text\n" +
		"Dialogue: 0,0:00:01.00,0:00:02.00,Default,,0,0,0,,A\\hB\n"
	doc, err := Parse([]byte(input), FormatASS)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if doc.Entries[0].Text != "A B" {
		t.Fatalf("\\h should become a space, got %q", doc.Entries[0].Text)
	}
}

func TestSerializeASS_RoundTripIdempotent(t *testing.T) {
	doc, err := Parse([]byte(sampleASS), FormatASS)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	once := Serialize(doc)
	if bytes.Contains(once, []byte(",, ")) {
		t.Fatalf("workaround space must not leak into output: %q", once)
	}
	doc2, err := Parse(once, FormatASS)
	if err != nil {
		t.Fatalf("re-Parse: %v", err)
	}
	twice := Serialize(doc2)
	if !bytes.Equal(once, twice) {
		t.Fatalf("round-trip not idempotent:\n%q\nvs\n%q", once, twice)
	}
	if !bytes.Contains(once, []byte("First\\NSecond")) {
		t.Fatalf("line breaks should re-encode as \\N, got %q", once)
	}
}

func TestStripHTML(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"<i>Hello</i>", "Hello"},
		{"<font color=\"red\">Hi</font> there", "Hi there"},
		{"a <br> b", "a\nb"},
		{"2 < 3 and 5 > 4", "2 < 3 and 5 > 4"},
		{"<i>unclosed", "<i>unclosed"},
	}
	for _, tc := range cases {
		if got := StripHTML(tc.in); got != tc.want {
			t.Errorf("StripHTML(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
