package broker

import (
	"testing"
	"time"

	"github.com/lingosub/lingosub/internal/plan"
	"github.com/lingosub/lingosub/internal/subtitle"
)

func batchOf(texts ...string) plan.Batch {
	entries := make([]*subtitle.Entry, len(texts))
	for i, text := range texts {
		entries[i] = &subtitle.Entry{
			Idx:   i + 1,
			Start: time.Duration(i) * time.Second,
			End:   time.Duration(i)*time.Second + 900*time.Millisecond,
			Text:  text,
		}
	}
	return plan.Batch{ID: 0, Entries: entries}
}

func TestEncodeBatch_Structured(t *testing.T) {
	got, err := EncodeBatch(plan.WorkflowStructured, batchOf("Hello\nworld", "How are you?"))
	if err != nil {
		t.Fatalf("EncodeBatch: %v", err)
	}
	want := `{"idx":1,"text":"Hello\nworld"}` + "\n" + `{"idx":2,"text":"How are you?"}`
	if got != want {
		t.Errorf("EncodeBatch = %q, want %q", got, want)
	}
}

func TestEncodeBatch_AITimestamps(t *testing.T) {
	got, err := EncodeBatch(plan.WorkflowAITimestamps, batchOf("Hello"))
	if err != nil {
		t.Fatalf("EncodeBatch: %v", err)
	}
	want := `{"idx":1,"start":"00:00:00.000","end":"00:00:00.900","text":"Hello"}`
	if got != want {
		t.Errorf("EncodeBatch = %q, want %q", got, want)
	}
}

func TestEncodeBatch_Numbered(t *testing.T) {
	got, err := EncodeBatch(plan.WorkflowRebuildTimestamps, batchOf("Hello\nworld", "Bye"))
	if err != nil {
		t.Fatalf("EncodeBatch: %v", err)
	}
	want := "1.\nHello\nworld\n\n2.\nBye"
	if got != want {
		t.Errorf("EncodeBatch = %q, want %q", got, want)
	}
}

func TestDecodeBatch_StructuredNDJSON(t *testing.T) {
	out := "{\"idx\":1,\"text\":\"Hola\\nmundo\"}\n{\"idx\":2,\"text\":\"¿Cómo estás?\"}"
	entries, err := DecodeBatch(plan.WorkflowStructured, out)
	if err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}
	if len(entries) != 2 || entries[0].Text != "Hola\nmundo" || entries[1].Idx != 2 {
		t.Errorf("DecodeBatch = %+v", entries)
	}
}

func TestDecodeBatch_CodeFencesAndArray(t *testing.T) {
	out := "```json\n[{\"idx\":1,\"text\":\"Hola\"},{\"idx\":2,\"text\":\"Mundo\"}]\n```"
	entries, err := DecodeBatch(plan.WorkflowStructured, out)
	if err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}
	if len(entries) != 2 || entries[1].Text != "Mundo" {
		t.Errorf("DecodeBatch = %+v", entries)
	}
}

func TestDecodeBatch_SalvagesUnescapedQuotes(t *testing.T) {
	out := `{"idx":1,"text":"He said "hola" to me"}`
	entries, err := DecodeBatch(plan.WorkflowStructured, out)
	if err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}
	if len(entries) != 1 || entries[0].Text != `He said "hola" to me` {
		t.Errorf("DecodeBatch = %+v", entries)
	}
}

func TestDecodeBatch_Numbered(t *testing.T) {
	out := "Sure, here are the translations:\n\n1.\nHola\nmundo\n\n2.\nAdiós"
	entries, err := DecodeBatch(plan.WorkflowRebuildTimestamps, out)
	if err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Text != "Hola\nmundo" || entries[1].Text != "Adiós" {
		t.Errorf("DecodeBatch = %+v", entries)
	}
}

func TestDecodeBatch_NumberedInlineMarker(t *testing.T) {
	entries, err := DecodeBatch(plan.WorkflowRebuildTimestamps, "1) Hola\n\n2) Mundo")
	if err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}
	if len(entries) != 2 || entries[0].Text != "Hola" || entries[1].Text != "Mundo" {
		t.Errorf("DecodeBatch = %+v", entries)
	}
}

func TestDecodeBatch_AITimestamps(t *testing.T) {
	out := `{"idx":1,"start":"00:00:01.250","end":"00:00:02.000","text":"Hola"}`
	entries, err := DecodeBatch(plan.WorkflowAITimestamps, out)
	if err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if !e.HasTiming || e.Start != 1250*time.Millisecond || e.End != 2*time.Second {
		t.Errorf("entry = %+v", e)
	}
}

func TestDecodeBatch_AITimestampsRejectsReversed(t *testing.T) {
	out := `{"idx":1,"start":"00:00:05.000","end":"00:00:02.000","text":"Hola"}`
	if _, err := DecodeBatch(plan.WorkflowAITimestamps, out); err == nil {
		t.Fatal("expected error for reversed timestamps")
	}
}

func TestCheckShape(t *testing.T) {
	cases := []struct {
		name        string
		requested   []int
		got         []int
		wantMissing []int
		wantExtra   []int
	}{
		{"exact", []int{1, 2, 3}, []int{3, 1, 2}, nil, nil},
		{"missing", []int{1, 2, 3}, []int{1, 3}, []int{2}, nil},
		{"extra", []int{1, 2}, []int{1, 2, 9}, nil, []int{9}},
		{"duplicate", []int{1, 2}, []int{1, 1, 2}, nil, []int{1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			entries := make([]TranslatedEntry, len(tc.got))
			for i, idx := range tc.got {
				entries[i] = TranslatedEntry{Idx: idx, Text: "x"}
			}
			perr := checkShape(ProviderOpenAI, tc.requested, entries)
			if tc.wantMissing == nil && tc.wantExtra == nil {
				if perr != nil {
					t.Fatalf("checkShape = %v, want nil", perr)
				}
				return
			}
			if perr == nil || perr.Kind != ShapeMismatch {
				t.Fatalf("checkShape = %v, want ShapeMismatch", perr)
			}
			if !equalInts(perr.Missing, tc.wantMissing) || !equalInts(perr.Extra, tc.wantExtra) {
				t.Errorf("missing=%v extra=%v, want %v/%v", perr.Missing, perr.Extra, tc.wantMissing, tc.wantExtra)
			}
		})
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
