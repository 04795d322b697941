package plan

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lingosub/lingosub/internal/subtitle"
)

func docWithTexts(texts ...string) *subtitle.Document {
	doc := &subtitle.Document{Format: subtitle.FormatSRT}
	for i, text := range texts {
		doc.Entries = append(doc.Entries, &subtitle.Entry{
			Idx:   i + 1,
			Start: time.Duration(i) * time.Second,
			End:   time.Duration(i)*time.Second + 500*time.Millisecond,
			Text:  text,
		})
	}
	return doc
}

func repeatedTexts(n int, text string) []string {
	texts := make([]string, n)
	for i := range texts {
		texts[i] = text
	}
	return texts
}

func checkPartition(t *testing.T, doc *subtitle.Document, batches []Batch) {
	t.Helper()
	total := 0
	next := 0
	for i, b := range batches {
		if b.ID != uint32(i) {
			t.Errorf("batch %d has ID %d", i, b.ID)
		}
		for _, e := range b.Entries {
			if e != doc.Entries[next] {
				t.Fatalf("batch %d entry out of document order: got idx %d, want entry %d", i, e.Idx, next)
			}
			next++
		}
		total += len(b.Entries)
	}
	if total != len(doc.Entries) {
		t.Errorf("batches cover %d entries, want %d", total, len(doc.Entries))
	}
}

func TestBuild_SingleSmallBatch(t *testing.T) {
	doc := docWithTexts("Hello", "World", "Foo")
	batches, err := Build(doc, Options{Workflow: WorkflowStructured})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(batches))
	}
	checkPartition(t, doc, batches)
	if batches[0].TokenEstimate != 4 { // 13 chars / 3.5 rounded up
		t.Errorf("TokenEstimate = %d, want 4", batches[0].TokenEstimate)
	}
}

func TestBuild_SplitsOnEntryCap(t *testing.T) {
	doc := docWithTexts(repeatedTexts(120, "line")...)
	batches, err := Build(doc, Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(batches) != 3 {
		t.Fatalf("got %d batches, want 3", len(batches))
	}
	for i, want := range []int{50, 50, 20} {
		if len(batches[i].Entries) != want {
			t.Errorf("batch %d has %d entries, want %d", i, len(batches[i].Entries), want)
		}
	}
	checkPartition(t, doc, batches)
}

func TestBuild_SplitsOnTokenBudget(t *testing.T) {
	// Each entry estimates to 10 tokens (35 chars).
	doc := docWithTexts(repeatedTexts(10, strings.Repeat("x", 35))...)
	batches, err := Build(doc, Options{TokenBudget: 30})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	checkPartition(t, doc, batches)
	for i, b := range batches {
		if b.TokenEstimate > 30 {
			t.Errorf("batch %d estimate %d exceeds budget", i, b.TokenEstimate)
		}
	}
	if len(batches) != 4 {
		t.Fatalf("got %d batches, want 4", len(batches))
	}
	for i, want := range []int{3, 3, 3, 1} {
		if len(batches[i].Entries) != want {
			t.Errorf("batch %d has %d entries, want %d", i, len(batches[i].Entries), want)
		}
	}
}

func TestBuild_OversizedEntryGetsOwnBatch(t *testing.T) {
	doc := docWithTexts(strings.Repeat("x", 700), "small")
	batches, err := Build(doc, Options{TokenBudget: 50})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(batches) != 2 {
		t.Fatalf("got %d batches, want 2", len(batches))
	}
	if len(batches[0].Entries) != 1 {
		t.Errorf("oversized entry shares a batch with %d entries", len(batches[0].Entries))
	}
	checkPartition(t, doc, batches)
}

func TestBuild_ContextWindows(t *testing.T) {
	doc := docWithTexts(repeatedTexts(10, strings.Repeat("x", 35))...)
	// Budget 20 packs two 10-token entries per batch.
	batches, err := Build(doc, Options{TokenBudget: 20, ContextSize: 2})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(batches) != 5 {
		t.Fatalf("got %d batches, want 5", len(batches))
	}

	first, last := batches[0], batches[len(batches)-1]
	if len(first.ContextBefore) != 0 {
		t.Errorf("first batch ContextBefore len = %d, want 0", len(first.ContextBefore))
	}
	if len(first.ContextAfter) != 2 || first.ContextAfter[0].Idx != 3 {
		t.Errorf("first batch ContextAfter = %d entries starting at %v", len(first.ContextAfter), first.ContextAfter)
	}
	if len(last.ContextAfter) != 0 {
		t.Errorf("last batch ContextAfter len = %d, want 0", len(last.ContextAfter))
	}
	if len(last.ContextBefore) != 2 || last.ContextBefore[1].Idx != 8 {
		t.Errorf("last batch ContextBefore wrong: %v", last.ContextBefore)
	}

	mid := batches[2]
	if len(mid.ContextBefore) != 2 || len(mid.ContextAfter) != 2 {
		t.Errorf("middle batch context = (%d, %d), want (2, 2)", len(mid.ContextBefore), len(mid.ContextAfter))
	}
}

func TestBuild_SingleBatchMode(t *testing.T) {
	doc := docWithTexts(repeatedTexts(120, "line")...)
	batches, err := Build(doc, Options{SingleBatch: true, TokenBudget: 1000})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(batches) != 1 || len(batches[0].Entries) != 120 {
		t.Fatalf("single-batch mode produced %d batches", len(batches))
	}
}

func TestBuild_SingleBatchTooLarge(t *testing.T) {
	doc := docWithTexts(strings.Repeat("x", 700))
	_, err := Build(doc, Options{SingleBatch: true, TokenBudget: 100})
	var pe *PlanError
	if !errors.As(err, &pe) || pe.Kind != SinglePassTooLarge {
		t.Fatalf("err = %v, want PlanError{SinglePassTooLarge}", err)
	}
}

func TestBuild_EmptyDocument(t *testing.T) {
	batches, err := Build(&subtitle.Document{Format: subtitle.FormatSRT}, Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(batches) != 0 {
		t.Errorf("got %d batches, want 0", len(batches))
	}
}

func TestParseWorkflow(t *testing.T) {
	cases := []struct {
		in      string
		want    Workflow
		wantErr bool
	}{
		{"rebuild-timestamps", WorkflowRebuildTimestamps, false},
		{"structured", WorkflowStructured, false},
		{"ai-timestamps", WorkflowAITimestamps, false},
		{"", WorkflowStructured, false},
		{"magic", "", true},
	}
	for _, tc := range cases {
		got, err := ParseWorkflow(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseWorkflow(%q) = %q, want error", tc.in, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("ParseWorkflow(%q) = (%q, %v), want %q", tc.in, got, err, tc.want)
		}
	}
}
