package plan

import (
	"fmt"
	"unicode/utf8"

	"github.com/lingosub/lingosub/internal/subtitle"
)

// Workflow selects how timestamps travel through a translation request.
type Workflow string

const (
	// WorkflowRebuildTimestamps sends numbered text only; source timestamps
	// are re-applied by index. Cheapest payloads.
	WorkflowRebuildTimestamps Workflow = "rebuild-timestamps"
	// WorkflowStructured sends {index, text} tuples; timestamps re-applied
	// by index.
	WorkflowStructured Workflow = "structured"
	// WorkflowAITimestamps sends {index, start, end, text}; returned
	// timestamps are authoritative.
	WorkflowAITimestamps Workflow = "ai-timestamps"
)

func ParseWorkflow(s string) (Workflow, error) {
	switch Workflow(s) {
	case WorkflowRebuildTimestamps, WorkflowStructured, WorkflowAITimestamps:
		return Workflow(s), nil
	case "":
		return WorkflowStructured, nil
	}
	return "", fmt.Errorf("unknown workflow %q", s)
}

const (
	DefaultMaxEntriesPerBatch = 50
	DefaultTokenBudget        = 4000
)

// Batch is one provider request's worth of contiguous entries. Context
// entries are translation hints only and never come back translated.
type Batch struct {
	ID            uint32
	Entries       []*subtitle.Entry
	ContextBefore []*subtitle.Entry
	ContextAfter  []*subtitle.Entry
	TokenEstimate int
}

type Options struct {
	Workflow    Workflow
	TokenBudget int
	ContextSize int
	// MaxEntries caps entries per batch; 0 means DefaultMaxEntriesPerBatch.
	MaxEntries int
	// SingleBatch forces the whole document into one batch and fails with
	// ErrSinglePassTooLarge when it would not fit the budget.
	SingleBatch bool
}

type ErrorKind int

const (
	SinglePassTooLarge ErrorKind = iota
)

type PlanError struct {
	Kind     ErrorKind
	Estimate int
	Budget   int
}

func (e *PlanError) Error() string {
	switch e.Kind {
	case SinglePassTooLarge:
		return fmt.Sprintf("plan: document estimate %d tokens exceeds single-pass budget %d", e.Estimate, e.Budget)
	}
	return "plan: error"
}

// EstimateTokens is the deterministic size heuristic used for batch sizing:
// total text characters divided by 3.5, rounded up.
func EstimateTokens(entries []*subtitle.Entry) int {
	chars := 0
	for _, e := range entries {
		chars += utf8.RuneCountInString(e.Text)
	}
	return ceilDiv35(chars)
}

// ceilDiv35 computes ceil(chars / 3.5) in integer arithmetic.
func ceilDiv35(chars int) int {
	return (2*chars + 6) / 7
}

// Build partitions the document's entries into an ordered sequence of
// batches. Every entry lands in exactly one batch, batches are contiguous in
// document order, and each batch respects the token budget and entry cap
// (an oversized single entry still gets its own batch).
func Build(doc *subtitle.Document, opts Options) ([]Batch, error) {
	budget := opts.TokenBudget
	if budget <= 0 {
		budget = DefaultTokenBudget
	}
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntriesPerBatch
	}

	entries := make([]*subtitle.Entry, len(doc.Entries))
	copy(entries, doc.Entries)

	if opts.SingleBatch {
		est := EstimateTokens(entries)
		if est > budget {
			return nil, &PlanError{Kind: SinglePassTooLarge, Estimate: est, Budget: budget}
		}
		if len(entries) == 0 {
			return nil, nil
		}
		return []Batch{{ID: 0, Entries: entries, TokenEstimate: est}}, nil
	}

	var batches []Batch
	start := 0
	for start < len(entries) {
		chars := utf8.RuneCountInString(entries[start].Text)
		end := start + 1
		for end < len(entries) {
			if end-start >= maxEntries {
				break
			}
			next := utf8.RuneCountInString(entries[end].Text)
			if ceilDiv35(chars)+ceilDiv35(next) > budget {
				break
			}
			chars += next
			end++
		}
		batches = append(batches, Batch{
			ID:            uint32(len(batches)),
			Entries:       entries[start:end],
			TokenEstimate: ceilDiv35(chars),
		})
		start = end
	}

	if opts.ContextSize > 0 {
		attachContext(batches, entries, opts.ContextSize)
	}
	return batches, nil
}

func attachContext(batches []Batch, entries []*subtitle.Entry, size int) {
	offset := 0
	for i := range batches {
		first := offset
		last := offset + len(batches[i].Entries)
		before := first - size
		if before < 0 {
			before = 0
		}
		after := last + size
		if after > len(entries) {
			after = len(entries)
		}
		batches[i].ContextBefore = entries[before:first]
		batches[i].ContextAfter = entries[last:after]
		offset = last
	}
}
