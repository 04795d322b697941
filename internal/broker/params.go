package broker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Parameters are the caller-tunable generation knobs. Pointer fields
// distinguish "unset" from zero values.
type Parameters struct {
	Temperature        *float64
	TopP               *float64
	TopK               *int
	ThinkingBudget     *int
	ReasoningEffort    string
	Formality          string
	PreserveFormatting bool
	MaxOutputTokens    int
}

const (
	// MaxOutputTokenCap is the hard ceiling on maxOutputTokens; deployments
	// may lower it via MAX_OUTPUT_TOKEN_LIMIT but never raise it.
	MaxOutputTokenCap = 200000

	maxTopK = 100
	// thinkingBudget -1 requests the provider's dynamic budget.
	maxThinkingBudget = 32768
)

var reasoningEfforts = map[string]bool{"none": true, "low": true, "medium": true, "high": true}

var formalities = map[string]bool{
	"default": true, "more": true, "less": true,
	"prefer_more": true, "prefer_less": true,
}

func (p Parameters) Validate() error {
	if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
		return fmt.Errorf("temperature %v out of range [0, 2]", *p.Temperature)
	}
	if p.TopP != nil && (*p.TopP < 0 || *p.TopP > 1) {
		return fmt.Errorf("top-p %v out of range [0, 1]", *p.TopP)
	}
	if p.TopK != nil && (*p.TopK < 1 || *p.TopK > maxTopK) {
		return fmt.Errorf("top-k %d out of range [1, %d]", *p.TopK, maxTopK)
	}
	if p.ThinkingBudget != nil && (*p.ThinkingBudget < -1 || *p.ThinkingBudget > maxThinkingBudget) {
		return fmt.Errorf("thinking budget %d out of range [-1, %d]", *p.ThinkingBudget, maxThinkingBudget)
	}
	if p.ReasoningEffort != "" && !reasoningEfforts[p.ReasoningEffort] {
		return fmt.Errorf("unknown reasoning effort %q", p.ReasoningEffort)
	}
	if p.Formality != "" && !formalities[p.Formality] {
		return fmt.Errorf("unknown formality %q", p.Formality)
	}
	if p.MaxOutputTokens < 0 || p.MaxOutputTokens > MaxOutputTokenCap {
		return fmt.Errorf("max output tokens %d out of range [0, %d]", p.MaxOutputTokens, MaxOutputTokenCap)
	}
	return nil
}

// forProvider drops parameters the provider does not support. Unsupported
// knobs are dropped silently, never rejected.
func (p Parameters) forProvider(caps Capabilities) Parameters {
	if !caps.ReasoningEffort {
		p.ReasoningEffort = ""
	}
	if !caps.ThinkingBudget {
		p.ThinkingBudget = nil
	}
	if !caps.Formality {
		p.Formality = ""
	}
	if !caps.TopK {
		p.TopK = nil
	}
	return p
}

// Hash digests only the output-influencing parameters, in a fixed field
// order. Timeouts and retry counts never appear here.
func (p Parameters) Hash() string {
	var b strings.Builder
	writeField := func(name, value string) {
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(value)
		b.WriteByte('\n')
	}
	if p.Temperature != nil {
		writeField("temperature", strconv.FormatFloat(*p.Temperature, 'g', -1, 64))
	}
	if p.TopP != nil {
		writeField("top_p", strconv.FormatFloat(*p.TopP, 'g', -1, 64))
	}
	if p.TopK != nil {
		writeField("top_k", strconv.Itoa(*p.TopK))
	}
	if p.ThinkingBudget != nil {
		writeField("thinking_budget", strconv.Itoa(*p.ThinkingBudget))
	}
	if p.ReasoningEffort != "" {
		writeField("reasoning_effort", p.ReasoningEffort)
	}
	if p.Formality != "" {
		writeField("formality", p.Formality)
	}
	if p.PreserveFormatting {
		writeField("preserve_formatting", "true")
	}
	if p.MaxOutputTokens > 0 {
		writeField("max_output_tokens", strconv.Itoa(p.MaxOutputTokens))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
