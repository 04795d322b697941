package broker

import (
	"context"
	"net/http"
	"time"

	"github.com/lingosub/lingosub/internal/plan"
)

// Broker turns a planned batch into a provider request and a typed result.
// It owns parameter filtering, retry, key rotation and output-shape
// verification; callers only ever see BatchResult or ProviderError.
type Broker struct {
	HTTPClient *http.Client
	Retry      RetryOptions
	// RotateKeys enables key-pool rotation on 401/403/429.
	RotateKeys bool
	// BaseURLs overrides the default endpoint per provider (tests,
	// self-hosted gateways, cfworkers account URLs).
	BaseURLs map[ProviderID]string
}

func New() *Broker {
	return &Broker{Retry: DefaultRetryOptions(), RotateKeys: true}
}

// Request identifies the provider call for one batch.
type Request struct {
	Provider   ProviderID
	Model      string
	SourceLang string
	TargetLang string
	Workflow   plan.Workflow
	// Prompt is appended to the system instructions for LLM providers.
	Prompt     string
	Parameters Parameters
	Keys       *KeyPool
	Timeout    time.Duration
}

// BatchResult is the translation of one batch. Entries keep the provider's
// order; rotation and rate-limit counts feed history records. On a
// ShapeMismatch error Entries still carries whatever the provider did
// return, so callers can recover the missing indices separately.
type BatchResult struct {
	Entries         []TranslatedEntry
	KeyRotations    int
	RateLimitErrors int
}

// TranslateBatch validates the request against the provider's capability
// row, dispatches it with retry and key rotation, and verifies the returned
// shape against the requested indices.
func (b *Broker) TranslateBatch(ctx context.Context, batch plan.Batch, req Request) (BatchResult, error) {
	info, ok := providers[req.Provider]
	if !ok {
		return BatchResult{}, invalidRequest(req.Provider, "unknown provider")
	}
	if req.TargetLang == "" {
		return BatchResult{}, invalidRequest(req.Provider, "target language is required")
	}
	if req.Keys.Size() == 0 {
		return BatchResult{}, invalidRequest(req.Provider, "%v", errMissingAPIKey)
	}
	if err := req.Parameters.Validate(); err != nil {
		return BatchResult{}, invalidRequest(req.Provider, "%v", err)
	}
	if info.machine && req.Workflow == plan.WorkflowAITimestamps {
		return BatchResult{}, invalidRequest(req.Provider, "workflow %s requires an LLM provider", req.Workflow)
	}
	if req.Provider == ProviderDeepL && req.SourceLang == "" {
		return BatchResult{}, invalidRequest(req.Provider, "source language is required")
	}
	if !info.machine && req.Model == "" {
		return BatchResult{}, invalidRequest(req.Provider, "model is required")
	}
	baseURL := b.baseURL(req.Provider, info)
	if baseURL == "" {
		return BatchResult{}, invalidRequest(req.Provider, "base URL is required")
	}

	params := req.Parameters.forProvider(info.caps)

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	requested := make([]int, len(batch.Entries))
	for i, e := range batch.Entries {
		requested[i] = e.Idx
	}

	if info.machine {
		return b.translateMachine(ctx, batch, req, params, baseURL, requested)
	}
	return b.translateLLM(ctx, batch, req, params, baseURL, requested)
}

func (b *Broker) translateLLM(ctx context.Context, batch plan.Batch, req Request, params Parameters, baseURL string, requested []int) (BatchResult, error) {
	payload, err := EncodeBatch(req.Workflow, batch)
	if err != nil {
		return BatchResult{}, invalidRequest(req.Provider, "%v", err)
	}
	messages := buildMessages(req.Workflow, req.SourceLang, req.TargetLang, req.Prompt, payload, batch.ContextBefore, batch.ContextAfter)

	send := func(ctx context.Context, apiKey string) (string, *ProviderError) {
		if providers[req.Provider].style == styleAnthropic {
			return b.sendAnthropic(ctx, baseURL, apiKey, req.Model, params, messages)
		}
		return b.sendOpenAICompat(ctx, req.Provider, baseURL, apiKey, req.Model, params, messages)
	}

	content, stats, err := withRetry(ctx, req.Provider, b.Retry, req.Keys, b.RotateKeys, send)
	if err != nil {
		return BatchResult{KeyRotations: stats.KeyRotations, RateLimitErrors: stats.RateLimitErrors}, err
	}

	entries, decErr := DecodeBatch(req.Workflow, content)
	if decErr != nil {
		return BatchResult{KeyRotations: stats.KeyRotations, RateLimitErrors: stats.RateLimitErrors},
			&ProviderError{Kind: Fatal, Provider: req.Provider, Message: decErr.Error()}
	}
	if perr := checkShape(req.Provider, requested, entries); perr != nil {
		res := BatchResult{KeyRotations: stats.KeyRotations, RateLimitErrors: stats.RateLimitErrors}
		if len(perr.Extra) == 0 {
			res.Entries = entries
		}
		return res, perr
	}
	return BatchResult{
		Entries:         entries,
		KeyRotations:    stats.KeyRotations,
		RateLimitErrors: stats.RateLimitErrors,
	}, nil
}

func (b *Broker) translateMachine(ctx context.Context, batch plan.Batch, req Request, params Parameters, baseURL string, requested []int) (BatchResult, error) {
	texts := make([]string, len(batch.Entries))
	for i, e := range batch.Entries {
		texts[i] = normalizeNewlines(e.Text)
	}

	send := func(ctx context.Context, apiKey string) ([]string, *ProviderError) {
		if req.Provider == ProviderDeepL {
			return b.sendDeepL(ctx, baseURL, apiKey, req.SourceLang, req.TargetLang, params, texts)
		}
		return b.sendGoogleTranslate(ctx, baseURL, apiKey, req.SourceLang, req.TargetLang, texts)
	}

	translated, stats, err := withRetry(ctx, req.Provider, b.Retry, req.Keys, b.RotateKeys, send)
	if err != nil {
		return BatchResult{KeyRotations: stats.KeyRotations, RateLimitErrors: stats.RateLimitErrors}, err
	}

	// Machine providers align positionally; a short or long array is a
	// shape mismatch on the trailing indices.
	entries := make([]TranslatedEntry, 0, len(translated))
	for i, text := range translated {
		if i >= len(requested) {
			break
		}
		entries = append(entries, TranslatedEntry{Idx: requested[i], Text: text})
	}
	if len(translated) != len(requested) {
		perr := &ProviderError{Kind: ShapeMismatch, Provider: req.Provider}
		for i := len(translated); i < len(requested); i++ {
			perr.Missing = append(perr.Missing, requested[i])
		}
		if len(translated) > len(requested) {
			perr.Message = "provider returned more items than requested"
		}
		return BatchResult{
			Entries:         entries,
			KeyRotations:    stats.KeyRotations,
			RateLimitErrors: stats.RateLimitErrors,
		}, perr
	}
	return BatchResult{
		Entries:         entries,
		KeyRotations:    stats.KeyRotations,
		RateLimitErrors: stats.RateLimitErrors,
	}, nil
}

func (b *Broker) baseURL(id ProviderID, info providerInfo) string {
	if u, ok := b.BaseURLs[id]; ok && u != "" {
		return u
	}
	return info.baseURL
}
