package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lingosub/lingosub/internal/plan"
)

func fastRetry() RetryOptions {
	return RetryOptions{
		MaxRetries:    2,
		TransientBase: time.Millisecond,
		RateLimitBase: time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
	}
}

func TestRetryOptions_NormalizedClampsMaxRetries(t *testing.T) {
	if got := (RetryOptions{MaxRetries: 10}).normalized().MaxRetries; got != MaxRetriesCap {
		t.Errorf("MaxRetries = %d, want clamped to %d", got, MaxRetriesCap)
	}
	if got := (RetryOptions{MaxRetries: -1}).normalized().MaxRetries; got != 0 {
		t.Errorf("MaxRetries = %d, want 0", got)
	}
}

func testBroker(t *testing.T, provider ProviderID, handler http.Handler) *Broker {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &Broker{
		Retry:      fastRetry(),
		RotateKeys: true,
		BaseURLs:   map[ProviderID]string{provider: srv.URL},
	}
}

func chatResponse(t *testing.T, w http.ResponseWriter, content string) {
	t.Helper()
	resp := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func TestTranslateBatch_Structured(t *testing.T) {
	var gotBody chatCompletionsRequest
	b := testBroker(t, ProviderOpenAI, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		chatResponse(t, w, `{"idx":1,"text":"Hola"}`+"\n"+`{"idx":2,"text":"Mundo"}`)
	}))

	res, err := b.TranslateBatch(context.Background(), batchOf("Hello", "World"), Request{
		Provider:   ProviderOpenAI,
		Model:      "gpt-4o-mini",
		TargetLang: "es",
		Workflow:   plan.WorkflowStructured,
		Keys:       NewKeyPool("test-key"),
	})
	if err != nil {
		t.Fatalf("TranslateBatch: %v", err)
	}
	if len(res.Entries) != 2 || res.Entries[0].Text != "Hola" || res.Entries[1].Text != "Mundo" {
		t.Errorf("entries = %+v", res.Entries)
	}
	if gotBody.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", gotBody.Model)
	}
	if len(gotBody.Messages) != 2 || gotBody.Messages[0].Role != "system" {
		t.Errorf("messages = %+v", gotBody.Messages)
	}
	if !strings.Contains(gotBody.Messages[1].Content, `{"idx":1,"text":"Hello"}`) {
		t.Errorf("user message missing payload: %q", gotBody.Messages[1].Content)
	}
}

func TestTranslateBatch_DropsUnsupportedParams(t *testing.T) {
	var raw map[string]any
	b := testBroker(t, ProviderOpenAI, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			t.Errorf("decode request: %v", err)
		}
		chatResponse(t, w, `{"idx":1,"text":"Hola"}`)
	}))

	_, err := b.TranslateBatch(context.Background(), batchOf("Hello"), Request{
		Provider:   ProviderOpenAI,
		Model:      "gpt-4o-mini",
		TargetLang: "es",
		Workflow:   plan.WorkflowStructured,
		Keys:       NewKeyPool("k"),
		Parameters: Parameters{TopK: intPtr(40), ReasoningEffort: "low"},
	})
	if err != nil {
		t.Fatalf("TranslateBatch: %v", err)
	}
	if _, ok := raw["top_k"]; ok {
		t.Error("top_k sent to provider that does not support it")
	}
	if raw["reasoning_effort"] != "low" {
		t.Errorf("reasoning_effort = %v", raw["reasoning_effort"])
	}
}

func TestTranslateBatch_RateLimitRotatesKey(t *testing.T) {
	var calls atomic.Int32
	var keys []string
	b := testBroker(t, ProviderOpenAI, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys = append(keys, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		chatResponse(t, w, `{"idx":1,"text":"Hola"}`)
	}))

	res, err := b.TranslateBatch(context.Background(), batchOf("Hello"), Request{
		Provider:   ProviderOpenAI,
		Model:      "gpt-4o-mini",
		TargetLang: "es",
		Workflow:   plan.WorkflowStructured,
		Keys:       NewKeyPool("key-a,key-b"),
	})
	if err != nil {
		t.Fatalf("TranslateBatch: %v", err)
	}
	if res.KeyRotations != 1 || res.RateLimitErrors != 1 {
		t.Errorf("rotations=%d rateLimit=%d, want 1/1", res.KeyRotations, res.RateLimitErrors)
	}
	if len(keys) != 2 || keys[0] != "key-a" || keys[1] != "key-b" {
		t.Errorf("keys used = %v, want [key-a key-b]", keys)
	}
}

func TestTranslateBatch_AuthFailedSingleKeySurfaces(t *testing.T) {
	var calls atomic.Int32
	b := testBroker(t, ProviderOpenAI, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := b.TranslateBatch(context.Background(), batchOf("Hello"), Request{
		Provider:   ProviderOpenAI,
		Model:      "gpt-4o-mini",
		TargetLang: "es",
		Workflow:   plan.WorkflowStructured,
		Keys:       NewKeyPool("only-key"),
	})
	var perr *ProviderError
	if !errors.As(err, &perr) || perr.Kind != AuthFailed {
		t.Fatalf("err = %v, want AuthFailed", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retry on auth failure)", calls.Load())
	}
}

func TestTranslateBatch_TransientRetriesThenExhausts(t *testing.T) {
	var calls atomic.Int32
	b := testBroker(t, ProviderOpenAI, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := b.TranslateBatch(context.Background(), batchOf("Hello"), Request{
		Provider:   ProviderOpenAI,
		Model:      "gpt-4o-mini",
		TargetLang: "es",
		Workflow:   plan.WorkflowStructured,
		Keys:       NewKeyPool("k"),
	})
	var perr *ProviderError
	if !errors.As(err, &perr) || perr.Kind != Transient {
		t.Fatalf("err = %v, want Transient", err)
	}
	if calls.Load() != 3 { // initial attempt + 2 retries
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestTranslateBatch_ShapeMismatch(t *testing.T) {
	b := testBroker(t, ProviderOpenAI, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chatResponse(t, w, `{"idx":1,"text":"Hola"}`)
	}))

	res, err := b.TranslateBatch(context.Background(), batchOf("Hello", "World", "Foo"), Request{
		Provider:   ProviderOpenAI,
		Model:      "gpt-4o-mini",
		TargetLang: "es",
		Workflow:   plan.WorkflowStructured,
		Keys:       NewKeyPool("k"),
	})
	var perr *ProviderError
	if !errors.As(err, &perr) || perr.Kind != ShapeMismatch {
		t.Fatalf("err = %v, want ShapeMismatch", err)
	}
	if !equalInts(perr.Missing, []int{2, 3}) {
		t.Errorf("missing = %v, want [2 3]", perr.Missing)
	}
	// Partial entries ride along with the error for recovery.
	if len(res.Entries) != 1 || res.Entries[0].Idx != 1 || res.Entries[0].Text != "Hola" {
		t.Errorf("partial entries = %+v", res.Entries)
	}
}

func TestTranslateBatch_Anthropic(t *testing.T) {
	b := testBroker(t, ProviderAnthropic, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "anth-key" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != anthropicVersion {
			t.Errorf("anthropic-version = %q", got)
		}
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.MaxTokens == 0 {
			t.Error("max_tokens not set")
		}
		if req.System == "" {
			t.Error("system prompt not split out")
		}
		fmt.Fprint(w, `{"content":[{"type":"text","text":"{\"idx\":1,\"text\":\"Hola\"}"}]}`)
	}))

	res, err := b.TranslateBatch(context.Background(), batchOf("Hello"), Request{
		Provider:   ProviderAnthropic,
		Model:      "claude-sonnet-4-5",
		TargetLang: "es",
		Workflow:   plan.WorkflowStructured,
		Keys:       NewKeyPool("anth-key"),
	})
	if err != nil {
		t.Fatalf("TranslateBatch: %v", err)
	}
	if len(res.Entries) != 1 || res.Entries[0].Text != "Hola" {
		t.Errorf("entries = %+v", res.Entries)
	}
}

func TestTranslateBatch_DeepL(t *testing.T) {
	b := testBroker(t, ProviderDeepL, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "DeepL-Auth-Key dl-key" {
			t.Errorf("Authorization = %q", got)
		}
		var req deeplRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.SourceLang != "EN" || req.TargetLang != "ES" {
			t.Errorf("langs = %q -> %q", req.SourceLang, req.TargetLang)
		}
		fmt.Fprint(w, `{"translations":[{"text":"Hola"},{"text":"Mundo"}]}`)
	}))

	res, err := b.TranslateBatch(context.Background(), batchOf("Hello", "World"), Request{
		Provider:   ProviderDeepL,
		SourceLang: "en",
		TargetLang: "es",
		Workflow:   plan.WorkflowStructured,
		Keys:       NewKeyPool("dl-key"),
	})
	if err != nil {
		t.Fatalf("TranslateBatch: %v", err)
	}
	if len(res.Entries) != 2 || res.Entries[0].Idx != 1 || res.Entries[1].Text != "Mundo" {
		t.Errorf("entries = %+v", res.Entries)
	}
}

func TestTranslateBatch_InvalidRequests(t *testing.T) {
	b := New()
	cases := []struct {
		name string
		req  Request
	}{
		{"deepl without source language", Request{
			Provider: ProviderDeepL, TargetLang: "es",
			Workflow: plan.WorkflowStructured, Keys: NewKeyPool("k"),
		}},
		{"machine provider with ai timestamps", Request{
			Provider: ProviderDeepL, SourceLang: "en", TargetLang: "es",
			Workflow: plan.WorkflowAITimestamps, Keys: NewKeyPool("k"),
		}},
		{"missing model", Request{
			Provider: ProviderOpenAI, TargetLang: "es",
			Workflow: plan.WorkflowStructured, Keys: NewKeyPool("k"),
		}},
		{"missing keys", Request{
			Provider: ProviderOpenAI, Model: "gpt-4o-mini", TargetLang: "es",
			Workflow: plan.WorkflowStructured,
		}},
		{"cfworkers without base url", Request{
			Provider: ProviderCFWorkers, Model: "llama", TargetLang: "es",
			Workflow: plan.WorkflowStructured, Keys: NewKeyPool("k"),
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := b.TranslateBatch(context.Background(), batchOf("Hello"), tc.req)
			var perr *ProviderError
			if !errors.As(err, &perr) || perr.Kind != InvalidRequest {
				t.Errorf("err = %v, want InvalidRequest", err)
			}
		})
	}
}
