package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

// chatCompletionsRequest is the OpenAI-compatible request body. Most LLM
// vendors (gemini, openrouter, xai, deepseek, mistral, cfworkers) expose
// this shape, so one client covers them all.
type chatCompletionsRequest struct {
	Model           string         `json:"model"`
	Messages        []chatMessage  `json:"messages"`
	Temperature     *float64       `json:"temperature,omitempty"`
	TopP            *float64       `json:"top_p,omitempty"`
	TopK            *int           `json:"top_k,omitempty"`
	MaxTokens       int            `json:"max_tokens,omitempty"`
	ReasoningEffort string         `json:"reasoning_effort,omitempty"`
	ExtraBody       map[string]any `json:"extra_body,omitempty"`
}

type chatCompletionsResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (b *Broker) sendOpenAICompat(ctx context.Context, provider ProviderID, baseURL, apiKey, model string, params Parameters, messages []chatMessage) (string, *ProviderError) {
	u, err := buildURL(baseURL, "/v1/chat/completions")
	if err != nil {
		return "", invalidRequest(provider, "%v", err)
	}

	reqBody := chatCompletionsRequest{
		Model:           model,
		Messages:        messages,
		Temperature:     params.Temperature,
		TopP:            params.TopP,
		TopK:            params.TopK,
		MaxTokens:       params.MaxOutputTokens,
		ReasoningEffort: params.ReasoningEffort,
	}
	if provider == ProviderGemini && params.ThinkingBudget != nil {
		// Gemini's OpenAI-compat endpoint takes the thinking budget through
		// extra_body.
		reqBody.ExtraBody = map[string]any{
			"google": map[string]any{
				"thinking_config": map[string]any{"thinking_budget": *params.ThinkingBudget},
			},
		}
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", &ProviderError{Kind: Fatal, Provider: provider, Message: err.Error()}
	}

	r, err := doJSONPost(ctx, b.httpClient(), u, map[string]string{"Authorization": "Bearer " + apiKey}, body)
	if err != nil {
		return "", classifyTransport(provider, err)
	}
	if r.statusCode < 200 || r.statusCode >= 300 {
		return "", classifyStatus(provider, r)
	}

	var out chatCompletionsResponse
	if err := json.Unmarshal(r.bodyBytes, &out); err != nil {
		return "", &ProviderError{Kind: Fatal, Provider: provider, Message: "invalid response envelope: " + err.Error()}
	}
	if len(out.Choices) == 0 {
		return "", &ProviderError{Kind: Fatal, Provider: provider, Message: "no choices in response"}
	}
	content := strings.TrimSpace(out.Choices[0].Message.Content)
	if content == "" {
		return "", &ProviderError{Kind: Fatal, Provider: provider, Message: "empty content in response"}
	}
	return content, nil
}

const anthropicVersion = "2023-06-01"

// anthropicDefaultMaxTokens applies when the caller leaves MaxOutputTokens
// unset; the Messages API requires the field.
const anthropicDefaultMaxTokens = 8192

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []chatMessage      `json:"messages"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Thinking    *anthropicThinking `json:"thinking,omitempty"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (b *Broker) sendAnthropic(ctx context.Context, baseURL, apiKey, model string, params Parameters, messages []chatMessage) (string, *ProviderError) {
	provider := ProviderAnthropic
	u, err := buildURL(baseURL, "/v1/messages")
	if err != nil {
		return "", invalidRequest(provider, "%v", err)
	}

	var system string
	userMessages := make([]chatMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		userMessages = append(userMessages, m)
	}

	maxTokens := params.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	reqBody := anthropicRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		System:      system,
		Messages:    userMessages,
		Temperature: params.Temperature,
		TopP:        params.TopP,
	}
	if params.ThinkingBudget != nil && *params.ThinkingBudget > 0 {
		reqBody.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: *params.ThinkingBudget}
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", &ProviderError{Kind: Fatal, Provider: provider, Message: err.Error()}
	}

	headers := map[string]string{
		"x-api-key":         apiKey,
		"anthropic-version": anthropicVersion,
	}
	r, err := doJSONPost(ctx, b.httpClient(), u, headers, body)
	if err != nil {
		return "", classifyTransport(provider, err)
	}
	if r.statusCode < 200 || r.statusCode >= 300 {
		return "", classifyStatus(provider, r)
	}

	var out anthropicResponse
	if err := json.Unmarshal(r.bodyBytes, &out); err != nil {
		return "", &ProviderError{Kind: Fatal, Provider: provider, Message: "invalid response envelope: " + err.Error()}
	}
	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	content := strings.TrimSpace(text.String())
	if content == "" {
		return "", &ProviderError{Kind: Fatal, Provider: provider, Message: "no text content in response"}
	}
	return content, nil
}

// defaultClient is shared by all brokers so connection pools survive across
// requests. Per-request deadlines come from the context, not the client.
var defaultClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	},
}

func (b *Broker) httpClient() *http.Client {
	if b.HTTPClient != nil {
		return b.HTTPClient
	}
	return defaultClient
}

var errMissingAPIKey = errors.New("api key is required")
