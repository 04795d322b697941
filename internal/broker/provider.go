package broker

import (
	"fmt"
	"sort"
	"strings"
)

// ProviderID names a supported translation backend.
type ProviderID string

const (
	ProviderGemini          ProviderID = "gemini"
	ProviderOpenAI          ProviderID = "openai"
	ProviderAnthropic       ProviderID = "anthropic"
	ProviderDeepL           ProviderID = "deepl"
	ProviderGoogleTranslate ProviderID = "googletranslate"
	ProviderOpenRouter      ProviderID = "openrouter"
	ProviderXAI             ProviderID = "xai"
	ProviderDeepSeek        ProviderID = "deepseek"
	ProviderMistral         ProviderID = "mistral"
	ProviderCFWorkers       ProviderID = "cfworkers"
)

// apiStyle selects the wire protocol a provider speaks.
type apiStyle int

const (
	// styleOpenAI is the chat-completions shape, used natively by OpenAI
	// and as a compatibility endpoint by most other LLM vendors.
	styleOpenAI apiStyle = iota
	styleAnthropic
	styleDeepL
	styleGoogle
)

// Capabilities records which optional parameters a provider honors.
// Unsupported parameters are dropped silently before the request is built.
type Capabilities struct {
	ReasoningEffort bool
	ThinkingBudget  bool
	Formality       bool
	TopK            bool
	Streaming       bool
}

type providerInfo struct {
	style   apiStyle
	caps    Capabilities
	baseURL string
	// machine providers translate plain text arrays; they cannot carry
	// prompts or adjust timestamps.
	machine bool
}

var providers = map[ProviderID]providerInfo{
	ProviderGemini: {
		style:   styleOpenAI,
		caps:    Capabilities{ThinkingBudget: true, TopK: true, Streaming: true},
		baseURL: "https://generativelanguage.googleapis.com/v1beta/openai",
	},
	ProviderOpenAI: {
		style:   styleOpenAI,
		caps:    Capabilities{ReasoningEffort: true, Streaming: true},
		baseURL: "https://api.openai.com",
	},
	ProviderAnthropic: {
		style:   styleAnthropic,
		caps:    Capabilities{ThinkingBudget: true, Streaming: true},
		baseURL: "https://api.anthropic.com",
	},
	ProviderDeepL: {
		style:   styleDeepL,
		caps:    Capabilities{Formality: true},
		baseURL: "https://api.deepl.com",
		machine: true,
	},
	ProviderGoogleTranslate: {
		style:   styleGoogle,
		caps:    Capabilities{},
		baseURL: "https://translation.googleapis.com",
		machine: true,
	},
	ProviderOpenRouter: {
		style:   styleOpenAI,
		caps:    Capabilities{Streaming: true},
		baseURL: "https://openrouter.ai/api",
	},
	ProviderXAI: {
		style:   styleOpenAI,
		caps:    Capabilities{Streaming: true},
		baseURL: "https://api.x.ai",
	},
	ProviderDeepSeek: {
		style:   styleOpenAI,
		caps:    Capabilities{Streaming: true},
		baseURL: "https://api.deepseek.com",
	},
	ProviderMistral: {
		style:   styleOpenAI,
		caps:    Capabilities{Streaming: true},
		baseURL: "https://api.mistral.ai",
	},
	ProviderCFWorkers: {
		style: styleOpenAI,
		caps:  Capabilities{Streaming: true},
		// The endpoint embeds the account id; callers must set BaseURL.
		baseURL: "",
	},
}

// ParseProvider validates a provider name from user input.
func ParseProvider(s string) (ProviderID, error) {
	id := ProviderID(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := providers[id]; !ok {
		return "", fmt.Errorf("unknown provider %q (supported: %s)", s, strings.Join(ProviderNames(), ", "))
	}
	return id, nil
}

// ProviderNames lists the supported providers, sorted.
func ProviderNames() []string {
	names := make([]string, 0, len(providers))
	for id := range providers {
		names = append(names, string(id))
	}
	sort.Strings(names)
	return names
}

// ProviderCapabilities exposes the capability row for a provider.
func ProviderCapabilities(id ProviderID) (Capabilities, bool) {
	info, ok := providers[id]
	return info.caps, ok
}
