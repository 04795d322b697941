package broker

import (
	"context"
	"encoding/json"
	"strings"
)

// Machine-translation providers (DeepL, Google Translate v2) take plain text
// arrays and return them positionally aligned. No prompts, no timestamps.

type deeplRequest struct {
	Text               []string `json:"text"`
	SourceLang         string   `json:"source_lang,omitempty"`
	TargetLang         string   `json:"target_lang"`
	Formality          string   `json:"formality,omitempty"`
	PreserveFormatting bool     `json:"preserve_formatting,omitempty"`
}

type deeplResponse struct {
	Translations []struct {
		Text string `json:"text"`
	} `json:"translations"`
}

func (b *Broker) sendDeepL(ctx context.Context, baseURL, apiKey, sourceLang, targetLang string, params Parameters, texts []string) ([]string, *ProviderError) {
	provider := ProviderDeepL
	u, err := buildURL(baseURL, "/v2/translate")
	if err != nil {
		return nil, invalidRequest(provider, "%v", err)
	}

	reqBody := deeplRequest{
		Text:               texts,
		SourceLang:         deeplLangCode(sourceLang),
		TargetLang:         deeplLangCode(targetLang),
		Formality:          params.Formality,
		PreserveFormatting: params.PreserveFormatting,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &ProviderError{Kind: Fatal, Provider: provider, Message: err.Error()}
	}

	r, err := doJSONPost(ctx, b.httpClient(), u, map[string]string{"Authorization": "DeepL-Auth-Key " + apiKey}, body)
	if err != nil {
		return nil, classifyTransport(provider, err)
	}
	if r.statusCode < 200 || r.statusCode >= 300 {
		return nil, classifyStatus(provider, r)
	}

	var out deeplResponse
	if err := json.Unmarshal(r.bodyBytes, &out); err != nil {
		return nil, &ProviderError{Kind: Fatal, Provider: provider, Message: "invalid response envelope: " + err.Error()}
	}
	res := make([]string, 0, len(out.Translations))
	for _, tr := range out.Translations {
		res = append(res, tr.Text)
	}
	return res, nil
}

// deeplLangCode maps a BCP-47-ish tag to DeepL's upper-case codes. Regional
// variants DeepL knows (EN-US, EN-GB, PT-BR...) keep their region.
func deeplLangCode(tag string) string {
	tag, _ = NormalizeLanguage(tag)
	if tag == "" {
		return ""
	}
	upper := strings.ToUpper(tag)
	switch upper {
	case "EN-US", "EN-GB", "PT-BR", "PT-PT", "ZH-HANS", "ZH-HANT":
		return upper
	}
	if i := strings.IndexByte(upper, '-'); i > 0 {
		return upper[:i]
	}
	return upper
}

type googleTranslateRequest struct {
	Q      []string `json:"q"`
	Source string   `json:"source,omitempty"`
	Target string   `json:"target"`
	Format string   `json:"format"`
}

type googleTranslateResponse struct {
	Data struct {
		Translations []struct {
			TranslatedText string `json:"translatedText"`
		} `json:"translations"`
	} `json:"data"`
}

func (b *Broker) sendGoogleTranslate(ctx context.Context, baseURL, apiKey, sourceLang, targetLang string, texts []string) ([]string, *ProviderError) {
	provider := ProviderGoogleTranslate
	u, err := buildURL(baseURL, "/language/translate/v2")
	if err != nil {
		return nil, invalidRequest(provider, "%v", err)
	}
	u += "?key=" + apiKey

	source, _ := NormalizeLanguage(sourceLang)
	target, _ := NormalizeLanguage(targetLang)
	reqBody := googleTranslateRequest{
		Q:      texts,
		Source: baseLang(source),
		Target: baseLang(target),
		Format: "text",
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &ProviderError{Kind: Fatal, Provider: provider, Message: err.Error()}
	}

	r, err := doJSONPost(ctx, b.httpClient(), u, nil, body)
	if err != nil {
		return nil, classifyTransport(provider, err)
	}
	if r.statusCode < 200 || r.statusCode >= 300 {
		return nil, classifyStatus(provider, r)
	}

	var out googleTranslateResponse
	if err := json.Unmarshal(r.bodyBytes, &out); err != nil {
		return nil, &ProviderError{Kind: Fatal, Provider: provider, Message: "invalid response envelope: " + err.Error()}
	}
	res := make([]string, 0, len(out.Data.Translations))
	for _, tr := range out.Data.Translations {
		res = append(res, tr.TranslatedText)
	}
	return res, nil
}

func baseLang(tag string) string {
	if i := strings.IndexByte(tag, '-'); i > 0 {
		return tag[:i]
	}
	return tag
}
