package broker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

type httpResult struct {
	statusCode int
	header     http.Header
	bodyBytes  []byte
}

func doJSONPost(
	ctx context.Context,
	hc *http.Client,
	u string,
	headers map[string]string,
	body []byte,
) (httpResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return httpResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return httpResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return httpResult{}, err
	}
	return httpResult{statusCode: resp.StatusCode, header: resp.Header.Clone(), bodyBytes: bodyBytes}, nil
}

func buildURL(baseURL, urlPath string) (string, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return "", errors.New("base URL is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	u.Path = path.Join(u.Path, urlPath)
	return u.String(), nil
}

func retryDelayFromHeader(h http.Header) time.Duration {
	ra := strings.TrimSpace(h.Get("Retry-After"))
	if ra == "" {
		return 0
	}
	secs, err := strconv.Atoi(ra)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// classifyTransport maps a transport-level failure. Timeouts and connection
// errors are transient.
func classifyTransport(provider ProviderID, err error) *ProviderError {
	return &ProviderError{Kind: Transient, Provider: provider, Message: err.Error()}
}

// classifyStatus maps a non-2xx response to an error kind.
func classifyStatus(provider ProviderID, r httpResult) *ProviderError {
	perr := &ProviderError{
		Provider: provider,
		Status:   r.statusCode,
		Message:  abbreviate(string(r.bodyBytes), abbreviationMax),
	}
	switch {
	case r.statusCode == http.StatusTooManyRequests:
		perr.Kind = RateLimited
		perr.retryAfter = retryDelayFromHeader(r.header)
	case r.statusCode == http.StatusUnauthorized || r.statusCode == http.StatusForbidden:
		perr.Kind = AuthFailed
	case r.statusCode >= 500:
		perr.Kind = Transient
	default:
		perr.Kind = InvalidRequest
	}
	return perr
}
