package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout bounds a single provider call.
const DefaultTimeout = 120 * time.Second

// maxErrorBody caps how much of an error body is kept in messages.
const maxErrorBody = 300

// apiErrorBody covers the error envelopes of the supported APIs:
// {"error": {"message", "code"|"type"|"status"}}.
type apiErrorBody struct {
	Error struct {
		Message string          `json:"message"`
		Type    string          `json:"type"`
		Status  string          `json:"status"`
		Code    json.RawMessage `json:"code"`
	} `json:"error"`
}

func (b apiErrorBody) code() string {
	if len(b.Error.Code) > 0 {
		var s string
		if err := json.Unmarshal(b.Error.Code, &s); err == nil && s != "" {
			return s
		}
	}
	if b.Error.Type != "" {
		return b.Error.Type
	}
	return b.Error.Status
}

// postJSON sends payload and returns the 2xx response body. Non-2xx answers
// become *ProviderError with the provider's status, message and code.
func postJSON(ctx context.Context, client *http.Client, provider, model, url string, headers map[string]string, payload any) ([]byte, time.Duration, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, &ProviderError{Provider: provider, Model: model, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, &ProviderError{Provider: provider, Model: model, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return nil, latency, &ProviderError{Provider: provider, Model: model, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, latency, &ProviderError{Provider: provider, Model: model, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, latency, nil
	}

	pe := &ProviderError{Provider: provider, Model: model, Status: resp.StatusCode}
	var eb apiErrorBody
	if json.Unmarshal(respBody, &eb) == nil && eb.Error.Message != "" {
		pe.Message = eb.Error.Message
		pe.Code = eb.code()
	} else {
		pe.Message = truncate(string(respBody), maxErrorBody)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		pe.Err = ErrRateLimited
	} else {
		pe.Err = fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil, latency, pe
}

func newHTTPClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: DefaultTimeout}
}
