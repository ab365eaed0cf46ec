package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/kessai/link-service/internal/domain"
)

const maxResponseBytes = 1 << 20

// apiCall describes one outbound JSON request.
type apiCall struct {
	provider  domain.Provider
	operation string
	method    string
	url       string
	header    http.Header
	body      []byte
	// errorDetail extracts a provider error code and message from a non-2xx body.
	errorDetail func(body []byte) (code, message string)
}

// doJSON performs the call and decodes a 2xx body into out. Every failure is a
// *domain.ProviderError carrying the status code when there was one.
func doJSON(ctx context.Context, client *http.Client, logger *slog.Logger, call apiCall, out any) error {
	var body io.Reader
	if call.body != nil {
		body = bytes.NewReader(call.body)
	}
	req, err := http.NewRequestWithContext(ctx, call.method, call.url, body)
	if err != nil {
		return providerError(call.provider, call.operation, 0, "request_build", "", err)
	}
	for k, values := range call.header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if call.body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		logger.Warn("provider request failed",
			"component", "provider", "provider", call.provider, "operation", call.operation, "error", err)
		return providerError(call.provider, call.operation, 0, "network", "", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return providerError(call.provider, call.operation, resp.StatusCode, "read_body", "", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code, message := "", ""
		if call.errorDetail != nil {
			code, message = call.errorDetail(raw)
		}
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		logger.Warn("provider returned non-success status",
			"component", "provider", "provider", call.provider, "operation", call.operation,
			"status", resp.StatusCode, "code", code)
		return providerError(call.provider, call.operation, resp.StatusCode, code, message,
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return providerError(call.provider, call.operation, resp.StatusCode, "malformed_response", "", err)
	}
	return nil
}

func encodeBody(p domain.Provider, op string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, providerError(p, op, 0, "request_encode", "", err)
	}
	return raw, nil
}

// isAuthFailure reports whether err is a provider rejection of the credentials.
func isAuthFailure(err error) bool {
	var pe *domain.ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	return pe.StatusCode == http.StatusUnauthorized || pe.StatusCode == http.StatusForbidden
}
