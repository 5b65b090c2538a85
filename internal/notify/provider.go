package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// SendResult is what the SMS gateway returns on an accepted message.
type SendResult struct {
	ProviderMessageID string
	Status            string
}

// Provider is the SMS gateway boundary. The wire protocol behind it is not
// part of this service's contract; only retryability classification is.
type Provider interface {
	SendSMS(ctx context.Context, to, body string) (*SendResult, error)
}

// RetryableError marks provider failures worth another attempt: timeouts and
// gateway-side 5xx responses. Anything else is terminal for the message.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// IsRetryable reports whether a provider error should be retried.
func IsRetryable(err error) bool {
	var re *RetryableError
	if errors.As(err, &re) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// HTTPProvider posts messages to a REST SMS gateway.
type HTTPProvider struct {
	baseURL    string
	apiKey     string
	sender     string
	httpClient *http.Client
}

// NewHTTPProvider returns a provider bound to a gateway base URL. The client
// timeout bounds every attempt.
func NewHTTPProvider(baseURL, apiKey, sender string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		sender:  sender,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SendSMS submits one message. Network failures and 5xx responses come back
// as *RetryableError; 4xx responses are terminal.
func (p *HTTPProvider) SendSMS(ctx context.Context, to, body string) (*SendResult, error) {
	payload, err := json.Marshal(map[string]string{
		"to":      to,
		"from":    p.sender,
		"sms":     body,
		"api_key": p.apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal sms payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/sms/send", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &RetryableError{Err: fmt.Errorf("sms request: %w", err)}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 500 {
		return nil, &RetryableError{Err: fmt.Errorf("sms gateway %d: %s", resp.StatusCode, respBody)}
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("sms rejected %d: %s", resp.StatusCode, respBody)
	}

	var out struct {
		MessageID string `json:"message_id"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decode sms response: %w", err)
	}
	return &SendResult{ProviderMessageID: out.MessageID, Status: out.Status}, nil
}
