package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// InitializeResult is what the gateway returns when a charge is set up.
type InitializeResult struct {
	AuthorizationURL string
	AccessCode       string
}

// VerifyResult is the gateway's answer for a reference. Status "success" with
// a matching amount is the only combination that credits a payment.
type VerifyResult struct {
	Status string
	Amount int64 // minor units
	PaidAt time.Time
	Raw    string // raw response body, kept for audit
}

// Provider is the payment gateway boundary.
type Provider interface {
	Initialize(ctx context.Context, email string, amount int64, reference, callbackURL string, metadata map[string]string) (*InitializeResult, error)
	Verify(ctx context.Context, reference string) (*VerifyResult, error)
}

// HTTPProvider talks to a Paystack-compatible REST gateway.
type HTTPProvider struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

// NewHTTPProvider returns a provider bound to a gateway base URL.
func NewHTTPProvider(baseURL, secretKey string) *HTTPProvider {
	return &HTTPProvider{
		baseURL:   strings.TrimRight(baseURL, "/"),
		secretKey: secretKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Initialize sets up a charge and returns the authorization details the
// customer completes payment with.
func (p *HTTPProvider) Initialize(ctx context.Context, email string, amount int64, reference, callbackURL string, metadata map[string]string) (*InitializeResult, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"email":        email,
		"amount":       amount,
		"reference":    reference,
		"callback_url": callbackURL,
		"metadata":     metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal initialize payload: %w", err)
	}

	body, err := p.post(ctx, "/transaction/initialize", payload)
	if err != nil {
		return nil, err
	}

	var out struct {
		Status bool `json:"status"`
		Data   struct {
			AuthorizationURL string `json:"authorization_url"`
			AccessCode       string `json:"access_code"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode initialize response: %w", err)
	}
	if !out.Status {
		return nil, fmt.Errorf("gateway rejected initialize for reference %s", reference)
	}
	return &InitializeResult{
		AuthorizationURL: out.Data.AuthorizationURL,
		AccessCode:       out.Data.AccessCode,
	}, nil
}

// Verify asks the gateway for the canonical state of a reference.
func (p *HTTPProvider) Verify(ctx context.Context, reference string) (*VerifyResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/transaction/verify/"+reference, nil)
	if err != nil {
		return nil, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.secretKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verify request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read verify response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("gateway verify %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Data struct {
			Status string `json:"status"`
			Amount int64  `json:"amount"`
			PaidAt string `json:"paid_at"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode verify response: %w", err)
	}

	res := &VerifyResult{
		Status: out.Data.Status,
		Amount: out.Data.Amount,
		Raw:    string(body),
	}
	if out.Data.PaidAt != "" {
		if t, err := time.Parse(time.RFC3339, out.Data.PaidAt); err == nil {
			res.PaidAt = t
		}
	}
	return res, nil
}

func (p *HTTPProvider) post(ctx context.Context, path string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read gateway response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("gateway %s %d: %s", path, resp.StatusCode, body)
	}
	return body, nil
}
