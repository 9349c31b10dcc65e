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

	"leasebox/internal/logging"
)

// RemoteFacilitator talks to an x402 facilitator over HTTP.
type RemoteFacilitator struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// RemoteConfig holds configuration for the remote facilitator client.
type RemoteConfig struct {
	URL    string
	APIKey string // optional bearer token
}

func NewRemoteFacilitator(cfg RemoteConfig) (*RemoteFacilitator, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("facilitator URL is required")
	}
	return &RemoteFacilitator{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

type facilitatorRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentPayload      *PaymentPayload     `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

func (f *RemoteFacilitator) Verify(ctx context.Context, payload *PaymentPayload, req PaymentRequirements) (*VerifyResponse, error) {
	var resp VerifyResponse
	if err := f.post(ctx, "/verify", payload, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (f *RemoteFacilitator) Settle(ctx context.Context, payload *PaymentPayload, req PaymentRequirements) (*SettlementResponse, error) {
	var resp SettlementResponse
	if err := f.post(ctx, "/settle", payload, req, &resp); err != nil {
		return nil, err
	}
	if resp.Success {
		logging.Payments.Infof("settled %s %s from %s (tx %s)", req.MaxAmountRequired, req.Asset, resp.Payer, resp.Transaction)
	}
	return &resp, nil
}

func (f *RemoteFacilitator) post(ctx context.Context, path string, payload *PaymentPayload, req PaymentRequirements, out any) error {
	body, err := json.Marshal(facilitatorRequest{
		X402Version:         X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: req,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if f.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.httpClient.Do(httpReq)
	if err != nil {
		logging.Payments.Errorf("facilitator %s failed: %v", path, err)
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	// Facilitators answer rejected proofs with 400 and a structured body.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("facilitator returned status %d: %s", resp.StatusCode, string(data))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
