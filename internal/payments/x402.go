package payments

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// X402Version is the protocol version carried in challenges and proofs.
const X402Version = 1

// SchemeExact pays a fixed amount with an EIP-3009 transfer authorization.
const SchemeExact = "exact"

const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

// PaymentRequirements describes one acceptable way to pay for a resource.
type PaymentRequirements struct {
	Scheme            string     `json:"scheme"`
	Network           string     `json:"network"`
	MaxAmountRequired string     `json:"maxAmountRequired"` // smallest asset unit, decimal
	Resource          string     `json:"resource"`
	Description       string     `json:"description"`
	MimeType          string     `json:"mimeType"`
	PayTo             string     `json:"payTo"`
	MaxTimeoutSeconds int        `json:"maxTimeoutSeconds"`
	Asset             string     `json:"asset"`
	Extra             *AssetInfo `json:"extra,omitempty"`
}

// AssetInfo carries the token's EIP-712 domain name and version.
type AssetInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Challenge is the body of a 402 response.
type Challenge struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// PaymentPayload is the client-built proof sent in the X-PAYMENT header.
type PaymentPayload struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     ExactEVMPayload `json:"payload"`
}

type ExactEVMPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// Authorization mirrors EIP-3009 transferWithAuthorization arguments.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// VerifyResponse is a facilitator's answer to /verify.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettlementResponse is a facilitator's answer to /settle, and the
// X-PAYMENT-RESPONSE header returned to the client.
type SettlementResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
}

var errEmptyHeader = errors.New("empty payment header")

// EncodePayment serializes a proof for the X-PAYMENT header.
func EncodePayment(p *PaymentPayload) (string, error) {
	return encodeHeader(p)
}

// DecodePayment parses an X-PAYMENT header value.
func DecodePayment(header string) (*PaymentPayload, error) {
	var p PaymentPayload
	if err := decodeHeader(header, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func EncodeSettlement(s *SettlementResponse) (string, error) {
	return encodeHeader(s)
}

func DecodeSettlement(header string) (*SettlementResponse, error) {
	var s SettlementResponse
	if err := decodeHeader(header, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func encodeHeader(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func decodeHeader(header string, v any) error {
	if header == "" {
		return errEmptyHeader
	}
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return fmt.Errorf("decode base64: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}
