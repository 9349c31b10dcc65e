package payments

import (
	"context"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// Facilitator verifies and settles payment proofs on behalf of the server.
type Facilitator interface {
	Verify(ctx context.Context, payload *PaymentPayload, req PaymentRequirements) (*VerifyResponse, error)
	Settle(ctx context.Context, payload *PaymentPayload, req PaymentRequirements) (*SettlementResponse, error)
}

// Invalid reasons follow the facilitator vocabulary so local and remote
// rejections read the same in logs.
const (
	reasonUnsupportedScheme  = "unsupported_scheme"
	reasonInvalidNetwork     = "invalid_network"
	reasonInvalidRecipient   = "invalid_exact_evm_payload_recipient_mismatch"
	reasonInsufficientValue  = "invalid_exact_evm_payload_authorization_value"
	reasonNotYetValid        = "invalid_exact_evm_payload_authorization_valid_after"
	reasonExpired            = "invalid_exact_evm_payload_authorization_valid_before"
	reasonInvalidSignature   = "invalid_exact_evm_payload_signature"
	reasonNonceAlreadyUsed   = "nonce_already_used"
	reasonMalformedAmount    = "invalid_payment_requirements"
	reasonUnsupportedVersion = "invalid_x402_version"
)

// checkPayload compares a proof against the requirements it claims to satisfy.
// It returns an empty reason when the proof is consistent.
func checkPayload(payload *PaymentPayload, req PaymentRequirements, now time.Time) string {
	if payload.X402Version != X402Version {
		return reasonUnsupportedVersion
	}
	if payload.Scheme != req.Scheme || req.Scheme != SchemeExact {
		return reasonUnsupportedScheme
	}
	if payload.Network != req.Network {
		return reasonInvalidNetwork
	}

	auth := payload.Payload.Authorization
	if !strings.EqualFold(auth.To, req.PayTo) {
		return reasonInvalidRecipient
	}

	required, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
	if !ok {
		return reasonMalformedAmount
	}
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok || value.Cmp(required) < 0 {
		return reasonInsufficientValue
	}

	validAfter, err := strconv.ParseInt(auth.ValidAfter, 10, 64)
	if err != nil || validAfter > now.Unix() {
		return reasonNotYetValid
	}
	validBefore, err := strconv.ParseInt(auth.ValidBefore, 10, 64)
	if err != nil || validBefore <= now.Unix() {
		return reasonExpired
	}
	return ""
}
