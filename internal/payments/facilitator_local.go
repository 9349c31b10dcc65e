package payments

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"leasebox/internal/logging"
)

// LocalFacilitator verifies exact-scheme proofs in process and pretends to
// settle them. It enforces single use of each authorization nonce the way the
// token contract would. Intended for development and tests.
type LocalFacilitator struct {
	mu   sync.Mutex
	used map[string]string // from|nonce -> transaction
	now  func() time.Time
}

func NewLocalFacilitator() *LocalFacilitator {
	return &LocalFacilitator{
		used: make(map[string]string),
		now:  time.Now,
	}
}

func (f *LocalFacilitator) Verify(ctx context.Context, payload *PaymentPayload, req PaymentRequirements) (*VerifyResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyLocked(payload, req), nil
}

func (f *LocalFacilitator) Settle(ctx context.Context, payload *PaymentPayload, req PaymentRequirements) (*SettlementResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	auth := payload.Payload.Authorization
	resp := &SettlementResponse{Network: req.Network, Payer: auth.From}

	if tx, ok := f.used[nonceKey(auth)]; ok {
		resp.ErrorReason = reasonNonceAlreadyUsed
		resp.Transaction = tx
		return resp, nil
	}

	v := f.verifyLocked(payload, req)
	if !v.IsValid {
		resp.ErrorReason = v.InvalidReason
		return resp, nil
	}

	tx := hexutil.Encode(crypto.Keccak256([]byte(nonceKey(auth)), []byte(payload.Payload.Signature)))
	f.used[nonceKey(auth)] = tx

	logging.Payments.Infof("local settlement of %s to %s from %s (tx %s)", auth.Value, auth.To, auth.From, tx[:18])
	resp.Success = true
	resp.Transaction = tx
	return resp, nil
}

func (f *LocalFacilitator) verifyLocked(payload *PaymentPayload, req PaymentRequirements) *VerifyResponse {
	auth := payload.Payload.Authorization
	invalid := func(reason string) *VerifyResponse {
		return &VerifyResponse{InvalidReason: reason, Payer: auth.From}
	}

	if reason := checkPayload(payload, req, f.now()); reason != "" {
		return invalid(reason)
	}
	if _, ok := f.used[nonceKey(auth)]; ok {
		return invalid(reasonNonceAlreadyUsed)
	}

	signer, err := recoverAuthorizer(req, auth, payload.Payload.Signature)
	if err != nil || !strings.EqualFold(signer, auth.From) {
		return invalid(reasonInvalidSignature)
	}
	return &VerifyResponse{IsValid: true, Payer: auth.From}
}

func nonceKey(auth Authorization) string {
	return strings.ToLower(auth.From) + "|" + strings.ToLower(auth.Nonce)
}
