package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"leasebox/internal/logging"
)

var (
	// ErrPaymentInvalid means the proof was missing, malformed, or rejected.
	// The client should obtain a fresh challenge and pay again.
	ErrPaymentInvalid = errors.New("payment invalid")
	// ErrFacilitator means settlement could not be determined. It is never treated as paid.
	ErrFacilitator = errors.New("payment facilitator unavailable")
)

// Settlement is the outcome of a successfully settled proof.
type Settlement struct {
	Transaction string
	Network     string
	Payer       string
}

// Response converts the settlement into the X-PAYMENT-RESPONSE body.
func (s *Settlement) Response() *SettlementResponse {
	return &SettlementResponse{
		Success:     true,
		Transaction: s.Transaction,
		Network:     s.Network,
		Payer:       s.Payer,
	}
}

// Service verifies and settles payment proofs. Every call is independent:
// nothing about previous payments by the same identity is remembered.
type Service struct {
	facilitator Facilitator
	now         func() time.Time
}

// NewService creates a new settlement service.
func NewService(f Facilitator) *Service {
	return &Service{facilitator: f, now: time.Now}
}

// Settle decodes header, checks it against req, and settles it through the facilitator.
func (s *Service) Settle(ctx context.Context, header string, req PaymentRequirements) (*Settlement, error) {
	payload, err := DecodePayment(header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPaymentInvalid, err)
	}

	if reason := checkPayload(payload, req, s.now()); reason != "" {
		logging.Payments.Warnf("rejected payment for %s: %s", req.Resource, reason)
		return nil, fmt.Errorf("%w: %s", ErrPaymentInvalid, reason)
	}

	verified, err := s.facilitator.Verify(ctx, payload, req)
	if err != nil {
		return nil, fmt.Errorf("%w: verify: %v", ErrFacilitator, err)
	}
	if !verified.IsValid {
		logging.Payments.Warnf("facilitator rejected payment for %s: %s", req.Resource, verified.InvalidReason)
		return nil, fmt.Errorf("%w: %s", ErrPaymentInvalid, verified.InvalidReason)
	}

	settled, err := s.facilitator.Settle(ctx, payload, req)
	if err != nil {
		return nil, fmt.Errorf("%w: settle: %v", ErrFacilitator, err)
	}
	if !settled.Success {
		logging.Payments.Warnf("settlement failed for %s: %s", req.Resource, settled.ErrorReason)
		return nil, fmt.Errorf("%w: %s", ErrPaymentInvalid, settled.ErrorReason)
	}

	payer := settled.Payer
	if payer == "" {
		payer = verified.Payer
	}
	network := settled.Network
	if network == "" {
		network = req.Network
	}
	return &Settlement{
		Transaction: settled.Transaction,
		Network:     network,
		Payer:       payer,
	}, nil
}
