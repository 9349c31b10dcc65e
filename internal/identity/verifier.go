// Package identity proves control of an owner identity through signatures
// over canonical per-operation messages.
package identity

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Verifier decides whether signature was produced by identity over message.
// Malformed input is a failed verification, never an error.
type Verifier interface {
	Verify(identity, message, signature string) bool
	ValidIdentity(identity string) bool
}

// EthVerifier verifies EIP-191 personal_sign signatures against EVM addresses.
type EthVerifier struct{}

func NewEthVerifier() *EthVerifier {
	return &EthVerifier{}
}

func (EthVerifier) ValidIdentity(identity string) bool {
	return common.IsHexAddress(identity) && strings.HasPrefix(strings.ToLower(identity), "0x")
}

func (v EthVerifier) Verify(identity, message, signature string) bool {
	if !v.ValidIdentity(identity) {
		return false
	}
	recovered, err := RecoverAddress(message, signature)
	if err != nil {
		return false
	}
	return strings.EqualFold(recovered, identity)
}

// RecoverAddress returns the checksummed address that signed message.
func RecoverAddress(message, signature string) (string, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return "", fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}

	// Normalize v to {0,1}; wallets emit {27,28}.
	sig = append([]byte(nil), sig...)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	if sig[crypto.RecoveryIDOffset] > 1 {
		return "", fmt.Errorf("invalid recovery id %d", sig[crypto.RecoveryIDOffset])
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return "", fmt.Errorf("recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

// Signer produces personal_sign signatures for canonical messages.
type Signer struct {
	key *ecdsa.PrivateKey
}

// NewSigner parses a hex private key (with or without 0x prefix).
func NewSigner(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Signer{key: key}, nil
}

func NewSignerFromKey(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key}
}

// Address is the lowercase form used as the owner identity.
func (s *Signer) Address() string {
	return strings.ToLower(crypto.PubkeyToAddress(s.key.PublicKey).Hex())
}

// PrivateKey exposes the key for payment signing.
func (s *Signer) PrivateKey() *ecdsa.PrivateKey {
	return s.key
}

// Sign returns a 0x-prefixed 65 byte signature with v in {27,28}.
func (s *Signer) Sign(message string) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), s.key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}
