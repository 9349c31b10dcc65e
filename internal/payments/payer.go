package payments

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Payer builds a payment proof that satisfies a challenge.
type Payer interface {
	CreatePayment(req PaymentRequirements) (*PaymentPayload, error)
}

// validAfterSkew backdates authorizations to tolerate clock drift between payer and chain.
const validAfterSkew = 10 * time.Minute

// ExactEVMPayer signs EIP-3009 transfer authorizations for the "exact" scheme.
type ExactEVMPayer struct {
	key *ecdsa.PrivateKey
	now func() time.Time
}

func NewExactEVMPayer(key *ecdsa.PrivateKey) *ExactEVMPayer {
	return &ExactEVMPayer{key: key, now: time.Now}
}

// Address is the payer's checksummed address.
func (p *ExactEVMPayer) Address() string {
	return crypto.PubkeyToAddress(p.key.PublicKey).Hex()
}

func (p *ExactEVMPayer) CreatePayment(req PaymentRequirements) (*PaymentPayload, error) {
	if req.Scheme != SchemeExact {
		return nil, fmt.Errorf("unsupported scheme %q", req.Scheme)
	}

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	now := p.now()
	timeout := req.MaxTimeoutSeconds
	if timeout <= 0 {
		timeout = 60
	}
	auth := Authorization{
		From:        p.Address(),
		To:          req.PayTo,
		Value:       req.MaxAmountRequired,
		ValidAfter:  strconv.FormatInt(now.Add(-validAfterSkew).Unix(), 10),
		ValidBefore: strconv.FormatInt(now.Add(time.Duration(timeout)*time.Second).Unix(), 10),
		Nonce:       hexutil.Encode(nonce),
	}

	hash, err := authorizationHash(req, auth)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(hash, p.key)
	if err != nil {
		return nil, fmt.Errorf("sign authorization: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27

	return &PaymentPayload{
		X402Version: X402Version,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload: ExactEVMPayload{
			Signature:     hexutil.Encode(sig),
			Authorization: auth,
		},
	}, nil
}
