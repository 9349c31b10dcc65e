package payments

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPricing(t *testing.T) {
	tests := []struct {
		name    string
		pricing Pricing
		size    int64
		want    int64
	}{
		{"flat ignores size", FlatPricing(10000), 5 << 30, 10000},
		{"flat zero size", FlatPricing(10000), 0, 10000},
		{"per mib empty", PerMiBPricing{Base: 100, PerMiB: 10}, 0, 100},
		{"per mib one byte", PerMiBPricing{Base: 100, PerMiB: 10}, 1, 110},
		{"per mib exact", PerMiBPricing{Base: 100, PerMiB: 10}, 2 << 20, 120},
		{"per mib started unit", PerMiBPricing{Base: 100, PerMiB: 10}, 2<<20 + 1, 130},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.pricing.Price(tc.size))
			require.Equal(t, tc.want, tc.pricing.Price(tc.size), "pricing must be deterministic")
		})
	}
}

func TestIssuer_Requirements(t *testing.T) {
	issuer := testIssuer()

	req, err := issuer.Requirements("upload", "http://localhost:3000/upload", 5)
	require.NoError(t, err)
	require.Equal(t, SchemeExact, req.Scheme)
	require.Equal(t, "base-sepolia", req.Network)
	require.Equal(t, "10000", req.MaxAmountRequired)
	require.Equal(t, testPayTo, req.PayTo)
	require.Equal(t, "http://localhost:3000/upload", req.Resource)
	require.Equal(t, &AssetInfo{Name: "USDC", Version: "2"}, req.Extra)

	renew, err := issuer.Requirements("renew", "r", 3<<20)
	require.NoError(t, err)
	require.Equal(t, "130", renew.MaxAmountRequired)

	_, err = issuer.Requirements("download", "r", 0)
	require.Error(t, err)

	challenge := NewChallenge("X-PAYMENT header is required", req)
	require.Equal(t, X402Version, challenge.X402Version)
	require.Len(t, challenge.Accepts, 1)
}

func TestHeaderCodec(t *testing.T) {
	payer := newTestPayer(t)
	req, err := testIssuer().Requirements("upload", "r", 0)
	require.NoError(t, err)

	payload, err := payer.CreatePayment(req)
	require.NoError(t, err)

	header, err := EncodePayment(payload)
	require.NoError(t, err)
	decoded, err := DecodePayment(header)
	require.NoError(t, err)
	require.Equal(t, payload, decoded)

	_, err = DecodePayment("%%%")
	require.Error(t, err)

	s, err := EncodeSettlement(&SettlementResponse{Success: true, Transaction: "0x1", Network: "base"})
	require.NoError(t, err)
	resp, err := DecodeSettlement(s)
	require.NoError(t, err)
	require.Equal(t, "0x1", resp.Transaction)
}

func TestExactEVMPayer(t *testing.T) {
	payer := newTestPayer(t)
	req, err := testIssuer().Requirements("upload", "r", 0)
	require.NoError(t, err)

	a, err := payer.CreatePayment(req)
	require.NoError(t, err)
	b, err := payer.CreatePayment(req)
	require.NoError(t, err)

	require.NotEqual(t, a.Payload.Authorization.Nonce, b.Payload.Authorization.Nonce, "every proof gets a fresh nonce")
	require.Equal(t, req.MaxAmountRequired, a.Payload.Authorization.Value)
	require.Equal(t, req.PayTo, a.Payload.Authorization.To)

	signer, err := recoverAuthorizer(req, a.Payload.Authorization, a.Payload.Signature)
	require.NoError(t, err)
	require.Equal(t, payer.Address(), signer)

	req.Scheme = "upto"
	_, err = payer.CreatePayment(req)
	require.Error(t, err)

	req.Scheme = SchemeExact
	req.Network = "solana"
	_, err = payer.CreatePayment(req)
	require.Error(t, err)
}
