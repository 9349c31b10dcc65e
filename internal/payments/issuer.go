package payments

import (
	"fmt"
	"strconv"
)

// IssuerConfig is everything a challenge is derived from.
type IssuerConfig struct {
	Network           string
	PayTo             string
	Asset             string
	AssetName         string
	AssetVersion      string
	MaxTimeoutSeconds int
}

// Product is a priced operation.
type Product struct {
	Description string
	Pricing     Pricing
}

// Issuer builds payment challenges. It holds no per-request state.
type Issuer struct {
	cfg      IssuerConfig
	products map[string]Product
}

func NewIssuer(cfg IssuerConfig, products map[string]Product) *Issuer {
	return &Issuer{cfg: cfg, products: products}
}

// Requirements returns what paying for product on resource costs for a payload of size bytes.
func (i *Issuer) Requirements(product, resource string, size int64) (PaymentRequirements, error) {
	p, ok := i.products[product]
	if !ok {
		return PaymentRequirements{}, fmt.Errorf("unknown product %q", product)
	}
	return PaymentRequirements{
		Scheme:            SchemeExact,
		Network:           i.cfg.Network,
		MaxAmountRequired: strconv.FormatInt(p.Pricing.Price(size), 10),
		Resource:          resource,
		Description:       p.Description,
		MimeType:          "application/json",
		PayTo:             i.cfg.PayTo,
		MaxTimeoutSeconds: i.cfg.MaxTimeoutSeconds,
		Asset:             i.cfg.Asset,
		Extra: &AssetInfo{
			Name:    i.cfg.AssetName,
			Version: i.cfg.AssetVersion,
		},
	}, nil
}

// NewChallenge wraps requirements in a 402 body.
func NewChallenge(reason string, req PaymentRequirements) *Challenge {
	return &Challenge{
		X402Version: X402Version,
		Error:       reason,
		Accepts:     []PaymentRequirements{req},
	}
}
