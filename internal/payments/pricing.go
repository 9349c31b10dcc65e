package payments

// Pricing computes the price, in the asset's smallest unit, for a payload size.
// Implementations must be deterministic so the challenge a client paid against
// is the one the server re-derives when verifying.
type Pricing interface {
	Price(size int64) int64
}

// FlatPricing charges the same amount regardless of size.
type FlatPricing int64

func (p FlatPricing) Price(int64) int64 { return int64(p) }

const mib = 1 << 20

// PerMiBPricing charges Base plus PerMiB for every started mebibyte.
type PerMiBPricing struct {
	Base   int64
	PerMiB int64
}

func (p PerMiBPricing) Price(size int64) int64 {
	if size <= 0 {
		return p.Base
	}
	units := (size + mib - 1) / mib
	return p.Base + units*p.PerMiB
}
