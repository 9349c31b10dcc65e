package api

import "leasebox/internal/identity"

// Request headers carrying the caller's identity claim and proof of control.
const (
	HeaderIdentity  = "X-Owner-Identity"
	HeaderSignature = "X-Signature"
	HeaderExpiresAt = "X-Expires-At"
	HeaderRequestID = "X-Request-ID"
)

// Product names understood by the payment issuer.
const (
	ProductUpload = "upload"
	ProductRenew  = "renew"
)

// Operation describes one protocol operation and the guards it requires.
type Operation struct {
	Name    string
	Pattern string
	// Signed operations require a signature over Message(key) by the identity.
	Signed  bool
	Message func(key string) string
	// Owned operations load the record named in the path and require the
	// identity to own it. Ownership is checked before any payment is requested.
	Owned bool
	// Product is the priced product, or empty for free operations.
	Product string
}

// Priced reports whether the operation requires a settled payment.
func (op Operation) Priced() bool {
	return op.Product != ""
}

var (
	opUpload = Operation{Name: "upload", Pattern: "POST /upload", Product: ProductUpload}
	opRead   = Operation{Name: "read", Pattern: "GET /file/{key...}", Signed: true, Message: identity.ReadMessage, Owned: true}
	opList   = Operation{Name: "list", Pattern: "GET /files", Signed: true, Message: func(string) string { return identity.ListMessage }}
	opInfo   = Operation{Name: "info", Pattern: "GET /file-info/{key...}", Signed: true, Message: identity.InfoMessage, Owned: true}
	opDelete = Operation{Name: "delete", Pattern: "DELETE /file/{key...}", Signed: true, Message: identity.DeleteMessage, Owned: true}
	opRenew  = Operation{Name: "renew", Pattern: "POST /renew/{key...}", Signed: true, Message: identity.RenewMessage, Owned: true, Product: ProductRenew}
)

// Operations lists every protocol operation in a fixed order.
func Operations() []Operation {
	return []Operation{opUpload, opRead, opList, opInfo, opDelete, opRenew}
}
