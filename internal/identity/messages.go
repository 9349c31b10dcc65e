package identity

// Canonical messages signed by an owner to authorize an operation on a key.
// Destructive and priced intents carry their own prefix so a read signature
// cannot authorize a delete or a renewal of the same key.
const (
	ListMessage  = "list-files"
	deletePrefix = "delete:"
	renewPrefix  = "renew:"
)

func ReadMessage(key string) string { return key }

func InfoMessage(key string) string { return key }

func DeleteMessage(key string) string { return deletePrefix + key }

func RenewMessage(key string) string { return renewPrefix + key }
