package models

import "encoding/json"

// Collection names cached by the agent. These mirror the server-side
// resource types and are the only collections the local store provisions.
const (
	CollectionProperties = "properties"
	CollectionTenants    = "tenants"
	CollectionPayments   = "payments"
)

// Collections lists every cached collection in a stable order.
var Collections = []string{
	CollectionProperties,
	CollectionTenants,
	CollectionPayments,
}

// ValidCollection reports whether name is a known cached collection.
func ValidCollection(name string) bool {
	for _, c := range Collections {
		if c == name {
			return true
		}
	}
	return false
}

// CachedEntity is a local snapshot of a server-side record, keyed by the
// server-assigned identifier. The payload is stored opaquely so the cache
// survives server-side schema additions without migration.
type CachedEntity struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}
