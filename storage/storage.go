// Package storage defines the adapter contract the data-access core uses to
// reach the persistence layer, plus a SQLite-backed reference implementation.
// The core never issues raw queries itself; resolvers and the batching cache
// only see Adapter.
package storage

import "context"

// Entity is a stored record decoded as a JSON document. Every entity carries
// an "id" field.
type Entity map[string]interface{}

// ID returns the entity's identifier, or empty string if absent.
func (e Entity) ID() string {
	id, _ := e["id"].(string)
	return id
}

// Adapter is the storage collaborator contract.
type Adapter interface {
	// FetchByIDs returns the entities of the given type matching ids.
	// Missing ids are simply absent from the result; that is not an error.
	FetchByIDs(ctx context.Context, entityType string, ids []string) ([]Entity, error)

	// FetchByFilter returns entities of the given type whose fields equal
	// every value in filter.
	FetchByFilter(ctx context.Context, entityType string, filter map[string]interface{}) ([]Entity, error)
}
