// Package store implements the domain data-store contract over SQLite.
// The engine consumes it through the narrow DataStore interface: queries
// and catalog listings are idempotent and safe to retry, writes are
// attempted exactly once.
package store

import (
	"context"

	"curator/internal/catalog"
	"curator/internal/types"
)

// Filter is an equality filter over record fields. An "id" key matches the
// record id; every other key matches a typed field.
type Filter map[string]any

// DataStore is the CRUD contract the engine executes against.
type DataStore interface {
	catalog.Source

	Query(ctx context.Context, targetType string, filters Filter) ([]types.Record, error)
	Create(ctx context.Context, targetType string, fields map[string]any) (types.Record, error)
	Update(ctx context.Context, targetType, id string, fields map[string]any) (types.Record, error)
	Delete(ctx context.Context, targetType, id string) error
}
