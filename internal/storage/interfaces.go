// Package storage defines the persistence contracts for the fragment store.
// Implementations live in subpackages (sqlite, postgres); consumers depend
// only on the interfaces defined here.
package storage

import (
	"context"

	"github.com/scrypster/sage/pkg/types"
)

// FragmentStore is the persistence contract for knowledge fragments.
type FragmentStore interface {
	// InitSchema creates the fragment table and indexes if they do not
	// exist, and migrates older tables forward (adding the per-field
	// embedding columns). Idempotent.
	InitSchema(ctx context.Context) error

	// BulkInsert writes all fragments in a single transaction. Either
	// every fragment is persisted or none are.
	BulkInsert(ctx context.Context, fragments []*types.Fragment) error

	// LoadByCollection returns every fragment in the collection, ordered
	// by chunk index then creation time.
	LoadByCollection(ctx context.Context, collection string) ([]*types.Fragment, error)

	// LoadPaged returns one page of fragments from the collection.
	LoadPaged(ctx context.Context, collection string, opts ListOptions) (*PaginatedResult[*types.Fragment], error)

	// Count returns the number of fragments in the collection.
	Count(ctx context.Context, collection string) (int, error)

	// HasEmbeddings reports whether any fragment in the collection carries
	// at least one embedding vector.
	HasEmbeddings(ctx context.Context, collection string) (bool, error)

	// CollectionExists reports whether the collection has any fragments.
	CollectionExists(ctx context.Context, collection string) (bool, error)

	// ListCollections returns the distinct collection names, sorted.
	ListCollections(ctx context.Context) ([]string, error)

	// DeleteCollection removes every fragment in the collection and
	// returns the number of rows deleted.
	DeleteCollection(ctx context.Context, collection string) (int, error)

	// Delete removes a single fragment by id.
	Delete(ctx context.Context, id string) error

	// UpdateContent replaces a fragment's content, recomputing the stored
	// content length and bumping updated_at. Embeddings are left untouched
	// and must be refreshed by the caller.
	UpdateContent(ctx context.Context, id, content string) error

	// Close releases the underlying database handle.
	Close() error
}
