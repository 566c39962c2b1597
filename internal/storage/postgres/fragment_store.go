// Package postgres implements the fragment store on PostgreSQL via lib/pq.
// Embedding vectors are stored as little-endian float32 byte arrays, the same
// wire format as the SQLite store. When the pgvector extension is available a
// mirror vector column is maintained for the combined embedding so nearest
// neighbour prefiltering can run inside the database.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/scrypster/sage/internal/storage"
	"github.com/scrypster/sage/pkg/types"
)

// FragmentStore is the PostgreSQL-backed fragment store.
type FragmentStore struct {
	db *sql.DB

	// pgvectorAvailable is set during InitSchema when the vector extension
	// could be created or already exists.
	pgvectorAvailable bool

	// dimension of the mirror vector column, fixed at schema init.
	dimension int
}

// Compile-time interface check.
var _ storage.FragmentStore = (*FragmentStore)(nil)

// NewFragmentStore connects to PostgreSQL using a lib/pq connection string.
// dimension sizes the pgvector mirror column; pass the embedding dimension
// from configuration.
func NewFragmentStore(connStr string, dimension int) (*FragmentStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, wrapPostgresError("failed to ping database", err)
	}

	return &FragmentStore{db: db, dimension: dimension}, nil
}

// Close releases the database handle.
func (s *FragmentStore) Close() error {
	return s.db.Close()
}

// PgvectorAvailable reports whether the vector extension was detected.
func (s *FragmentStore) PgvectorAvailable() bool {
	return s.pgvectorAvailable
}

// InitSchema creates the fragments table and indexes, migrating older tables
// forward by adding the per-field embedding columns. Idempotent.
func (s *FragmentStore) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		log.Printf("postgres: pgvector extension unavailable, nearest-neighbour prefilter disabled: %v", err)
		s.pgvectorAvailable = false
	} else {
		s.pgvectorAvailable = true
	}

	schema := `
	CREATE TABLE IF NOT EXISTS fragments (
		id                  TEXT PRIMARY KEY,
		collection          TEXT NOT NULL,
		category            TEXT NOT NULL DEFAULT '',
		content             TEXT NOT NULL,
		content_length      INTEGER NOT NULL,
		combined_embedding  BYTEA,
		embedding_dimension INTEGER,
		source_file         TEXT,
		chunk_index         INTEGER,
		created_at          TIMESTAMPTZ NOT NULL,
		updated_at          TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_fragments_collection
		ON fragments(collection);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_fragments_source_chunk
		ON fragments(collection, source_file, chunk_index)
		WHERE source_file IS NOT NULL AND chunk_index IS NOT NULL;
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return wrapPostgresError("failed to create schema", err)
	}

	migrations := []string{
		`ALTER TABLE fragments ADD COLUMN IF NOT EXISTS category_embedding BYTEA`,
		`ALTER TABLE fragments ADD COLUMN IF NOT EXISTS content_embedding BYTEA`,
	}
	if s.pgvectorAvailable {
		migrations = append(migrations,
			fmt.Sprintf(`ALTER TABLE fragments ADD COLUMN IF NOT EXISTS combined_vec vector(%d)`, s.dimension))
	}
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return wrapPostgresError("failed to migrate schema", err)
		}
	}
	return nil
}

// BulkInsert writes all fragments in one transaction.
func (s *FragmentStore) BulkInsert(ctx context.Context, fragments []*types.Fragment) error {
	if len(fragments) == 0 {
		return nil
	}
	for _, f := range fragments {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("postgres: %w: %w", storage.ErrInvalidInput, err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapPostgresError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO fragments (
			id, collection, category, content, content_length,
			combined_embedding, category_embedding, content_embedding,
			embedding_dimension, source_file, chunk_index,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	if s.pgvectorAvailable {
		query = `
		INSERT INTO fragments (
			id, collection, category, content, content_length,
			combined_embedding, category_embedding, content_embedding,
			embedding_dimension, source_file, chunk_index,
			created_at, updated_at, combined_vec
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return wrapPostgresError("failed to prepare insert", err)
	}
	defer stmt.Close()

	for _, f := range fragments {
		args := []interface{}{
			f.ID,
			f.Collection,
			f.Category,
			f.Content,
			f.ContentLength,
			serializeEmbedding(f.CombinedEmbedding),
			serializeEmbedding(f.CategoryEmbedding),
			serializeEmbedding(f.ContentEmbedding),
			nullableInt(f.EmbeddingDimension),
			nullableString(f.SourceFile),
			nullableInt(f.ChunkIndex),
			f.CreatedAt,
			f.UpdatedAt,
		}
		if s.pgvectorAvailable {
			args = append(args, combinedVector(f))
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("postgres: fragment %s: %w", f.ID, storage.ErrDuplicateChunk)
			}
			return wrapPostgresError("failed to insert fragment "+f.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapPostgresError("failed to commit bulk insert", err)
	}
	return nil
}

// combinedVector maps a fragment's combined embedding to a pgvector value,
// or NULL when absent.
func combinedVector(f *types.Fragment) interface{} {
	if f.CombinedEmbedding == nil {
		return nil
	}
	return pgvector.NewVector(f.CombinedEmbedding)
}

const fragmentColumns = `
	id, collection, category, content, content_length,
	combined_embedding, category_embedding, content_embedding,
	embedding_dimension, source_file, chunk_index, created_at, updated_at`

// LoadByCollection returns every fragment in the collection ordered by chunk
// index then creation time.
func (s *FragmentStore) LoadByCollection(ctx context.Context, collection string) ([]*types.Fragment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fragmentColumns+`
		FROM fragments
		WHERE collection = $1
		ORDER BY chunk_index ASC NULLS LAST, created_at ASC
	`, collection)
	if err != nil {
		return nil, wrapPostgresError("failed to query collection "+collection, err)
	}
	defer rows.Close()

	return scanFragments(rows)
}

// LoadPaged returns one page of fragments from the collection.
func (s *FragmentStore) LoadPaged(ctx context.Context, collection string, opts storage.ListOptions) (*storage.PaginatedResult[*types.Fragment], error) {
	opts.Normalize()

	total, err := s.Count(ctx, collection)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fragmentColumns+`
		FROM fragments
		WHERE collection = $1
		ORDER BY chunk_index ASC NULLS LAST, created_at ASC
		LIMIT $2 OFFSET $3
	`, collection, opts.Limit, opts.Offset())
	if err != nil {
		return nil, wrapPostgresError("failed to query page of "+collection, err)
	}
	defer rows.Close()

	items, err := scanFragments(rows)
	if err != nil {
		return nil, err
	}

	return &storage.PaginatedResult[*types.Fragment]{
		Items:    items,
		Total:    total,
		Page:     opts.Page,
		PageSize: opts.Limit,
		HasMore:  opts.Offset()+len(items) < total,
	}, nil
}

// NearestByCombined returns up to limit fragments ordered by cosine distance
// of the combined vector to the query, using pgvector's <=> operator. Only
// usable when the extension is available; callers fall back to in-process
// scoring otherwise.
func (s *FragmentStore) NearestByCombined(ctx context.Context, collection string, query []float32, limit int) ([]*types.Fragment, error) {
	if !s.pgvectorAvailable {
		return nil, fmt.Errorf("postgres: %w: pgvector extension not available", storage.ErrInvalidInput)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fragmentColumns+`
		FROM fragments
		WHERE collection = $1 AND combined_vec IS NOT NULL
		ORDER BY combined_vec <=> $2
		LIMIT $3
	`, collection, pgvector.NewVector(query), limit)
	if err != nil {
		return nil, wrapPostgresError("failed nearest-neighbour query on "+collection, err)
	}
	defer rows.Close()

	return scanFragments(rows)
}

// Count returns the number of fragments in the collection.
func (s *FragmentStore) Count(ctx context.Context, collection string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fragments WHERE collection = $1`, collection,
	).Scan(&count)
	if err != nil {
		return 0, wrapPostgresError("failed to count collection "+collection, err)
	}
	return count, nil
}

// HasEmbeddings reports whether any fragment in the collection carries at
// least one embedding vector.
func (s *FragmentStore) HasEmbeddings(ctx context.Context, collection string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM fragments
			WHERE collection = $1
			  AND (combined_embedding IS NOT NULL
			   OR category_embedding IS NOT NULL
			   OR content_embedding IS NOT NULL)
		)
	`, collection).Scan(&exists)
	if err != nil {
		return false, wrapPostgresError("failed to check embeddings of "+collection, err)
	}
	return exists, nil
}

// CollectionExists reports whether the collection has any fragments.
func (s *FragmentStore) CollectionExists(ctx context.Context, collection string) (bool, error) {
	count, err := s.Count(ctx, collection)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListCollections returns the distinct collection names, sorted.
func (s *FragmentStore) ListCollections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT collection FROM fragments ORDER BY collection`)
	if err != nil {
		return nil, wrapPostgresError("failed to list collections", err)
	}
	defer rows.Close()

	var collections []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, wrapPostgresError("failed to scan collection name", err)
		}
		collections = append(collections, name)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPostgresError("failed to read collection rows", err)
	}
	return collections, nil
}

// DeleteCollection removes every fragment in the collection.
func (s *FragmentStore) DeleteCollection(ctx context.Context, collection string) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM fragments WHERE collection = $1`, collection)
	if err != nil {
		return 0, wrapPostgresError("failed to delete collection "+collection, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, wrapPostgresError("failed to read affected rows", err)
	}
	log.Printf("postgres: deleted %d fragments from collection %s", affected, collection)
	return int(affected), nil
}

// Delete removes a single fragment by id.
func (s *FragmentStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM fragments WHERE id = $1`, id)
	if err != nil {
		return wrapPostgresError("failed to delete fragment "+id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return wrapPostgresError("failed to read affected rows", err)
	}
	if affected == 0 {
		return fmt.Errorf("postgres: fragment %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// UpdateContent replaces a fragment's content, recomputing content_length and
// bumping updated_at. Embeddings are left untouched.
func (s *FragmentStore) UpdateContent(ctx context.Context, id, content string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE fragments
		SET content = $1, content_length = $2, updated_at = $3
		WHERE id = $4
	`, content, len(content), time.Now().UTC(), id)
	if err != nil {
		return wrapPostgresError("failed to update fragment "+id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return wrapPostgresError("failed to read affected rows", err)
	}
	if affected == 0 {
		return fmt.Errorf("postgres: fragment %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// scanFragments reads fragment rows into the domain type.
func scanFragments(rows *sql.Rows) ([]*types.Fragment, error) {
	var fragments []*types.Fragment
	for rows.Next() {
		f := &types.Fragment{}
		var (
			combinedBlob []byte
			categoryBlob []byte
			contentBlob  []byte
			dimension    sql.NullInt64
			sourceFile   sql.NullString
			chunkIndex   sql.NullInt64
		)
		err := rows.Scan(
			&f.ID, &f.Collection, &f.Category, &f.Content, &f.ContentLength,
			&combinedBlob, &categoryBlob, &contentBlob,
			&dimension, &sourceFile, &chunkIndex,
			&f.CreatedAt, &f.UpdatedAt,
		)
		if err != nil {
			return nil, wrapPostgresError("failed to scan fragment row", err)
		}

		if f.CombinedEmbedding, err = deserializeEmbedding(combinedBlob); err != nil {
			return nil, err
		}
		if f.CategoryEmbedding, err = deserializeEmbedding(categoryBlob); err != nil {
			return nil, err
		}
		if f.ContentEmbedding, err = deserializeEmbedding(contentBlob); err != nil {
			return nil, err
		}
		f.EmbeddingDimension = int(dimension.Int64)
		f.SourceFile = sourceFile.String
		f.ChunkIndex = int(chunkIndex.Int64)

		fragments = append(fragments, f)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPostgresError("failed to read fragment rows", err)
	}
	return fragments, nil
}

// nullableString maps an empty string to NULL.
func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullableInt maps zero to NULL.
func nullableInt(i int) interface{} {
	if i == 0 {
		return nil
	}
	return i
}

// isUniqueViolation reports whether err is a unique constraint failure.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// isTransient reports whether err looks like a recoverable connection or
// availability failure (SQLSTATE classes 08 and 57).
func isTransient(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		class := pqErr.Code.Class()
		return class == "08" || class == "57"
	}
	return false
}

// wrapPostgresError wraps a driver error with context, tagging recoverable
// failures as transient so callers can retry through storage.WithRetry.
func wrapPostgresError(msg string, err error) error {
	if isTransient(err) {
		return fmt.Errorf("postgres: %s: %w: %w", msg, storage.ErrTransient, err)
	}
	return fmt.Errorf("postgres: %s: %w", msg, err)
}
