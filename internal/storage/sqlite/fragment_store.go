// Package sqlite implements the fragment store on SQLite via the pure-Go
// modernc.org/sqlite driver. Embeddings are stored as little-endian float32
// blobs, 4 bytes per component.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/scrypster/sage/internal/storage"
	"github.com/scrypster/sage/pkg/types"
)

// FragmentStore is the SQLite-backed fragment store.
type FragmentStore struct {
	db   *sql.DB
	path string
}

// Compile-time interface check.
var _ storage.FragmentStore = (*FragmentStore)(nil)

// NewFragmentStore opens (or creates) the database at path and configures it
// for single-writer embedded use. Use ":memory:" for an ephemeral store.
func NewFragmentStore(path string) (*FragmentStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// modernc.org/sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY churn under concurrent use.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: failed to set pragma %q: %w", pragma, err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to ping database: %w", err)
	}

	return &FragmentStore{db: db, path: path}, nil
}

// Close releases the database handle.
func (s *FragmentStore) Close() error {
	return s.db.Close()
}

// InitSchema creates the fragments table and indexes, then migrates older
// tables forward by adding the per-field embedding columns. Idempotent.
func (s *FragmentStore) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS fragments (
		id                  TEXT PRIMARY KEY,
		collection          TEXT NOT NULL,
		category            TEXT NOT NULL DEFAULT '',
		content             TEXT NOT NULL,
		content_length      INTEGER NOT NULL,
		combined_embedding  BLOB,
		category_embedding  BLOB,
		content_embedding   BLOB,
		embedding_dimension INTEGER,
		source_file         TEXT,
		chunk_index         INTEGER,
		created_at          TIMESTAMP NOT NULL,
		updated_at          TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_fragments_collection
		ON fragments(collection);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_fragments_source_chunk
		ON fragments(collection, source_file, chunk_index)
		WHERE source_file IS NOT NULL AND chunk_index IS NOT NULL;
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return wrapSQLiteError("failed to create schema", err)
	}

	return s.migrateEmbeddingColumns(ctx)
}

// migrateEmbeddingColumns adds category_embedding and content_embedding to
// tables created before the triple-embedding schema. Existing rows keep NULL
// in the new columns and are scored by their combined vector alone.
func (s *FragmentStore) migrateEmbeddingColumns(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `PRAGMA table_info(fragments)`)
	if err != nil {
		return wrapSQLiteError("failed to inspect schema", err)
	}
	defer rows.Close()

	existing := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return wrapSQLiteError("failed to scan schema row", err)
		}
		existing[name] = true
	}
	if err := rows.Err(); err != nil {
		return wrapSQLiteError("failed to read schema rows", err)
	}

	for _, column := range []string{"category_embedding", "content_embedding"} {
		if existing[column] {
			continue
		}
		log.Printf("sqlite: migrating fragments table, adding column %s", column)
		stmt := fmt.Sprintf("ALTER TABLE fragments ADD COLUMN %s BLOB", column)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return wrapSQLiteError("failed to add column "+column, err)
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
			return fmt.Errorf("sqlite: %w: %w", storage.ErrInvalidInput, err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapSQLiteError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO fragments (
			id, collection, category, content, content_length,
			combined_embedding, category_embedding, content_embedding,
			embedding_dimension, source_file, chunk_index,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return wrapSQLiteError("failed to prepare insert", err)
	}
	defer stmt.Close()

	for _, f := range fragments {
		_, err := stmt.ExecContext(ctx,
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
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("sqlite: fragment %s: %w", f.ID, storage.ErrDuplicateChunk)
			}
			return wrapSQLiteError("failed to insert fragment "+f.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapSQLiteError("failed to commit bulk insert", err)
	}
	return nil
}

const fragmentColumns = `
	id, collection, category, content, content_length,
	combined_embedding, category_embedding, content_embedding,
	embedding_dimension, source_file, chunk_index, created_at, updated_at`

// LoadByCollection returns every fragment in the collection ordered by chunk
// index then creation time, so multi-chunk documents read in order.
func (s *FragmentStore) LoadByCollection(ctx context.Context, collection string) ([]*types.Fragment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fragmentColumns+`
		FROM fragments
		WHERE collection = ?
		ORDER BY chunk_index ASC, created_at ASC
	`, collection)
	if err != nil {
		return nil, wrapSQLiteError("failed to query collection "+collection, err)
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
		WHERE collection = ?
		ORDER BY chunk_index ASC, created_at ASC
		LIMIT ? OFFSET ?
	`, collection, opts.Limit, opts.Offset())
	if err != nil {
		return nil, wrapSQLiteError("failed to query page of "+collection, err)
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

// Count returns the number of fragments in the collection.
func (s *FragmentStore) Count(ctx context.Context, collection string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fragments WHERE collection = ?`, collection,
	).Scan(&count)
	if err != nil {
		return 0, wrapSQLiteError("failed to count collection "+collection, err)
	}
	return count, nil
}

// HasEmbeddings reports whether any fragment in the collection carries at
// least one embedding vector.
func (s *FragmentStore) HasEmbeddings(ctx context.Context, collection string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM fragments
			WHERE collection = ?
			  AND (combined_embedding IS NOT NULL
			   OR category_embedding IS NOT NULL
			   OR content_embedding IS NOT NULL)
		)
	`, collection).Scan(&exists)
	if err != nil {
		return false, wrapSQLiteError("failed to check embeddings of "+collection, err)
	}
	return exists == 1, nil
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
		return nil, wrapSQLiteError("failed to list collections", err)
	}
	defer rows.Close()

	var collections []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, wrapSQLiteError("failed to scan collection name", err)
		}
		collections = append(collections, name)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapSQLiteError("failed to read collection rows", err)
	}
	return collections, nil
}

// DeleteCollection removes every fragment in the collection.
func (s *FragmentStore) DeleteCollection(ctx context.Context, collection string) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM fragments WHERE collection = ?`, collection)
	if err != nil {
		return 0, wrapSQLiteError("failed to delete collection "+collection, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, wrapSQLiteError("failed to read affected rows", err)
	}
	log.Printf("sqlite: deleted %d fragments from collection %s", affected, collection)
	return int(affected), nil
}

// Delete removes a single fragment by id.
func (s *FragmentStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM fragments WHERE id = ?`, id)
	if err != nil {
		return wrapSQLiteError("failed to delete fragment "+id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return wrapSQLiteError("failed to read affected rows", err)
	}
	if affected == 0 {
		return fmt.Errorf("sqlite: fragment %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// UpdateContent replaces a fragment's content, recomputing content_length and
// bumping updated_at. Embeddings are left untouched.
func (s *FragmentStore) UpdateContent(ctx context.Context, id, content string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE fragments
		SET content = ?, content_length = ?, updated_at = ?
		WHERE id = ?
	`, content, len(content), time.Now().UTC(), id)
	if err != nil {
		return wrapSQLiteError("failed to update fragment "+id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return wrapSQLiteError("failed to read affected rows", err)
	}
	if affected == 0 {
		return fmt.Errorf("sqlite: fragment %s: %w", id, storage.ErrNotFound)
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
			return nil, wrapSQLiteError("failed to scan fragment row", err)
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
		return nil, wrapSQLiteError("failed to read fragment rows", err)
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
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isBusy reports whether err is SQLite lock contention.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}

// wrapSQLiteError wraps a driver error with context, tagging lock contention
// as transient so callers can retry through storage.WithRetry.
func wrapSQLiteError(msg string, err error) error {
	if isBusy(err) {
		return fmt.Errorf("sqlite: %s: %w: %w", msg, storage.ErrTransient, err)
	}
	return fmt.Errorf("sqlite: %s: %w", msg, err)
}
