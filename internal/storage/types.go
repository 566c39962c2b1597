package storage

import "errors"

var (
	// ErrNotFound indicates that the requested fragment was not found.
	ErrNotFound = errors.New("fragment not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTransient marks failures that are worth retrying once: lock
	// contention, busy databases, dropped connections. Errors not wrapping
	// this sentinel are treated as permanent.
	ErrTransient = errors.New("transient storage failure")

	// ErrDuplicateChunk indicates a (source_file, chunk_index) pair that
	// already exists within the collection.
	ErrDuplicateChunk = errors.New("duplicate source chunk in collection")
)

// PaginatedResult represents a paginated result set with type safety using generics.
type PaginatedResult[T any] struct {
	// Items is the slice of results for the current page.
	Items []T

	// Total is the total number of items across all pages.
	Total int

	// Page is the current page number (1-indexed).
	Page int

	// PageSize is the number of items per page.
	PageSize int

	// HasMore indicates whether there are more pages available.
	HasMore bool
}

// ListOptions provides pagination options for list operations.
type ListOptions struct {
	// Page is the page number to retrieve (1-indexed, default: 1).
	Page int

	// Limit is the number of items per page (default: 50, max: 500).
	Limit int
}

// Normalize applies defaults and validates the ListOptions.
func (o *ListOptions) Normalize() {
	if o.Page < 1 {
		o.Page = 1
	}
	if o.Limit < 1 {
		o.Limit = 50
	}
	if o.Limit > 500 {
		o.Limit = 500
	}
}

// Offset calculates the offset for SQL queries based on page and limit.
func (o *ListOptions) Offset() int {
	return (o.Page - 1) * o.Limit
}
