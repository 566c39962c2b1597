package types

import "errors"

var (
	// ErrMissingID indicates a fragment without an identifier.
	ErrMissingID = errors.New("fragment id is required")

	// ErrMissingCollection indicates a fragment without a collection name.
	ErrMissingCollection = errors.New("fragment collection is required")

	// ErrCategoryTooLong indicates a category heading over the 500 char ceiling.
	ErrCategoryTooLong = errors.New("fragment category exceeds maximum length")

	// ErrContentLengthMismatch indicates content_length diverged from the content.
	ErrContentLengthMismatch = errors.New("fragment content length does not match content")

	// ErrDimensionMismatch indicates embedding vectors of inconsistent length.
	// This is an invariant violation, never silently corrected.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)
