package types

import (
	"errors"
	"strings"
	"testing"
)

func TestNewFragmentDerivesContentLength(t *testing.T) {
	f := NewFragment("kb", "## Topic", "some content")
	if f.ID == "" {
		t.Error("NewFragment: empty ID")
	}
	if f.ContentLength != len("some content") {
		t.Errorf("ContentLength: got %d, want %d", f.ContentLength, len("some content"))
	}
	if err := f.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidateRejectsBadFragments(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Fragment)
		wantErr error
	}{
		{"missing id", func(f *Fragment) { f.ID = "" }, ErrMissingID},
		{"missing collection", func(f *Fragment) { f.Collection = "" }, ErrMissingCollection},
		{"category too long", func(f *Fragment) { f.Category = strings.Repeat("x", MaxCategoryLength+1) }, ErrCategoryTooLong},
		{"stale content length", func(f *Fragment) { f.ContentLength = 999 }, ErrContentLengthMismatch},
		{"dimension mismatch", func(f *Fragment) {
			f.CombinedEmbedding = []float32{1, 2}
			f.EmbeddingDimension = 3
		}, ErrDimensionMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := NewFragment("kb", "## Topic", "content")
			tc.mutate(f)
			if err := f.Validate(); !errors.Is(err, tc.wantErr) {
				t.Errorf("Validate: got %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestStrippedCategoryAndCombinedText(t *testing.T) {
	f := NewFragment("kb", "  ## Deploy Guide ", "body text")
	if got := f.StrippedCategory(); got != "Deploy Guide" {
		t.Errorf("StrippedCategory: got %q, want %q", got, "Deploy Guide")
	}
	if got := f.CombinedText(); got != "Deploy Guide\n\nbody text" {
		t.Errorf("CombinedText: got %q", got)
	}
}

func TestIsLegacy(t *testing.T) {
	f := NewFragment("kb", "## T", "c")
	if f.IsLegacy() {
		t.Error("fragment without embeddings must not be legacy")
	}
	f.CombinedEmbedding = []float32{1}
	if !f.IsLegacy() {
		t.Error("combined-only fragment must be legacy")
	}
	f.CategoryEmbedding = []float32{1}
	if f.IsLegacy() {
		t.Error("fragment with category embedding must not be legacy")
	}
}
