package engine

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/sage/pkg/types"
)

func hitFragment(category string, content string, embedding []float32) *types.Fragment {
	return &types.Fragment{
		ID:                "id-" + category,
		Collection:        "kb",
		Category:          category,
		Content:           content,
		ContentLength:     len(content),
		CombinedEmbedding: embedding,
	}
}

func TestSearchFragmentsOrdersByScoreDescending(t *testing.T) {
	query := []float32{1, 0}
	frags := []*types.Fragment{
		hitFragment("## low", "low", []float32{0.5, 1}),
		hitFragment("## high", "high", []float32{1, 0}),
		hitFragment("## mid", "mid", []float32{1, 0.5}),
	}

	result, err := searchFragments(query, frags, SearchOptions{TopK: 5, MinScore: 0.1}, DefaultWeights())
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Len(t, result.Hits, 3)
	assert.Equal(t, "high", result.Hits[0].Fragment.Content)
	assert.Equal(t, "mid", result.Hits[1].Fragment.Content)
	assert.Equal(t, "low", result.Hits[2].Fragment.Content)
}

func TestSearchFragmentsTopKAndMinScore(t *testing.T) {
	query := []float32{1, 0}
	frags := []*types.Fragment{
		hitFragment("## a", "a", []float32{1, 0}),    // 1.0
		hitFragment("## b", "b", []float32{1, 0.3}),  // ~0.96
		hitFragment("## c", "c", []float32{0.2, 1}),  // ~0.20, below floor
		hitFragment("## d", "d", []float32{1, 0.1}),  // ~0.995
	}

	result, err := searchFragments(query, frags, SearchOptions{TopK: 2, MinScore: 0.6}, DefaultWeights())
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Len(t, result.Hits, 2, "top-k applies after the relevance floor")
	assert.Equal(t, "a", result.Hits[0].Fragment.Content)
	assert.Equal(t, "d", result.Hits[1].Fragment.Content)
}

func TestSearchFragmentsNoHitsReturnsNil(t *testing.T) {
	query := []float32{1, 0}
	frags := []*types.Fragment{
		hitFragment("## far", "far", []float32{0, 1}),
	}

	result, err := searchFragments(query, frags, SearchOptions{TopK: 5, MinScore: 0.6}, DefaultWeights())
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestDomainMatch(t *testing.T) {
	cases := []struct {
		category string
		filter   string
		want     bool
	}{
		{"## Kubernetes Networking", "networking", true},
		{"## Kubernetes Networking", "NETWORKING", true},
		{"## service-mesh basics", "service mesh", true},
		{"## service mesh basics", "service-mesh", true},
		{"## Kubernetes Networking", "storage", false},
		{"## Kubernetes Networking", "kubernetes networking", true},
		{"## Kubernetes Networking", "kubernetes storage", true},
		{"## Kubernetes Networking", "storage mesh", false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s/%s", tc.category, tc.filter), func(t *testing.T) {
			assert.Equal(t, tc.want, domainMatch(tc.category, tc.filter))
		})
	}
}

func TestSearchFragmentsDomainFilter(t *testing.T) {
	query := []float32{1, 0}
	frags := []*types.Fragment{
		hitFragment("## Networking Guide", "net", []float32{1, 0}),
		hitFragment("## Storage Guide", "disk", []float32{1, 0}),
	}

	result, err := searchFragments(query, frags,
		SearchOptions{TopK: 5, MinScore: 0.5, DomainFilter: "storage"}, DefaultWeights())
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Len(t, result.Hits, 1)
	assert.Equal(t, "disk", result.Hits[0].Fragment.Content)
}

func TestSearchFragmentsDomainFilterAnyTokenKeeps(t *testing.T) {
	query := []float32{1, 0}
	frags := []*types.Fragment{
		hitFragment("## Kubernetes Networking", "net", []float32{1, 0}),
		hitFragment("## Cooking Basics", "food", []float32{1, 0}),
	}

	// One matching token is enough to keep a fragment.
	result, err := searchFragments(query, frags,
		SearchOptions{TopK: 5, MinScore: 0.5, DomainFilter: "kubernetes storage"}, DefaultWeights())
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Len(t, result.Hits, 1)
	assert.Equal(t, "net", result.Hits[0].Fragment.Content)
}

func TestRenderHitsFormat(t *testing.T) {
	hits := []types.SearchHit{
		{Fragment: hitFragment("## First Topic", "first body", nil), Score: 0.91234},
		{Fragment: hitFragment("## Second Topic", "second body", nil), Score: 0.75},
	}

	got := renderHits(hits, 0)
	blocks := strings.Split(got, "\n\n")
	require.Len(t, blocks, 2)
	assert.Equal(t, "[Relevance: 0.912]\n[First Topic]\nfirst body", blocks[0])
	assert.Equal(t, "[Relevance: 0.750]\n[Second Topic]\nsecond body", blocks[1])
}

func TestRenderHitsTruncates(t *testing.T) {
	hits := []types.SearchHit{
		{Fragment: hitFragment("## T", "0123456789abcdef", nil), Score: 0.8},
	}
	got := renderHits(hits, 10)
	assert.True(t, strings.HasSuffix(got, "0123456789..."), "got %q", got)
}
