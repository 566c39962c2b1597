package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/scrypster/sage/pkg/types"
)

// searchFragments runs the scoring pipeline over an in-memory fragment set:
// score, sort, filter by domain and floor, cut to top-k, render. Shared by
// the store-backed and in-process memories. Returns nil when nothing clears
// the relevance floor.
func searchFragments(query []float32, fragments []*types.Fragment, opts SearchOptions, weights Weights) (*SearchResult, error) {
	hits := make([]types.SearchHit, 0, len(fragments))
	for _, f := range fragments {
		score, err := scoreFragment(query, f, weights)
		if err != nil {
			return nil, err
		}
		hits = append(hits, types.SearchHit{Fragment: f, Score: score})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})

	filtered := hits[:0]
	for _, h := range hits {
		if opts.DomainFilter != "" && !domainMatch(h.Fragment.Category, opts.DomainFilter) {
			continue
		}
		if h.Score < opts.MinScore {
			continue
		}
		filtered = append(filtered, h)
		if len(filtered) == opts.TopK {
			break
		}
	}

	if len(filtered) == 0 {
		return nil, nil
	}
	return &SearchResult{
		Context: renderHits(filtered, opts.MaxCharsPerHit),
		Hits:    filtered,
	}, nil
}

// domainMatch reports whether the fragment category matches the filter.
// Both sides are lowercased and hyphens read as spaces; the category matches
// when it contains at least one of the filter tokens. A filter with no
// tokens matches everything.
func domainMatch(category, filter string) bool {
	filterTokens := tokenize(filter)
	if len(filterTokens) == 0 {
		return true
	}
	catTokens := tokenize(category)
	for _, want := range filterTokens {
		for _, tok := range catTokens {
			if tok == want {
				return true
			}
		}
	}
	return false
}

func tokenize(s string) []string {
	s = strings.ToLower(strings.ReplaceAll(s, "-", " "))
	s = strings.ReplaceAll(s, "#", " ")
	return strings.Fields(s)
}

// renderHits formats hits into the context block handed to the prompt
// assembler: a relevance line, the category line, then the content, with
// hits separated by blank lines.
func renderHits(hits []types.SearchHit, maxChars int) string {
	var b strings.Builder
	for i, h := range hits {
		if i > 0 {
			b.WriteString("\n\n")
		}
		content := h.Fragment.Content
		if maxChars > 0 && len(content) > maxChars {
			content = content[:maxChars] + "..."
		}
		fmt.Fprintf(&b, "[Relevance: %.3f]\n[%s]\n%s",
			h.Score, h.Fragment.StrippedCategory(), content)
	}
	return b.String()
}
