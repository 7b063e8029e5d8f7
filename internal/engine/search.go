package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/lazypower/synagraph/internal/store"
)

// SearchRequest is a hybrid query: at least one of Text or Vector must be
// present. Text is resolved to a vector through the embedding collaborator;
// a supplied vector is used as-is.
type SearchRequest struct {
	Text   string        `json:"text,omitempty"`
	Vector []float64     `json:"vector,omitempty"`
	TopK   int           `json:"top_k,omitempty"`
	Filter *SearchFilter `json:"filter,omitempty"`
}

// SearchFilter narrows candidates symbolically before any similarity is
// computed: exact kind match and exact-match predicates over payload
// fields.
type SearchFilter struct {
	Kind    string            `json:"kind,omitempty"`
	Payload map[string]string `json:"payload,omitempty"`
}

func (r SearchRequest) topK() int {
	if r.TopK <= 0 {
		return 10
	}
	return r.TopK
}

// SearchResult is one ranked candidate.
type SearchResult struct {
	Node       store.Node `json:"node"`
	Score      float64    `json:"score"`
	Similarity float64    `json:"similarity"`
	Relevance  float64    `json:"relevance"`
}

// Search ranks candidate nodes by cosine similarity weighted by current
// temporal relevance. Results come back in strictly descending score
// order, ties broken by most-recent updated_at, truncated to top_k. Search
// never mutates store state.
func (e *Engine) Search(ctx context.Context, tenant string, req SearchRequest) ([]SearchResult, error) {
	if req.Text == "" && len(req.Vector) == 0 {
		return nil, &InvalidQueryError{Field: "text/vector", Detail: "at least one required"}
	}
	if len(req.Vector) > 0 && len(req.Vector) != e.embedding.Dim {
		return nil, &store.DimensionMismatchError{Model: e.embedding.Model, Want: e.embedding.Dim, Got: len(req.Vector)}
	}

	queryVec := req.Vector
	if len(queryVec) == 0 {
		if e.Embedder == nil {
			return nil, fmt.Errorf("no embedder configured for text query")
		}
		var err error
		queryVec, err = e.Embedder.Embed(ctx, req.Text)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
	}

	// Symbolic narrowing first bounds the comparison set.
	var kind string
	var payloadFilter map[string]string
	if req.Filter != nil {
		kind = req.Filter.Kind
		payloadFilter = req.Filter.Payload
	}
	candidates, err := e.DB.FindCandidates(tenant, kind, payloadFilter)
	if err != nil {
		return nil, fmt.Errorf("find candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	ids := make([]string, len(candidates))
	for i, n := range candidates {
		ids[i] = n.ID
	}
	vectors, err := e.DB.EmbeddingsForNodes(tenant, ids, e.embedding.Model)
	if err != nil {
		return nil, fmt.Errorf("load embeddings: %w", err)
	}

	now := time.Now()
	var results []SearchResult
	for _, n := range candidates {
		vec, ok := vectors[n.ID]
		if !ok {
			continue
		}
		similarity := CosineSimilarity(queryVec, vec)
		relevance := e.CurrentScore(&n, now)
		score := similarity * relevance
		if score <= 0 {
			continue
		}
		results = append(results, SearchResult{
			Node:       n,
			Score:      score,
			Similarity: similarity,
			Relevance:  relevance,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Node.UpdatedAt > results[j].Node.UpdatedAt
	})

	if limit := req.topK(); len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}
