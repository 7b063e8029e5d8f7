package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/lazypower/synagraph/internal/store"
)

// DecayRequest targets a single node or, with NodeID empty, every live
// node of the tenant matching the Kind filter. Reinforce switches the pass
// from decay to reinforcement.
type DecayRequest struct {
	NodeID    string   `json:"node_id,omitempty"`
	Kind      string   `json:"kind,omitempty"`
	Lambda    *float64 `json:"lambda,omitempty"` // overrides the node's decay_lambda
	Reinforce bool     `json:"reinforce,omitempty"`
}

// DecayResult reports the size of the pass and whether reinforcement
// (rather than decay) was applied.
type DecayResult struct {
	Updated    int  `json:"updated"`
	Reinforced bool `json:"reinforced"`
}

// decayedScore computes score(t) = score(t0) * exp(-lambda * Δt) with Δt
// in seconds. Negative elapsed time (clock skew) leaves the score alone.
func decayedScore(score, lambda float64, elapsedMs int64) float64 {
	if lambda <= 0 || elapsedMs <= 0 {
		return score
	}
	return score * math.Exp(-lambda*float64(elapsedMs)/1000.0)
}

// reinforcedScore applies the additive boost, clamped to max so repeated
// reinforcement can never grow without bound.
func reinforcedScore(score, boost, max float64) float64 {
	score += boost
	if score > max {
		score = max
	}
	return score
}

// Decay runs one decay or reinforcement pass. Each node is read-modify-
// written under the store's per-id serialization, so a pass never races a
// concurrent upsert on the same row.
func (e *Engine) Decay(ctx context.Context, tenant string, req DecayRequest) (*DecayResult, error) {
	if req.Lambda != nil && *req.Lambda < 0 {
		return nil, &InvalidQueryError{Field: "lambda", Detail: "must be >= 0"}
	}

	var targets []string
	if req.NodeID != "" {
		targets = []string{req.NodeID}
	} else {
		nodes, err := e.DB.NodesForScoring(tenant, req.Kind)
		if err != nil {
			return nil, err
		}
		for _, n := range nodes {
			targets = append(targets, n.ID)
		}
	}

	result := &DecayResult{Reinforced: req.Reinforce}
	for _, id := range targets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		changed, err := e.scoreOne(tenant, id, req)
		if err != nil {
			// A node purged mid-pass is not an error for an unscoped sweep.
			if req.NodeID == "" && errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("score node %s: %w", id, err)
		}
		if changed {
			result.Updated++
		}
	}
	return result, nil
}

func (e *Engine) scoreOne(tenant, id string, req DecayRequest) (bool, error) {
	changed := false
	err := e.DB.MutateNodeScore(tenant, id, func(n *store.Node) (float64, int64, bool) {
		// Superseded and revoked rows no longer participate in scoring,
		// whether the pass is tenant-wide or targets them by id.
		if n.SupersededBy != "" || n.Revoked {
			return 0, 0, false
		}

		now := time.Now().UnixMilli()

		if req.Reinforce {
			changed = true
			return reinforcedScore(n.Score, e.scoring.ReinforceBoost, e.scoring.MaxScore), now, true
		}

		lambda := n.DecayLambda
		if req.Lambda != nil {
			lambda = *req.Lambda
		}
		next := decayedScore(n.Score, lambda, now-n.ScoredAt)
		if next == n.Score {
			// No elapsed time or lambda 0: nothing to write.
			return 0, 0, false
		}
		changed = true
		return next, now, true
	})
	return changed, err
}

// CurrentScore returns a node's temporal relevance as of now without
// writing anything back. The ranking engine reads scores through this so
// queries never mutate store state.
func (e *Engine) CurrentScore(n *store.Node, now time.Time) float64 {
	return decayedScore(n.Score, n.DecayLambda, now.UnixMilli()-n.ScoredAt)
}
