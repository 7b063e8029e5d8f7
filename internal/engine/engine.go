package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/synagraph/internal/config"
	"github.com/lazypower/synagraph/internal/store"
)

// ErrInvalidQuery classifies malformed or under-specified requests,
// rejected before any state mutation is attempted.
var ErrInvalidQuery = errors.New("invalid query")

// InvalidQueryError carries the offending field so the caller can act on
// it directly.
type InvalidQueryError struct {
	Field  string
	Detail string
}

func (e *InvalidQueryError) Error() string {
	return fmt.Sprintf("invalid query: %s: %s", e.Field, e.Detail)
}

func (e *InvalidQueryError) Unwrap() error { return ErrInvalidQuery }

// Engine is the operational facade over the graph store: it validates
// requests, owns the temporal scoring and hybrid ranking formulas, and
// runs the background decay sweeper. All persistence and event atomicity
// lives in the store underneath.
type Engine struct {
	DB       *store.DB
	Embedder Embedder

	embedding config.EmbeddingConfig
	scoring   config.ScoringConfig
	log       *zap.Logger

	cancelSweep context.CancelFunc
}

// New creates an Engine. The embedder may be nil; text-only searches then
// fail until one is configured.
func New(db *store.DB, embedding config.EmbeddingConfig, scoring config.ScoringConfig, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		DB:        db,
		embedding: embedding,
		scoring:   scoring,
		log:       log,
	}
}

// SetEmbedder configures the external embedding collaborator.
func (e *Engine) SetEmbedder(emb Embedder) { e.Embedder = emb }

// UpsertInput is the request-level shape of a node write.
type UpsertInput struct {
	NodeID      string          `json:"node_id,omitempty"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Embedding   []float64       `json:"embedding,omitempty"`
	Provenance  json.RawMessage `json:"provenance,omitempty"`
	Policy      json.RawMessage `json:"policy,omitempty"`
	DecayLambda *float64        `json:"decay_lambda,omitempty"`
}

// UpsertNode validates and applies one node write. Dimension mismatches
// are rejected before any mutation; the decay lambda defaults from config
// when the request carries none.
func (e *Engine) UpsertNode(ctx context.Context, tenant string, in UpsertInput) (*store.UpsertResult, error) {
	if in.Kind == "" {
		return nil, &InvalidQueryError{Field: "kind", Detail: "required"}
	}
	if len(in.Embedding) > 0 && len(in.Embedding) != e.embedding.Dim {
		return nil, &store.DimensionMismatchError{Model: e.embedding.Model, Want: e.embedding.Dim, Got: len(in.Embedding)}
	}
	if in.DecayLambda != nil && *in.DecayLambda < 0 {
		return nil, &InvalidQueryError{Field: "decay_lambda", Detail: "must be >= 0"}
	}

	lambda := in.DecayLambda
	if lambda == nil && e.scoring.DefaultLambda > 0 {
		l := e.scoring.DefaultLambda
		lambda = &l
	}

	return e.DB.UpsertNode(tenant, store.UpsertInput{
		NodeID:      in.NodeID,
		Kind:        in.Kind,
		Payload:     in.Payload,
		Embedding:   in.Embedding,
		Model:       e.embedding.Model,
		Provenance:  in.Provenance,
		Policy:      in.Policy,
		DecayLambda: lambda,
	})
}

// GetNode fetches one node within the caller's tenant.
func (e *Engine) GetNode(ctx context.Context, tenant, id string) (*store.Node, error) {
	return e.DB.GetNode(tenant, id)
}

// RelateInput is the request-level shape of an edge write. Weight is
// optional; absent means the store default, zero is a real zero.
type RelateInput struct {
	From   string          `json:"from"`
	To     string          `json:"to"`
	Rel    string          `json:"rel"`
	Weight *float64        `json:"weight,omitempty"`
	Props  json.RawMessage `json:"props,omitempty"`
}

// Relate links two nodes of the same tenant.
func (e *Engine) Relate(ctx context.Context, tenant string, in RelateInput) (*store.RelateResult, error) {
	if in.From == "" || in.To == "" || in.Rel == "" {
		return nil, &InvalidQueryError{Field: "from/to/rel", Detail: "required"}
	}
	return e.DB.Relate(tenant, in.From, in.To, in.Rel, in.Weight, in.Props)
}

// Neighbors returns the edges touching a node and the nodes at the other
// endpoints.
func (e *Engine) Neighbors(ctx context.Context, tenant, id string) (*store.Neighborhood, error) {
	return e.DB.Neighbors(tenant, id)
}

// Purge bulk-deletes nodes in scope with full cascade.
func (e *Engine) Purge(ctx context.Context, tenant string, scope store.PurgeScope) (*store.PurgeResult, error) {
	return e.DB.Purge(tenant, scope)
}

// EmitTestEvent appends a diagnostic outbox event. It exists so delivery
// collaborators can be exercised end to end without real mutations.
func (e *Engine) EmitTestEvent(ctx context.Context, tenant string, payload json.RawMessage) error {
	if len(payload) == 0 {
		payload = json.RawMessage(`{"diagnostic":true}`)
	}
	return e.DB.RecordEvent(tenant, store.EventTest, payload)
}

// StartSweeper launches the periodic tenant-wide decay pass. It returns
// immediately; Stop or context cancellation ends the loop.
func (e *Engine) StartSweeper(ctx context.Context) {
	if e.scoring.SweepIntervalSec <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancelSweep = cancel

	interval := time.Duration(e.scoring.SweepIntervalSec) * time.Second
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.sweepAll(ctx)
			}
		}
	}()
}

// Stop ends the background sweeper if one is running.
func (e *Engine) Stop() {
	if e.cancelSweep != nil {
		e.cancelSweep()
	}
}

func (e *Engine) sweepAll(ctx context.Context) {
	tenants, err := e.DB.Tenants()
	if err != nil {
		e.log.Warn("decay sweep: list tenants", zap.Error(err))
		return
	}
	for _, tenant := range tenants {
		res, err := e.Decay(ctx, tenant, DecayRequest{})
		if err != nil {
			e.log.Warn("decay sweep failed", zap.String("tenant", tenant), zap.Error(err))
			continue
		}
		if res.Updated > 0 {
			e.log.Info("decay sweep", zap.String("tenant", tenant), zap.Int("updated", res.Updated))
		}
	}
}
