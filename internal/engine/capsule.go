package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lazypower/synagraph/internal/store"
)

// Capsule is an externally submitted batch of artifacts ingested as a
// unit. It is request-level batching, not a stored entity: nodes trace
// back to it through their capsule key and may be revoked in aggregate.
type Capsule struct {
	Key       string            `json:"key"`
	Artifacts []CapsuleArtifact `json:"artifacts"`
}

// CapsuleArtifact is one item inside a capsule. Hash is the provenance
// content hash and is required; it doubles as the lineage key for
// supersede detection on re-ingestion. TTLSeconds bounds the artifact's
// useful life from ingestion time; nil means it never expires.
type CapsuleArtifact struct {
	Kind       string          `json:"kind,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	Embedding  []float64       `json:"embedding,omitempty"`
	Hash       string          `json:"hash"`
	Policy     json.RawMessage `json:"policy,omitempty"`
	TTLSeconds *int64          `json:"ttl_seconds,omitempty"`
}

// CapsuleResult reports the node writes an ingest produced.
type CapsuleResult struct {
	Key     string               `json:"key"`
	Upserts []store.UpsertResult `json:"upserts"`
}

// IngestCapsule stores a capsule. With unwrap, every artifact becomes its
// own node provenance-linked back to the capsule key; without it, the
// whole capsule lands as a single capsule-kind node with a stable id
// derived from key and content, so re-ingestion is idempotent.
func (e *Engine) IngestCapsule(ctx context.Context, tenant string, c Capsule, unwrap bool) (*CapsuleResult, error) {
	if c.Key == "" {
		return nil, &InvalidQueryError{Field: "key", Detail: "required"}
	}
	if len(c.Artifacts) == 0 {
		return nil, &InvalidQueryError{Field: "artifacts", Detail: "at least one required"}
	}
	for i, a := range c.Artifacts {
		if a.Hash == "" {
			return nil, &InvalidQueryError{Field: fmt.Sprintf("artifacts[%d].hash", i), Detail: "required"}
		}
		if len(a.Embedding) > 0 && len(a.Embedding) != e.embedding.Dim {
			return nil, &store.DimensionMismatchError{Model: e.embedding.Model, Want: e.embedding.Dim, Got: len(a.Embedding)}
		}
		if a.TTLSeconds != nil && *a.TTLSeconds < 0 {
			return nil, &InvalidQueryError{Field: fmt.Sprintf("artifacts[%d].ttl_seconds", i), Detail: "must be >= 0"}
		}
	}

	result := &CapsuleResult{Key: c.Key}

	if !unwrap {
		payload, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("marshal capsule: %w", err)
		}
		provenance, _ := json.Marshal(map[string]string{
			"source": "capsule:" + c.Key,
			"hash":   c.Artifacts[0].Hash,
		})
		stableID := uuid.NewSHA1(uuid.NameSpaceURL, []byte(c.Key+":"+c.Artifacts[0].Hash))
		res, err := e.DB.UpsertNode(tenant, store.UpsertInput{
			NodeID:     stableID.String(),
			Kind:       "capsule",
			Payload:    payload,
			Provenance: provenance,
			CapsuleKey: c.Key,
			ExpiresAt:  expiryFrom(c.Artifacts[0].TTLSeconds),
		})
		if err != nil {
			return nil, err
		}
		result.Upserts = append(result.Upserts, *res)
		return result, nil
	}

	for _, a := range c.Artifacts {
		kind := a.Kind
		if kind == "" {
			kind = "artifact"
		}
		provenance, _ := json.Marshal(map[string]string{
			"source": "capsule:" + c.Key,
			"hash":   a.Hash,
		})
		res, err := e.DB.UpsertNode(tenant, store.UpsertInput{
			Kind:       kind,
			Payload:    a.Payload,
			Embedding:  a.Embedding,
			Model:      e.embedding.Model,
			Provenance: provenance,
			Policy:     a.Policy,
			CapsuleKey: c.Key,
			ExpiresAt:  expiryFrom(a.TTLSeconds),
		})
		if err != nil {
			return nil, fmt.Errorf("ingest artifact %s: %w", a.Hash, err)
		}
		result.Upserts = append(result.Upserts, *res)
	}
	return result, nil
}

// expiryFrom converts an artifact TTL into an absolute unix-ms deadline.
func expiryFrom(ttlSeconds *int64) *int64 {
	if ttlSeconds == nil {
		return nil
	}
	deadline := time.Now().UnixMilli() + *ttlSeconds*1000
	return &deadline
}

// CapsuleEntry pairs a live capsule node with its remaining artifact TTL.
type CapsuleEntry struct {
	Node                store.Node `json:"node"`
	ExpiresAt           *int64     `json:"expires_at,omitempty"`
	TTLRemainingSeconds *int64     `json:"ttl_remaining_seconds,omitempty"`
}

// CapsuleLookup is the result of resolving a capsule key.
type CapsuleLookup struct {
	Key     string         `json:"key"`
	Entries []CapsuleEntry `json:"entries"`
}

// LookupCapsule resolves the live nodes tracing back to a capsule key.
// Expired entries stay visible with a remaining TTL of zero; a key whose
// nodes have all been revoked or superseded is a miss.
func (e *Engine) LookupCapsule(ctx context.Context, tenant, key string) (*CapsuleLookup, error) {
	if key == "" {
		return nil, &InvalidQueryError{Field: "key", Detail: "required"}
	}
	nodes, err := e.DB.NodesByCapsuleKey(tenant, key)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, &store.NotFoundError{Tenant: tenant, Kind: "capsule", ID: key}
	}

	now := time.Now().UnixMilli()
	out := &CapsuleLookup{Key: key}
	for _, n := range nodes {
		entry := CapsuleEntry{Node: n, ExpiresAt: n.ExpiresAt}
		if n.ExpiresAt != nil {
			remaining := (*n.ExpiresAt - now) / 1000
			if remaining < 0 {
				remaining = 0
			}
			entry.TTLRemainingSeconds = &remaining
		}
		out.Entries = append(out.Entries, entry)
	}
	return out, nil
}

// RevokeCapsule invalidates every node still tracing back to the capsule.
func (e *Engine) RevokeCapsule(ctx context.Context, tenant, key string) (int, error) {
	if key == "" {
		return 0, &InvalidQueryError{Field: "key", Detail: "required"}
	}
	return e.DB.RevokeCapsule(tenant, key)
}
