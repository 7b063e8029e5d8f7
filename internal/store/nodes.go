package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Node is a typed, payload-bearing knowledge unit scoped to one tenant.
type Node struct {
	TenantID     string          `json:"tenant_id"`
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	ContentHash  string          `json:"content_hash"`
	Lineage      string          `json:"lineage"`
	Provenance   json.RawMessage `json:"provenance,omitempty"`
	Policy       json.RawMessage `json:"policy,omitempty"`
	CapsuleKey   string          `json:"capsule_key,omitempty"`
	DecayLambda  float64         `json:"decay_lambda"`
	Score        float64         `json:"score"`
	ScoredAt     int64           `json:"scored_at"`
	SupersededBy string          `json:"superseded_by,omitempty"`
	Revoked      bool            `json:"revoked,omitempty"`
	CreatedAt    int64           `json:"created_at"`
	UpdatedAt    int64           `json:"updated_at"`
	ExpiresAt    *int64          `json:"expires_at,omitempty"`
}

// UpsertInput carries one node write. NodeID may be empty, in which case an
// id is generated and supersede detection runs against the lineage key.
type UpsertInput struct {
	NodeID      string
	Kind        string
	Payload     json.RawMessage
	Embedding   []float64
	Model       string // embedding model, required when Embedding is set
	Provenance  json.RawMessage
	Policy      json.RawMessage
	CapsuleKey  string
	DecayLambda *float64
	ExpiresAt   *int64 // unix ms, nil for no expiry
}

// SupersededRef reports that an older content version was superseded.
type SupersededRef struct {
	OldID string `json:"old_id"`
	NewID string `json:"new_id"`
}

// UpsertResult is the outcome of an UpsertNode call.
type UpsertResult struct {
	NodeID     string         `json:"node_id"`
	Created    bool           `json:"created"`
	Superseded *SupersededRef `json:"superseded,omitempty"`
}

const nodeColumns = `tenant_id, id, kind, payload, content_hash, lineage, provenance, policy,
		capsule_key, decay_lambda, score, scored_at, superseded_by, revoked, created_at, updated_at, expires_at`

// contentHashOf derives the provenance content hash from payload bytes and
// the embedding blob. Deterministic, so consumers can de-duplicate
// redelivered events on it.
func contentHashOf(payload json.RawMessage, embedding []float64) string {
	h := sha256.New()
	h.Write(payload)
	if len(embedding) > 0 {
		h.Write(encodeEmbedding(embedding))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// lineageKeyOf extracts the caller-supplied provenance hash, falling back
// to the computed content hash when provenance carries none.
func lineageKeyOf(provenance json.RawMessage, contentHash string) string {
	if len(provenance) > 0 {
		var p struct {
			Hash string `json:"hash"`
		}
		if err := json.Unmarshal(provenance, &p); err == nil && p.Hash != "" {
			return p.Hash
		}
	}
	return contentHash
}

// UpsertNode inserts or updates a node inside one transaction that also
// appends the matching outbox event.
//
// With an explicit NodeID the write is keyed by id. Without one, a
// non-superseded node sharing the same lineage key is treated as the
// content predecessor: identical content refreshes it in place, changed
// content inserts a successor row and marks the old row superseded.
func (db *DB) UpsertNode(tenant string, in UpsertInput) (*UpsertResult, error) {
	if tenant == "" {
		return nil, &TenantViolationError{Detail: "tenant identity required"}
	}
	if len(in.Payload) == 0 {
		in.Payload = json.RawMessage(`{}`)
	}

	hash := contentHashOf(in.Payload, in.Embedding)
	lineage := lineageKeyOf(in.Provenance, hash)

	lockKey := in.NodeID
	if lockKey == "" {
		lockKey = lineage
	}
	mu := db.lockFor(tenant, lockKey)
	mu.Lock()
	defer mu.Unlock()

	var result *UpsertResult
	err := db.inTx(func(tx *sql.Tx) error {
		var err error
		if in.NodeID != "" {
			result, err = upsertByID(tx, tenant, in, hash, lineage)
		} else {
			result, err = upsertByLineage(tx, tenant, in, hash, lineage)
		}
		if err != nil {
			return err
		}
		if len(in.Embedding) > 0 {
			if err := saveEmbeddingTx(tx, tenant, result.NodeID, in.Model, in.Embedding); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func upsertByID(tx *sql.Tx, tenant string, in UpsertInput, hash, lineage string) (*UpsertResult, error) {
	existing, err := getNodeTx(tx, tenant, in.NodeID)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		node := newNodeRow(tenant, in.NodeID, in, hash, lineage)
		if err := insertNodeTx(tx, node); err != nil {
			return nil, err
		}
		if err := recordEventTx(tx, tenant, EventUpsert, upsertEventPayload(node, true)); err != nil {
			return nil, err
		}
		return &UpsertResult{NodeID: node.ID, Created: true}, nil
	}

	now := monotonicNow(existing.UpdatedAt)
	lambda := existing.DecayLambda
	if in.DecayLambda != nil {
		lambda = *in.DecayLambda
	}
	expires := existing.ExpiresAt
	if in.ExpiresAt != nil {
		expires = in.ExpiresAt
	}
	_, err = tx.Exec(`
		UPDATE knowledge_nodes
		SET kind = ?, payload = ?, content_hash = ?, lineage = ?,
			provenance = NULLIF(?, ''), policy = NULLIF(?, ''), decay_lambda = ?, updated_at = ?, expires_at = ?
		WHERE tenant_id = ? AND id = ?
	`, in.Kind, string(in.Payload), hash, lineage,
		string(in.Provenance), string(in.Policy), lambda, now, expires,
		tenant, in.NodeID)
	if err != nil {
		return nil, fmt.Errorf("update node: %w", err)
	}

	updated := *existing
	updated.Kind = in.Kind
	updated.ContentHash = hash
	updated.UpdatedAt = now
	if err := recordEventTx(tx, tenant, EventUpsert, upsertEventPayload(&updated, false)); err != nil {
		return nil, err
	}
	return &UpsertResult{NodeID: in.NodeID, Created: false}, nil
}

func upsertByLineage(tx *sql.Tx, tenant string, in UpsertInput, hash, lineage string) (*UpsertResult, error) {
	prior, err := getNodeByLineageTx(tx, tenant, lineage)
	if err != nil {
		return nil, err
	}

	if prior == nil {
		node := newNodeRow(tenant, uuid.NewString(), in, hash, lineage)
		if err := insertNodeTx(tx, node); err != nil {
			return nil, err
		}
		if err := recordEventTx(tx, tenant, EventUpsert, upsertEventPayload(node, true)); err != nil {
			return nil, err
		}
		return &UpsertResult{NodeID: node.ID, Created: true}, nil
	}

	if prior.ContentHash == hash {
		// Idempotent re-application of the same content.
		now := monotonicNow(prior.UpdatedAt)
		if _, err := tx.Exec(`
			UPDATE knowledge_nodes SET updated_at = ? WHERE tenant_id = ? AND id = ?
		`, now, tenant, prior.ID); err != nil {
			return nil, fmt.Errorf("refresh node: %w", err)
		}
		refreshed := *prior
		refreshed.UpdatedAt = now
		if err := recordEventTx(tx, tenant, EventUpsert, upsertEventPayload(&refreshed, false)); err != nil {
			return nil, err
		}
		return &UpsertResult{NodeID: prior.ID, Created: false}, nil
	}

	// Same lineage, new content: insert a successor and mark the old row.
	node := newNodeRow(tenant, uuid.NewString(), in, hash, lineage)
	if err := insertNodeTx(tx, node); err != nil {
		return nil, err
	}
	now := monotonicNow(prior.UpdatedAt)
	if _, err := tx.Exec(`
		UPDATE knowledge_nodes SET superseded_by = ?, updated_at = ? WHERE tenant_id = ? AND id = ?
	`, node.ID, now, tenant, prior.ID); err != nil {
		return nil, fmt.Errorf("mark superseded: %w", err)
	}

	ref := &SupersededRef{OldID: prior.ID, NewID: node.ID}
	payload := map[string]any{
		"old_id":       ref.OldID,
		"new_id":       ref.NewID,
		"lineage":      lineage,
		"content_hash": hash,
	}
	if err := recordEventTx(tx, tenant, EventSupersededBy, payload); err != nil {
		return nil, err
	}
	return &UpsertResult{NodeID: node.ID, Created: true, Superseded: ref}, nil
}

func newNodeRow(tenant, id string, in UpsertInput, hash, lineage string) *Node {
	now := time.Now().UnixMilli()
	lambda := 0.0
	if in.DecayLambda != nil {
		lambda = *in.DecayLambda
	}
	return &Node{
		TenantID:    tenant,
		ID:          id,
		Kind:        in.Kind,
		Payload:     in.Payload,
		ContentHash: hash,
		Lineage:     lineage,
		Provenance:  in.Provenance,
		Policy:      in.Policy,
		CapsuleKey:  in.CapsuleKey,
		DecayLambda: lambda,
		Score:       1.0,
		ScoredAt:    now,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   in.ExpiresAt,
	}
}

func insertNodeTx(tx *sql.Tx, n *Node) error {
	_, err := tx.Exec(`
		INSERT INTO knowledge_nodes (`+nodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, NULL, 0, ?, ?, ?)
	`, n.TenantID, n.ID, n.Kind, string(n.Payload), n.ContentHash, n.Lineage,
		string(n.Provenance), string(n.Policy), n.CapsuleKey,
		n.DecayLambda, n.Score, n.ScoredAt, n.CreatedAt, n.UpdatedAt, n.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert node: %w", err)
	}
	return nil
}

func upsertEventPayload(n *Node, created bool) map[string]any {
	return map[string]any{
		"node_id":      n.ID,
		"kind":         n.Kind,
		"content_hash": n.ContentHash,
		"lineage":      n.Lineage,
		"created":      created,
	}
}

// monotonicNow returns the current unix-ms timestamp, clamped to strictly
// after prev so updated_at always advances even within one clock tick.
func monotonicNow(prev int64) int64 {
	now := time.Now().UnixMilli()
	if now <= prev {
		now = prev + 1
	}
	return now
}

// GetNode returns a node by id within the caller's tenant.
func (db *DB) GetNode(tenant, id string) (*Node, error) {
	if tenant == "" {
		return nil, &TenantViolationError{Detail: "tenant identity required"}
	}
	row := db.QueryRow(`
		SELECT `+nodeColumns+` FROM knowledge_nodes WHERE tenant_id = ? AND id = ?
	`, tenant, id)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Tenant: tenant, Kind: "node", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	return n, nil
}

func getNodeTx(tx *sql.Tx, tenant, id string) (*Node, error) {
	row := tx.QueryRow(`
		SELECT `+nodeColumns+` FROM knowledge_nodes WHERE tenant_id = ? AND id = ?
	`, tenant, id)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	return n, nil
}

// getNodeByLineageTx resolves the live (non-superseded, non-revoked) node
// for a lineage key. Index lookup on (tenant_id, lineage), never a scan.
func getNodeByLineageTx(tx *sql.Tx, tenant, lineage string) (*Node, error) {
	row := tx.QueryRow(`
		SELECT `+nodeColumns+` FROM knowledge_nodes
		WHERE tenant_id = ? AND lineage = ? AND superseded_by IS NULL AND revoked = 0
		ORDER BY updated_at DESC LIMIT 1
	`, tenant, lineage)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get node by lineage: %w", err)
	}
	return n, nil
}

// QueryByKind returns nodes of one kind, newest first, with keyset
// pagination: pass the last id of the previous page as cursor.
func (db *DB) QueryByKind(tenant, kind string, limit int, cursor string) ([]Node, error) {
	if tenant == "" {
		return nil, &TenantViolationError{Detail: "tenant identity required"}
	}
	if limit <= 0 {
		limit = 50
	}

	args := []any{tenant, kind}
	q := `
		SELECT ` + nodeColumns + ` FROM knowledge_nodes
		WHERE tenant_id = ? AND kind = ? AND superseded_by IS NULL AND revoked = 0`
	if cursor != "" {
		q += `
		AND (created_at, id) < (SELECT created_at, id FROM knowledge_nodes WHERE tenant_id = ? AND id = ?)`
		args = append(args, tenant, cursor)
	}
	q += `
		ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query by kind: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

// FindCandidates narrows the hybrid-search candidate set by symbolic
// predicates before any similarity work: exact kind match plus exact-match
// comparisons against payload fields via json_extract. Superseded and
// revoked rows never rank.
func (db *DB) FindCandidates(tenant, kind string, payload map[string]string) ([]Node, error) {
	if tenant == "" {
		return nil, &TenantViolationError{Detail: "tenant identity required"}
	}

	q := `
		SELECT ` + nodeColumns + ` FROM knowledge_nodes
		WHERE tenant_id = ? AND superseded_by IS NULL AND revoked = 0`
	args := []any{tenant}
	if kind != "" {
		q += ` AND kind = ?`
		args = append(args, kind)
	}
	for field, want := range payload {
		q += ` AND json_extract(payload, ?) = ?`
		args = append(args, "$."+field, want)
	}

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("find candidates: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

// PurgeScope narrows a purge. The zero value targets the whole tenant.
type PurgeScope struct {
	NodeID     string `json:"node_id,omitempty"`
	Kind       string `json:"kind,omitempty"`
	CapsuleKey string `json:"capsule_key,omitempty"`
}

// PurgeResult reports what a purge removed.
type PurgeResult struct {
	Nodes      int `json:"nodes"`
	Edges      int `json:"edges"`
	Embeddings int `json:"embeddings"`
}

// Purge bulk-deletes nodes in scope, cascading to edges touching them and
// to their embeddings, all in one transaction. Purge is administrative: it
// appends a single aggregate event, never per-row ones.
func (db *DB) Purge(tenant string, scope PurgeScope) (*PurgeResult, error) {
	if tenant == "" {
		return nil, &TenantViolationError{Detail: "tenant identity required"}
	}

	var result PurgeResult
	err := db.inTx(func(tx *sql.Tx) error {
		ids, err := purgeTargetIDs(tx, tenant, scope)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return recordEventTx(tx, tenant, EventPurge, map[string]any{"scope": scope, "nodes": 0})
		}

		ph, args := placeholders(tenant, ids)
		edgeArgs := append(append([]any{}, args...), anySlice(ids)...)

		res, err := tx.Exec(`DELETE FROM knowledge_edges WHERE tenant_id = ? AND (src IN (`+ph+`) OR dst IN (`+ph+`))`,
			edgeArgs...)
		if err != nil {
			return fmt.Errorf("purge edges: %w", err)
		}
		edges, _ := res.RowsAffected()

		res, err = tx.Exec(`DELETE FROM node_embeddings WHERE tenant_id = ? AND node_id IN (`+ph+`)`, args...)
		if err != nil {
			return fmt.Errorf("purge embeddings: %w", err)
		}
		embeddings, _ := res.RowsAffected()

		res, err = tx.Exec(`DELETE FROM knowledge_nodes WHERE tenant_id = ? AND id IN (`+ph+`)`, args...)
		if err != nil {
			return fmt.Errorf("purge nodes: %w", err)
		}
		nodes, _ := res.RowsAffected()

		result = PurgeResult{Nodes: int(nodes), Edges: int(edges), Embeddings: int(embeddings)}
		return recordEventTx(tx, tenant, EventPurge, map[string]any{
			"scope":      scope,
			"nodes":      result.Nodes,
			"edges":      result.Edges,
			"embeddings": result.Embeddings,
		})
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func purgeTargetIDs(tx *sql.Tx, tenant string, scope PurgeScope) ([]string, error) {
	q := `SELECT id FROM knowledge_nodes WHERE tenant_id = ?`
	args := []any{tenant}
	switch {
	case scope.NodeID != "":
		q += ` AND id = ?`
		args = append(args, scope.NodeID)
	case scope.Kind != "":
		q += ` AND kind = ?`
		args = append(args, scope.Kind)
	case scope.CapsuleKey != "":
		q += ` AND capsule_key = ?`
		args = append(args, scope.CapsuleKey)
	}

	rows, err := tx.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("select purge targets: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan purge target: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func placeholders(tenant string, ids []string) (string, []any) {
	ph := ""
	args := []any{tenant}
	for i, id := range ids {
		if i > 0 {
			ph += ","
		}
		ph += "?"
		args = append(args, id)
	}
	return ph, args
}

func anySlice(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*Node, error) {
	var n Node
	var payload string
	var provenance, policy, capsuleKey, supersededBy sql.NullString
	var revoked int
	var expires sql.NullInt64
	err := row.Scan(&n.TenantID, &n.ID, &n.Kind, &payload, &n.ContentHash, &n.Lineage,
		&provenance, &policy, &capsuleKey,
		&n.DecayLambda, &n.Score, &n.ScoredAt, &supersededBy, &revoked,
		&n.CreatedAt, &n.UpdatedAt, &expires)
	if err != nil {
		return nil, err
	}
	if expires.Valid {
		n.ExpiresAt = &expires.Int64
	}
	n.Payload = json.RawMessage(payload)
	if provenance.Valid {
		n.Provenance = json.RawMessage(provenance.String)
	}
	if policy.Valid {
		n.Policy = json.RawMessage(policy.String)
	}
	n.CapsuleKey = capsuleKey.String
	n.SupersededBy = supersededBy.String
	n.Revoked = revoked != 0
	return &n, nil
}

func scanNodes(rows *sql.Rows) ([]Node, error) {
	var nodes []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, *n)
	}
	return nodes, rows.Err()
}
