package store

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// EmbeddingRecord holds one vector for a (node, model) pair.
type EmbeddingRecord struct {
	TenantID  string
	NodeID    string
	Model     string
	Dim       int
	Vec       []float64
	CreatedAt int64
}

// encodeEmbedding converts a []float64 to a binary BLOB (8 bytes per float64).
func encodeEmbedding(vec []float64) []byte {
	buf := make([]byte, len(vec)*8)
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// decodeEmbedding converts a binary BLOB back to []float64.
func decodeEmbedding(buf []byte) []float64 {
	n := len(buf) / 8
	vec := make([]float64, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vec
}

func saveEmbeddingTx(tx *sql.Tx, tenant, nodeID, model string, vec []float64) error {
	now := time.Now().UnixMilli()
	blob := encodeEmbedding(vec)

	_, err := tx.Exec(`
		INSERT INTO node_embeddings (tenant_id, node_id, model, dim, vec, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, node_id, model) DO UPDATE SET dim = ?, vec = ?, created_at = ?
	`, tenant, nodeID, model, len(vec), blob, now,
		len(vec), blob, now)
	if err != nil {
		return fmt.Errorf("save embedding: %w", err)
	}
	return nil
}

// SaveEmbedding stores or replaces the vector for a (node, model) pair.
// The node must exist in the caller's tenant.
func (db *DB) SaveEmbedding(tenant, nodeID, model string, vec []float64) error {
	if tenant == "" {
		return &TenantViolationError{Detail: "tenant identity required"}
	}
	return db.inTx(func(tx *sql.Tx) error {
		n, err := getNodeTx(tx, tenant, nodeID)
		if err != nil {
			return err
		}
		if n == nil {
			return &NotFoundError{Tenant: tenant, Kind: "node", ID: nodeID}
		}
		return saveEmbeddingTx(tx, tenant, nodeID, model, vec)
	})
}

// GetEmbedding returns the vector for a (node, model) pair, or nil when the
// node has no embedding under that model.
func (db *DB) GetEmbedding(tenant, nodeID, model string) (*EmbeddingRecord, error) {
	if tenant == "" {
		return nil, &TenantViolationError{Detail: "tenant identity required"}
	}
	var rec EmbeddingRecord
	var blob []byte
	err := db.QueryRow(`
		SELECT tenant_id, node_id, model, dim, vec, created_at
		FROM node_embeddings WHERE tenant_id = ? AND node_id = ? AND model = ?
	`, tenant, nodeID, model).Scan(&rec.TenantID, &rec.NodeID, &rec.Model, &rec.Dim, &blob, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get embedding: %w", err)
	}
	rec.Vec = decodeEmbedding(blob)
	return &rec, nil
}

// EmbeddingsForNodes returns the stored vectors for the given node ids
// under one model, keyed by node id.
func (db *DB) EmbeddingsForNodes(tenant string, nodeIDs []string, model string) (map[string][]float64, error) {
	if tenant == "" {
		return nil, &TenantViolationError{Detail: "tenant identity required"}
	}
	if len(nodeIDs) == 0 {
		return nil, nil
	}

	ph, args := placeholders(tenant, nodeIDs)
	args = append(args, model)
	rows, err := db.Query(`
		SELECT node_id, vec FROM node_embeddings
		WHERE tenant_id = ? AND node_id IN (`+ph+`) AND model = ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("embeddings for nodes: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]float64)
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		out[id] = decodeEmbedding(blob)
	}
	return out, rows.Err()
}
