package store

import (
	"database/sql"
	"fmt"
)

// NodesForScoring returns the live nodes of a tenant (optionally narrowed
// to one kind) for a decay or reinforcement pass. Superseded and revoked
// rows no longer participate in scoring.
func (db *DB) NodesForScoring(tenant, kind string) ([]Node, error) {
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

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("nodes for scoring: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

// MutateNodeScore applies a read-modify-write to one node's temporal score
// under the same per-id serialization as upserts. The mutate callback
// receives the current row and returns the new score and scoring timestamp;
// returning false skips the write entirely.
func (db *DB) MutateNodeScore(tenant, id string, mutate func(n *Node) (score float64, scoredAt int64, write bool)) error {
	if tenant == "" {
		return &TenantViolationError{Detail: "tenant identity required"}
	}

	mu := db.lockFor(tenant, id)
	mu.Lock()
	defer mu.Unlock()

	return db.inTx(func(tx *sql.Tx) error {
		n, err := getNodeTx(tx, tenant, id)
		if err != nil {
			return err
		}
		if n == nil {
			return &NotFoundError{Tenant: tenant, Kind: "node", ID: id}
		}

		score, scoredAt, write := mutate(n)
		if !write {
			return nil
		}

		now := monotonicNow(n.UpdatedAt)
		if _, err := tx.Exec(`
			UPDATE knowledge_nodes SET score = ?, scored_at = ?, updated_at = ?
			WHERE tenant_id = ? AND id = ?
		`, score, scoredAt, now, tenant, id); err != nil {
			return fmt.Errorf("update score: %w", err)
		}
		return nil
	})
}
