package store

import (
	"database/sql"
	"fmt"
)

// RevokeCapsule invalidates every node still tracing back to the capsule
// key: live rows are flagged revoked in one transaction together with a
// single REVOKE_CAPSULE event listing the affected ids. Returns the number
// of nodes revoked.
func (db *DB) RevokeCapsule(tenant, key string) (int, error) {
	if tenant == "" {
		return 0, &TenantViolationError{Detail: "tenant identity required"}
	}

	var revoked int
	err := db.inTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`
			SELECT id, updated_at FROM knowledge_nodes
			WHERE tenant_id = ? AND capsule_key = ? AND revoked = 0
		`, tenant, key)
		if err != nil {
			return fmt.Errorf("select capsule nodes: %w", err)
		}
		defer rows.Close()

		type target struct {
			id        string
			updatedAt int64
		}
		var targets []target
		for rows.Next() {
			var t target
			if err := rows.Scan(&t.id, &t.updatedAt); err != nil {
				return fmt.Errorf("scan capsule node: %w", err)
			}
			targets = append(targets, t)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		ids := make([]string, len(targets))
		for i, t := range targets {
			ids[i] = t.id
			now := monotonicNow(t.updatedAt)
			if _, err := tx.Exec(`
				UPDATE knowledge_nodes SET revoked = 1, updated_at = ? WHERE tenant_id = ? AND id = ?
			`, now, tenant, t.id); err != nil {
				return fmt.Errorf("revoke node: %w", err)
			}
		}

		revoked = len(ids)
		return recordEventTx(tx, tenant, EventRevokeCapsule, map[string]any{
			"capsule_key": key,
			"node_ids":    ids,
		})
	})
	if err != nil {
		return 0, err
	}
	return revoked, nil
}

// NodesByCapsuleKey returns the live nodes still tracing back to a capsule
// key, newest first. Index lookup on (tenant_id, capsule_key).
func (db *DB) NodesByCapsuleKey(tenant, key string) ([]Node, error) {
	if tenant == "" {
		return nil, &TenantViolationError{Detail: "tenant identity required"}
	}
	rows, err := db.Query(`
		SELECT `+nodeColumns+` FROM knowledge_nodes
		WHERE tenant_id = ? AND capsule_key = ? AND superseded_by IS NULL AND revoked = 0
		ORDER BY updated_at DESC
	`, tenant, key)
	if err != nil {
		return nil, fmt.Errorf("nodes by capsule key: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

// Tenants lists every tenant that owns at least one node. Used by the
// background decay sweeper.
func (db *DB) Tenants() ([]string, error) {
	rows, err := db.Query(`SELECT DISTINCT tenant_id FROM knowledge_nodes`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}
