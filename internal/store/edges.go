package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Edge is a weighted, labeled directed relation between two nodes of the
// same tenant.
type Edge struct {
	TenantID  string          `json:"tenant_id"`
	ID        string          `json:"id"`
	Src       string          `json:"src"`
	Dst       string          `json:"dst"`
	Rel       string          `json:"rel"`
	Weight    float64         `json:"weight"`
	Props     json.RawMessage `json:"props,omitempty"`
	CreatedAt int64           `json:"created_at"`
}

// RelateResult is the outcome of a Relate call.
type RelateResult struct {
	EdgeID  string `json:"edge_id"`
	Created bool   `json:"created"`
}

const edgeColumns = `tenant_id, id, src, dst, rel, weight, props, created_at`

// Relate upserts the edge (src)-[rel]->(dst). Both endpoints must resolve
// to nodes in the caller's tenant; a second call with the same triple
// updates weight and props in place. A nil weight defaults to 1.0, so an
// explicit zero stays representable. The mutation and its outbox event
// commit atomically.
func (db *DB) Relate(tenant, src, dst, rel string, weight *float64, props json.RawMessage) (*RelateResult, error) {
	if tenant == "" {
		return nil, &TenantViolationError{Detail: "tenant identity required"}
	}
	w := 1.0
	if weight != nil {
		w = *weight
	}

	var result *RelateResult
	err := db.inTx(func(tx *sql.Tx) error {
		for _, end := range []struct{ name, id string }{{"src", src}, {"dst", dst}} {
			n, err := getNodeTx(tx, tenant, end.id)
			if err != nil {
				return err
			}
			if n == nil {
				return &DanglingReferenceError{Tenant: tenant, End: end.name, ID: end.id}
			}
		}

		var existingID string
		err := tx.QueryRow(`
			SELECT id FROM knowledge_edges WHERE tenant_id = ? AND src = ? AND dst = ? AND rel = ?
		`, tenant, src, dst, rel).Scan(&existingID)
		switch {
		case err == sql.ErrNoRows:
			id := uuid.NewString()
			now := time.Now().UnixMilli()
			if _, err := tx.Exec(`
				INSERT INTO knowledge_edges (`+edgeColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?)
			`, tenant, id, src, dst, rel, w, string(props), now); err != nil {
				return fmt.Errorf("insert edge: %w", err)
			}
			result = &RelateResult{EdgeID: id, Created: true}
		case err != nil:
			return fmt.Errorf("lookup edge: %w", err)
		default:
			if _, err := tx.Exec(`
				UPDATE knowledge_edges SET weight = ?, props = NULLIF(?, '') WHERE tenant_id = ? AND id = ?
			`, w, string(props), tenant, existingID); err != nil {
				return fmt.Errorf("update edge: %w", err)
			}
			result = &RelateResult{EdgeID: existingID, Created: false}
		}

		return recordEventTx(tx, tenant, EventRelate, map[string]any{
			"edge_id": result.EdgeID,
			"src":     src,
			"dst":     dst,
			"rel":     rel,
			"weight":  w,
			"created": result.Created,
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Neighborhood is the union of edges touching a node plus the distinct
// nodes at the other endpoints.
type Neighborhood struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Neighbors returns all edges where the node is src or dst, and the set of
// nodes at the opposite ends. The anchor node must exist in the tenant.
func (db *DB) Neighbors(tenant, nodeID string) (*Neighborhood, error) {
	if tenant == "" {
		return nil, &TenantViolationError{Detail: "tenant identity required"}
	}
	if _, err := db.GetNode(tenant, nodeID); err != nil {
		return nil, err
	}

	rows, err := db.Query(`
		SELECT `+edgeColumns+` FROM knowledge_edges
		WHERE tenant_id = ? AND (src = ? OR dst = ?)
		ORDER BY created_at DESC
	`, tenant, nodeID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("query neighbors: %w", err)
	}
	defer rows.Close()

	var edges []Edge
	otherIDs := make(map[string]bool)
	for rows.Next() {
		var e Edge
		var props sql.NullString
		if err := rows.Scan(&e.TenantID, &e.ID, &e.Src, &e.Dst, &e.Rel, &e.Weight, &props, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		if props.Valid {
			e.Props = json.RawMessage(props.String)
		}
		edges = append(edges, e)
		if e.Src == nodeID {
			otherIDs[e.Dst] = true
		} else {
			otherIDs[e.Src] = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	nb := &Neighborhood{Edges: edges}
	for id := range otherIDs {
		n, err := db.GetNode(tenant, id)
		if err != nil {
			return nil, err
		}
		nb.Nodes = append(nb.Nodes, *n)
	}
	return nb, nil
}
