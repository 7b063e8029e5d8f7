package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Outbox event kinds. UPSERT, SUPERSEDED_BY and REVOKE_CAPSULE describe
// content-lineage changes; RELATE covers edge mutations, PURGE is the
// single aggregate notification for administrative deletion, and TEST is
// the diagnostic kind behind EmitTestEvent.
const (
	EventUpsert        = "UPSERT"
	EventSupersededBy  = "SUPERSEDED_BY"
	EventRevokeCapsule = "REVOKE_CAPSULE"
	EventRelate        = "RELATE"
	EventPurge         = "PURGE"
	EventTest          = "TEST"
)

// OutboxEvent is an immutable record of a committed state change. The id is
// assigned in commit order, so draining by id preserves per-tenant order.
type OutboxEvent struct {
	ID          int64           `json:"id"`
	TenantID    string          `json:"tenant_id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   int64           `json:"created_at"`
	PublishedAt *int64          `json:"published_at,omitempty"`
}

// recordEventTx appends an event inside the transaction of the mutation it
// describes. No event exists without its committed mutation and vice versa.
func recordEventTx(tx *sql.Tx, tenant, kind string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO outbox_events (tenant_id, kind, payload, created_at)
		VALUES (?, ?, ?, ?)
	`, tenant, kind, string(body), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// RecordEvent appends a standalone event in its own transaction. Used for
// diagnostics (EmitTestEvent); domain mutations record their events inline.
func (db *DB) RecordEvent(tenant, kind string, payload any) error {
	if tenant == "" {
		return &TenantViolationError{Detail: "tenant identity required"}
	}
	return db.inTx(func(tx *sql.Tx) error {
		return recordEventTx(tx, tenant, kind, payload)
	})
}

// Drain returns up to batchSize unpublished events in commit order. Events
// stay unpublished until Ack, so a crash after Drain redelivers rather
// than loses them.
func (db *DB) Drain(batchSize int) ([]OutboxEvent, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	rows, err := db.Query(`
		SELECT id, tenant_id, kind, payload, created_at, published_at
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY id ASC
		LIMIT ?
	`, batchSize)
	if err != nil {
		return nil, fmt.Errorf("drain outbox: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Ack marks the given events published after the delivery collaborator has
// accepted them.
func (db *DB) Ack(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	ph := ""
	args := []any{now}
	for i, id := range ids {
		if i > 0 {
			ph += ","
		}
		ph += "?"
		args = append(args, id)
	}
	_, err := db.Exec(`UPDATE outbox_events SET published_at = ? WHERE id IN (`+ph+`)`, args...)
	if err != nil {
		return fmt.Errorf("ack events: %w", err)
	}
	return nil
}

// EventsForTenant returns all events for one tenant in commit order,
// published or not. Diagnostic helper.
func (db *DB) EventsForTenant(tenant string) ([]OutboxEvent, error) {
	if tenant == "" {
		return nil, &TenantViolationError{Detail: "tenant identity required"}
	}
	rows, err := db.Query(`
		SELECT id, tenant_id, kind, payload, created_at, published_at
		FROM outbox_events WHERE tenant_id = ? ORDER BY id ASC
	`, tenant)
	if err != nil {
		return nil, fmt.Errorf("events for tenant: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]OutboxEvent, error) {
	var events []OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		var payload string
		var published sql.NullInt64
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Kind, &payload, &e.CreatedAt, &published); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		if published.Valid {
			e.PublishedAt = &published.Int64
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
