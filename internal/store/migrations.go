package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "knowledge_nodes: tenant-partitioned typed nodes",
		SQL: `
CREATE TABLE knowledge_nodes (
    tenant_id      TEXT NOT NULL,
    id             TEXT NOT NULL,
    kind           TEXT NOT NULL,
    payload        TEXT NOT NULL DEFAULT '{}',

    -- Provenance / lineage
    content_hash   TEXT NOT NULL,
    lineage        TEXT NOT NULL,
    provenance     TEXT,
    policy         TEXT,
    capsule_key    TEXT,

    -- Temporal relevance
    decay_lambda   REAL NOT NULL DEFAULT 0 CHECK (decay_lambda >= 0),
    score          REAL NOT NULL DEFAULT 1.0,
    scored_at      INTEGER NOT NULL,

    -- Lifecycle
    superseded_by  TEXT,
    revoked        INTEGER NOT NULL DEFAULT 0,
    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL,

    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX idx_nodes_kind    ON knowledge_nodes(tenant_id, kind);
CREATE INDEX idx_nodes_lineage ON knowledge_nodes(tenant_id, lineage);
CREATE INDEX idx_nodes_capsule ON knowledge_nodes(tenant_id, capsule_key);
`,
	},
	{
		Version:     2,
		Description: "knowledge_edges: weighted directed relations",
		SQL: `
CREATE TABLE knowledge_edges (
    tenant_id  TEXT NOT NULL,
    id         TEXT NOT NULL,
    src        TEXT NOT NULL,
    dst        TEXT NOT NULL,
    rel        TEXT NOT NULL,
    weight     REAL NOT NULL DEFAULT 1.0,
    props      TEXT,
    created_at INTEGER NOT NULL,

    PRIMARY KEY (tenant_id, id),
    UNIQUE (tenant_id, src, dst, rel)
);

CREATE INDEX idx_edges_src ON knowledge_edges(tenant_id, src);
CREATE INDEX idx_edges_dst ON knowledge_edges(tenant_id, dst);
`,
	},
	{
		Version:     3,
		Description: "node_embeddings: one vector per (node, model)",
		SQL: `
CREATE TABLE node_embeddings (
    tenant_id  TEXT NOT NULL,
    node_id    TEXT NOT NULL,
    model      TEXT NOT NULL,
    dim        INTEGER NOT NULL,
    vec        BLOB NOT NULL,
    created_at INTEGER NOT NULL,

    PRIMARY KEY (tenant_id, node_id, model)
);
`,
	},
	{
		Version:     4,
		Description: "outbox_events: append-only mutation log",
		SQL: `
CREATE TABLE outbox_events (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    tenant_id    TEXT NOT NULL,
    kind         TEXT NOT NULL CHECK (kind IN ('UPSERT', 'SUPERSEDED_BY', 'REVOKE_CAPSULE', 'RELATE', 'PURGE', 'TEST')),
    payload      TEXT NOT NULL,
    created_at   INTEGER NOT NULL,
    published_at INTEGER
);

CREATE INDEX idx_outbox_unpublished ON outbox_events(id) WHERE published_at IS NULL;
CREATE INDEX idx_outbox_tenant      ON outbox_events(tenant_id, id);
`,
	},
	{
		Version:     5,
		Description: "knowledge_nodes: artifact expiry",
		SQL: `
ALTER TABLE knowledge_nodes ADD COLUMN expires_at INTEGER;
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
