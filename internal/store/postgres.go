// Package store persists a node's connections, threat beliefs and
// workflows to PostgreSQL: pgxpool, an explicit schema file, and
// transactional batch upserts. Per-connection priming is stored with
// each connection row; node-level session state (the node's priming
// level, defense state, in-flight workflow execution, capability
// loads) is not persisted.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/symbiont-net/node/pkg/symbiont"
)

// PostgresStore is the generalized persistence layer: one row per
// connection, keyed by (self, partner), plus append-only threat-belief
// snapshots and one upserted JSON snapshot per workflow.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect opens the pgxpool and verifies connectivity, matching
// db.Connect's fail-fast ping.
func Connect(ctx context.Context, connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("store: unable to connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("store: ping failed: %w", err)
	}
	log.Println("store: connected to PostgreSQL")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema loads and executes internal/store/schema.sql, matching
// db.PostgresStore.InitSchema's read-then-exec shape.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	schemaBytes, err := os.ReadFile("internal/store/schema.sql")
	if err != nil {
		return fmt.Errorf("store: failed to read schema file: %w", err)
	}
	if _, err := s.pool.Exec(ctx, string(schemaBytes)); err != nil {
		return fmt.Errorf("store: failed to execute schema: %w", err)
	}
	log.Println("store: schema initialized")
	return nil
}

// SaveConnections upserts a node's full connection set in one
// transaction.
func (s *PostgresStore) SaveConnections(ctx context.Context, self symbiont.NodeID, connections map[symbiont.NodeID]symbiont.Connection) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const upsertSQL = `
		INSERT INTO connections (self_id, partner_id, weight, reciprocity, quality, tone, priming, last_active, count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (self_id, partner_id) DO UPDATE
		SET weight = EXCLUDED.weight, reciprocity = EXCLUDED.reciprocity, quality = EXCLUDED.quality,
		    tone = EXCLUDED.tone, priming = EXCLUDED.priming, last_active = EXCLUDED.last_active, count = EXCLUDED.count;
	`
	for partner, c := range connections {
		if _, err := tx.Exec(ctx, upsertSQL, self.String(), partner.String(), c.W, c.R, c.Q, c.T, c.P, c.LastActive, c.Count); err != nil {
			return fmt.Errorf("store: failed to upsert connection to %s: %w", partner, err)
		}
	}

	return tx.Commit(ctx)
}

// LoadConnections returns every persisted connection for self.
func (s *PostgresStore) LoadConnections(ctx context.Context, self symbiont.NodeID) (map[symbiont.NodeID]*symbiont.Connection, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT partner_id, weight, reciprocity, quality, tone, priming, last_active, count
		FROM connections WHERE self_id = $1`, self.String())
	if err != nil {
		return nil, fmt.Errorf("store: failed to load connections: %w", err)
	}
	defer rows.Close()

	out := make(map[symbiont.NodeID]*symbiont.Connection)
	for rows.Next() {
		var partnerHex string
		c := &symbiont.Connection{}
		if err := rows.Scan(&partnerHex, &c.W, &c.R, &c.Q, &c.T, &c.P, &c.LastActive, &c.Count); err != nil {
			return nil, fmt.Errorf("store: failed to scan connection row: %w", err)
		}
		var partner symbiont.NodeID
		if err := partner.UnmarshalText([]byte(partnerHex)); err != nil {
			return nil, fmt.Errorf("store: malformed partner id %q: %w", partnerHex, err)
		}
		c.Partner = partner
		out[partner] = c
	}
	return out, rows.Err()
}

// SaveThreatBelief appends a snapshot of a threat belief; beliefs are
// append-only so the evidence trail survives even as Level changes.
func (s *PostgresStore) SaveThreatBelief(ctx context.Context, self symbiont.NodeID, belief symbiont.ThreatBelief) error {
	evidence, err := json.Marshal(belief.Evidence)
	if err != nil {
		return fmt.Errorf("store: failed to marshal evidence: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO threat_beliefs (self_id, partner_id, level, threat_type, evidence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		self.String(), belief.Partner.String(), belief.Level, belief.ThreatType, evidence, belief.Updated)
	if err != nil {
		return fmt.Errorf("store: failed to save threat belief: %w", err)
	}
	return nil
}

// SaveWorkflow persists a workflow's current snapshot as JSON.
// Workflows are complex enough (a DAG of steps with retry state) that
// a relational schema per field would buy nothing over a JSONB blob
// keyed by id.
func (s *PostgresStore) SaveWorkflow(ctx context.Context, wf *symbiont.Workflow) error {
	payload, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("store: failed to marshal workflow: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflows (id, status, payload, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		wf.ID, wf.Status.String(), payload, wf.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: failed to save workflow: %w", err)
	}
	return nil
}

// LoadWorkflow reconstructs a workflow from its persisted JSON snapshot.
func (s *PostgresStore) LoadWorkflow(ctx context.Context, id string) (*symbiont.Workflow, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM workflows WHERE id = $1`, id).Scan(&payload)
	if err != nil {
		return nil, fmt.Errorf("store: failed to load workflow %s: %w", id, err)
	}
	var wf symbiont.Workflow
	if err := json.Unmarshal(payload, &wf); err != nil {
		return nil, fmt.Errorf("store: failed to unmarshal workflow %s: %w", id, err)
	}
	return &wf, nil
}
