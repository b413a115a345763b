// Package graphstore implements the Graph Store external contract
// (SPEC_FULL.md §6): typed nodes/edges, deterministic adjacency lookups,
// and the memory<->node inverted indices. Schema, DSN, and pragma
// conventions are adapted from the teacher's pkg/store/sqlite
// (adfoke-PAIM/pkg/store/sqlite/sqlite.go) and pkg/store/graph
// (adfoke-PAIM/pkg/store/graph/graph.go), generalized from a flat
// "triples" table to the node/edge/memory graph schema this spec needs.
package graphstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/memoryfold/mnemos/pkg/model"
)

// Store is the single-writer/multi-reader graph backing store.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serializes writers, per SPEC_FULL.md §5
}

// Open opens (creating if needed) the SQLite-backed graph database at
// path, applying the same WAL/foreign-key/busy-timeout pragmas as the
// teacher's sqlite.New.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
            id TEXT PRIMARY KEY,
            content TEXT NOT NULL,
            type TEXT NOT NULL,
            embedding JSON,
            metadata JSON,
            created_at DATETIME NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS edges (
            id TEXT PRIMARY KEY,
            source_id TEXT NOT NULL REFERENCES nodes(id),
            target_id TEXT NOT NULL REFERENCES nodes(id),
            edge_type TEXT NOT NULL,
            relation_text TEXT,
            importance REAL DEFAULT 0,
            metadata JSON,
            created_at DATETIME NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source_id);`,
		`CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_id);`,
		`CREATE TABLE IF NOT EXISTS memories (
            id TEXT PRIMARY KEY,
            node_ids JSON NOT NULL,
            edge_ids JSON NOT NULL,
            memory_type TEXT NOT NULL,
            importance REAL DEFAULT 0,
            activation REAL DEFAULT 0,
            created_at DATETIME NOT NULL,
            last_accessed_at DATETIME NOT NULL,
            access_count INTEGER DEFAULT 0,
            decay_factor REAL DEFAULT 1,
            privacy_label TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS node_memories (
            node_id TEXT NOT NULL,
            memory_id TEXT NOT NULL,
            PRIMARY KEY (node_id, memory_id)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_node_memories_node ON node_memories(node_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("graphstore: schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// UpsertNode inserts or replaces a node.
func (s *Store) UpsertNode(ctx context.Context, n model.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	embJSON, _ := json.Marshal(n.Embedding)
	metaJSON, _ := json.Marshal(n.Metadata)
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO nodes(id, content, type, embedding, metadata, created_at)
        VALUES(?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET content=excluded.content, type=excluded.type,
            embedding=excluded.embedding, metadata=excluded.metadata;
    `, n.ID, n.Content, string(n.Type), string(embJSON), string(metaJSON), n.CreatedAt)
	return err
}

// UpsertEdge inserts or replaces an edge.
func (s *Store) UpsertEdge(ctx context.Context, e model.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metaJSON, _ := json.Marshal(e.Metadata)
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO edges(id, source_id, target_id, edge_type, relation_text, importance, metadata, created_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET edge_type=excluded.edge_type, relation_text=excluded.relation_text,
            importance=excluded.importance, metadata=excluded.metadata;
    `, e.ID, e.SourceID, e.TargetID, string(e.EdgeType), e.RelationText, e.Importance, string(metaJSON), e.CreatedAt)
	return err
}

// UpsertMemory inserts or replaces a memory and keeps node_memories in
// lock-step (invariant 3 of spec.md §8).
func (s *Store) UpsertMemory(ctx context.Context, m model.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertMemoryLocked(ctx, m)
}

func (s *Store) upsertMemoryLocked(ctx context.Context, m model.Memory) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	nodeIDsJSON, _ := json.Marshal(m.NodeIDs)
	edgeIDsJSON, _ := json.Marshal(m.EdgeIDs)
	var privacy any
	if m.PrivacyLabel != nil {
		privacy = *m.PrivacyLabel
	}

	if _, err := tx.ExecContext(ctx, `
        INSERT INTO memories(id, node_ids, edge_ids, memory_type, importance, activation,
            created_at, last_accessed_at, access_count, decay_factor, privacy_label)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET node_ids=excluded.node_ids, edge_ids=excluded.edge_ids,
            memory_type=excluded.memory_type, importance=excluded.importance, activation=excluded.activation,
            last_accessed_at=excluded.last_accessed_at, access_count=excluded.access_count,
            decay_factor=excluded.decay_factor, privacy_label=excluded.privacy_label;
    `, m.ID, string(nodeIDsJSON), string(edgeIDsJSON), string(m.MemoryType), m.Importance, m.Activation,
		m.CreatedAt, m.LastAccessedAt, m.AccessCount, m.DecayFactor, privacy); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM node_memories WHERE memory_id = ?;`, m.ID); err != nil {
		return err
	}
	for _, nodeID := range m.NodeIDs {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO node_memories(node_id, memory_id) VALUES(?, ?);`, nodeID, m.ID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteMemory removes a memory and its node_memories rows (the nodes
// and edges it referenced are left intact — forgetting a memory does
// not imply forgetting shared graph structure other memories still use).
func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM node_memories WHERE memory_id = ?;`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?;`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// GetNode fetches a node by id.
func (s *Store) GetNode(ctx context.Context, id string) (*model.Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, content, type, embedding, metadata, created_at FROM nodes WHERE id = ?;`, id)
	return scanNode(row)
}

func scanNode(row *sql.Row) (*model.Node, error) {
	var n model.Node
	var nodeType string
	var embJSON, metaJSON sql.NullString
	if err := row.Scan(&n.ID, &n.Content, &nodeType, &embJSON, &metaJSON, &n.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	n.Type = model.NodeType(nodeType)
	if embJSON.Valid && embJSON.String != "" {
		_ = json.Unmarshal([]byte(embJSON.String), &n.Embedding)
	}
	if metaJSON.Valid && metaJSON.String != "" {
		_ = json.Unmarshal([]byte(metaJSON.String), &n.Metadata)
	}
	return &n, nil
}

// GetMemory fetches a memory by id.
func (s *Store) GetMemory(ctx context.Context, id string) (*model.Memory, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, node_ids, edge_ids, memory_type, importance, activation,
            created_at, last_accessed_at, access_count, decay_factor, privacy_label
        FROM memories WHERE id = ?;`, id)
	return scanMemory(row)
}

func scanMemory(row *sql.Row) (*model.Memory, error) {
	var m model.Memory
	var memType string
	var nodeIDsJSON, edgeIDsJSON string
	var privacy sql.NullString
	if err := row.Scan(&m.ID, &nodeIDsJSON, &edgeIDsJSON, &memType, &m.Importance, &m.Activation,
		&m.CreatedAt, &m.LastAccessedAt, &m.AccessCount, &m.DecayFactor, &privacy); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	m.MemoryType = model.MemoryType(memType)
	_ = json.Unmarshal([]byte(nodeIDsJSON), &m.NodeIDs)
	_ = json.Unmarshal([]byte(edgeIDsJSON), &m.EdgeIDs)
	if privacy.Valid {
		v := privacy.String
		m.PrivacyLabel = &v
	}
	return &m, nil
}

// GetMemoriesByNode returns the ids of memories referencing nodeID (the
// node->memories inverted index).
func (s *Store) GetMemoriesByNode(ctx context.Context, nodeID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT memory_id FROM node_memories WHERE node_id = ?;`, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetOutgoingEdges returns edges sourced at nodeID in a deterministic
// order (by id), as required by the Graph Store contract.
func (s *Store) GetOutgoingEdges(ctx context.Context, nodeID string) ([]model.Edge, error) {
	return s.queryEdges(ctx, `SELECT id, source_id, target_id, edge_type, relation_text, importance, metadata, created_at
        FROM edges WHERE source_id = ? ORDER BY id;`, nodeID)
}

// GetIncomingEdges returns edges targeting nodeID in a deterministic order.
func (s *Store) GetIncomingEdges(ctx context.Context, nodeID string) ([]model.Edge, error) {
	return s.queryEdges(ctx, `SELECT id, source_id, target_id, edge_type, relation_text, importance, metadata, created_at
        FROM edges WHERE target_id = ? ORDER BY id;`, nodeID)
}

func (s *Store) queryEdges(ctx context.Context, query string, nodeID string) ([]model.Edge, error) {
	rows, err := s.db.QueryContext(ctx, query, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []model.Edge
	for rows.Next() {
		var e model.Edge
		var edgeType string
		var metaJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.SourceID, &e.TargetID, &edgeType, &e.RelationText, &e.Importance, &metaJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.EdgeType = model.EdgeType(edgeType)
		if metaJSON.Valid && metaJSON.String != "" {
			_ = json.Unmarshal([]byte(metaJSON.String), &e.Metadata)
		}
		edges = append(edges, e)
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
	return edges, rows.Err()
}

// NodesWithoutEmbedding returns up to limit nodes whose embedding column
// is NULL, empty or JSON null. The returned nodes carry no Embedding.
func (s *Store) NodesWithoutEmbedding(ctx context.Context, limit int) ([]model.Node, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, content, type, embedding, metadata, created_at FROM nodes
        WHERE embedding IS NULL OR embedding = '' OR embedding = 'null'
        LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []model.Node
	for rows.Next() {
		var n model.Node
		var nodeType string
		var embJSON, metaJSON sql.NullString
		if err := rows.Scan(&n.ID, &n.Content, &nodeType, &embJSON, &metaJSON, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Type = model.NodeType(nodeType)
		if metaJSON.Valid && metaJSON.String != "" {
			_ = json.Unmarshal([]byte(metaJSON.String), &n.Metadata)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// AllMemoryIDs returns every memory id, used by the decay and forgetting sweeps.
func (s *Store) AllMemoryIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM memories;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AllNodes returns every node, used by consolidation's near-duplicate scan.
func (s *Store) AllNodes(ctx context.Context) ([]model.Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, content, type, embedding, metadata, created_at FROM nodes;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []model.Node
	for rows.Next() {
		var n model.Node
		var nodeType string
		var embJSON, metaJSON sql.NullString
		if err := rows.Scan(&n.ID, &n.Content, &nodeType, &embJSON, &metaJSON, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Type = model.NodeType(nodeType)
		if embJSON.Valid && embJSON.String != "" {
			_ = json.Unmarshal([]byte(embJSON.String), &n.Embedding)
		}
		if metaJSON.Valid && metaJSON.String != "" {
			_ = json.Unmarshal([]byte(metaJSON.String), &n.Metadata)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}
