package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tsukishiro/yukibot/pkg/memory"
)

// Ensure Graph implements the memory.KnowledgeGraph interface.
var _ memory.KnowledgeGraph = (*Graph)(nil)

// Graph stores per-user entity/relation subgraphs in knowledge_graph.db.
type Graph struct {
	mu     sync.Mutex
	db     *sql.DB
	logger *slog.Logger
}

const graphSchema = `
CREATE TABLE IF NOT EXISTS nodes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	entity TEXT NOT NULL,
	entity_type TEXT,
	properties TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE(user_id, entity)
);
CREATE TABLE IF NOT EXISTS edges (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	source_entity TEXT NOT NULL,
	target_entity TEXT NOT NULL,
	relation TEXT NOT NULL,
	properties TEXT,
	weight REAL DEFAULT 1.0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE(user_id, source_entity, target_entity, relation)
);
CREATE INDEX IF NOT EXISTS idx_nodes_user ON nodes(user_id);
CREATE INDEX IF NOT EXISTS idx_nodes_entity ON nodes(entity);
CREATE INDEX IF NOT EXISTS idx_edges_user ON edges(user_id);
CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source_entity);
CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_entity);
`

// NewGraph opens (or creates) the graph database under dataDir.
func NewGraph(dataDir string, logger *slog.Logger) (*Graph, error) {
	if logger == nil {
		logger = slog.Default()
	}

	path := filepath.Join(dataDir, "knowledge_graph.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("knowledge graph: open %s: %w", path, err)
	}
	if _, err := db.Exec(graphSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("knowledge graph: init schema: %w", err)
	}

	return &Graph{db: db, logger: logger.With("component", "knowledgegraph")}, nil
}

// Close closes the underlying database.
func (g *Graph) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.db.Close()
}

func parseProps(raw sql.NullString) map[string]any {
	if !raw.Valid || raw.String == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return map[string]any{}
	}
	return m
}

func marshalProps(props map[string]any) (string, error) {
	raw, err := json.Marshal(props)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func propAliases(props map[string]any) []string {
	raw, ok := props["aliases"].([]any)
	if !ok {
		return nil
	}
	aliases := make([]string, 0, len(raw))
	for _, a := range raw {
		if s, ok := a.(string); ok {
			aliases = append(aliases, s)
		}
	}
	return aliases
}

// AddNode implements memory.KnowledgeGraph. An existing node keeps its
// aliases; a new alias is merged in rather than replacing the list.
func (g *Graph) AddNode(ctx context.Context, userID, entity, entityType, alias string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var existing sql.NullString
	err := g.db.QueryRowContext(ctx,
		"SELECT properties FROM nodes WHERE user_id = ? AND entity = ?", userID, entity,
	).Scan(&existing)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("knowledge graph: add node %q: %w", entity, err)
	}

	props := parseProps(existing)
	if alias != "" {
		aliases := propAliases(props)
		found := false
		for _, a := range aliases {
			if a == alias {
				found = true
				break
			}
		}
		if !found {
			props["aliases"] = append(aliases, alias)
		}
	}

	raw, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("knowledge graph: add node %q: %w", entity, err)
	}

	now := time.Now().Unix()
	_, err = g.db.ExecContext(ctx, `
		INSERT INTO nodes (user_id, entity, entity_type, properties, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, entity) DO UPDATE SET
			entity_type = excluded.entity_type,
			properties = excluded.properties,
			updated_at = excluded.updated_at`,
		userID, entity, entityType, string(raw), now, now)
	if err != nil {
		return fmt.Errorf("knowledge graph: add node %q: %w", entity, err)
	}
	return nil
}

// AddEdge implements memory.KnowledgeGraph. Re-adding an existing edge
// strengthens it by 0.1.
func (g *Graph) AddEdge(ctx context.Context, userID, source, target, relation, timeRef string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().Unix()
	props := map[string]any{}
	if timeRef != "" {
		props["time_ref"] = timeRef
		props["timestamp"] = now
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("knowledge graph: add edge %q-%q: %w", source, target, err)
	}

	_, err = g.db.ExecContext(ctx, `
		INSERT INTO edges (user_id, source_entity, target_entity, relation, properties, weight, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1.0, ?, ?)
		ON CONFLICT(user_id, source_entity, target_entity, relation) DO UPDATE SET
			properties = excluded.properties,
			weight = weight + 0.1,
			updated_at = excluded.updated_at`,
		userID, source, target, relation, string(raw), now, now)
	if err != nil {
		return fmt.Errorf("knowledge graph: add edge %q-%q: %w", source, target, err)
	}
	return nil
}

// neighborFanout caps the outgoing edges followed per node during traversal.
const neighborFanout = 10

// Neighbors implements memory.KnowledgeGraph.
func (g *Graph) Neighbors(ctx context.Context, userID, entity string, maxDepth int) ([]memory.Edge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	visited := map[string]bool{}
	var out []memory.Edge

	var traverse func(current string, depth int) error
	traverse = func(current string, depth int) error {
		if depth > maxDepth || visited[current] {
			return nil
		}
		visited[current] = true

		rows, err := g.db.QueryContext(ctx, `
			SELECT target_entity, relation, weight, properties
			FROM edges
			WHERE user_id = ? AND source_entity = ?
			ORDER BY weight DESC
			LIMIT ?`, userID, current, neighborFanout)
		if err != nil {
			return err
		}

		type hop struct {
			target, relation string
			weight           float64
			timeRef          string
			timestamp        time.Time
		}
		var hops []hop
		for rows.Next() {
			var (
				h     hop
				props sql.NullString
			)
			if err := rows.Scan(&h.target, &h.relation, &h.weight, &props); err != nil {
				rows.Close()
				return err
			}
			p := parseProps(props)
			if tr, ok := p["time_ref"].(string); ok {
				h.timeRef = tr
			}
			// JSON numbers decode as float64.
			if ts, ok := p["timestamp"].(float64); ok && ts > 0 {
				h.timestamp = time.Unix(int64(ts), 0)
			}
			hops = append(hops, h)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, h := range hops {
			out = append(out, memory.Edge{
				UserID:    userID,
				Source:    current,
				Target:    h.target,
				Relation:  h.relation,
				Weight:    h.weight,
				TimeRef:   h.timeRef,
				Timestamp: h.timestamp,
				Depth:     depth,
			})
			if depth < maxDepth {
				if err := traverse(h.target, depth+1); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if err := traverse(entity, 1); err != nil {
		return nil, fmt.Errorf("knowledge graph: neighbors of %q: %w", entity, err)
	}
	return out, nil
}

// SearchEntities implements memory.KnowledgeGraph.
func (g *Graph) SearchEntities(ctx context.Context, userID, keyword string, limit int) ([]memory.Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rows, err := g.db.QueryContext(ctx, `
		SELECT id, entity, entity_type, properties, created_at, updated_at
		FROM nodes
		WHERE user_id = ? AND entity LIKE ?
		ORDER BY updated_at DESC
		LIMIT ?`, userID, "%"+keyword+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("knowledge graph: search entities: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows, userID)
}

// SearchByAlias implements memory.KnowledgeGraph.
func (g *Graph) SearchByAlias(ctx context.Context, userID, alias string, limit int) ([]memory.Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Candidate filter on the raw JSON; exact membership is checked after
	// decoding.
	rows, err := g.db.QueryContext(ctx, `
		SELECT id, entity, entity_type, properties, created_at, updated_at
		FROM nodes
		WHERE user_id = ? AND properties LIKE ?
		ORDER BY updated_at DESC`, userID, `%"`+alias+`"%`)
	if err != nil {
		return nil, fmt.Errorf("knowledge graph: search by alias: %w", err)
	}
	defer rows.Close()

	candidates, err := scanNodes(rows, userID)
	if err != nil {
		return nil, err
	}

	var out []memory.Node
	for _, n := range candidates {
		for _, a := range n.Aliases {
			if a == alias {
				out = append(out, n)
				break
			}
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func scanNodes(rows *sql.Rows, userID string) ([]memory.Node, error) {
	var out []memory.Node
	for rows.Next() {
		var (
			n                  memory.Node
			entityType, props  sql.NullString
			createdAt, updated int64
		)
		if err := rows.Scan(&n.ID, &n.Entity, &entityType, &props, &createdAt, &updated); err != nil {
			return nil, fmt.Errorf("knowledge graph: scan node: %w", err)
		}
		n.UserID = userID
		n.EntityType = entityType.String
		n.Properties = parseProps(props)
		n.Aliases = propAliases(n.Properties)
		n.CreatedAt = time.Unix(createdAt, 0)
		n.UpdatedAt = time.Unix(updated, 0)
		out = append(out, n)
	}
	return out, rows.Err()
}

// EdgeCount implements memory.KnowledgeGraph.
func (g *Graph) EdgeCount(ctx context.Context, userID, entity string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var n int
	err := g.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM edges
		WHERE user_id = ? AND (source_entity = ? OR target_entity = ?)`,
		userID, entity, entity).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("knowledge graph: edge count for %q: %w", entity, err)
	}
	return n, nil
}

// DeleteEntity implements memory.KnowledgeGraph.
func (g *Graph) DeleteEntity(ctx context.Context, userID, entity string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("knowledge graph: delete %q: %w", entity, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM edges WHERE user_id = ? AND (source_entity = ? OR target_entity = ?)",
		userID, entity, entity); err != nil {
		return fmt.Errorf("knowledge graph: delete %q: %w", entity, err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM nodes WHERE user_id = ? AND entity = ?", userID, entity); err != nil {
		return fmt.Errorf("knowledge graph: delete %q: %w", entity, err)
	}
	return tx.Commit()
}

// UserStats implements memory.KnowledgeGraph.
func (g *Graph) UserStats(ctx context.Context, userID string) (memory.GraphUserStats, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var stats memory.GraphUserStats
	if err := g.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM nodes WHERE user_id = ?", userID).Scan(&stats.Nodes); err != nil {
		return stats, fmt.Errorf("knowledge graph: user stats: %w", err)
	}
	if err := g.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM edges WHERE user_id = ?", userID).Scan(&stats.Edges); err != nil {
		return stats, fmt.Errorf("knowledge graph: user stats: %w", err)
	}
	return stats, nil
}

// Stats implements memory.KnowledgeGraph.
func (g *Graph) Stats(ctx context.Context) (memory.GraphStats, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var stats memory.GraphStats
	queries := []struct {
		sql  string
		dest *int
	}{
		{"SELECT COUNT(*) FROM nodes", &stats.TotalNodes},
		{"SELECT COUNT(*) FROM edges", &stats.TotalEdges},
		{"SELECT COUNT(DISTINCT user_id) FROM nodes", &stats.TotalUsers},
		{"SELECT COUNT(DISTINCT entity_type) FROM nodes WHERE entity_type IS NOT NULL", &stats.EntityTypes},
	}
	for _, q := range queries {
		if err := g.db.QueryRowContext(ctx, q.sql).Scan(q.dest); err != nil {
			return stats, fmt.Errorf("knowledge graph: stats: %w", err)
		}
	}
	return stats, nil
}

// Users implements memory.KnowledgeGraph.
func (g *Graph) Users(ctx context.Context) ([]memory.GraphUser, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rows, err := g.db.QueryContext(ctx, `
		SELECT user_id, COUNT(*) AS node_count
		FROM nodes
		GROUP BY user_id
		ORDER BY node_count DESC`)
	if err != nil {
		return nil, fmt.Errorf("knowledge graph: users: %w", err)
	}
	defer rows.Close()

	var out []memory.GraphUser
	for rows.Next() {
		var u memory.GraphUser
		if err := rows.Scan(&u.UserID, &u.NodeCount); err != nil {
			return nil, fmt.Errorf("knowledge graph: users: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// graphDataNodeLimit and graphDataEdgeLimit bound a visualization dump.
const (
	graphDataNodeLimit = 500
	graphDataEdgeLimit = 1000
)

// GraphData implements memory.KnowledgeGraph.
func (g *Graph) GraphData(ctx context.Context, filter memory.GraphFilter) (memory.GraphDump, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	where := "1=1"
	var args []any
	if filter.UserID != "" {
		where += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.EntityType != "" {
		where += " AND entity_type = ?"
		args = append(args, filter.EntityType)
	}
	if filter.Search != "" {
		where += " AND entity LIKE ?"
		args = append(args, "%"+filter.Search+"%")
	}

	rows, err := g.db.QueryContext(ctx, `
		SELECT id, user_id, entity, entity_type, properties, created_at, updated_at
		FROM nodes
		WHERE `+where+`
		ORDER BY updated_at DESC
		LIMIT ?`, append(args, graphDataNodeLimit)...)
	if err != nil {
		return memory.GraphDump{}, fmt.Errorf("knowledge graph: graph data: %w", err)
	}

	var dump memory.GraphDump
	known := map[string]bool{}
	for rows.Next() {
		var (
			n                  memory.Node
			entityType, props  sql.NullString
			createdAt, updated int64
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.Entity, &entityType, &props, &createdAt, &updated); err != nil {
			rows.Close()
			return memory.GraphDump{}, fmt.Errorf("knowledge graph: graph data: %w", err)
		}
		n.EntityType = entityType.String
		n.Properties = parseProps(props)
		n.Aliases = propAliases(n.Properties)
		n.CreatedAt = time.Unix(createdAt, 0)
		n.UpdatedAt = time.Unix(updated, 0)
		dump.Nodes = append(dump.Nodes, n)
		known[n.UserID+"\x00"+n.Entity] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return memory.GraphDump{}, fmt.Errorf("knowledge graph: graph data: %w", err)
	}
	if len(dump.Nodes) == 0 {
		return dump, nil
	}

	edgeWhere := "1=1"
	var edgeArgs []any
	if filter.UserID != "" {
		edgeWhere += " AND user_id = ?"
		edgeArgs = append(edgeArgs, filter.UserID)
	}

	erows, err := g.db.QueryContext(ctx, `
		SELECT id, user_id, source_entity, target_entity, relation, weight, created_at
		FROM edges
		WHERE `+edgeWhere+`
		LIMIT ?`, append(edgeArgs, graphDataEdgeLimit)...)
	if err != nil {
		return memory.GraphDump{}, fmt.Errorf("knowledge graph: graph data: %w", err)
	}
	defer erows.Close()

	for erows.Next() {
		var (
			e  memory.Edge
			ts int64
		)
		if err := erows.Scan(&e.ID, &e.UserID, &e.Source, &e.Target, &e.Relation, &e.Weight, &ts); err != nil {
			return memory.GraphDump{}, fmt.Errorf("knowledge graph: graph data: %w", err)
		}
		// Only edges whose both endpoints made it into the node set.
		if known[e.UserID+"\x00"+e.Source] && known[e.UserID+"\x00"+e.Target] {
			e.Timestamp = time.Unix(ts, 0)
			dump.Edges = append(dump.Edges, e)
		}
	}
	return dump, erows.Err()
}

// ClearUser implements memory.KnowledgeGraph.
func (g *Graph) ClearUser(ctx context.Context, userID string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var count int
	if err := g.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM nodes WHERE user_id = ?", userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("knowledge graph: clear user %s: %w", userID, err)
	}
	if _, err := g.db.ExecContext(ctx, "DELETE FROM nodes WHERE user_id = ?", userID); err != nil {
		return 0, fmt.Errorf("knowledge graph: clear user %s: %w", userID, err)
	}
	if _, err := g.db.ExecContext(ctx, "DELETE FROM edges WHERE user_id = ?", userID); err != nil {
		return 0, fmt.Errorf("knowledge graph: clear user %s: %w", userID, err)
	}
	g.logger.Warn("cleared user graph", "user_id", userID, "nodes", count)
	return count, nil
}

// ClearAll implements memory.KnowledgeGraph.
func (g *Graph) ClearAll(ctx context.Context) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var count int
	if err := g.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM nodes").Scan(&count); err != nil {
		return 0, fmt.Errorf("knowledge graph: clear all: %w", err)
	}
	if _, err := g.db.ExecContext(ctx, "DELETE FROM nodes"); err != nil {
		return 0, fmt.Errorf("knowledge graph: clear all: %w", err)
	}
	if _, err := g.db.ExecContext(ctx, "DELETE FROM edges"); err != nil {
		return 0, fmt.Errorf("knowledge graph: clear all: %w", err)
	}
	g.logger.Warn("cleared entire graph", "nodes", count)
	return count, nil
}
