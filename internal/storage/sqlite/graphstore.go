package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/elefanteai/elefante/internal/storage"
)

// GraphStore implements storage.GraphStore on the same SQLite database file
// as VectorStore, using two flat tables (graph_nodes, graph_edges) in place
// of a native graph engine, which the teacher's stack does not carry
// (DESIGN.md: GraphStore has no pack precedent for a graph database
// driver). Query implements a small fixed vocabulary of cypher-like
// patterns rather than a general parser — sufficient for the read-only
// queries the Orchestrator and CognitiveRetriever issue.
type GraphStore struct {
	db         *sql.DB
	writerLock string
	heldWriter bool
}

// NewGraphStore opens the graph database at path, applying the init rule
// from spec.md §4.3: if path exists as an empty directory, remove it; if it
// exists as a zero-byte file, remove it; otherwise reuse in place. The
// database is never pre-created by this function beyond what sql.Open's
// lazy connection triggers.
func NewGraphStore(path string, write bool) (*GraphStore, error) {
	if path != "" && path != ":memory:" {
		if err := prepareGraphPath(path); err != nil {
			return nil, err
		}
	}

	db, err := openWithWALRecovery(path)
	if err != nil {
		return nil, err
	}

	gs := &GraphStore{db: db}
	if write && path != "" && path != ":memory:" {
		gs.writerLock = path + writerLockSuffix
		if err := claimWriterLock(gs.writerLock); err != nil {
			db.Close()
			return nil, err
		}
		gs.heldWriter = true
	}
	return gs, nil
}

func prepareGraphPath(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("sqlite: stat graph path: %w", err)
	}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return fmt.Errorf("sqlite: read graph dir: %w", err)
		}
		if len(entries) == 0 {
			return os.Remove(path)
		}
		return nil
	}
	if info.Size() == 0 {
		return os.Remove(path)
	}
	return nil
}

func (g *GraphStore) Close() error {
	if g.heldWriter {
		os.Remove(g.writerLock)
	}
	return g.db.Close()
}

func (g *GraphStore) UpsertNode(ctx context.Context, label, id, propsJSON string) error {
	name := nodeNameFromProps(propsJSON)
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO graph_nodes (label, id, name, props, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(label, id) DO UPDATE SET name = excluded.name, props = excluded.props
	`, label, id, name, propsJSON, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlite: upsert node %s/%s: %w", label, id, err)
	}
	return nil
}

func (g *GraphStore) MergeNodeByName(ctx context.Context, label, name, propsJSON string) (string, bool, error) {
	var existingID string
	err := g.db.QueryRowContext(ctx,
		`SELECT id FROM graph_nodes WHERE label = ? AND name = ?`, label, name,
	).Scan(&existingID)
	if err == nil {
		return existingID, false, nil
	}
	if err != sql.ErrNoRows {
		return "", false, fmt.Errorf("sqlite: merge node lookup %s/%s: %w", label, name, err)
	}

	id := newNodeID()
	_, err = g.db.ExecContext(ctx, `
		INSERT INTO graph_nodes (label, id, name, props, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, label, id, name, propsJSON, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", false, fmt.Errorf("sqlite: merge node insert %s/%s: %w", label, name, err)
	}
	return id, true, nil
}

func (g *GraphStore) UpsertEdge(ctx context.Context, srcID, dstID, edgeType, propsJSON string) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO graph_edges (src_id, dst_id, edge_type, props, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(src_id, dst_id, edge_type) DO UPDATE SET props = excluded.props
	`, srcID, dstID, edgeType, propsJSON, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlite: upsert edge %s-%s->%s: %w", srcID, edgeType, dstID, err)
	}
	return nil
}

func (g *GraphStore) DeleteEdge(ctx context.Context, srcID, dstID, edgeType string) error {
	_, err := g.db.ExecContext(ctx,
		`DELETE FROM graph_edges WHERE src_id = ? AND dst_id = ? AND edge_type = ?`,
		srcID, dstID, edgeType)
	if err != nil {
		return fmt.Errorf("sqlite: delete edge %s-%s->%s: %w", srcID, edgeType, dstID, err)
	}
	return nil
}

func (g *GraphStore) DeleteNode(ctx context.Context, label, id string) error {
	_, err := g.db.ExecContext(ctx, `DELETE FROM graph_nodes WHERE label = ? AND id = ?`, label, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete node %s/%s: %w", label, id, err)
	}
	return nil
}

// Query supports a small fixed vocabulary of read-only patterns, selected
// because they cover every graph read the Orchestrator and CognitiveRetriever
// need (spec.md §4.3 "query(cypher_like, params) -> rows"):
//
//	"MATCH (n:<Label>) RETURN n"                         params: none
//	"MATCH (n:<Label> {name: $name}) RETURN n"            params: name
//	"MATCH (a)-[:<EDGE_TYPE>]->(b) WHERE a.id = $id RETURN b"   params: id
//	"MATCH (a)<-[:<EDGE_TYPE>]-(b) WHERE a.id = $id RETURN b"   params: id
//
// Any pattern outside this vocabulary, or one that matches nothing, returns
// an empty slice rather than an error, per spec.md §4.3.
func (g *GraphStore) Query(ctx context.Context, cypherLike string, params map[string]any) ([]storage.GraphRow, error) {
	pattern := strings.TrimSpace(cypherLike)

	switch {
	case strings.Contains(pattern, "RETURN n") && !strings.Contains(pattern, "WHERE"):
		label, name, hasName := parseNodePattern(pattern)
		return g.queryNodes(ctx, label, name, hasName, params)

	case strings.Contains(pattern, "-[:") && strings.Contains(pattern, "]->(b)"):
		edgeType := extractEdgeType(pattern)
		return g.queryDirectedEdgeTarget(ctx, edgeType, params, false)

	case strings.Contains(pattern, "]-(b)") && strings.Contains(pattern, "<-["):
		edgeType := extractEdgeType(pattern)
		return g.queryDirectedEdgeTarget(ctx, edgeType, params, true)
	}

	return []storage.GraphRow{}, nil
}

func (g *GraphStore) queryNodes(ctx context.Context, label, name string, hasName bool, params map[string]any) ([]storage.GraphRow, error) {
	if hasName {
		if v, ok := params["name"]; ok {
			name = fmt.Sprintf("%v", v)
		}
	}

	var rows *sql.Rows
	var err error
	if hasName {
		rows, err = g.db.QueryContext(ctx, `SELECT label, id, props FROM graph_nodes WHERE label = ? AND name = ?`, label, name)
	} else {
		rows, err = g.db.QueryContext(ctx, `SELECT label, id, props FROM graph_nodes WHERE label = ?`, label)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: query nodes: %w", err)
	}
	defer rows.Close()

	var out []storage.GraphRow
	for rows.Next() {
		var lbl, id, props string
		if err := rows.Scan(&lbl, &id, &props); err != nil {
			return nil, fmt.Errorf("sqlite: query nodes scan: %w", err)
		}
		out = append(out, storage.GraphRow{"label": lbl, "id": id, "props": props})
	}
	if out == nil {
		out = []storage.GraphRow{}
	}
	return out, rows.Err()
}

func (g *GraphStore) queryDirectedEdgeTarget(ctx context.Context, edgeType string, params map[string]any, reverse bool) ([]storage.GraphRow, error) {
	id, _ := params["id"].(string)
	if id == "" {
		return []storage.GraphRow{}, nil
	}

	q := `SELECT n.label, n.id, n.props FROM graph_edges e JOIN graph_nodes n ON n.id = e.dst_id WHERE e.src_id = ? AND e.edge_type = ?`
	arg1, arg2 := id, edgeType
	if reverse {
		q = `SELECT n.label, n.id, n.props FROM graph_edges e JOIN graph_nodes n ON n.id = e.src_id WHERE e.dst_id = ? AND e.edge_type = ?`
	}

	rows, err := g.db.QueryContext(ctx, q, arg1, arg2)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query edge target: %w", err)
	}
	defer rows.Close()

	var out []storage.GraphRow
	for rows.Next() {
		var lbl, nid, props string
		if err := rows.Scan(&lbl, &nid, &props); err != nil {
			return nil, fmt.Errorf("sqlite: query edge target scan: %w", err)
		}
		out = append(out, storage.GraphRow{"label": lbl, "id": nid, "props": props})
	}
	if out == nil {
		out = []storage.GraphRow{}
	}
	return out, rows.Err()
}

func (g *GraphStore) CountByLabel(ctx context.Context, label string) (int, error) {
	var n int
	err := g.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM graph_nodes WHERE label = ?`, label).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count by label %s: %w", label, err)
	}
	return n, nil
}

func (g *GraphStore) CountEdges(ctx context.Context) (int, error) {
	var n int
	err := g.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM graph_edges`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count edges: %w", err)
	}
	return n, nil
}

func nodeNameFromProps(propsJSON string) string {
	if name, ok := extractJSONStringField(propsJSON, "name"); ok {
		return name
	}
	return ""
}

func parseNodePattern(pattern string) (label string, name string, hasName bool) {
	start := strings.Index(pattern, "(n:")
	if start < 0 {
		return "", "", false
	}
	rest := pattern[start+3:]
	end := strings.IndexAny(rest, " )")
	if end < 0 {
		end = len(rest)
	}
	label = rest[:end]
	hasName = strings.Contains(pattern, "{name:")
	return label, "", hasName
}

func extractEdgeType(pattern string) string {
	start := strings.Index(pattern, "[:")
	if start < 0 {
		return ""
	}
	rest := pattern[start+2:]
	end := strings.Index(rest, "]")
	if end < 0 {
		return rest
	}
	return rest[:end]
}
