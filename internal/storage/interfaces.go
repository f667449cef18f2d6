// Package storage defines the composable storage interfaces the
// orchestration core is built against: a VectorStore for content+embedding
// similarity search, and a GraphStore for the labeled property graph of
// memories, entities, concepts, and sessions.
//
// These interfaces follow the Interface Segregation Principle so that the
// sqlite-backed default and the postgres-backed alternative can each
// implement exactly the contract they need, independently testable against
// the same fakes.
package storage

import (
	"context"
	"iter"

	"github.com/elefanteai/elefante/pkg/elefante"
)

// Filter is a conjunction of metadata equality/inclusion predicates applied
// by VectorStore.search and VectorStore.scan. Recognized keys: "namespace",
// "status", "layer", "sublayer", "ring", "knowledge_type", "session_id",
// "source". An unrecognized key is an InvalidFilter caller error.
type Filter map[string]any

// Record is the durable unit VectorStore persists: a Memory plus its
// embedding, the latter never round-tripped through Memory's own JSON form
// (pkg/elefante.Memory.Embedding is json:"-").
type Record struct {
	Memory    elefante.Memory
	Embedding []float32
}

// ScoredRecord is one hit from VectorStore.search.
type ScoredRecord struct {
	Record     Record
	Similarity float64
}

// VectorStore is the persistent mapping from memory id to
// (content, embedding, metadata), with filtered nearest-neighbor search by
// cosine similarity (spec.md §4.2).
type VectorStore interface {
	// Upsert is atomic per id. A successful Upsert is durable before it
	// returns.
	Upsert(ctx context.Context, rec Record) error

	// Delete is idempotent.
	Delete(ctx context.Context, id string) error

	// Get returns (Record{}, false, nil) when id does not exist.
	Get(ctx context.Context, id string) (Record, bool, error)

	// Search returns up to k hits sorted by descending cosine similarity.
	// If filter does not set "namespace", the search defaults to
	// namespace=prod (spec.md §4.2). k larger than the population returns
	// all results. Returns *elefante.Error{Code: InvalidFilter} if filter
	// references an unrecognized key.
	Search(ctx context.Context, queryEmbedding []float32, k int, filter Filter) ([]ScoredRecord, error)

	// Scan iterates every record matching filter, for housekeeping
	// (consolidation, decay sweeps, reconciliation).
	Scan(ctx context.Context, filter Filter) iter.Seq2[Record, error]

	// Close releases the underlying collection handle, including the
	// single-writer claim if this process held it.
	Close() error
}

// GraphNode is a row returned from GraphStore.query or a node read back
// after upsert_node/merge_node_by_name.
type GraphNode struct {
	Label string
	ID    string
	Props string // JSON blob under "props", never "properties".
}

// GraphEdge is a directed, typed edge between two graph nodes.
type GraphEdge struct {
	SrcID string
	DstID string
	Type  string
	Props string
}

// GraphRow is one row of a GraphStore.Query result: a free-form
// column-name-to-value map, shaped like a Cypher RETURN row.
type GraphRow map[string]any

// GraphStore is the persistent labeled property graph over Memory, Entity,
// Concept, and Session nodes (spec.md §4.3). The underlying engine enforces
// a single-writer file lock per database path; callers serialize mutating
// calls through the LockManager (§4.5) themselves — GraphStore does not
// retry or queue.
type GraphStore interface {
	// UpsertNode is idempotent on (label, id). propsJSON is stored verbatim
	// under the node property "props".
	UpsertNode(ctx context.Context, label, id, propsJSON string) error

	// MergeNodeByName returns the id of the existing (label, name) node if
	// one exists, else creates one and returns its new id. Used for
	// Concept and Entity nodes, which are deduplicated by name rather than
	// by caller-supplied id (spec.md invariant 5: concept node reuse).
	MergeNodeByName(ctx context.Context, label, name, propsJSON string) (id string, created bool, err error)

	// UpsertEdge is idempotent on (srcID, dstID, edgeType).
	UpsertEdge(ctx context.Context, srcID, dstID, edgeType, propsJSON string) error

	// DeleteEdge and DeleteNode tolerate orphaned references left behind;
	// neither cascades.
	DeleteEdge(ctx context.Context, srcID, dstID, edgeType string) error
	DeleteNode(ctx context.Context, label, id string) error

	// Query runs a read-only graph query. It returns an empty slice,
	// never an error, when the pattern matches nothing.
	Query(ctx context.Context, cypherLike string, params map[string]any) ([]GraphRow, error)

	// CountByLabel returns the number of nodes carrying label.
	CountByLabel(ctx context.Context, label string) (int, error)

	// CountEdges returns the total number of edges of any type, for
	// get_stats reporting.
	CountEdges(ctx context.Context) (int, error)

	// Close releases the database handle and the single-writer file lock.
	Close() error
}
