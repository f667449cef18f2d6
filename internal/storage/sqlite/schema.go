package sqlite

// Schema is the embedded DDL applied at open time. Unlike the teacher's
// numbered-migration-file scheme, this core's schema has no shipped history
// to migrate across, so a single idempotent CREATE TABLE IF NOT EXISTS
// block is sufficient (see DESIGN.md "Simplified schema management").
const Schema = `
CREATE TABLE IF NOT EXISTS memories (
	id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	canonical_key TEXT NOT NULL,
	namespace TEXT NOT NULL,
	status TEXT NOT NULL,
	layer TEXT NOT NULL,
	sublayer TEXT,
	ring TEXT NOT NULL,
	knowledge_type TEXT NOT NULL,
	importance INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	last_modified TEXT NOT NULL,
	last_accessed TEXT NOT NULL,
	access_count INTEGER NOT NULL DEFAULT 0,
	supersedes_id TEXT,
	superseded_by_id TEXT,
	related_memory_ids TEXT,
	conflict_ids TEXT,
	potential_conflict_ids TEXT,
	supports TEXT,
	contradicts TEXT,
	co_activated_with TEXT,
	concepts TEXT,
	surfaces_when TEXT,
	authority_score REAL NOT NULL DEFAULT 0,
	expires_at TEXT,
	source TEXT NOT NULL,
	session_id TEXT,
	embedding BLOB
);

CREATE INDEX IF NOT EXISTS idx_memories_namespace ON memories(namespace);
CREATE INDEX IF NOT EXISTS idx_memories_canonical_key ON memories(canonical_key);
CREATE INDEX IF NOT EXISTS idx_memories_status ON memories(status);
CREATE INDEX IF NOT EXISTS idx_memories_session_id ON memories(session_id);
CREATE INDEX IF NOT EXISTS idx_memories_expires_at ON memories(expires_at);

CREATE TABLE IF NOT EXISTS graph_nodes (
	label TEXT NOT NULL,
	id TEXT NOT NULL,
	name TEXT,
	props TEXT,
	created_at TEXT NOT NULL,
	PRIMARY KEY (label, id)
);

CREATE INDEX IF NOT EXISTS idx_graph_nodes_label_name ON graph_nodes(label, name);

CREATE TABLE IF NOT EXISTS graph_edges (
	src_id TEXT NOT NULL,
	dst_id TEXT NOT NULL,
	edge_type TEXT NOT NULL,
	props TEXT,
	created_at TEXT NOT NULL,
	PRIMARY KEY (src_id, dst_id, edge_type)
);

CREATE INDEX IF NOT EXISTS idx_graph_edges_src ON graph_edges(src_id);
CREATE INDEX IF NOT EXISTS idx_graph_edges_dst ON graph_edges(dst_id);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	ended_at TEXT
);
`
