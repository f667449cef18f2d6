// Package postgres is the alternate production VectorStore backend, for
// deployments that already run PostgreSQL and want cosine search via the
// pgvector extension instead of the default embedded SQLite store.
package postgres

// Schema contains the SQL statements to create the postgres schema. Mirrors
// the column set of sqlite.Schema's memories table; embeddings are kept in
// a BYTEA fallback column alongside an optional pgvector column so the
// store degrades gracefully when the extension is not installed.
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
	created_at TIMESTAMPTZ NOT NULL,
	last_modified TIMESTAMPTZ NOT NULL,
	last_accessed TIMESTAMPTZ NOT NULL,
	access_count INTEGER NOT NULL DEFAULT 0,
	supersedes_id TEXT,
	superseded_by_id TEXT,
	related_memory_ids JSONB,
	conflict_ids JSONB,
	potential_conflict_ids JSONB,
	supports JSONB,
	contradicts JSONB,
	co_activated_with JSONB,
	concepts JSONB,
	surfaces_when JSONB,
	authority_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	expires_at TIMESTAMPTZ,
	source TEXT NOT NULL,
	session_id TEXT,
	embedding BYTEA
);

CREATE INDEX IF NOT EXISTS idx_memories_namespace ON memories(namespace);
CREATE INDEX IF NOT EXISTS idx_memories_canonical_key ON memories(canonical_key);
CREATE INDEX IF NOT EXISTS idx_memories_status ON memories(status);
CREATE INDEX IF NOT EXISTS idx_memories_session_id ON memories(session_id);
`

// SchemaPgvector is applied in addition to Schema when the pgvector
// extension is available, adding a typed vector column; no ANN index is
// created.
const SchemaPgvector = `
CREATE EXTENSION IF NOT EXISTS vector;
ALTER TABLE memories ADD COLUMN IF NOT EXISTS embedding_vec vector;
`
