package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"log"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq" // postgres driver

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/elefanteai/elefante/internal/storage"
	"github.com/elefanteai/elefante/pkg/elefante"
)

// VectorStore implements storage.VectorStore against PostgreSQL, using the
// pgvector extension for cosine-distance ordering when available and
// falling back to an in-process re-rank over the BYTEA column otherwise.
// Grounded on internal/storage/postgres/embedding_provider.go's
// pgvectorAvailable feature-detection pattern and search_provider.go's
// `ORDER BY e.embedding_vec <=> $1::vector` query.
type VectorStore struct {
	db                *sql.DB
	pgvectorAvailable bool
}

// NewVectorStore opens a connection to dsn and probes for the pgvector
// extension.
func NewVectorStore(dsn string) (*VectorStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to connect: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to create schema: %w", err)
	}

	pgvectorAvailable := true
	if _, err := db.Exec(SchemaPgvector); err != nil {
		log.Printf("postgres: pgvector extension unavailable, falling back to BYTEA re-rank: %v", err)
		pgvectorAvailable = false
	}

	return &VectorStore{db: db, pgvectorAvailable: pgvectorAvailable}, nil
}

func (s *VectorStore) Close() error {
	return s.db.Close()
}

func (s *VectorStore) Upsert(ctx context.Context, rec storage.Record) error {
	m := rec.Memory
	if len(rec.Embedding) == 0 {
		return elefante.ErrEmbeddingMissing
	}

	embBytes, err := encodeEmbeddingBytes(rec.Embedding)
	if err != nil {
		return fmt.Errorf("postgres: failed to encode embedding: %w", err)
	}

	related, _ := json.Marshal(m.RelatedMemoryIDs)
	conflicts, _ := json.Marshal(m.ConflictIDs)
	potential, _ := json.Marshal(m.PotentialConflictIDs)
	supports, _ := json.Marshal(m.Supports)
	contradicts, _ := json.Marshal(m.Contradicts)
	coActivated, _ := json.Marshal(m.CoActivatedWith)
	concepts, _ := json.Marshal(m.Concepts)
	surfacesWhen, _ := json.Marshal(m.SurfacesWhen)

	var expiresAt any
	if m.ExpiresAt != nil {
		expiresAt = m.ExpiresAt.UTC()
	}

	const q = `
		INSERT INTO memories (
			id, content, content_hash, canonical_key, namespace, status,
			layer, sublayer, ring, knowledge_type, importance,
			created_at, last_modified, last_accessed, access_count,
			supersedes_id, superseded_by_id,
			related_memory_ids, conflict_ids, potential_conflict_ids,
			supports, contradicts, co_activated_with, concepts, surfaces_when,
			authority_score, expires_at, source, session_id, embedding
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30)
		ON CONFLICT (id) DO UPDATE SET
			content = excluded.content, content_hash = excluded.content_hash,
			canonical_key = excluded.canonical_key, namespace = excluded.namespace,
			status = excluded.status, layer = excluded.layer, sublayer = excluded.sublayer,
			ring = excluded.ring, knowledge_type = excluded.knowledge_type,
			importance = excluded.importance, last_modified = excluded.last_modified,
			last_accessed = excluded.last_accessed, access_count = excluded.access_count,
			supersedes_id = excluded.supersedes_id, superseded_by_id = excluded.superseded_by_id,
			related_memory_ids = excluded.related_memory_ids, conflict_ids = excluded.conflict_ids,
			potential_conflict_ids = excluded.potential_conflict_ids, supports = excluded.supports,
			contradicts = excluded.contradicts, co_activated_with = excluded.co_activated_with,
			concepts = excluded.concepts, surfaces_when = excluded.surfaces_when,
			authority_score = excluded.authority_score, expires_at = excluded.expires_at,
			source = excluded.source, session_id = excluded.session_id, embedding = excluded.embedding
	`

	_, err = s.db.ExecContext(ctx, q,
		m.ID, m.Content, m.ContentHash, m.CanonicalKey, string(m.Namespace), string(m.Status),
		string(m.Layer), nullStr(m.Sublayer), string(m.Ring), string(m.KnowledgeType), m.Importance,
		m.CreatedAt.UTC(), m.LastModified.UTC(), m.LastAccessed.UTC(), m.AccessCount,
		nullStr(m.SupersedesID), nullStr(m.SupersededByID),
		string(related), string(conflicts), string(potential),
		string(supports), string(contradicts), string(coActivated), string(concepts), string(surfacesWhen),
		m.AuthorityScore, expiresAt, string(m.Source), nullStr(m.SessionID), embBytes,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert memory %s: %w", m.ID, err)
	}

	if s.pgvectorAvailable {
		vec := pgvector.NewVector(rec.Embedding)
		if _, err := s.db.ExecContext(ctx, `UPDATE memories SET embedding_vec = $1 WHERE id = $2`, vec, m.ID); err != nil {
			log.Printf("postgres: failed to update embedding_vec for %s (falling back to BYTEA re-rank): %v", m.ID, err)
		}
	}
	return nil
}

func (s *VectorStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete memory %s: %w", id, err)
	}
	return nil
}

func (s *VectorStore) Get(ctx context.Context, id string) (storage.Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pgMemoryColumns+` FROM memories WHERE id = $1`, id)
	rec, err := scanPgRecord(row)
	if err == sql.ErrNoRows {
		return storage.Record{}, false, nil
	}
	if err != nil {
		return storage.Record{}, false, fmt.Errorf("postgres: get memory %s: %w", id, err)
	}
	return rec, true, nil
}

func (s *VectorStore) Search(ctx context.Context, queryEmbedding []float32, k int, filter storage.Filter) ([]storage.ScoredRecord, error) {
	if err := validatePgFilterKeys(filter); err != nil {
		return nil, err
	}
	filter = withDefaultPgNamespace(filter)

	where, args := buildPgWhereClause(filter, 1)

	if s.pgvectorAvailable {
		vec := pgvector.NewVector(queryEmbedding)
		args = append(args, vec)
		limitArg := len(args) + 1
		args = append(args, k)

		query := fmt.Sprintf(`
			SELECT %s, 1 - (embedding_vec <=> $%d) AS similarity
			FROM memories%s
			ORDER BY embedding_vec <=> $%d ASC
			LIMIT $%d
		`, pgMemoryColumns, len(args)-1, where, len(args)-1, limitArg)

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("postgres: vector search: %w", err)
		}
		defer rows.Close()

		var hits []storage.ScoredRecord
		for rows.Next() {
			rec, sim, err := scanPgScoredRow(rows)
			if err != nil {
				return nil, fmt.Errorf("postgres: vector search scan: %w", err)
			}
			hits = append(hits, storage.ScoredRecord{Record: rec, Similarity: sim})
		}
		return hits, rows.Err()
	}

	query := `SELECT ` + pgMemoryColumns + ` FROM memories` + where
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: search: %w", err)
	}
	defer rows.Close()

	var candidates []storage.ScoredRecord
	for rows.Next() {
		rec, err := scanPgRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: search scan: %w", err)
		}
		if len(rec.Embedding) == 0 {
			continue
		}
		candidates = append(candidates, storage.ScoredRecord{
			Record:     rec,
			Similarity: cosineSim(queryEmbedding, rec.Embedding),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: search rows: %w", err)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Similarity > candidates[j].Similarity })
	if k > 0 && len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

func (s *VectorStore) Scan(ctx context.Context, filter storage.Filter) iter.Seq2[storage.Record, error] {
	return func(yield func(storage.Record, error) bool) {
		if err := validatePgFilterKeys(filter); err != nil {
			yield(storage.Record{}, err)
			return
		}
		where, args := buildPgWhereClause(filter, 1)
		rows, err := s.db.QueryContext(ctx, `SELECT `+pgMemoryColumns+` FROM memories`+where, args...)
		if err != nil {
			yield(storage.Record{}, fmt.Errorf("postgres: scan: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			rec, err := scanPgRecord(rows)
			if !yield(rec, err) {
				return
			}
			if err != nil {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(storage.Record{}, fmt.Errorf("postgres: scan rows: %w", err))
		}
	}
}

var allowedPgFilterKeys = allowedFilterKeysMirror()

func allowedFilterKeysMirror() map[string]bool {
	return map[string]bool{
		"namespace": true, "status": true, "layer": true, "sublayer": true,
		"ring": true, "knowledge_type": true, "session_id": true, "source": true,
	}
}

func validatePgFilterKeys(filter storage.Filter) error {
	for k := range filter {
		if !allowedPgFilterKeys[k] {
			return elefante.ErrInvalidFilter.WithCause(fmt.Errorf("unknown filter key %q", k))
		}
	}
	return nil
}

func withDefaultPgNamespace(filter storage.Filter) storage.Filter {
	if _, ok := filter["namespace"]; ok {
		return filter
	}
	out := storage.Filter{"namespace": string(elefante.NamespaceProd)}
	for k, v := range filter {
		out[k] = v
	}
	return out
}

func buildPgWhereClause(filter storage.Filter, startIdx int) (string, []any) {
	if len(filter) == 0 {
		return "", nil
	}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var clauses []string
	var args []any
	idx := startIdx
	for _, k := range keys {
		clauses = append(clauses, fmt.Sprintf("%s = $%d", k, idx))
		args = append(args, fmt.Sprintf("%v", filter[k]))
		idx++
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

const pgMemoryColumns = `
	id, content, content_hash, canonical_key, namespace, status,
	layer, sublayer, ring, knowledge_type, importance,
	created_at, last_modified, last_accessed, access_count,
	supersedes_id, superseded_by_id,
	related_memory_ids, conflict_ids, potential_conflict_ids,
	supports, contradicts, co_activated_with, concepts, surfaces_when,
	authority_score, expires_at, source, session_id, embedding
`

type pgRowScanner interface {
	Scan(dest ...any) error
}

func scanPgRecord(row pgRowScanner) (storage.Record, error) {
	var (
		m                                                                            elefante.Memory
		namespace, status, layer, ring, knowledgeType, source                        string
		sublayer, supersedesID, supersededByID, sessionID                            sql.NullString
		createdAt, lastModified, lastAccessed                                        time.Time
		expiresAt                                                                    sql.NullTime
		related, conflicts, potential, supports, contradicts, coActivated, concepts, surfacesWhen string
		embBytes                                                                     []byte
	)

	if err := row.Scan(
		&m.ID, &m.Content, &m.ContentHash, &m.CanonicalKey, &namespace, &status,
		&layer, &sublayer, &ring, &knowledgeType, &m.Importance,
		&createdAt, &lastModified, &lastAccessed, &m.AccessCount,
		&supersedesID, &supersededByID,
		&related, &conflicts, &potential,
		&supports, &contradicts, &coActivated, &concepts, &surfacesWhen,
		&m.AuthorityScore, &expiresAt, &source, &sessionID, &embBytes,
	); err != nil {
		return storage.Record{}, err
	}

	fillMemoryFromScan(&m, namespace, status, layer, ring, knowledgeType, source,
		sublayer, supersedesID, supersededByID, sessionID, createdAt, lastModified, lastAccessed, expiresAt,
		related, conflicts, potential, supports, contradicts, coActivated, concepts, surfacesWhen)

	emb, err := decodeEmbeddingBytes(embBytes)
	if err != nil {
		return storage.Record{}, fmt.Errorf("decode embedding: %w", err)
	}
	return storage.Record{Memory: m, Embedding: emb}, nil
}

func scanPgScoredRow(rows *sql.Rows) (storage.Record, float64, error) {
	var (
		m                                                                            elefante.Memory
		namespace, status, layer, ring, knowledgeType, source                        string
		sublayer, supersedesID, supersededByID, sessionID                            sql.NullString
		createdAt, lastModified, lastAccessed                                        time.Time
		expiresAt                                                                    sql.NullTime
		related, conflicts, potential, supports, contradicts, coActivated, concepts, surfacesWhen string
		embBytes                                                                     []byte
		similarity                                                                   float64
	)

	if err := rows.Scan(
		&m.ID, &m.Content, &m.ContentHash, &m.CanonicalKey, &namespace, &status,
		&layer, &sublayer, &ring, &knowledgeType, &m.Importance,
		&createdAt, &lastModified, &lastAccessed, &m.AccessCount,
		&supersedesID, &supersededByID,
		&related, &conflicts, &potential,
		&supports, &contradicts, &coActivated, &concepts, &surfacesWhen,
		&m.AuthorityScore, &expiresAt, &source, &sessionID, &embBytes,
		&similarity,
	); err != nil {
		return storage.Record{}, 0, err
	}

	fillMemoryFromScan(&m, namespace, status, layer, ring, knowledgeType, source,
		sublayer, supersedesID, supersededByID, sessionID, createdAt, lastModified, lastAccessed, expiresAt,
		related, conflicts, potential, supports, contradicts, coActivated, concepts, surfacesWhen)

	emb, err := decodeEmbeddingBytes(embBytes)
	if err != nil {
		return storage.Record{}, 0, fmt.Errorf("decode embedding: %w", err)
	}
	return storage.Record{Memory: m, Embedding: emb}, similarity, nil
}

func fillMemoryFromScan(
	m *elefante.Memory,
	namespace, status, layer, ring, knowledgeType, source string,
	sublayer, supersedesID, supersededByID, sessionID sql.NullString,
	createdAt, lastModified, lastAccessed time.Time,
	expiresAt sql.NullTime,
	related, conflicts, potential, supports, contradicts, coActivated, concepts, surfacesWhen string,
) {
	m.Namespace = elefante.Namespace(namespace)
	m.Status = elefante.Status(status)
	m.Layer = elefante.Layer(layer)
	m.Sublayer = sublayer.String
	m.Ring = elefante.Ring(ring)
	m.KnowledgeType = elefante.KnowledgeType(knowledgeType)
	m.SupersedesID = supersedesID.String
	m.SupersededByID = supersededByID.String
	m.Source = elefante.Source(source)
	m.SessionID = sessionID.String
	m.CreatedAt = createdAt
	m.LastModified = lastModified
	m.LastAccessed = lastAccessed
	if expiresAt.Valid {
		t := expiresAt.Time
		m.ExpiresAt = &t
	}
	json.Unmarshal([]byte(related), &m.RelatedMemoryIDs)
	json.Unmarshal([]byte(conflicts), &m.ConflictIDs)
	json.Unmarshal([]byte(potential), &m.PotentialConflictIDs)
	json.Unmarshal([]byte(supports), &m.Supports)
	json.Unmarshal([]byte(contradicts), &m.Contradicts)
	json.Unmarshal([]byte(coActivated), &m.CoActivatedWith)
	json.Unmarshal([]byte(concepts), &m.Concepts)
	json.Unmarshal([]byte(surfacesWhen), &m.SurfacesWhen)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func encodeEmbeddingBytes(v []float32) ([]byte, error) {
	buf := make([]byte, 0, len(v)*8)
	for i, f := range v {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendFloat(buf, float64(f), 'g', -1, 32)
	}
	return buf, nil
}

func decodeEmbeddingBytes(b []byte) ([]float32, error) {
	if len(b) == 0 {
		return nil, nil
	}
	parts := strings.Split(string(b), ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(p, 32)
		if err != nil {
			return nil, err
		}
		out[i] = float32(f)
	}
	return out, nil
}

func cosineSim(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
