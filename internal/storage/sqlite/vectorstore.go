// Package sqlite is the default, single-host VectorStore and GraphStore
// backend, grounded on the teacher's modernc.org/sqlite connection setup
// and WAL self-healing (internal/storage/sqlite/memory_store.go).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"log"
	"math"
	"net/url"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/elefanteai/elefante/internal/storage"
	"github.com/elefanteai/elefante/pkg/elefante"
)

// allowedFilterKeys whitelists the metadata predicates VectorStore.Search
// and VectorStore.Scan accept (spec.md §4.2 "filter is a conjunction of
// metadata equality/inclusion predicates"). Mirrors the teacher's
// allowedSortFields whitelist idiom (internal/storage/types.go) guarding
// against building a query from an unvetted column name.
var allowedFilterKeys = map[string]bool{
	"namespace":      true,
	"status":         true,
	"layer":          true,
	"sublayer":       true,
	"ring":           true,
	"knowledge_type": true,
	"session_id":     true,
	"source":         true,
}

// writerLockSuffix names the exclusive claim file a process holding the
// VectorStore collection open for mutation creates beside the database.
// Unlike LockManager's per-operation locks (§4.5), this is held for the
// full lifetime of the open store, matching spec.md §4.2's "only one
// writer process may open the underlying collection for mutation."
const writerLockSuffix = ".vectorstore.writer.lock"

// VectorStore implements storage.VectorStore using SQLite.
type VectorStore struct {
	db          *sql.DB
	writerLock  string
	heldWriter  bool
}

// NewVectorStore opens (or creates) the SQLite-backed vector collection at
// dsn. If write is true, it claims the exclusive writer lock and fails fast
// with elefante.ErrStoreBusy if another live process already holds it.
func NewVectorStore(dsn string, write bool) (*VectorStore, error) {
	db, err := openWithWALRecovery(dsn)
	if err != nil {
		return nil, err
	}

	vs := &VectorStore{db: db}

	if write {
		dbPath := dbPathFromDSN(dsn)
		if dbPath != "" {
			vs.writerLock = dbPath + writerLockSuffix
			if err := claimWriterLock(vs.writerLock); err != nil {
				db.Close()
				return nil, err
			}
			vs.heldWriter = true
		}
	}

	return vs, nil
}

func openWithWALRecovery(dsn string) (*sql.DB, error) {
	db, err := openDB(dsn)
	if err == nil {
		return db, nil
	}

	if !isRecoverableWALError(err) {
		return nil, err
	}

	dbPath := dbPathFromDSN(dsn)
	if dbPath == "" || dbPath == ":memory:" || !isWALStale(dbPath) {
		return nil, err
	}

	removeStaleWAL(dbPath)

	db, retryErr := openDB(dsn)
	if retryErr != nil {
		return nil, fmt.Errorf("sqlite: failed after WAL recovery: %w (original: %v)", retryErr, err)
	}

	log.Printf("sqlite: recovered from stale WAL files for %s", dbPath)
	return db, nil
}

func openDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer; a single open connection
	// serializes writes within this process and avoids SQLITE_BUSY under
	// concurrent goroutine load.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create schema: %w", err)
	}

	return db, nil
}

// Close releases the database handle and, if held, the writer lock.
func (s *VectorStore) Close() error {
	if s.heldWriter {
		os.Remove(s.writerLock)
	}
	return s.db.Close()
}

func (s *VectorStore) Upsert(ctx context.Context, rec storage.Record) error {
	m := rec.Memory

	if len(rec.Embedding) == 0 {
		return elefante.ErrEmbeddingMissing
	}

	embBytes, err := encodeEmbedding(rec.Embedding)
	if err != nil {
		return fmt.Errorf("sqlite: failed to encode embedding: %w", err)
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
		expiresAt = m.ExpiresAt.UTC().Format(time.RFC3339Nano)
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
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			content_hash = excluded.content_hash,
			canonical_key = excluded.canonical_key,
			namespace = excluded.namespace,
			status = excluded.status,
			layer = excluded.layer,
			sublayer = excluded.sublayer,
			ring = excluded.ring,
			knowledge_type = excluded.knowledge_type,
			importance = excluded.importance,
			last_modified = excluded.last_modified,
			last_accessed = excluded.last_accessed,
			access_count = excluded.access_count,
			supersedes_id = excluded.supersedes_id,
			superseded_by_id = excluded.superseded_by_id,
			related_memory_ids = excluded.related_memory_ids,
			conflict_ids = excluded.conflict_ids,
			potential_conflict_ids = excluded.potential_conflict_ids,
			supports = excluded.supports,
			contradicts = excluded.contradicts,
			co_activated_with = excluded.co_activated_with,
			concepts = excluded.concepts,
			surfaces_when = excluded.surfaces_when,
			authority_score = excluded.authority_score,
			expires_at = excluded.expires_at,
			source = excluded.source,
			session_id = excluded.session_id,
			embedding = excluded.embedding
	`

	_, err = s.db.ExecContext(ctx, q,
		m.ID, m.Content, m.ContentHash, m.CanonicalKey, string(m.Namespace), string(m.Status),
		string(m.Layer), m.Sublayer, string(m.Ring), string(m.KnowledgeType), m.Importance,
		m.CreatedAt.UTC().Format(time.RFC3339Nano),
		m.LastModified.UTC().Format(time.RFC3339Nano),
		m.LastAccessed.UTC().Format(time.RFC3339Nano),
		m.AccessCount, nullString(m.SupersedesID), nullString(m.SupersededByID),
		string(related), string(conflicts), string(potential),
		string(supports), string(contradicts), string(coActivated), string(concepts), string(surfacesWhen),
		m.AuthorityScore, expiresAt, string(m.Source), nullString(m.SessionID), embBytes,
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert memory %s: %w", m.ID, err)
	}
	return nil
}

func (s *VectorStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete memory %s: %w", id, err)
	}
	return nil
}

func (s *VectorStore) Get(ctx context.Context, id string) (storage.Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return storage.Record{}, false, nil
	}
	if err != nil {
		return storage.Record{}, false, fmt.Errorf("sqlite: get memory %s: %w", id, err)
	}
	return rec, true, nil
}

func (s *VectorStore) Search(ctx context.Context, queryEmbedding []float32, k int, filter storage.Filter) ([]storage.ScoredRecord, error) {
	if err := validateFilterKeys(filter); err != nil {
		return nil, err
	}
	filter = withDefaultNamespace(filter)

	where, args := buildWhereClause(filter)
	query := `SELECT ` + memoryColumns + ` FROM memories` + where

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: search: %w", err)
	}
	defer rows.Close()

	var candidates []storage.ScoredRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: search scan: %w", err)
		}
		if len(rec.Embedding) == 0 {
			continue
		}
		sim := cosineSimilarity(queryEmbedding, rec.Embedding)
		candidates = append(candidates, storage.ScoredRecord{Record: rec, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: search rows: %w", err)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Similarity > candidates[j].Similarity
	})

	if k > 0 && len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

func (s *VectorStore) Scan(ctx context.Context, filter storage.Filter) iter.Seq2[storage.Record, error] {
	return func(yield func(storage.Record, error) bool) {
		if err := validateFilterKeys(filter); err != nil {
			yield(storage.Record{}, err)
			return
		}
		where, args := buildWhereClause(filter)
		query := `SELECT ` + memoryColumns + ` FROM memories` + where

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(storage.Record{}, fmt.Errorf("sqlite: scan: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			rec, err := scanRecord(rows)
			if !yield(rec, err) {
				return
			}
			if err != nil {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(storage.Record{}, fmt.Errorf("sqlite: scan rows: %w", err))
		}
	}
}

func validateFilterKeys(filter storage.Filter) error {
	for k := range filter {
		if !allowedFilterKeys[k] {
			return elefante.ErrInvalidFilter.WithCause(fmt.Errorf("unknown filter key %q", k))
		}
	}
	return nil
}

// withDefaultNamespace implements spec.md §4.2: search "MUST default to
// namespace = prod if the caller did not specify a namespace filter."
func withDefaultNamespace(filter storage.Filter) storage.Filter {
	if _, ok := filter["namespace"]; ok {
		return filter
	}
	out := storage.Filter{"namespace": string(elefante.NamespaceProd)}
	for k, v := range filter {
		out[k] = v
	}
	return out
}

func buildWhereClause(filter storage.Filter) (string, []any) {
	if len(filter) == 0 {
		return "", nil
	}
	var clauses []string
	var args []any
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		clauses = append(clauses, fmt.Sprintf("%s = ?", k))
		args = append(args, fmt.Sprintf("%v", filter[k]))
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

const memoryColumns = `
	id, content, content_hash, canonical_key, namespace, status,
	layer, sublayer, ring, knowledge_type, importance,
	created_at, last_modified, last_accessed, access_count,
	supersedes_id, superseded_by_id,
	related_memory_ids, conflict_ids, potential_conflict_ids,
	supports, contradicts, co_activated_with, concepts, surfaces_when,
	authority_score, expires_at, source, session_id, embedding
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (storage.Record, error) {
	var (
		m                                                                            elefante.Memory
		namespace, status, layer, ring, knowledgeType, source                        string
		sublayer, supersedesID, supersededByID, sessionID                            sql.NullString
		createdAt, lastModified, lastAccessed                                        string
		expiresAt                                                                    sql.NullString
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

	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	m.LastModified, _ = time.Parse(time.RFC3339Nano, lastModified)
	m.LastAccessed, _ = time.Parse(time.RFC3339Nano, lastAccessed)
	if expiresAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, expiresAt.String)
		if err == nil {
			m.ExpiresAt = &t
		}
	}

	json.Unmarshal([]byte(related), &m.RelatedMemoryIDs)
	json.Unmarshal([]byte(conflicts), &m.ConflictIDs)
	json.Unmarshal([]byte(potential), &m.PotentialConflictIDs)
	json.Unmarshal([]byte(supports), &m.Supports)
	json.Unmarshal([]byte(contradicts), &m.Contradicts)
	json.Unmarshal([]byte(coActivated), &m.CoActivatedWith)
	json.Unmarshal([]byte(concepts), &m.Concepts)
	json.Unmarshal([]byte(surfacesWhen), &m.SurfacesWhen)

	emb, err := decodeEmbedding(embBytes)
	if err != nil {
		return storage.Record{}, fmt.Errorf("decode embedding: %w", err)
	}

	return storage.Record{Memory: m, Embedding: emb}, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func encodeEmbedding(v []float32) ([]byte, error) {
	buf := make([]byte, 0, len(v)*8)
	for i, f := range v {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendFloat(buf, float64(f), 'g', -1, 32)
	}
	return buf, nil
}

func decodeEmbedding(b []byte) ([]float32, error) {
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

// cosineSimilarity computes the cosine similarity between two equal-length
// vectors. Returns 0 for a zero-magnitude vector rather than NaN.
func cosineSimilarity(a, b []float32) float64 {
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

// claimWriterLock fails fast with StoreBusy if another live process already
// holds the writer claim; spec.md §4.2's single-writer guarantee is
// enforced here rather than with the LockManager's retry-with-backoff
// policy, since a second writer process is a configuration error, not
// transient contention to wait out.
func claimWriterLock(path string) error {
	if pid, ok := readWriterLockPID(path); ok {
		if processAlive(pid) {
			return elefante.ErrStoreBusy.WithCause(fmt.Errorf("writer lock %s held by live pid %d", path, pid))
		}
		os.Remove(path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return elefante.ErrStoreBusy.WithCause(err)
		}
		return fmt.Errorf("sqlite: create writer lock: %w", err)
	}
	defer f.Close()
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return nil
}

func readWriterLockPID(path string) (int, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, false
	}
	return pid, true
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func isRecoverableWALError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "disk I/O error") || strings.Contains(msg, "database is locked")
}

func dbPathFromDSN(dsn string) string {
	if dsn == ":memory:" || dsn == "" {
		return ""
	}
	if strings.HasPrefix(dsn, "file:") {
		u, err := url.Parse(dsn)
		if err != nil {
			return ""
		}
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == ":memory:" || path == "" {
			return ""
		}
		return path
	}
	return dsn
}

// isWALStale checks whether -shm/-wal files exist for dbPath and no other
// process currently holds them open (via lsof). Returns false if lsof is
// unavailable (conservative: no deletion).
func isWALStale(dbPath string) bool {
	shmPath := dbPath + "-shm"
	walPath := dbPath + "-wal"

	if !fileExists(shmPath) && !fileExists(walPath) {
		return false
	}

	lsofPath, err := exec.LookPath("lsof")
	if err != nil {
		return false
	}

	cmd := exec.Command(lsofPath, "-t", dbPath, shmPath, walPath)
	if err := cmd.Run(); err != nil {
		return true
	}
	return false
}

func removeStaleWAL(dbPath string) {
	for _, suffix := range []string{"-shm", "-wal"} {
		path := dbPath + suffix
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("sqlite: failed to remove stale %s: %v", path, err)
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
