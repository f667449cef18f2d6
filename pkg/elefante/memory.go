package elefante

import "time"

// Memory is the atomic unit of stored knowledge (spec.md §3).
//
// Content is immutable after creation: a later write against the same
// canonical key goes through SUPERSEDE, never through an in-place update of
// Content or Embedding.
type Memory struct {
	ID string `json:"id"`

	Content     string `json:"content"`
	ContentHash string `json:"content_hash"`

	CanonicalKey string    `json:"canonical_key"`
	Namespace    Namespace `json:"namespace"`
	Status       Status    `json:"status"`

	Layer    Layer  `json:"layer"`
	Sublayer string `json:"sublayer,omitempty"`

	Ring          Ring          `json:"ring"`
	KnowledgeType KnowledgeType `json:"knowledge_type"`

	// Importance is agent-supplied, 1..10, used in authority scoring.
	Importance int `json:"importance"`

	CreatedAt    time.Time `json:"created_at"`
	LastModified time.Time `json:"last_modified"`
	LastAccessed time.Time `json:"last_accessed"`

	// AccessCount never decreases; newly created memories start at 1.
	AccessCount int `json:"access_count"`

	SupersedesID   string `json:"supersedes_id,omitempty"`
	SupersededByID string `json:"superseded_by_id,omitempty"`

	RelatedMemoryIDs     []string `json:"related_memory_ids,omitempty"`
	ConflictIDs          []string `json:"conflict_ids,omitempty"`
	PotentialConflictIDs []string `json:"potential_conflict_ids,omitempty"`

	// Supports/Contradicts mirror the SUPPORTS/CONTRADICTS edges for fast
	// scoring; the graph is the source of truth on any discrepancy.
	Supports    []string `json:"supports,omitempty"`
	Contradicts []string `json:"contradicts,omitempty"`

	// CoActivatedWith is a bounded, deduplicated cache of memory IDs this
	// memory has co-appeared with in a result set (spec.md §4.6 step 9).
	// Eviction policy: first-in-first-out by first insertion; a repeated
	// co-activation does not move an entry (spec.md §9 Open Question — see
	// DESIGN.md).
	CoActivatedWith []string `json:"co_activated_with,omitempty"`

	// Concepts is up to 5 normalized keywords extracted deterministically
	// from Content at write time.
	Concepts []string `json:"concepts,omitempty"`

	// SurfacesWhen is a list of query-pattern strings synthesized from
	// Content (spec.md §4.1 "surfaces-when inference").
	SurfacesWhen []string `json:"surfaces_when,omitempty"`

	// AuthorityScore is recomputed on REINFORCE and on any access.
	AuthorityScore float64 `json:"authority_score"`

	// ExpiresAt is required for namespace=ephemeral. Memories routed to
	// namespace=test are stored without one unless the caller supplies it.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	Source Source `json:"source"`

	// SessionID, if set, is the Session this memory was created in.
	SessionID string `json:"session_id,omitempty"`

	// Embedding is the dense vector representation. It lives in the
	// VectorStore's own record, not duplicated onto the GraphStore node;
	// it is carried on the in-memory struct only as the channel between
	// EmbeddingProvider, Refinery, and VectorStore during a single
	// operation.
	Embedding []float32 `json:"-"`
}

// DaysSinceLastAccess returns the number of days (as a float, for smooth
// exponential decay) since LastAccessed, measured against now.
func (m *Memory) DaysSinceLastAccess(now time.Time) float64 {
	return now.Sub(m.LastAccessed).Hours() / 24.0
}

// AgeDays returns the number of days since CreatedAt, measured against now.
func (m *Memory) AgeDays(now time.Time) float64 {
	return now.Sub(m.CreatedAt).Hours() / 24.0
}

// Touch records an access: bumps AccessCount and LastAccessed. It never
// decreases AccessCount and never moves LastAccessed backwards (spec.md §3
// invariant 6: access monotonicity).
func (m *Memory) Touch(now time.Time) {
	m.AccessCount++
	if now.After(m.LastAccessed) {
		m.LastAccessed = now
	}
}
