package elefante

import "time"

// AgentEnrichment is the caller-supplied side of add_memory: everything the
// core validates and stores as-is rather than infers (spec.md §1 "the core
// only validates and stores" agent-side classification).
type AgentEnrichment struct {
	// CanonicalKey, if non-empty, is sanitized and used; if it cannot be
	// sanitized into a key, add_memory fails with InvalidCanonicalKey. When
	// empty, the Refinery derives one.
	CanonicalKey string

	Layer         Layer
	Sublayer      string
	Ring          Ring
	KnowledgeType KnowledgeType

	// Importance is 1..10; zero means "not supplied," and the Orchestrator
	// applies a default of 5.
	Importance int

	// Tags drives namespace routing ("test", "e2e") alongside Source.
	Tags []string

	// Diagnostic marks the candidate as temporary/diagnostic, routing it
	// to namespace=ephemeral (spec.md §4.1).
	Diagnostic bool

	// ExpiresAt is required when the routed namespace is ephemeral. Test
	// namespace memories are stored without one unless it is supplied.
	ExpiresAt *time.Time

	Entities      []EntityEnrichment
	Relationships []RelationshipEnrichment
}

// EntityEnrichment names an entity the agent wants linked to the memory via
// a HAS_ENTITY edge. The Entity node is MERGE-created by Name; Type does not
// take part in the match.
type EntityEnrichment struct {
	Name  string
	Type  string
	Props string
}

// RelationshipEnrichment names an agent-supplied RELATES_TO edge between
// two entities, referenced by name rather than id (the Orchestrator
// resolves names to ids via MergeNodeByName before creating the edge).
type RelationshipEnrichment struct {
	FromEntityName string
	ToEntityName   string
	Type           string
	Metadata       RelationshipMetadata
	Props          string
}
