package elefante

import "time"

// EdgeType names one of the fixed edge labels the GraphStore recognizes
// (spec.md §3 "Relationships").
type EdgeType string

const (
	EdgeHasConcept     EdgeType = "HAS_CONCEPT"
	EdgeHasEntity      EdgeType = "HAS_ENTITY"
	EdgeMentionedIn    EdgeType = "MENTIONED_IN"
	EdgeRelatesTo      EdgeType = "RELATES_TO"
	EdgeSupersedes     EdgeType = "SUPERSEDES"
	EdgeSupports       EdgeType = "SUPPORTS"
	EdgeContradicts    EdgeType = "CONTRADICTS"
	EdgeCoActivatedWith EdgeType = "CO_ACTIVATED_WITH"
)

// RelationshipMetadata describes the directionality of a RELATES_TO edge
// between two entities: whether it is symmetric, and if not, what its
// inverse relation type is named.
type RelationshipMetadata struct {
	Bidirectional bool   `json:"bidirectional"`
	Inverse       string `json:"inverse,omitempty"`
}

// Relationship is an agent-supplied RELATES_TO connection between two
// entities (spec.md §3, §4.6 step "Insert RELATES_TO edges between entities
// per agent enrichment").
type Relationship struct {
	ID     string `json:"id"`
	FromID string `json:"from_id"`
	ToID   string `json:"to_id"`
	Type   string `json:"type"`

	Metadata RelationshipMetadata `json:"relationship_metadata"`

	Props     string    `json:"props,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// IsBidirectional reports whether this relationship is symmetric.
func (r *Relationship) IsBidirectional() bool {
	return r.Metadata.Bidirectional
}
