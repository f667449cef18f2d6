package elefante

import "time"

// Entity is a named thing referenced by a memory: a person, project,
// technology, file, or concept the agent called out explicitly (spec.md
// §3). Props is a JSON-serialized blob rather than a typed map because the
// graph engine reserves the property name "properties"; the core always
// uses "props" and "entity_type" instead (spec.md §4.3).
type Entity struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"entity_type"`
	Props     string    `json:"props,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Concept is a canonical keyword node. At most one Concept node exists per
// canonical Name (spec.md §3 invariant 5: concept node reuse).
type Concept struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is a container for temporally contiguous messages from one
// client process. A Memory MAY be linked to the Session it was created in
// via a MENTIONED_IN edge.
type Session struct {
	ID        string     `json:"id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}
