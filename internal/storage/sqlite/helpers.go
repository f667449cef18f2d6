package sqlite

import (
	"encoding/json"

	"github.com/google/uuid"
)

func newNodeID() string {
	return uuid.NewString()
}

// extractJSONStringField reads a single top-level string field out of a
// props JSON blob without requiring callers to unmarshal into a concrete
// struct (props shapes vary by node label).
func extractJSONStringField(propsJSON, field string) (string, bool) {
	if propsJSON == "" {
		return "", false
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(propsJSON), &m); err != nil {
		return "", false
	}
	v, ok := m[field]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
