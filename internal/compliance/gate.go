// Package compliance implements the search-before-write gate: write
// operations are rejected until the calling session has performed at least
// one retrieval, so agents cannot create duplicate or conflicting
// knowledge blindly (spec.md §4.7).
package compliance

import (
	"sync"
	"time"

	"github.com/elefanteai/elefante/pkg/elefante"
)

// state is the per-session gate record: { last_search_timestamp,
// last_search_count, search_token_valid }.
type state struct {
	lastSearchAt    time.Time
	lastSearchCount int
	tokenValid      bool
}

// Gate tracks compliance state per session. Per-session state is
// process-local (spec.md §5): it is not shared across host processes, each
// editor session has its own gate.
type Gate struct {
	mu       sync.Mutex
	sessions map[string]*state
}

// New creates an empty Gate. State machine per session (spec.md §4.7):
// UNVERIFIED --search--> VERIFIED --write_or_assert--> UNVERIFIED. A
// session not yet seen is implicitly UNVERIFIED.
func New() *Gate {
	return &Gate{sessions: make(map[string]*state)}
}

// RecordSearch transitions sessionID to VERIFIED: a subsequent write or
// assert_compliance call for this session will be allowed exactly once.
func (g *Gate) RecordSearch(sessionID string, resultCount int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[sessionID] = &state{
		lastSearchAt:    time.Now(),
		lastSearchCount: resultCount,
		tokenValid:      true,
	}
}

// CheckWrite consumes the session's token if valid, transitioning it back
// to UNVERIFIED, and returns nil. If the token is not valid (or the
// session has never searched), it returns ComplianceGateClosed and leaves
// the session's state untouched.
func (g *Gate) CheckWrite(sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.sessions[sessionID]
	if !ok || !st.tokenValid {
		return elefante.ErrComplianceGateClosed.WithCause(
			errComplianceMessage(sessionID))
	}

	st.tokenValid = false
	return nil
}

// Stamp is the textual receipt assert_compliance mints for callers that
// need to prove, out of band, that a search preceded a write.
type Stamp struct {
	SessionID       string    `json:"session_id"`
	LastSearchAt    time.Time `json:"last_search_at"`
	LastSearchCount int       `json:"last_search_count"`
}

// AssertCompliance applies the same gate semantics as CheckWrite but
// returns a Stamp carrying the observed last_search_count on success.
func (g *Gate) AssertCompliance(sessionID string) (Stamp, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.sessions[sessionID]
	if !ok || !st.tokenValid {
		return Stamp{}, elefante.ErrComplianceGateClosed.WithCause(
			errComplianceMessage(sessionID))
	}

	st.tokenValid = false
	return Stamp{
		SessionID:       sessionID,
		LastSearchAt:    st.lastSearchAt,
		LastSearchCount: st.lastSearchCount,
	}, nil
}

func errComplianceMessage(sessionID string) error {
	return &complianceErr{sessionID: sessionID}
}

type complianceErr struct{ sessionID string }

func (e *complianceErr) Error() string {
	return "session " + e.sessionID + " must call search_memories before this operation"
}
