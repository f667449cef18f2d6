package refinery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/elefanteai/elefante/pkg/elefante"
)

func TestNormalizeCollapsesWhitespaceAndLineEndings(t *testing.T) {
	got := Normalize("  Hello\r\n   World  \r  Again\n")
	require.Equal(t, "Hello World Again", got)
}

func TestContentHashIsStableOverNormalizedForm(t *testing.T) {
	h1 := ContentHash(Normalize("Hello   World"))
	h2 := ContentHash(Normalize("Hello World"))
	require.Equal(t, h1, h2)
}

func TestRouteNamespaceTestSuite(t *testing.T) {
	r := New(NewDefaultConfig())
	ns, err := r.RouteNamespace(elefante.SourceTestSuite, nil, false, "anything", nil)
	require.NoError(t, err)
	require.Equal(t, elefante.NamespaceTest, ns)
}

func TestRouteNamespaceByTag(t *testing.T) {
	r := New(NewDefaultConfig())
	ns, err := r.RouteNamespace(elefante.SourceAgent, []string{"e2e"}, false, "anything", nil)
	require.NoError(t, err)
	require.Equal(t, elefante.NamespaceTest, ns)
}

func TestRouteNamespaceEphemeralRequiresExpiresAt(t *testing.T) {
	r := New(NewDefaultConfig())
	_, err := r.RouteNamespace(elefante.SourceAgent, nil, true, "anything", nil)
	require.ErrorIs(t, err, elefante.ErrExpiresAtRequired)

	expires := time.Now().Add(time.Hour)
	ns, err := r.RouteNamespace(elefante.SourceAgent, nil, true, "anything", &expires)
	require.NoError(t, err)
	require.Equal(t, elefante.NamespaceEphemeral, ns)
}

func TestRouteNamespaceDefaultsToProd(t *testing.T) {
	r := New(NewDefaultConfig())
	ns, err := r.RouteNamespace(elefante.SourceUserInput, nil, false, "anything", nil)
	require.NoError(t, err)
	require.Equal(t, elefante.NamespaceProd, ns)
}

func TestCanonicalKeyUsesAgentSuppliedWhenSanitizable(t *testing.T) {
	r := New(NewDefaultConfig())
	key, err := r.CanonicalKey("Self Coding Python!!", elefante.LayerSelf, "", nil)
	require.NoError(t, err)
	require.Equal(t, "Self-Coding-Python", key)
}

func TestCanonicalKeyTruncatesToThirtyChars(t *testing.T) {
	r := New(NewDefaultConfig())
	key, err := r.CanonicalKey("VeryLongSubjectNameHere-VeryLongAspectNameHere-VeryLongQualifierNameHere", elefante.LayerSelf, "", nil)
	require.NoError(t, err)
	require.LessOrEqual(t, len(key), 30)
}

func TestCanonicalKeyFallsBackToRuleBasedParser(t *testing.T) {
	r := New(NewDefaultConfig())
	key, err := r.CanonicalKey("", elefante.LayerWorld, "Databases", []string{"postgres", "latency"})
	require.NoError(t, err)
	require.Equal(t, "World-Databases-Postgres", key)
}

func TestCanonicalKeyFallbackSkipsBannedQualifiers(t *testing.T) {
	r := New(NewDefaultConfig())
	key, err := r.CanonicalKey("", elefante.LayerWorld, "Databases", []string{"new", "postgres"})
	require.NoError(t, err)
	require.Equal(t, "World-Databases-Postgres", key)
}

func TestCanonicalKeyUltimateFallback(t *testing.T) {
	r := New(NewDefaultConfig())
	key, err := r.CanonicalKey("", "", "", nil)
	require.NoError(t, err)
	require.Equal(t, "World-Fact-General", key)
}

func TestExtractConceptsReturnsAtMostFiveDeduplicated(t *testing.T) {
	r := New(NewDefaultConfig())
	concepts := r.ExtractConcepts("The database config has a latency issue with the database cache and the api token")
	require.LessOrEqual(t, len(concepts), 5)

	seen := make(map[string]bool)
	for _, c := range concepts {
		require.False(t, seen[c], "duplicate concept %q", c)
		seen[c] = true
	}
}

func TestExtractConceptsBoostsTechnicalLexicon(t *testing.T) {
	r := New(NewDefaultConfig())
	concepts := r.ExtractConcepts("something something something api something something something")
	require.Contains(t, concepts, "api")
}

func TestInferSurfacesWhenErrorMarker(t *testing.T) {
	r := New(NewDefaultConfig())
	patterns := r.InferSurfacesWhen("We saw an error during deploy", []string{"deploy"})
	require.Contains(t, patterns, "deploy error")
	require.Contains(t, patterns, "deploy problem")
}

func TestAuthorityScoreClampedAndMonotonic(t *testing.T) {
	fresh := AuthorityScore(10, 50, 0, 0)
	stale := AuthorityScore(10, 50, 365, 365)
	require.GreaterOrEqual(t, fresh, 0.0)
	require.LessOrEqual(t, fresh, 1.0)
	require.Greater(t, fresh, stale)
}

func TestDecideActionAdd(t *testing.T) {
	r := New(NewDefaultConfig())
	d := r.DecideAction(nil, "hash-1", "content", nil)
	require.Equal(t, elefante.ActionAdd, d.Action)
}

func TestDecideActionReinforce(t *testing.T) {
	r := New(NewDefaultConfig())
	existing := &elefante.Memory{ContentHash: "hash-1", Content: "use caching", Concepts: []string{"caching"}}
	d := r.DecideAction(existing, "hash-1", "use caching", []string{"caching"})
	require.Equal(t, elefante.ActionReinforce, d.Action)
}

func TestDecideActionSupersedeOnRewordedSameConcept(t *testing.T) {
	r := New(NewDefaultConfig())
	existing := &elefante.Memory{ContentHash: "hash-1", Content: "The database uses postgres", Concepts: []string{"database", "postgres"}}
	d := r.DecideAction(existing, "hash-2", "The database now uses postgres 16", []string{"database", "postgres"})
	require.Equal(t, elefante.ActionSupersede, d.Action)
}

func TestDecideActionContradictOnOpposingPatternWithHighOverlap(t *testing.T) {
	r := New(NewDefaultConfig())
	existing := &elefante.Memory{
		ContentHash: "hash-1",
		Content:     "Always use connection pooling for postgres",
		Concepts:    []string{"pooling", "postgres", "connection"},
	}
	d := r.DecideAction(existing, "hash-2", "Never use connection pooling for postgres", []string{"pooling", "postgres", "connection"})
	require.Equal(t, elefante.ActionContradict, d.Action)
	require.True(t, d.OpposingDetected)
}

func TestJaccardEmptySidesReturnZero(t *testing.T) {
	require.Equal(t, 0.0, jaccard(nil, []string{"a"}))
	require.Equal(t, 0.0, jaccard([]string{"a"}, nil))
}
