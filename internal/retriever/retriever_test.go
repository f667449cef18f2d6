package retriever

import (
	"context"
	"iter"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/elefanteai/elefante/internal/config"
	"github.com/elefanteai/elefante/internal/refinery"
	"github.com/elefanteai/elefante/internal/storage"
	"github.com/elefanteai/elefante/pkg/elefante"
)

// fakeVectorStore is an in-memory storage.VectorStore for retriever tests,
// in the teacher's table-driven fake-store test style.
type fakeVectorStore struct {
	records map[string]storage.Record
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{records: make(map[string]storage.Record)}
}

func (f *fakeVectorStore) Upsert(_ context.Context, rec storage.Record) error {
	f.records[rec.Memory.ID] = rec
	return nil
}

func (f *fakeVectorStore) Delete(_ context.Context, id string) error {
	delete(f.records, id)
	return nil
}

func (f *fakeVectorStore) Get(_ context.Context, id string) (storage.Record, bool, error) {
	rec, ok := f.records[id]
	return rec, ok, nil
}

func (f *fakeVectorStore) Search(_ context.Context, queryEmbedding []float32, k int, filter storage.Filter) ([]storage.ScoredRecord, error) {
	var out []storage.ScoredRecord
	for _, rec := range f.records {
		if sid, ok := filter["session_id"]; ok && rec.Memory.SessionID != sid {
			continue
		}
		out = append(out, storage.ScoredRecord{Record: rec, Similarity: cosineSimilarity(queryEmbedding, rec.Embedding)})
	}
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (f *fakeVectorStore) Scan(_ context.Context, _ storage.Filter) iter.Seq2[storage.Record, error] {
	return func(yield func(storage.Record, error) bool) {
		for _, rec := range f.records {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (f *fakeVectorStore) Close() error { return nil }

// fakeEmbedder deterministically maps text to a tiny vector by word
// presence, so cosine similarity reflects literal token overlap.
type fakeEmbedder struct {
	vocab []string
}

func newFakeEmbedder(vocab ...string) *fakeEmbedder {
	return &fakeEmbedder{vocab: vocab}
}

func (e *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	lower := strings.ToLower(refinery.Normalize(text))
	vec := make([]float32, len(e.vocab))
	for i, w := range e.vocab {
		if containsWord(lower, w) {
			vec[i] = 1
		}
	}
	return vec, nil
}

func containsWord(text, word string) bool {
	for _, f := range strings.Fields(text) {
		if strings.Trim(f, "?.,!") == word {
			return true
		}
	}
	return false
}

func testMemory(id, content string, concepts []string, layer elefante.Layer, sublayer string) elefante.Memory {
	now := time.Now()
	return elefante.Memory{
		ID:             id,
		Content:        content,
		CanonicalKey:   id,
		Namespace:      elefante.NamespaceProd,
		Status:         elefante.StatusActive,
		Layer:          layer,
		Sublayer:       sublayer,
		Ring:           elefante.RingLeaf,
		KnowledgeType:  elefante.KnowledgeFact,
		Importance:     5,
		CreatedAt:      now,
		LastModified:   now,
		LastAccessed:   now,
		AccessCount:    1,
		Concepts:       concepts,
		AuthorityScore: 0.5,
	}
}

func newTestRetriever(store *fakeVectorStore, embedder *fakeEmbedder) *Retriever {
	return New(store, embedder, refinery.New(refinery.NewDefaultConfig()), config.DefaultRetrievalWeights(), 0.95)
}

func TestSearchEmptyQueryFails(t *testing.T) {
	store := newFakeVectorStore()
	r := newTestRetriever(store, newFakeEmbedder("dashboard", "docker", "stdio"))

	_, err := r.Search(context.Background(), Query{Text: "   "})
	require.ErrorIs(t, err, elefante.ErrQueryRequired)
}

func TestSearchEmptyStoreReturnsEmptyOutcomeNotError(t *testing.T) {
	store := newFakeVectorStore()
	r := newTestRetriever(store, newFakeEmbedder("dashboard"))

	outcome, err := r.Search(context.Background(), Query{Text: "dashboard"})
	require.NoError(t, err)
	require.Empty(t, outcome.Results)
	require.Nil(t, outcome.Constellation.Primary)
	require.NotEmpty(t, outcome.Synthesis)
}

func TestSearchRanksVectorSimilarityHigherWhenConceptsShared(t *testing.T) {
	store := newFakeVectorStore()
	embedder := newFakeEmbedder("dashboard", "docker", "stdio", "mcp", "port")

	m1 := testMemory("m1", "Docker container for dashboard runs on port 8000", []string{"docker", "dashboard", "port"}, elefante.LayerWorld, "Infra")
	m1.Embedding = mustEmbed(embedder, m1.Content)
	m2 := testMemory("m2", "MCP server runs on stdio", []string{"mcp", "stdio"}, elefante.LayerWorld, "Infra")
	m2.Embedding = mustEmbed(embedder, m2.Content)

	store.records[m1.ID] = storage.Record{Memory: m1, Embedding: m1.Embedding}
	store.records[m2.ID] = storage.Record{Memory: m2, Embedding: m2.Embedding}

	r := newTestRetriever(store, embedder)
	outcome, err := r.Search(context.Background(), Query{Text: "where does the dashboard run?", K: 5})
	require.NoError(t, err)
	require.Len(t, outcome.Results, 2)
	require.Equal(t, "m1", outcome.Results[0].Memory.ID)
	require.Greater(t, outcome.Results[0].Score, outcome.Results[1].Score)

	concept := outcome.Results[0].Components["s_concept"]
	require.Greater(t, concept.Score, 0.0)
}

func mustEmbed(e *fakeEmbedder, text string) []float32 {
	v, _ := e.Embed(context.Background(), text)
	return v
}

func TestSearchUpdatesCoActivationAndAccessBookkeeping(t *testing.T) {
	store := newFakeVectorStore()
	embedder := newFakeEmbedder("alpha", "beta")

	m1 := testMemory("m1", "alpha beta", []string{"alpha", "beta"}, elefante.LayerWorld, "")
	m1.Embedding = mustEmbed(embedder, m1.Content)
	m1.AccessCount = 1
	m2 := testMemory("m2", "alpha beta", []string{"alpha", "beta"}, elefante.LayerWorld, "")
	m2.Embedding = mustEmbed(embedder, m2.Content)
	m2.AccessCount = 1

	store.records[m1.ID] = storage.Record{Memory: m1, Embedding: m1.Embedding}
	store.records[m2.ID] = storage.Record{Memory: m2, Embedding: m2.Embedding}

	r := newTestRetriever(store, embedder)
	outcome, err := r.Search(context.Background(), Query{Text: "alpha beta", K: 5})
	require.NoError(t, err)
	require.Len(t, outcome.Results, 2)

	updated1 := store.records["m1"].Memory
	updated2 := store.records["m2"].Memory
	require.Equal(t, 2, updated1.AccessCount)
	require.Equal(t, 2, updated2.AccessCount)
	require.Contains(t, updated1.CoActivatedWith, "m2")
	require.Contains(t, updated2.CoActivatedWith, "m1")
}

func TestConstellationPartitionsSupportingAndContradicting(t *testing.T) {
	primary := Result{Memory: testMemory("p", "primary", nil, elefante.LayerWorld, "")}
	supporting := Result{Memory: testMemory("s", "supporting", nil, elefante.LayerWorld, "")}
	contradicting := Result{Memory: testMemory("c", "contradicting", nil, elefante.LayerWorld, "")}
	other := Result{Memory: testMemory("o", "other", nil, elefante.LayerWorld, "")}

	primary.Memory.Supports = []string{"s"}
	primary.Memory.Contradicts = []string{"c"}

	results := []Result{primary, supporting, contradicting, other}
	c := buildConstellation(results)

	require.NotNil(t, c.Primary)
	require.Equal(t, "p", c.Primary.Memory.ID)
	require.Len(t, c.Supporting, 1)
	require.Equal(t, "s", c.Supporting[0].Memory.ID)
	require.Len(t, c.Contradicting, 1)
	require.Equal(t, "c", c.Contradicting[0].Memory.ID)
	require.Len(t, c.Other, 1)
	require.Equal(t, "o", c.Other[0].Memory.ID)
}

func TestSynthesizeNotesConflictsWhenPresent(t *testing.T) {
	primary := Result{Memory: testMemory("p", "primary", nil, elefante.LayerWorld, "")}
	c := Constellation{Primary: &primary, Contradicting: []Result{{Memory: testMemory("c", "x", nil, elefante.LayerWorld, "")}}}
	s := synthesize(c)
	require.Contains(t, s, "Primary:")
	require.Contains(t, s, "conflicts")
}

func TestAdaptWeightsBoostsVectorForInterrogativeQuery(t *testing.T) {
	base := config.DefaultRetrievalWeights()
	adapted := adaptWeights(base, "where does the dashboard run?")
	require.Greater(t, adapted.Vec, adapted.Vec*0.0) // sanity: non-zero
	// Vec share of total should have grown relative to the unadapted baseline.
	baseShare := base.Vec / (base.Vec + base.Concept + base.Domain + base.Co + base.Auth + base.Time)
	adaptedShare := adapted.Vec
	require.Greater(t, adaptedShare, baseShare)
}

func TestDomainMatchScoreLevels(t *testing.T) {
	m := testMemory("m", "x", nil, elefante.LayerWorld, "Infra")
	require.Equal(t, 1.0, domainMatchScore(domainGuess{layer: elefante.LayerWorld, sublayer: "Infra"}, m))
	require.Equal(t, 0.5, domainMatchScore(domainGuess{layer: elefante.LayerWorld, sublayer: "Other"}, m))
	require.Equal(t, 0.0, domainMatchScore(domainGuess{layer: elefante.LayerSelf, sublayer: "Infra"}, m))
}

func TestAppendBoundedDeduplicatesAndEvicts(t *testing.T) {
	list := []string{"a", "b", "c"}
	list = appendBounded(list, "b", 5)
	require.Equal(t, []string{"a", "b", "c"}, list)

	list = []string{"a", "b"}
	for i := 0; i < 5; i++ {
		list = appendBounded(list, string(rune('c'+i)), 3)
	}
	require.Len(t, list, 3)
}
