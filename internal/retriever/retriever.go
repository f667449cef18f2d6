// Package retriever implements the CognitiveRetriever (spec.md §4.4): the
// Orchestrator's retrieval delegate, which fuses vector similarity with
// graph-derived signals into a single composite ranking.
//
// Grounded on the teacher's internal/engine/search_orchestrator.go
// ScoreComponents/Reason pattern, generalized from its 4 ad-hoc factors to
// the spec's 6 named signals.
package retriever

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/elefanteai/elefante/internal/config"
	"github.com/elefanteai/elefante/internal/refinery"
	"github.com/elefanteai/elefante/internal/storage"
	"github.com/elefanteai/elefante/pkg/elefante"
)

// maxCoActivatedWith bounds CoActivatedWith, evicting the earliest-added
// entry when full (spec.md §9 Open Question, decided in DESIGN.md).
const maxCoActivatedWith = 50

// overFetchMultiplier is spec.md §4.4 step 3's "k * 3" over-fetch factor.
const overFetchMultiplier = 3

// dedupSimilarityDefault mirrors config.Default().DedupSimilarityThreshold
// for callers that construct a Retriever without a config.
const dedupSimilarityDefault = 0.95

// Query is one CognitiveRetriever invocation's inputs.
type Query struct {
	Text      string
	SessionID string
	K         int
	Filter    storage.Filter
}

// SignalBreakdown is one named component of a Result's composite score
// (spec.md §4.4 step 7 "per-signal breakdown").
type SignalBreakdown struct {
	Score        float64
	Weight       float64
	Contribution float64
	HumanReason  string
}

// Result is one ranked memory, with its composite score and explanation.
type Result struct {
	Memory     elefante.Memory
	Score      float64
	Components map[string]SignalBreakdown
}

// Constellation partitions a result batch relative to its primary result
// (spec.md §4.4 step 8).
type Constellation struct {
	Primary       *Result
	Supporting    []Result
	Contradicting []Result
	Other         []Result
}

// Outcome is everything search_memories returns to the Orchestrator.
type Outcome struct {
	Results       []Result
	Constellation Constellation
	Synthesis     string
}

// Retriever implements the CognitiveRetriever.
type Retriever struct {
	vector  storage.VectorStore
	embed   elefante.EmbeddingProvider
	refine  *refinery.Refinery
	weights config.RetrievalWeights
	dedup   float64
}

// New constructs a Retriever. weights should come from config.Config; the
// zero value of config.RetrievalWeights is invalid, so callers must supply
// config.DefaultRetrievalWeights() or an operator override.
func New(vector storage.VectorStore, embed elefante.EmbeddingProvider, refine *refinery.Refinery, weights config.RetrievalWeights, dedupThreshold float64) *Retriever {
	if dedupThreshold <= 0 {
		dedupThreshold = dedupSimilarityDefault
	}
	return &Retriever{vector: vector, embed: embed, refine: refine, weights: weights, dedup: dedupThreshold}
}

// Search runs the full CognitiveRetriever pipeline (spec.md §4.4 steps
// 1-10). It never fails on empty results.
func (r *Retriever) Search(ctx context.Context, q Query) (Outcome, error) {
	normalized := refinery.Normalize(q.Text)
	if normalized == "" {
		return Outcome{}, elefante.ErrQueryRequired
	}

	k := q.K
	if k <= 0 {
		k = 10
	}

	queryEmbedding, err := r.embed.Embed(ctx, normalized)
	if err != nil {
		return Outcome{}, fmt.Errorf("retriever: embed query: %w", err)
	}
	queryConcepts := r.refine.ExtractConcepts(normalized)
	queryDomain := inferQueryDomain(queryConcepts)
	weights := adaptWeights(r.weights, normalized)

	candidates, err := r.vector.Search(ctx, queryEmbedding, k*overFetchMultiplier, q.Filter)
	if err != nil {
		return Outcome{}, err
	}

	if q.SessionID != "" {
		candidates, err = r.mergeConversationContext(ctx, candidates, q.SessionID, queryEmbedding)
		if err != nil {
			return Outcome{}, err
		}
	}

	if len(candidates) == 0 {
		return Outcome{Synthesis: "No memories matched this query."}, nil
	}

	batchIDs := make([]string, 0, len(candidates))
	for _, c := range candidates {
		batchIDs = append(batchIDs, c.Record.Memory.ID)
	}

	now := time.Now()
	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		results = append(results, r.score(c, queryConcepts, queryDomain, batchIDs, weights, now))
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}

	r.updateCoActivation(ctx, candidates, results)
	r.recordAccess(ctx, candidates, results, now)

	constellation := buildConstellation(results)
	return Outcome{
		Results:       results,
		Constellation: constellation,
		Synthesis:     synthesize(constellation),
	}, nil
}

// score computes spec.md §4.4 step 4-5's six-signal composite for one
// candidate.
func (r *Retriever) score(c storage.ScoredRecord, queryConcepts []string, queryDomain domainGuess, batchIDs []string, weights config.RetrievalWeights, now time.Time) Result {
	m := c.Record.Memory

	sVec := clamp01(c.Similarity)
	sConcept := refinery.ConceptOverlap(queryConcepts, m.Concepts)
	sDomain := domainMatchScore(queryDomain, m)
	sCo := coActivationFraction(m, batchIDs)
	sAuth := clamp01(m.AuthorityScore)
	sTime := math.Exp(-0.05 * m.DaysSinceLastAccess(now))

	components := map[string]SignalBreakdown{
		"s_vec":     breakdown(sVec, weights.Vec, "cosine similarity to query embedding"),
		"s_concept": breakdown(sConcept, weights.Concept, conceptReason(queryConcepts, m.Concepts)),
		"s_domain":  breakdown(sDomain, weights.Domain, domainReason(queryDomain, m)),
		"s_co":      breakdown(sCo, weights.Co, "co-activated with other memories in this result batch"),
		"s_auth":    breakdown(sAuth, weights.Auth, "stored authority score (importance, usage, freshness, recency)"),
		"s_time":    breakdown(sTime, weights.Time, "decays with days since last access"),
	}

	score := sVec*weights.Vec + sConcept*weights.Concept + sDomain*weights.Domain +
		sCo*weights.Co + sAuth*weights.Auth + sTime*weights.Time

	return Result{Memory: m, Score: score, Components: components}
}

func breakdown(score, weight float64, reason string) SignalBreakdown {
	return SignalBreakdown{Score: score, Weight: weight, Contribution: score * weight, HumanReason: reason}
}

func conceptReason(query, candidate []string) string {
	if len(query) == 0 || len(candidate) == 0 {
		return "no concepts to compare"
	}
	shared := make([]string, 0, len(candidate))
	set := make(map[string]bool, len(query))
	for _, c := range query {
		set[c] = true
	}
	for _, c := range candidate {
		if set[c] {
			shared = append(shared, c)
		}
	}
	if len(shared) == 0 {
		return "no shared concepts"
	}
	return "shares concepts: " + strings.Join(shared, ", ")
}

func domainReason(query domainGuess, m elefante.Memory) string {
	switch {
	case query.layer == m.Layer && query.sublayer != "" && strings.EqualFold(query.sublayer, m.Sublayer):
		return "layer and sublayer both match the inferred query domain"
	case query.layer == m.Layer:
		return "layer matches the inferred query domain"
	default:
		return "no domain match"
	}
}

// domainGuess is the CognitiveRetriever's simple heuristic inference of a
// query's (layer, sublayer) per spec.md §4.4 step 4's "inferred domain of
// the query (from simple heuristics on query concepts)".
type domainGuess struct {
	layer    elefante.Layer
	sublayer string
}

var selfDomainMarkers = map[string]bool{
	"i": true, "my": true, "me": true, "prefer": true, "preference": true, "style": true,
}

var intentDomainMarkers = map[string]bool{
	"plan": true, "goal": true, "todo": true, "decide": true, "decision": true, "should": true,
}

func inferQueryDomain(concepts []string) domainGuess {
	layer := elefante.LayerWorld
	for _, c := range concepts {
		lc := strings.ToLower(c)
		if selfDomainMarkers[lc] {
			layer = elefante.LayerSelf
			break
		}
		if intentDomainMarkers[lc] {
			layer = elefante.LayerIntent
			break
		}
	}
	sublayer := ""
	if len(concepts) > 0 {
		sublayer = concepts[0]
	}
	return domainGuess{layer: layer, sublayer: sublayer}
}

// domainMatchScore implements spec.md §4.4 step 4's s_domain: 1 if layer and
// sublayer both match, 0.5 if only layer matches, else 0.
func domainMatchScore(query domainGuess, m elefante.Memory) float64 {
	if query.layer != m.Layer {
		return 0
	}
	if query.sublayer != "" && strings.EqualFold(query.sublayer, m.Sublayer) {
		return 1
	}
	return 0.5
}

// coActivationFraction implements spec.md §4.4 step 4's s_co: the fraction
// of this batch's other memories that appear in m.CoActivatedWith.
func coActivationFraction(m elefante.Memory, batchIDs []string) float64 {
	if len(batchIDs) <= 1 || len(m.CoActivatedWith) == 0 {
		return 0
	}
	coSet := make(map[string]bool, len(m.CoActivatedWith))
	for _, id := range m.CoActivatedWith {
		coSet[id] = true
	}
	hits := 0
	others := 0
	for _, id := range batchIDs {
		if id == m.ID {
			continue
		}
		others++
		if coSet[id] {
			hits++
		}
	}
	if others == 0 {
		return 0
	}
	return clamp01(float64(hits) / float64(others))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// adaptWeights implements spec.md §4.4's adaptive weighting: a deterministic
// pre-rank rescaling driven by surface features of the query text.
func adaptWeights(base config.RetrievalWeights, query string) config.RetrievalWeights {
	lower := strings.ToLower(query)
	w := base

	if containsAny(lower, "it", "that", "this", "those") {
		w.Co *= 1.3
	}
	if looksInterrogative(lower) {
		w.Vec *= 1.2
	}
	if containsIdentifierLikeToken(query) {
		w.Domain *= 1.3
	}

	return normalizeWeights(w)
}

func looksInterrogative(lower string) bool {
	if strings.HasSuffix(strings.TrimSpace(lower), "?") {
		return true
	}
	return containsAny(lower, "what", "why", "how", "where", "when", "who", "which")
}

func containsAny(lower string, words ...string) bool {
	for _, w := range words {
		for _, field := range strings.Fields(lower) {
			if strings.Trim(field, ".,!?") == w {
				return true
			}
		}
	}
	return false
}

// containsIdentifierLikeToken reports whether query contains a token that
// looks like a code identifier (snake_case, camelCase, or dotted path)
// rather than natural-language prose.
func containsIdentifierLikeToken(query string) bool {
	for _, field := range strings.Fields(query) {
		if strings.ContainsAny(field, "_.") && len(field) > 3 {
			return true
		}
		if hasInternalCapital(field) {
			return true
		}
	}
	return false
}

func hasInternalCapital(s string) bool {
	for i, r := range s {
		if i > 0 && r >= 'A' && r <= 'Z' {
			return true
		}
	}
	return false
}

func normalizeWeights(w config.RetrievalWeights) config.RetrievalWeights {
	total := w.Vec + w.Concept + w.Domain + w.Co + w.Auth + w.Time
	if total <= 0 {
		return w
	}
	return config.RetrievalWeights{
		Vec:     w.Vec / total,
		Concept: w.Concept / total,
		Domain:  w.Domain / total,
		Co:      w.Co / total,
		Auth:    w.Auth / total,
		Time:    w.Time / total,
	}
}

// mergeConversationContext implements spec.md §4.4's conversation-context
// hybrid mode: recent messages from the session, scoped by session_id
// metadata, merged into the candidate batch with embedding-similarity
// dedup against the already-fetched stored results.
func (r *Retriever) mergeConversationContext(ctx context.Context, candidates []storage.ScoredRecord, sessionID string, queryEmbedding []float32) ([]storage.ScoredRecord, error) {
	sessionFilter := storage.Filter{"session_id": sessionID}
	sessionHits, err := r.vector.Search(ctx, queryEmbedding, len(candidates)+5, sessionFilter)
	if err != nil {
		return candidates, nil //nolint:nilerr // session-scoped augmentation is best-effort
	}

	merged := make([]storage.ScoredRecord, len(candidates))
	copy(merged, candidates)

	for _, hit := range sessionHits {
		if isDuplicateEmbedding(hit.Record.Embedding, merged, r.dedup) {
			continue
		}
		merged = append(merged, hit)
	}
	return merged, nil
}

func isDuplicateEmbedding(candidate []float32, existing []storage.ScoredRecord, threshold float64) bool {
	for _, e := range existing {
		if cosineSimilarity(candidate, e.Record.Embedding) >= threshold {
			return true
		}
	}
	return false
}

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

// updateCoActivation implements spec.md §4.4 step 9: every pair of returned
// memories is appended to the other's co_activated_with, bounded and
// deduplicated. Best-effort: a persistence failure here does not fail the
// search.
func (r *Retriever) updateCoActivation(ctx context.Context, candidates []storage.ScoredRecord, results []Result) {
	if len(results) < 2 {
		return
	}
	byID := make(map[string]storage.Record, len(candidates))
	for _, c := range candidates {
		byID[c.Record.Memory.ID] = c.Record
	}

	updated := make(map[string]elefante.Memory, len(results))
	for _, res := range results {
		updated[res.Memory.ID] = res.Memory
	}

	for i := range results {
		for j := range results {
			if i == j {
				continue
			}
			a := updated[results[i].Memory.ID]
			b := updated[results[j].Memory.ID]
			a.CoActivatedWith = appendBounded(a.CoActivatedWith, b.ID, maxCoActivatedWith)
			updated[a.ID] = a
		}
	}

	for id, m := range updated {
		rec, ok := byID[id]
		if !ok {
			continue
		}
		rec.Memory = m
		_ = r.vector.Upsert(ctx, rec)
	}
}

// appendBounded deduplicates id into list, evicting the earliest-added
// (front of the slice) entry when full. An id already present keeps its
// position, so a repeated co-activation does not protect it from eviction
// (spec.md §9 Open Question, decided in DESIGN.md).
func appendBounded(list []string, id string, max int) []string {
	for _, existing := range list {
		if existing == id {
			return list
		}
	}
	list = append(list, id)
	if len(list) > max {
		list = list[len(list)-max:]
	}
	return list
}

// recordAccess implements spec.md §4.4 step 10: access bookkeeping for
// every returned memory.
func (r *Retriever) recordAccess(ctx context.Context, candidates []storage.ScoredRecord, results []Result, now time.Time) {
	for _, res := range results {
		// Re-read so the co-activation update persisted just before is kept.
		rec, ok, err := r.vector.Get(ctx, res.Memory.ID)
		if err != nil || !ok {
			continue
		}
		m := rec.Memory
		m.Touch(now)
		m.AuthorityScore = refinery.AuthorityScore(m.Importance, m.AccessCount, m.AgeDays(now), m.DaysSinceLastAccess(now))
		rec.Memory = m
		_ = r.vector.Upsert(ctx, rec)
	}
}

// buildConstellation implements spec.md §4.4 step 8.
func buildConstellation(results []Result) Constellation {
	if len(results) == 0 {
		return Constellation{}
	}

	primary := results[0]
	c := Constellation{Primary: &primary}

	for _, res := range results[1:] {
		switch {
		case linkedBy(primary.Memory.Contradicts, res.Memory.ID) || linkedBy(res.Memory.Contradicts, primary.Memory.ID):
			c.Contradicting = append(c.Contradicting, res)
		case linkedBy(primary.Memory.Supports, res.Memory.ID) || linkedBy(res.Memory.Supports, primary.Memory.ID) ||
			linkedBy(primary.Memory.CoActivatedWith, res.Memory.ID):
			c.Supporting = append(c.Supporting, res)
		default:
			c.Other = append(c.Other, res)
		}
	}
	return c
}

func linkedBy(ids []string, target string) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}

// synthesize builds spec.md §4.4 step 8's one-line synthesis.
func synthesize(c Constellation) string {
	if c.Primary == nil {
		return "No memories matched this query."
	}
	title := c.Primary.Memory.CanonicalKey
	if title == "" {
		title = c.Primary.Memory.ID
	}
	parts := []string{fmt.Sprintf("Primary: %s", title)}
	parts = append(parts, fmt.Sprintf("Supported by: %d", len(c.Supporting)))
	if len(c.Contradicting) > 0 {
		parts = append(parts, fmt.Sprintf("Note: conflicts in %d", len(c.Contradicting)))
	}
	return strings.Join(parts, " | ")
}
