// Package refinery turns a candidate memory into a normalized, uniquely
// identifiable record and decides how it should be ingested against
// existing state (spec.md §4.1). It has no LLM dependency: every decision
// is a deterministic function of the candidate, the agent's enrichment,
// and the current active memory for the same canonical key.
package refinery

import (
	"crypto/sha256"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/elefanteai/elefante/pkg/elefante"
)

// bannedQualifierWords are low-semantic-value qualifiers the canonical-key
// generator refuses to use, per spec.md §4.1.
var bannedQualifierWords = map[string]bool{
	"really": true, "very": true, "favorite": true, "update": true, "new": true,
}

// OpposingPair is a configured pair of phrases the Refinery treats as
// expressing contradictory guidance when one side contains only one phrase
// and the other side contains only the other (e.g. "always"/"never"); see
// detectsOpposingPattern.
type OpposingPair struct {
	A, B string
}

// DefaultOpposingPairs covers the common prescriptive contradictions named
// in spec.md §4.1 ("always/never, use/avoid").
var DefaultOpposingPairs = []OpposingPair{
	{A: "always", B: "never"},
	{A: "use", B: "avoid"},
	{A: "should", B: "should not"},
	{A: "do", B: "don't"},
	{A: "enable", B: "disable"},
	{A: "prefer", B: "avoid"},
}

// DefaultStopWords is the deterministic stop-word list the concept
// extractor strips before scoring.
var DefaultStopWords = buildStopWords(
	"a an the this that these those is are was were be been being",
	"to of in on at for with by from as into over under about",
	"and or but not no nor so yet",
	"i you he she it we they my your his her its our their",
	"do does did doing done will would shall should can could may might must",
	"have has had having",
)

// DefaultTechnicalLexicon boosts domain terms that matter more than their
// raw frequency suggests when extracting concepts.
var DefaultTechnicalLexicon = buildLexicon(
	"api", "database", "config", "auth", "token", "cache", "latency",
	"concurrency", "schema", "migration", "deploy", "test", "lock",
	"embedding", "vector", "graph", "namespace", "memory", "session",
	"python", "golang", "typescript", "kubernetes", "docker",
)

func buildStopWords(groups ...string) map[string]bool {
	out := make(map[string]bool)
	for _, g := range groups {
		for _, w := range strings.Fields(g) {
			out[w] = true
		}
	}
	return out
}

func buildLexicon(words ...string) map[string]bool {
	out := make(map[string]bool, len(words))
	for _, w := range words {
		out[w] = true
	}
	return out
}

var wordPattern = regexp.MustCompile(`[A-Za-z][A-Za-z0-9_-]*`)
var sanitizePattern = regexp.MustCompile(`[^A-Za-z0-9-]+`)
var repeatedHyphen = regexp.MustCompile(`-{2,}`)

// Config customizes the deterministic rules a Refinery applies. The zero
// value is unusable; use NewDefaultConfig.
type Config struct {
	StopWords        map[string]bool
	TechnicalLexicon map[string]bool
	OpposingPairs    []OpposingPair
	TestPatterns     []*regexp.Regexp

	// ContradictConceptOverlapThreshold is the minimum Jaccard overlap
	// (spec.md §4.1: ">60%", taken inclusively — spec.md §8 scenario 3's
	// own literal example lands exactly on 0.60) required, alongside an
	// opposing-pattern match, to decide CONTRADICT instead of SUPERSEDE.
	ContradictConceptOverlapThreshold float64
}

// NewDefaultConfig returns the Refinery's default rule set.
func NewDefaultConfig() Config {
	return Config{
		StopWords:                         DefaultStopWords,
		TechnicalLexicon:                  DefaultTechnicalLexicon,
		OpposingPairs:                     DefaultOpposingPairs,
		ContradictConceptOverlapThreshold: 0.60,
	}
}

// Refinery implements canonicalization and deduplication.
type Refinery struct {
	cfg Config
}

// New creates a Refinery with the given configuration.
func New(cfg Config) *Refinery {
	return &Refinery{cfg: cfg}
}

// Normalize trims, collapses internal whitespace to single spaces, and
// normalizes line endings to "\n" (spec.md §4.1).
func Normalize(content string) string {
	s := strings.ReplaceAll(content, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	fields := strings.Fields(s)
	return strings.TrimSpace(strings.Join(fields, " "))
}

// ContentHash computes a stable hash over the normalized content.
func ContentHash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%x", sum)
}

// RouteNamespace implements the deterministic routing order from spec.md
// §4.1. ephemeralExpiresAt must be non-nil when the caller flags
// diagnostic/temporary content, or ExpiresAtRequired is returned.
func (r *Refinery) RouteNamespace(source elefante.Source, tags []string, diagnostic bool, content string, expiresAt *time.Time) (elefante.Namespace, error) {
	if source == elefante.SourceTestSuite || hasAny(tags, "test", "e2e") || r.matchesTestPattern(content) {
		return elefante.NamespaceTest, nil
	}
	if diagnostic {
		if expiresAt == nil {
			return "", elefante.ErrExpiresAtRequired
		}
		return elefante.NamespaceEphemeral, nil
	}
	return elefante.NamespaceProd, nil
}

func (r *Refinery) matchesTestPattern(content string) bool {
	for _, p := range r.cfg.TestPatterns {
		if p.MatchString(content) {
			return true
		}
	}
	return false
}

func hasAny(tags []string, candidates ...string) bool {
	set := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		set[c] = true
	}
	for _, t := range tags {
		if set[strings.ToLower(t)] {
			return true
		}
	}
	return false
}

// CanonicalKey derives the deterministic "{Subject}-{Aspect}-{Qualifier}"
// identity string for a candidate (spec.md §4.1). agentSupplied is the
// caller's proposed key, if any; it takes precedence when it sanitizes to
// a non-empty SAQ triple.
func (r *Refinery) CanonicalKey(agentSupplied string, layer elefante.Layer, sublayer string, concepts []string) (string, error) {
	if strings.TrimSpace(agentSupplied) != "" {
		key, err := sanitizeCanonicalKey(agentSupplied)
		if err != nil {
			return "", err
		}
		return key, nil
	}

	subject := subjectFromLayer(layer)
	aspect := aspectFromSublayerOrConcepts(sublayer, concepts)
	qualifier := qualifierFromConcepts(concepts)

	if subject == "" || aspect == "" || qualifier == "" {
		return "World-Fact-General", nil
	}

	key, err := sanitizeCanonicalKey(strings.Join([]string{subject, aspect, qualifier}, "-"))
	if err != nil {
		return "World-Fact-General", nil
	}
	return key, nil
}

func subjectFromLayer(layer elefante.Layer) string {
	switch layer {
	case elefante.LayerSelf:
		return "Self"
	case elefante.LayerWorld:
		return "World"
	case elefante.LayerIntent:
		return "Dev"
	default:
		return "World"
	}
}

func aspectFromSublayerOrConcepts(sublayer string, concepts []string) string {
	if strings.TrimSpace(sublayer) != "" {
		return titleCase(sublayer)
	}
	if len(concepts) > 0 {
		return titleCase(concepts[0])
	}
	return "Fact"
}

func qualifierFromConcepts(concepts []string) string {
	for _, c := range concepts {
		if !bannedQualifierWords[strings.ToLower(c)] {
			return titleCase(c)
		}
	}
	return "General"
}

func titleCase(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = []rune(strings.ToUpper(string(r[0])))[0]
	return string(r)
}

// sanitizeCanonicalKey applies spec.md §4.1's SAQ sanitization: ASCII-only,
// non-[A-Za-z0-9-] characters become "-", repeated "-" collapse, and the
// result is truncated to fit <=30 chars total while staying a 3-component
// SAQ (components are shortened evenly, never dropped).
func sanitizeCanonicalKey(raw string) (string, error) {
	cleaned := sanitizePattern.ReplaceAllString(raw, "-")
	cleaned = repeatedHyphen.ReplaceAllString(cleaned, "-")
	cleaned = strings.Trim(cleaned, "-")

	var parts []string
	for _, p := range strings.Split(cleaned, "-") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) < 3 {
		return "", elefante.ErrInvalidCanonicalKey
	}

	subject, aspect := parts[0], parts[1]
	qualifier := strings.Join(parts[2:], "-")

	key := strings.Join([]string{subject, aspect, qualifier}, "-")
	if len(key) > 30 {
		key = truncateSAQ(subject, aspect, qualifier)
	}
	if key == "" {
		return "", elefante.ErrInvalidCanonicalKey
	}
	return key, nil
}

// truncateSAQ clips each of the three components to the same cap (9
// characters) so the joined key fits in 30 characters including its two
// hyphen separators.
func truncateSAQ(subject, aspect, qualifier string) string {
	const maxTotal = 30
	budget := maxTotal - 2 // two "-" separators
	each := budget / 3
	if each < 1 {
		each = 1
	}
	clip := func(s string) string {
		if len(s) > each {
			return s[:each]
		}
		return s
	}
	subject, aspect, qualifier = clip(subject), clip(aspect), clip(qualifier)
	key := strings.Join([]string{subject, aspect, qualifier}, "-")
	if len(key) > maxTotal {
		key = key[:maxTotal]
		key = strings.Trim(key, "-")
	}
	return key
}

// ExtractConcepts deterministically extracts up to 5 normalized keywords
// (fewer when the content has fewer distinct non-stop words):
// strip stop words, boost technical terms from the configured lexicon,
// weight early-position words higher, return the top 5 lowercased tokens
// (spec.md §4.1).
func (r *Refinery) ExtractConcepts(content string) []string {
	words := wordPattern.FindAllString(content, -1)

	type scored struct {
		word  string
		score float64
	}

	seen := make(map[string]bool)
	var candidates []scored
	for i, w := range words {
		lw := strings.ToLower(w)
		if len(lw) < 3 || r.cfg.StopWords[lw] || seen[lw] {
			continue
		}
		seen[lw] = true

		positionWeight := 1.0 / float64(i+1)
		score := positionWeight
		if r.cfg.TechnicalLexicon[lw] {
			score += 1.0
		}
		candidates = append(candidates, scored{word: lw, score: score})
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	n := len(candidates)
	if n > 5 {
		n = 5
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, candidates[i].word)
	}
	return out
}

// InferSurfacesWhen synthesizes query patterns from content markers for
// each concept (spec.md §4.1).
func (r *Refinery) InferSurfacesWhen(content string, concepts []string) []string {
	lower := strings.ToLower(content)

	var patterns []string
	for _, c := range concepts {
		if strings.Contains(lower, "error") {
			patterns = append(patterns, c+" error", c+" problem")
		}
		if strings.Contains(lower, "always") || strings.Contains(lower, "never") || strings.Contains(lower, "must") {
			patterns = append(patterns, c+" best practice", "how to "+c)
		}
		if strings.Contains(lower, "config") || strings.Contains(lower, "setup") {
			patterns = append(patterns, c+" setup")
		}
	}
	return patterns
}

// AuthorityScore computes spec.md §4.1's composite authority formula,
// clamped to [0,1].
func AuthorityScore(importance, accessCount int, ageDays, daysSinceLastAccess float64) float64 {
	importanceTerm := 0.35 * (float64(importance) / 10.0)
	usageTerm := 0.25 * math.Min(math.Log(1+float64(accessCount))/math.Log(51), 1.0)
	freshnessTerm := 0.20 * math.Exp(-0.007*ageDays)
	recencyTerm := 0.20 * math.Exp(-0.05*daysSinceLastAccess)

	score := importanceTerm + usageTerm + freshnessTerm + recencyTerm
	return clamp01(score)
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

// Decision is the Refinery's verdict for a candidate against the current
// active memory (nil if none exists) for the same (namespace, canonical_key).
type Decision struct {
	Action           elefante.IngestAction
	ConceptOverlap   float64
	OpposingDetected bool
}

// DecideAction implements spec.md §4.1's action-decision table.
func (r *Refinery) DecideAction(existing *elefante.Memory, candidateHash, candidateContent string, candidateConcepts []string) Decision {
	if existing == nil {
		return Decision{Action: elefante.ActionAdd}
	}
	if existing.ContentHash == candidateHash {
		return Decision{Action: elefante.ActionReinforce}
	}

	overlap := jaccard(existing.Concepts, candidateConcepts)
	opposing := r.detectsOpposingPattern(existing.Content, candidateContent)

	if opposing && overlap >= r.cfg.ContradictConceptOverlapThreshold {
		return Decision{Action: elefante.ActionContradict, ConceptOverlap: overlap, OpposingDetected: true}
	}
	return Decision{Action: elefante.ActionSupersede, ConceptOverlap: overlap, OpposingDetected: opposing}
}

// detectsOpposingPattern requires a polarity flip, not mere co-occurrence:
// a candidate that keeps A's marker and adds an unrelated clause carrying the
// opposing marker (spec.md §8 scenario 2: both say "always use absolute
// paths", B separately adds "never `python` bare") is a SUPERSEDE, not a
// CONTRADICT. Only when one side has the A-marker and lacks the B-marker
// while the other has the B-marker and lacks the A-marker do we treat the
// pair as the same directive flipping sides (spec.md §8 scenario 3:
// "always use relative paths" vs "never use relative paths").
func (r *Refinery) detectsOpposingPattern(a, b string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	for _, pair := range r.cfg.OpposingPairs {
		aHasA, aHasB := strings.Contains(la, pair.A), strings.Contains(la, pair.B)
		bHasA, bHasB := strings.Contains(lb, pair.A), strings.Contains(lb, pair.B)

		if aHasA && !aHasB && bHasB && !bHasA {
			return true
		}
		if aHasB && !aHasA && bHasA && !bHasB {
			return true
		}
	}
	return false
}

// ConceptOverlap is the exported Jaccard overlap between two concept lists,
// reused by the CognitiveRetriever for spec.md §4.4's s_concept signal so
// both write-time contradiction detection and read-time scoring share one
// implementation.
func ConceptOverlap(a, b []string) float64 {
	return jaccard(a, b)
}

// jaccard returns |a ∩ b| / |a ∪ b|; 0 if either side is empty.
func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(a))
	for _, v := range a {
		setA[v] = true
	}
	setB := make(map[string]bool, len(b))
	for _, v := range b {
		setB[v] = true
	}

	intersection := 0
	union := make(map[string]bool, len(setA)+len(setB))
	for v := range setA {
		union[v] = true
		if setB[v] {
			intersection++
		}
	}
	for v := range setB {
		union[v] = true
	}
	if len(union) == 0 {
		return 0
	}
	return float64(intersection) / float64(len(union))
}
