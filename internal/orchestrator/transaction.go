package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/elefanteai/elefante/internal/refinery"
	"github.com/elefanteai/elefante/internal/storage"
	"github.com/elefanteai/elefante/pkg/elefante"
)

// edgeRef names one created edge, for rollback bookkeeping.
type edgeRef struct {
	src, dst, edgeType string
}

// transaction tracks everything add_memory has created so far, so a
// mid-operation failure can be rolled back in reverse (spec.md §5:
// "the rollback hook SHOULD delete the vector record to preserve
// dual-store consistency; if rollback fails, the record is marked
// archived and logged for manual reconciliation").
type transaction struct {
	o *Orchestrator

	vectorInserted bool
	memoryID       string
	nodesCreated   []struct{ label, id string }
	edgesCreated   []edgeRef
}

func newTransaction(o *Orchestrator) *transaction {
	return &transaction{o: o}
}

// commit runs spec.md §4.6 step 5's sequence: vector insert, then graph
// Memory node, then concept/entity/relationship edges, then the
// action-specific cross-references, then the session binding. Any failure
// triggers rollback of everything committed so far (step 6).
func (tx *transaction) commit(ctx context.Context, candidate elefante.Memory, decision refinery.Decision, existing *elefante.Memory, enrich elefante.AgentEnrichment, sessionID string) error {
	if err := tx.insertVector(ctx, candidate); err != nil {
		return err
	}

	propsJSON, err := memoryProps(candidate)
	if err != nil {
		tx.rollback(ctx)
		return err
	}
	if err := tx.insertMemoryNode(ctx, candidate.ID, propsJSON); err != nil {
		tx.rollback(ctx)
		return err
	}

	if err := tx.linkConcepts(ctx, candidate); err != nil {
		tx.rollback(ctx)
		return err
	}

	entityIDs, err := tx.linkEntities(ctx, candidate.ID, enrich.Entities)
	if err != nil {
		tx.rollback(ctx)
		return err
	}

	if err := tx.linkRelationships(ctx, entityIDs, enrich.Relationships); err != nil {
		tx.rollback(ctx)
		return err
	}

	switch decision.Action {
	case elefante.ActionSupersede:
		if err := tx.applySupersede(ctx, candidate, existing); err != nil {
			tx.rollback(ctx)
			return err
		}
	case elefante.ActionContradict:
		if err := tx.applyContradict(ctx, candidate, existing); err != nil {
			tx.rollback(ctx)
			return err
		}
	}

	if sessionID != "" {
		if err := tx.bindSession(ctx, candidate.ID, sessionID); err != nil {
			tx.rollback(ctx)
			return err
		}
	}

	return nil
}

func (tx *transaction) insertVector(ctx context.Context, m elefante.Memory) error {
	if err := tx.o.vector.Upsert(ctx, storage.Record{Memory: m, Embedding: m.Embedding}); err != nil {
		return fmt.Errorf("orchestrator: insert vector record: %w", err)
	}
	tx.vectorInserted = true
	tx.memoryID = m.ID
	return nil
}

func (tx *transaction) insertMemoryNode(ctx context.Context, id, propsJSON string) error {
	if err := tx.o.graph.UpsertNode(ctx, "Memory", id, propsJSON); err != nil {
		return fmt.Errorf("orchestrator: insert memory node: %w", err)
	}
	tx.nodesCreated = append(tx.nodesCreated, struct{ label, id string }{"Memory", id})
	return nil
}

func (tx *transaction) linkConcepts(ctx context.Context, m elefante.Memory) error {
	for _, concept := range m.Concepts {
		id, created, err := tx.o.graph.MergeNodeByName(ctx, "Concept", concept, `{"name":"`+jsonEscape(concept)+`"}`)
		if err != nil {
			return fmt.Errorf("orchestrator: merge concept %q: %w", concept, err)
		}
		if created {
			tx.nodesCreated = append(tx.nodesCreated, struct{ label, id string }{"Concept", id})
		}
		if err := tx.o.graph.UpsertEdge(ctx, m.ID, id, string(elefante.EdgeHasConcept), ""); err != nil {
			return fmt.Errorf("orchestrator: link concept %q: %w", concept, err)
		}
		tx.edgesCreated = append(tx.edgesCreated, edgeRef{m.ID, id, string(elefante.EdgeHasConcept)})
	}
	return nil
}

func (tx *transaction) linkEntities(ctx context.Context, memoryID string, entities []elefante.EntityEnrichment) (map[string]string, error) {
	ids := make(map[string]string, len(entities))
	for _, e := range entities {
		propsJSON, err := entityProps(e.Type, e.Props)
		if err != nil {
			return nil, err
		}
		id, created, err := tx.o.graph.MergeNodeByName(ctx, "Entity", e.Name, propsJSON)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: merge entity %q: %w", e.Name, err)
		}
		if created {
			tx.nodesCreated = append(tx.nodesCreated, struct{ label, id string }{"Entity", id})
		}
		if err := tx.o.graph.UpsertEdge(ctx, memoryID, id, string(elefante.EdgeHasEntity), ""); err != nil {
			return nil, fmt.Errorf("orchestrator: link entity %q: %w", e.Name, err)
		}
		tx.edgesCreated = append(tx.edgesCreated, edgeRef{memoryID, id, string(elefante.EdgeHasEntity)})
		ids[e.Name] = id
	}
	return ids, nil
}

func (tx *transaction) linkRelationships(ctx context.Context, entityIDs map[string]string, rels []elefante.RelationshipEnrichment) error {
	for _, rel := range rels {
		srcID, ok := entityIDs[rel.FromEntityName]
		if !ok {
			return fmt.Errorf("orchestrator: relationship references unknown entity %q", rel.FromEntityName)
		}
		dstID, ok := entityIDs[rel.ToEntityName]
		if !ok {
			return fmt.Errorf("orchestrator: relationship references unknown entity %q", rel.ToEntityName)
		}
		if err := tx.o.graph.UpsertEdge(ctx, srcID, dstID, rel.Type, rel.Props); err != nil {
			return fmt.Errorf("orchestrator: link relationship %s->%s: %w", rel.FromEntityName, rel.ToEntityName, err)
		}
		tx.edgesCreated = append(tx.edgesCreated, edgeRef{srcID, dstID, rel.Type})

		if rel.Metadata.Bidirectional {
			inverse := rel.Metadata.Inverse
			if inverse == "" {
				inverse = rel.Type
			}
			if err := tx.o.graph.UpsertEdge(ctx, dstID, srcID, inverse, rel.Props); err != nil {
				return fmt.Errorf("orchestrator: link inverse relationship %s->%s: %w", rel.ToEntityName, rel.FromEntityName, err)
			}
			tx.edgesCreated = append(tx.edgesCreated, edgeRef{dstID, srcID, inverse})
		}
	}
	return nil
}

// applySupersede implements spec.md §4.6 step 5's SUPERSEDE branch: set
// cross-references, a SUPERSEDES edge, and demote the predecessor.
func (tx *transaction) applySupersede(ctx context.Context, candidate elefante.Memory, existing *elefante.Memory) error {
	if existing == nil {
		return nil
	}
	if err := tx.o.graph.UpsertEdge(ctx, candidate.ID, existing.ID, string(elefante.EdgeSupersedes), ""); err != nil {
		return fmt.Errorf("orchestrator: link supersedes edge: %w", err)
	}
	tx.edgesCreated = append(tx.edgesCreated, edgeRef{candidate.ID, existing.ID, string(elefante.EdgeSupersedes)})

	demoted := *existing
	demoted.Status = elefante.StatusSuperseded
	demoted.SupersededByID = candidate.ID
	demoted.LastModified = tx.o.now()
	return tx.persistSecondary(ctx, demoted)
}

// applyContradict implements spec.md §4.6 step 5's CONTRADICT branch:
// bidirectional CONTRADICTS edges and mirrored ConflictIDs (the field
// spec.md §4.1 names as "conflict_ids both ways") plus the Contradicts
// edge-mirror cache.
func (tx *transaction) applyContradict(ctx context.Context, candidate elefante.Memory, existing *elefante.Memory) error {
	if existing == nil {
		return nil
	}
	if err := tx.o.graph.UpsertEdge(ctx, candidate.ID, existing.ID, string(elefante.EdgeContradicts), ""); err != nil {
		return fmt.Errorf("orchestrator: link contradicts edge: %w", err)
	}
	tx.edgesCreated = append(tx.edgesCreated, edgeRef{candidate.ID, existing.ID, string(elefante.EdgeContradicts)})
	if err := tx.o.graph.UpsertEdge(ctx, existing.ID, candidate.ID, string(elefante.EdgeContradicts), ""); err != nil {
		return fmt.Errorf("orchestrator: link reverse contradicts edge: %w", err)
	}
	tx.edgesCreated = append(tx.edgesCreated, edgeRef{existing.ID, candidate.ID, string(elefante.EdgeContradicts)})

	marked := *existing
	marked.Contradicts = appendUnique(marked.Contradicts, candidate.ID)
	marked.ConflictIDs = appendUnique(marked.ConflictIDs, candidate.ID)
	marked.LastModified = tx.o.now()
	return tx.persistSecondary(ctx, marked)
}

func (tx *transaction) bindSession(ctx context.Context, memoryID, sessionID string) error {
	if err := tx.o.graph.UpsertNode(ctx, "Session", sessionID, `{"id":"`+jsonEscape(sessionID)+`"}`); err != nil {
		return fmt.Errorf("orchestrator: upsert session node: %w", err)
	}
	if err := tx.o.graph.UpsertEdge(ctx, memoryID, sessionID, string(elefante.EdgeMentionedIn), ""); err != nil {
		return fmt.Errorf("orchestrator: link session mention: %w", err)
	}
	tx.edgesCreated = append(tx.edgesCreated, edgeRef{memoryID, sessionID, string(elefante.EdgeMentionedIn)})
	return nil
}

// persistSecondary writes an update to a memory other than the one this
// transaction is inserting (the predecessor in SUPERSEDE/CONTRADICT). It is
// not itself rolled back on a later failure: spec.md §5 only requires
// dual-store consistency for the new record, and the predecessor's prior
// state remains the durable fallback if a later step fails.
func (tx *transaction) persistSecondary(ctx context.Context, m elefante.Memory) error {
	rec, ok, err := tx.o.vector.Get(ctx, m.ID)
	if err != nil {
		return err
	}
	if !ok {
		return elefante.ErrDualStoreInconsistent.WithCause(fmt.Errorf("predecessor %s missing from vector store", m.ID))
	}
	rec.Memory = m
	if err := tx.o.vector.Upsert(ctx, rec); err != nil {
		return err
	}
	propsJSON, err := memoryProps(m)
	if err != nil {
		return err
	}
	return tx.o.graph.UpsertNode(ctx, "Memory", m.ID, propsJSON)
}

// rollback implements spec.md §5's cancellation semantics: delete whatever
// this transaction created, newest first. If deleting the vector record
// itself fails, the record is marked archived and logged for
// reconciliation rather than left in an inconsistent limbo state.
func (tx *transaction) rollback(ctx context.Context) {
	for i := len(tx.edgesCreated) - 1; i >= 0; i-- {
		e := tx.edgesCreated[i]
		_ = tx.o.graph.DeleteEdge(ctx, e.src, e.dst, e.edgeType)
	}
	for i := len(tx.nodesCreated) - 1; i >= 0; i-- {
		n := tx.nodesCreated[i]
		_ = tx.o.graph.DeleteNode(ctx, n.label, n.id)
	}

	if !tx.vectorInserted {
		return
	}
	if err := tx.o.vector.Delete(ctx, tx.memoryID); err != nil {
		tx.archiveAfterFailedRollback(ctx, err)
	}
}

func (tx *transaction) archiveAfterFailedRollback(ctx context.Context, cause error) {
	rollbackErr := elefante.ErrRollbackFailed.WithCause(cause)

	rec, ok, getErr := tx.o.vector.Get(ctx, tx.memoryID)
	if getErr != nil || !ok {
		logReconciliation("%s could not be re-read for archival (%v): %v", tx.memoryID, getErr, rollbackErr)
		return
	}
	rec.Memory.Status = elefante.StatusArchived
	if err := tx.o.vector.Upsert(ctx, rec); err != nil {
		logReconciliation("%s archival upsert also failed (%v): %v", tx.memoryID, err, rollbackErr)
		return
	}
	logReconciliation("%s marked archived for manual reconciliation: %v", tx.memoryID, rollbackErr)
}

func appendUnique(list []string, id string) []string {
	for _, existing := range list {
		if existing == id {
			return list
		}
	}
	return append(list, id)
}

func jsonEscape(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}
