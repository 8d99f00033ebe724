package ingest

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/minio/highwayhash"

	"github.com/destinylab/destiny/pkg/storage"
	"github.com/destinylab/destiny/pkg/types"
)

var digestKey = make([]byte, 32)

// enhancementDigest fingerprints an enhancement by its supersession key and
// content, ignoring timestamps and provenance.
func enhancementDigest(e types.Enhancement) string {
	content, _ := json.Marshal(e.Content)
	payload := e.Key() + "\x1f" + e.RobotVersion + "\x1f" + string(content)
	sum := highwayhash.Sum([]byte(payload), digestKey)
	return hex.EncodeToString(sum[:16])
}

// tryExactDuplicate checks whether the existing reference is a superset of
// the payload: every incoming identifier tuple and enhancement digest already
// present. If so it records an EXACT_DUPLICATE decision and skips the import
// without creating identifiers or enhancements. Returns nil when the shortcut
// does not apply.
func (p *Pipeline) tryExactDuplicate(batch *types.ImportBatch, lineNo int, payload *types.ReferencePayload, existingID string) *types.ImportResult {
	existingIdents, err := p.store.ListIdentifiers(existingID)
	if err != nil {
		return failedResult(batch.ID, lineNo, "StoreUnavailable", err.Error())
	}
	tuples := make(map[string]bool, len(existingIdents))
	for _, id := range existingIdents {
		tuples[id.Tuple()] = true
	}
	for _, id := range payload.Identifiers {
		if !tuples[id.Tuple()] {
			return nil
		}
	}

	existingEnhs, err := p.store.ListEnhancements(existingID)
	if err != nil {
		return failedResult(batch.ID, lineNo, "StoreUnavailable", err.Error())
	}
	digests := make(map[string]bool, len(existingEnhs))
	for _, e := range existingEnhs {
		digests[enhancementDigest(e)] = true
	}
	for _, e := range payload.Enhancements {
		if !digests[enhancementDigest(e)] {
			return nil
		}
	}

	canonicalID, ok := p.canonicalTargetFor(existingID)
	if !ok {
		// The existing reference sits in manual review; leave the entry to
		// the normal collision path rather than wiring a decision onto it.
		return nil
	}

	now := time.Now()
	ref := &types.Reference{
		ID:         uuid.NewString(),
		Visibility: types.VisibilityHidden,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := p.store.CreateReference(ref); err != nil {
		return failedResult(batch.ID, lineNo, "StoreUnavailable", err.Error())
	}
	decision := &types.ReferenceDuplicateDecision{
		ID:                   uuid.NewString(),
		ReferenceID:          ref.ID,
		CanonicalReferenceID: canonicalID,
		Determination:        types.DeterminationExactDuplicate,
		Active:               true,
		CreatedAt:            now,
	}
	if err := p.store.PromoteDecision(decision, 0); err != nil {
		return failedResult(batch.ID, lineNo, "StoreUnavailable", err.Error())
	}
	return completedResult(batch.ID, lineNo, existingID)
}

// canonicalTargetFor resolves the canonical a duplicate of existingID should
// point at, promoting an undecided existing reference to CANONICAL first.
// Returns false when the existing reference is DECOUPLED or UNRESOLVED.
func (p *Pipeline) canonicalTargetFor(existingID string) (string, bool) {
	active, err := p.store.GetActiveDecision(existingID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", false
	}
	if active == nil {
		promoted := &types.ReferenceDuplicateDecision{
			ID:            uuid.NewString(),
			ReferenceID:   existingID,
			Determination: types.DeterminationCanonical,
			Active:        true,
			CreatedAt:     time.Now(),
		}
		if err := p.store.PromoteDecision(promoted, 0); err != nil {
			return "", false
		}
		return existingID, true
	}
	switch active.Determination {
	case types.DeterminationCanonical:
		return existingID, true
	case types.DeterminationDuplicate, types.DeterminationExactDuplicate:
		return active.CanonicalReferenceID, true
	}
	return "", false
}

// resolveCollision applies the batch's collision strategy against the single
// existing reference that owns some of the incoming identifiers.
func (p *Pipeline) resolveCollision(ctx context.Context, batch *types.ImportBatch, lineNo int, payload *types.ReferencePayload, existingID string, matches []storage.IdentifierMatch) *types.ImportResult {
	switch batch.CollisionStrategy {
	case types.CollisionFail:
		return failedResult(batch.ID, lineNo, "IdentifierCollision", collisionReason(existingID, matches))

	case types.CollisionDiscard:
		return completedResult(batch.ID, lineNo, existingID)

	case types.CollisionOverwrite, types.CollisionMergeAggressive:
		// Append every incoming enhancement; insertion order makes the
		// incoming rows the latest per key.
		return p.mergeInto(ctx, batch, lineNo, payload, existingID, payload.Enhancements)

	case types.CollisionMergeDefensive:
		existing, err := p.store.ListEnhancements(existingID)
		if err != nil {
			return failedResult(batch.ID, lineNo, "StoreUnavailable", err.Error())
		}
		present := make(map[string]bool, len(existing))
		for _, e := range existing {
			present[e.Key()] = true
		}
		var missing []types.Enhancement
		for _, e := range payload.Enhancements {
			if !present[e.Key()] {
				missing = append(missing, e)
			}
		}
		return p.mergeInto(ctx, batch, lineNo, payload, existingID, missing)
	}
	return failedResult(batch.ID, lineNo, "SchemaViolation",
		fmt.Sprintf("unknown collision strategy %q", batch.CollisionStrategy))
}

// mergeInto appends the selected enhancements and any non-colliding
// identifiers to the existing reference, then re-enqueues it for dedup.
func (p *Pipeline) mergeInto(ctx context.Context, batch *types.ImportBatch, lineNo int, payload *types.ReferencePayload, existingID string, enhs []types.Enhancement) *types.ImportResult {
	owned, err := p.store.ListIdentifiers(existingID)
	if err != nil {
		return failedResult(batch.ID, lineNo, "StoreUnavailable", err.Error())
	}
	tuples := make(map[string]bool, len(owned))
	for _, id := range owned {
		tuples[id.Tuple()] = true
	}
	var fresh []types.ExternalIdentifier
	for _, id := range payload.Identifiers {
		if !tuples[id.Tuple()] {
			fresh = append(fresh, id)
		}
	}
	if len(fresh) > 0 {
		if err := p.store.UpsertIdentifiers(existingID, fresh); err != nil {
			var collision *storage.IdentifierCollisionError
			if errors.As(err, &collision) {
				return failedResult(batch.ID, lineNo, "AmbiguousCollision",
					fmt.Sprintf("merge target %s and %v both own incoming identifiers", existingID, collision.ReferenceIDs()))
			}
			return failedResult(batch.ID, lineNo, "StoreUnavailable", err.Error())
		}
	}
	if len(enhs) > 0 {
		if err := p.store.AddEnhancements(existingID, enhs); err != nil {
			return failedResult(batch.ID, lineNo, "StoreUnavailable", err.Error())
		}
	}
	if err := p.enqueueDedup(ctx, existingID); err != nil {
		return &types.ImportResult{
			ID:            uuid.NewString(),
			BatchID:       batch.ID,
			LineNo:        lineNo,
			Status:        types.ImportResultPartiallyFailed,
			ReferenceID:   existingID,
			FailureCode:   "TaskBusUnavailable",
			FailureReason: err.Error(),
			CreatedAt:     time.Now(),
		}
	}
	return completedResult(batch.ID, lineNo, existingID)
}

// collisionReason lists the colliding tuples deterministically.
func collisionReason(existingID string, matches []storage.IdentifierMatch) string {
	var tuples []string
	for _, m := range matches {
		if m.Identifier.ReferenceID == existingID {
			tuples = append(tuples, fmt.Sprintf("%s:%s", m.Identifier.IdentifierType, m.Identifier.Identifier))
		}
	}
	sort.Strings(tuples)
	return fmt.Sprintf("identifiers %v already belong to reference %s", tuples, existingID)
}
