package dedup

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/destinylab/destiny/pkg/events"
	"github.com/destinylab/destiny/pkg/metrics"
	"github.com/destinylab/destiny/pkg/storage"
	"github.com/destinylab/destiny/pkg/types"
)

// resolve is phase 4: reconcile the proposal with the current active
// decision and promote transactionally.
func (e *Engine) resolve(referenceID string, prop *proposal, logger zerolog.Logger) (*Outcome, error) {
	active, err := e.store.GetActiveDecision(referenceID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	proposed := &types.ReferenceDuplicateDecision{
		ID:                   uuid.NewString(),
		ReferenceID:          referenceID,
		CanonicalReferenceID: prop.canonicalID,
		Determination:        prop.determination,
		Active:               true,
		CreatedAt:            time.Now(),
	}

	if active != nil {
		if active.Equivalent(proposed) {
			return &Outcome{Determination: active.Determination, CanonicalID: active.CanonicalReferenceID}, nil
		}
		if manual, reason := e.needsManualReview(active, prop); manual {
			logger.Warn().
				Str("active", string(active.Determination)).
				Str("proposed", string(prop.determination)).
				Msg("Decision conflict needs manual review: " + reason)
			return &Outcome{Determination: active.Determination, CanonicalID: active.CanonicalReferenceID, Manual: true}, nil
		}
	}

	outcome, err := e.promoteWithRetry(proposed, logger)
	if err != nil || !outcome.Promoted {
		return outcome, err
	}

	e.pullIn(referenceID, prop, logger)
	e.enqueueRebuilds(referenceID, active, proposed, logger)
	e.publish(proposed)
	return outcome, nil
}

// needsManualReview applies the conflict rows of the action table: an
// established duplicate never silently becomes canonical or switches
// canonicals, and a DECOUPLED reference stays decoupled.
func (e *Engine) needsManualReview(active *types.ReferenceDuplicateDecision, prop *proposal) (bool, string) {
	switch {
	case active.Determination == types.DeterminationDecoupled:
		return true, "reference was manually decoupled"
	case active.Determination.PointsToCanonical() && prop.determination == types.DeterminationCanonical:
		return true, "demoting a duplicate to canonical"
	case active.Determination.PointsToCanonical() && prop.determination == types.DeterminationDuplicate &&
		active.CanonicalReferenceID != prop.canonicalID:
		return true, "moving a duplicate between canonicals"
	}
	return false, ""
}

// promoteWithRetry promotes under optimistic concurrency. Stale versions are
// retried a bounded number of times; graph violations and exhausted retries
// degrade to an UNRESOLVED promotion.
func (e *Engine) promoteWithRetry(d *types.ReferenceDuplicateDecision, logger zerolog.Logger) (*Outcome, error) {
	for attempt := 0; attempt < e.cfg.MaxPromoteRetries; attempt++ {
		active, err := e.store.GetActiveDecision(d.ReferenceID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		var expected uint64
		if active != nil {
			if active.Equivalent(d) {
				return &Outcome{Determination: active.Determination, CanonicalID: active.CanonicalReferenceID}, nil
			}
			expected = active.Version
		}

		err = e.store.PromoteDecision(d, expected)
		if err == nil {
			metrics.DecisionsTotal.WithLabelValues(string(d.Determination)).Inc()
			logger.Info().
				Str("determination", string(d.Determination)).
				Str("canonical_id", d.CanonicalReferenceID).
				Msg("Promoted duplicate decision")
			return &Outcome{Determination: d.Determination, CanonicalID: d.CanonicalReferenceID, Promoted: true}, nil
		}
		if errors.Is(err, storage.ErrDecisionStale) {
			metrics.DecisionRetries.Inc()
			continue
		}
		var graph *storage.DecisionGraphError
		if errors.As(err, &graph) {
			logger.Error().Err(err).Msg("Promotion would corrupt the decision graph")
			return e.degradeToUnresolved(d.ReferenceID, logger)
		}
		return nil, err
	}
	logger.Warn().Msg("Decision promotion lost every optimistic retry")
	return e.degradeToUnresolved(d.ReferenceID, logger)
}

// degradeToUnresolved parks the reference for manual review. Best effort: if
// even this promotion loses the race, the outcome is still reported as
// unresolved without an active row change.
func (e *Engine) degradeToUnresolved(referenceID string, logger zerolog.Logger) (*Outcome, error) {
	active, err := e.store.GetActiveDecision(referenceID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	var expected uint64
	if active != nil {
		if active.Determination == types.DeterminationUnresolved {
			return &Outcome{Determination: types.DeterminationUnresolved, Manual: true}, nil
		}
		expected = active.Version
	}
	d := &types.ReferenceDuplicateDecision{
		ID:            uuid.NewString(),
		ReferenceID:   referenceID,
		Determination: types.DeterminationUnresolved,
		Active:        true,
		CreatedAt:     time.Now(),
	}
	if err := e.store.PromoteDecision(d, expected); err != nil {
		logger.Warn().Err(err).Msg("Could not park reference as unresolved")
		return &Outcome{Determination: types.DeterminationUnresolved, Manual: true}, nil
	}
	metrics.DecisionsTotal.WithLabelValues(string(types.DeterminationUnresolved)).Inc()
	e.publish(d)
	return &Outcome{Determination: types.DeterminationUnresolved, Promoted: true, Manual: true}, nil
}

// pullIn promotes undecided group members alongside the main decision.
// Losing a race here is fine: the winner made its own decision.
func (e *Engine) pullIn(referenceID string, prop *proposal, logger zerolog.Logger) {
	if len(prop.pullIns) == 0 {
		return
	}
	// Pull-ins of a DUPLICATE proposal share its canonical; pull-ins of a
	// CANONICAL proposal point at the proposer itself.
	canonical := prop.canonicalID
	if prop.determination == types.DeterminationCanonical {
		canonical = referenceID
	}
	for _, other := range prop.pullIns {
		d := &types.ReferenceDuplicateDecision{
			ID:                   uuid.NewString(),
			ReferenceID:          other,
			CanonicalReferenceID: canonical,
			Determination:        types.DeterminationDuplicate,
			Active:               true,
			CreatedAt:            time.Now(),
		}
		if err := e.store.PromoteDecision(d, 0); err != nil {
			logger.Debug().Str("pulled_in", other).Err(err).Msg("Pull-in promotion skipped")
			continue
		}
		metrics.DecisionsTotal.WithLabelValues(string(types.DeterminationDuplicate)).Inc()
	}
}

// enqueueRebuilds schedules projection rebuilds for every canonical whose
// group changed shape.
func (e *Engine) enqueueRebuilds(referenceID string, previous, promoted *types.ReferenceDuplicateDecision, logger zerolog.Logger) {
	affected := make(map[string]bool)
	switch promoted.Determination {
	case types.DeterminationCanonical:
		affected[referenceID] = true
	case types.DeterminationDuplicate, types.DeterminationExactDuplicate:
		affected[promoted.CanonicalReferenceID] = true
		// The reference may have had its own projection before joining a
		// group; rebuilding it tears that projection down.
		affected[referenceID] = true
	case types.DeterminationUnresolved, types.DeterminationDecoupled:
		affected[referenceID] = true
	}
	if previous != nil && previous.Determination.PointsToCanonical() {
		affected[previous.CanonicalReferenceID] = true
	}

	for _, canonical := range sortedKeys(affected) {
		_, err := e.bus.Enqueue(context.Background(), types.TaskRebuildProjection, canonical,
			types.RebuildProjectionTask{CanonicalID: canonical})
		if err != nil {
			logger.Error().Str("canonical_id", canonical).Err(err).Msg("Failed to enqueue projection rebuild")
		}
	}
}

func (e *Engine) publish(d *types.ReferenceDuplicateDecision) {
	if e.broker == nil {
		return
	}
	eventType := events.EventDecisionPromoted
	if d.Determination == types.DeterminationUnresolved {
		eventType = events.EventDecisionUnresolved
	}
	e.broker.Publish(&events.Event{
		ID:   uuid.NewString(),
		Type: eventType,
		Metadata: map[string]string{
			"reference_id":  d.ReferenceID,
			"determination": string(d.Determination),
			"canonical_id":  d.CanonicalReferenceID,
		},
	})
}
