package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/destinylab/destiny/pkg/events"
	"github.com/destinylab/destiny/pkg/index"
	"github.com/destinylab/destiny/pkg/log"
	"github.com/destinylab/destiny/pkg/metrics"
	"github.com/destinylab/destiny/pkg/storage"
	"github.com/destinylab/destiny/pkg/taskbus"
	"github.com/destinylab/destiny/pkg/types"
)

// Notifier receives the outcome of projection rebuilds. The automation
// dispatcher implements it to percolate changed references against stored
// queries.
type Notifier interface {
	ProjectionRebuilt(p *types.DeduplicatedReferenceProjection, changeset []types.Enhancement)
	ProjectionRemoved(canonicalID string)
}

const defaultCacheSize = 1024

// Builder folds a canonical reference and its duplicates into the
// deduplicated projection, persists it, and keeps the search index in step.
type Builder struct {
	store    storage.Store
	ix       *index.Index
	broker   *events.Broker
	notifier Notifier
	cache    *lru.Cache[string, *types.DeduplicatedReferenceProjection]
}

// NewBuilder wires a builder. broker and notifier may be nil. cacheSize <= 0
// uses the default.
func NewBuilder(store storage.Store, ix *index.Index, broker *events.Broker, notifier Notifier, cacheSize int) (*Builder, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, *types.DeduplicatedReferenceProjection](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Builder{store: store, ix: ix, broker: broker, notifier: notifier, cache: cache}, nil
}

// HandleTask is the task bus handler for projection rebuild tasks.
func (b *Builder) HandleTask(ctx context.Context, task *taskbus.Task) error {
	var payload types.RebuildProjectionTask
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("bad rebuild task payload: %w", err)
	}
	_, err := b.Build(ctx, payload.CanonicalID)
	return err
}

// Get returns the projection for a canonical id, serving from the cache when
// possible.
func (b *Builder) Get(canonicalID string) (*types.DeduplicatedReferenceProjection, error) {
	if p, ok := b.cache.Get(canonicalID); ok {
		return p, nil
	}
	p, err := b.store.GetProjection(canonicalID)
	if err != nil {
		return nil, err
	}
	b.cache.Add(canonicalID, p)
	return p, nil
}

// WarmIndex loads every persisted projection into the search index. Called
// once at startup; the index holds no state across restarts.
func (b *Builder) WarmIndex() error {
	projections, err := b.store.ListProjections()
	if err != nil {
		return err
	}
	for _, p := range projections {
		b.ix.Put(candidateDoc(p))
	}
	b.ix.Refresh()
	return nil
}

// Build recomputes the projection for canonicalID from the decision graph.
// References that are no longer canonical, or no longer visible, have their
// projection torn down instead. Build is idempotent: rebuilding an unchanged
// group produces an empty changeset and notifies nobody.
func (b *Builder) Build(ctx context.Context, canonicalID string) (*types.DeduplicatedReferenceProjection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := log.WithReferenceID(canonicalID)

	ref, err := b.store.GetReference(canonicalID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, b.remove(canonicalID, logger)
	}
	if err != nil {
		return nil, err
	}

	active, err := b.store.GetActiveDecision(canonicalID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if active == nil || active.Determination != types.DeterminationCanonical ||
		ref.Visibility == types.VisibilityHidden {
		return nil, b.remove(canonicalID, logger)
	}

	members, err := b.visibleMembers(canonicalID, ref)
	if err != nil {
		return nil, err
	}

	projection := &types.DeduplicatedReferenceProjection{
		CanonicalID:   canonicalID,
		Visibility:    ref.Visibility,
		DecisionEpoch: active.Version,
		RebuiltAt:     time.Now(),
	}
	for _, m := range members {
		if m != canonicalID {
			projection.DuplicateIDs = append(projection.DuplicateIDs, m)
		}
	}

	if err := b.foldIdentifiers(projection, members); err != nil {
		return nil, err
	}
	if err := b.foldEnhancements(projection, members); err != nil {
		return nil, err
	}

	previous, err := b.store.GetProjection(canonicalID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	changeset := diffEnhancements(previous, projection)

	if err := b.store.PutProjection(projection); err != nil {
		return nil, err
	}
	b.cache.Add(canonicalID, projection)
	b.ix.Put(candidateDoc(projection))
	metrics.ProjectionRebuilds.Inc()
	logger.Debug().
		Int("duplicates", len(projection.DuplicateIDs)).
		Int("changed", len(changeset)).
		Msg("Rebuilt deduplicated projection")

	if len(changeset) > 0 {
		b.publish(events.EventProjectionRebuilt, canonicalID)
		if b.notifier != nil {
			b.notifier.ProjectionRebuilt(projection, changeset)
		}
	}
	return projection, nil
}

// visibleMembers returns the canonical followed by its visible duplicates in
// sorted order. Hidden duplicates contribute nothing to the projection.
func (b *Builder) visibleMembers(canonicalID string, canonical *types.Reference) ([]string, error) {
	duplicates, err := b.store.ListDuplicatesOf(canonicalID)
	if err != nil {
		return nil, err
	}
	sort.Strings(duplicates)

	members := []string{canonicalID}
	for _, id := range duplicates {
		ref, err := b.store.GetReference(id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if ref.Visibility == types.VisibilityHidden {
			continue
		}
		members = append(members, id)
	}
	return members, nil
}

// foldIdentifiers collects the identifier union of the group. Tuples are
// globally unique so there is nothing to deduplicate, but the output is
// sorted for stable comparisons. Each identifier keeps its source
// reference_id.
func (b *Builder) foldIdentifiers(p *types.DeduplicatedReferenceProjection, members []string) error {
	for _, member := range members {
		ids, err := b.store.ListIdentifiers(member)
		if err != nil {
			return err
		}
		p.Identifiers = append(p.Identifiers, ids...)
	}
	sort.Slice(p.Identifiers, func(i, j int) bool {
		return p.Identifiers[i].Tuple() < p.Identifiers[j].Tuple()
	})
	return nil
}

// foldEnhancements keeps the latest enhancement per (source, type) across the
// group. Newer UpdatedAt wins; on equal timestamps the canonical's row beats
// a duplicate's, and otherwise the earlier member in sorted order wins, so
// the fold is deterministic regardless of rebuild timing.
func (b *Builder) foldEnhancements(p *types.DeduplicatedReferenceProjection, members []string) error {
	type slot struct {
		enh  types.Enhancement
		rank int
	}
	latest := make(map[string]slot)
	order := []string{}
	for rank, member := range members {
		enhs, err := b.store.ListEnhancements(member)
		if err != nil {
			return err
		}
		for _, enh := range enhs {
			key := enh.Key()
			cur, ok := latest[key]
			if !ok {
				latest[key] = slot{enh: enh, rank: rank}
				order = append(order, key)
				continue
			}
			switch {
			case enh.UpdatedAt.After(cur.enh.UpdatedAt):
				latest[key] = slot{enh: enh, rank: rank}
			case enh.UpdatedAt.Equal(cur.enh.UpdatedAt) && rank < cur.rank:
				latest[key] = slot{enh: enh, rank: rank}
			}
		}
	}
	sort.Strings(order)
	for _, key := range order {
		p.Enhancements = append(p.Enhancements, latest[key].enh)
	}
	return nil
}

// diffEnhancements returns the enhancements of next that are new or changed
// relative to previous. A nil previous makes everything new.
func diffEnhancements(previous, next *types.DeduplicatedReferenceProjection) []types.Enhancement {
	known := make(map[string]string)
	if previous != nil {
		for _, enh := range previous.Enhancements {
			known[enh.Key()] = enhancementFingerprint(enh)
		}
	}
	var changed []types.Enhancement
	for _, enh := range next.Enhancements {
		if known[enh.Key()] != enhancementFingerprint(enh) {
			changed = append(changed, enh)
		}
	}
	return changed
}

func enhancementFingerprint(enh types.Enhancement) string {
	data, err := json.Marshal(enh)
	if err != nil {
		return ""
	}
	return string(data)
}

// remove tears down the projection and its index document. Removing an
// absent projection is a no-op.
func (b *Builder) remove(canonicalID string, logger zerolog.Logger) error {
	_, err := b.store.GetProjection(canonicalID)
	if errors.Is(err, storage.ErrNotFound) {
		b.cache.Remove(canonicalID)
		b.ix.Delete(canonicalID)
		return nil
	}
	if err != nil {
		return err
	}
	if err := b.store.DeleteProjection(canonicalID); err != nil {
		return err
	}
	b.cache.Remove(canonicalID)
	b.ix.Delete(canonicalID)
	logger.Debug().Msg("Removed deduplicated projection")
	b.publish(events.EventProjectionRemoved, canonicalID)
	if b.notifier != nil {
		b.notifier.ProjectionRemoved(canonicalID)
	}
	return nil
}

func (b *Builder) publish(eventType events.EventType, canonicalID string) {
	if b.broker == nil {
		return
	}
	b.broker.Publish(&events.Event{
		ID:       uuid.NewString(),
		Type:     eventType,
		Metadata: map[string]string{"canonical_id": canonicalID},
	})
}

func candidateDoc(p *types.DeduplicatedReferenceProjection) index.CandidateDoc {
	return index.CandidateDoc{
		CanonicalID: p.CanonicalID,
		Title:       p.Title(),
		Authors:     p.Authors(),
		Year:        p.PublicationYear(),
		Abstract:    p.Abstract(),
	}
}
