package dedup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/destinylab/destiny/pkg/index"
	"github.com/destinylab/destiny/pkg/storage"
	"github.com/destinylab/destiny/pkg/taskbus"
	"github.com/destinylab/destiny/pkg/types"
)

type engineRig struct {
	store  *storage.BoltStore
	ix     *index.Index
	bus    *taskbus.Bus
	engine *Engine
}

func newEngineRig(t *testing.T) *engineRig {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ix := index.New()
	ix.Start()
	t.Cleanup(ix.Stop)

	// The bus is never started: Pending() exposes what the engine enqueued.
	bus, err := taskbus.Open(filepath.Join(t.TempDir(), "tasks.db"), taskbus.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { bus.Stop() })

	engine := NewEngine(store, ix, bus, nil, nil, Config{
		TrustedIdentifierTypes: []types.IdentifierType{types.IdentifierDOI, types.IdentifierOpenAlex, types.IdentifierPMID},
		CandidateK:             25,
		AuthorSaturation:       10,
	})
	return &engineRig{store: store, ix: ix, bus: bus, engine: engine}
}

// addReference persists a reference with bibliographic metadata and returns
// its id.
func (rig *engineRig) addReference(t *testing.T, title string, authors []string, year int) string {
	t.Helper()
	id := uuid.NewString()
	require.NoError(t, rig.store.CreateReference(&types.Reference{
		ID:         id,
		Visibility: types.VisibilityPublic,
		CreatedAt:  time.Now(),
	}))
	require.NoError(t, rig.store.AddEnhancements(id, []types.Enhancement{{
		Source:          "importer",
		EnhancementType: types.EnhancementBibliographic,
		Content: types.BibliographicContent{
			Title:           title,
			Authors:         authors,
			PublicationYear: year,
		},
	}}))
	return id
}

// addCanonical persists a reference, promotes it to CANONICAL and makes it
// searchable.
func (rig *engineRig) addCanonical(t *testing.T, title string, authors []string, year int) string {
	t.Helper()
	id := rig.addReference(t, title, authors, year)
	require.NoError(t, rig.store.PromoteDecision(&types.ReferenceDuplicateDecision{
		ID:            uuid.NewString(),
		ReferenceID:   id,
		Determination: types.DeterminationCanonical,
		Active:        true,
		CreatedAt:     time.Now(),
	}, 0))
	rig.ix.Put(index.CandidateDoc{CanonicalID: id, Title: title, Authors: authors, Year: year})
	rig.ix.Refresh()
	return id
}

func (rig *engineRig) rebuildTargets(t *testing.T) map[string]bool {
	t.Helper()
	tasks, err := rig.bus.Pending()
	require.NoError(t, err)
	targets := make(map[string]bool)
	for _, task := range tasks {
		if task.Kind == types.TaskRebuildProjection {
			targets[task.Key] = true
		}
	}
	return targets
}

func TestFirstReferenceBecomesCanonical(t *testing.T) {
	rig := newEngineRig(t)
	id := rig.addReference(t, "Gut microbiota of fermented sausages", []string{"L. Rossi", "M. Bianchi"}, 2019)

	outcome, err := rig.engine.Decide(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.DeterminationCanonical, outcome.Determination)
	assert.True(t, outcome.Promoted)

	active, err := rig.store.GetActiveDecision(id)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, types.DeterminationCanonical, active.Determination)
	assert.True(t, rig.rebuildTargets(t)[id])
}

func TestDecideIsIdempotent(t *testing.T) {
	rig := newEngineRig(t)
	id := rig.addReference(t, "Gut microbiota of fermented sausages", []string{"L. Rossi"}, 2019)

	first, err := rig.engine.Decide(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, first.Promoted)

	second, err := rig.engine.Decide(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, first.Determination, second.Determination)
	assert.False(t, second.Promoted, "re-deciding an unchanged store is a no-op")

	history, err := rig.store.ListDecisionHistory(id)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestDeepDuplicateOnPunctuationVariant(t *testing.T) {
	rig := newEngineRig(t)
	canonical := rig.addCanonical(t,
		"Measurement of flavour tagging performance in proton collisions at 13 TeV",
		[]string{"ATLAS Collaboration"}, 2023)
	incoming := rig.addReference(t,
		"Measurement of flavour-tagging performance in proton collisions at 13 TeV.",
		[]string{"ATLAS Collaboration"}, 2023)

	outcome, err := rig.engine.Decide(context.Background(), incoming)
	require.NoError(t, err)
	assert.Equal(t, types.DeterminationDuplicate, outcome.Determination)
	assert.Equal(t, canonical, outcome.CanonicalID)
	assert.True(t, outcome.Promoted)

	// Both sides of the new edge get their projections rebuilt.
	targets := rig.rebuildTargets(t)
	assert.True(t, targets[canonical])
	assert.True(t, targets[incoming])
}

func TestAuthorInflationDoesNotBuyADuplicate(t *testing.T) {
	rig := newEngineRig(t)
	var collaboration []string
	for i := 0; i < 2900; i++ {
		collaboration = append(collaboration, "Member "+uuid.NewString()[:8])
	}
	collaboration = append(collaboration, "A. Wang")
	rig.addCanonical(t,
		"Combined measurement of the Higgs boson mass in the diphoton channel",
		collaboration, 2020)

	incoming := rig.addReference(t,
		"Effects of fermentation temperature on the microbiota of dry sausages",
		[]string{"A. Wang", "B. Smith"}, 2020)

	outcome, err := rig.engine.Decide(context.Background(), incoming)
	require.NoError(t, err)
	assert.Equal(t, types.DeterminationCanonical, outcome.Determination,
		"a shared author name on unrelated titles is not a duplicate")
}

func TestDerivedWorkParksUnresolved(t *testing.T) {
	rig := newEngineRig(t)
	rig.addCanonical(t, "Measurement of neutrino oscillation parameters", []string{"K. Sato"}, 2021)
	incoming := rig.addReference(t,
		"Comment on measurement of neutrino oscillation parameters", []string{"J. Doe"}, 2021)

	outcome, err := rig.engine.Decide(context.Background(), incoming)
	require.NoError(t, err)
	assert.Equal(t, types.DeterminationUnresolved, outcome.Determination)
	assert.True(t, outcome.Promoted)

	active, err := rig.store.GetActiveDecision(incoming)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, types.DeterminationUnresolved, active.Determination)
}

func TestEstablishedDuplicateNeedsManualReview(t *testing.T) {
	rig := newEngineRig(t)
	canonical := rig.addCanonical(t, "Original work", []string{"A"}, 2020)
	dup := rig.addReference(t, "A completely different title now", []string{"B"}, 2020)
	require.NoError(t, rig.store.PromoteDecision(&types.ReferenceDuplicateDecision{
		ID:                   uuid.NewString(),
		ReferenceID:          dup,
		CanonicalReferenceID: canonical,
		Determination:        types.DeterminationDuplicate,
		Active:               true,
		CreatedAt:            time.Now(),
	}, 0))

	// The engine would now call this reference canonical, which contradicts
	// the standing duplicate decision.
	outcome, err := rig.engine.Decide(context.Background(), dup)
	require.NoError(t, err)
	assert.True(t, outcome.Manual)
	assert.False(t, outcome.Promoted)
	assert.Equal(t, types.DeterminationDuplicate, outcome.Determination)

	active, err := rig.store.GetActiveDecision(dup)
	require.NoError(t, err)
	assert.Equal(t, types.DeterminationDuplicate, active.Determination)
	assert.Equal(t, canonical, active.CanonicalReferenceID)
}

func TestDecoupledIsSticky(t *testing.T) {
	rig := newEngineRig(t)
	id := rig.addReference(t, "Manually separated reference", []string{"A"}, 2020)
	require.NoError(t, rig.store.PromoteDecision(&types.ReferenceDuplicateDecision{
		ID:            uuid.NewString(),
		ReferenceID:   id,
		Determination: types.DeterminationDecoupled,
		Active:        true,
		CreatedAt:     time.Now(),
	}, 0))

	outcome, err := rig.engine.Decide(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, outcome.Manual)
	assert.Equal(t, types.DeterminationDecoupled, outcome.Determination)

	active, err := rig.store.GetActiveDecision(id)
	require.NoError(t, err)
	assert.Equal(t, types.DeterminationDecoupled, active.Determination)
}

func TestZeroCandidateBudgetSkipsDeepPhase(t *testing.T) {
	rig := newEngineRig(t)
	rig.addCanonical(t, "Same title twice", []string{"A"}, 2020)
	incoming := rig.addReference(t, "Same title twice", []string{"A"}, 2020)

	engine := NewEngine(rig.store, rig.ix, rig.bus, nil, nil, Config{
		TrustedIdentifierTypes: []types.IdentifierType{types.IdentifierDOI},
		CandidateK:             0,
	})
	outcome, err := engine.Decide(context.Background(), incoming)
	require.NoError(t, err)
	assert.Equal(t, types.DeterminationCanonical, outcome.Determination)
}

func TestDecideUnknownReference(t *testing.T) {
	rig := newEngineRig(t)
	_, err := rig.engine.Decide(context.Background(), "no-such-reference")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
