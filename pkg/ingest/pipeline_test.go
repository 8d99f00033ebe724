package ingest

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/destinylab/destiny/pkg/blob"
	"github.com/destinylab/destiny/pkg/storage"
	"github.com/destinylab/destiny/pkg/taskbus"
	"github.com/destinylab/destiny/pkg/types"
)

type testRig struct {
	store    storage.Store
	pipeline *Pipeline
	bus      *taskbus.Bus
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	blobs, err := blob.NewStore(blob.Config{
		Root:       filepath.Join(dir, "blobs"),
		SigningKey: []byte("test-key"),
		BaseURL:    "http://localhost:8550",
	})
	require.NoError(t, err)

	// The bus is never started: enqueued tasks stay queued for inspection.
	bus, err := taskbus.Open(filepath.Join(dir, "tasks.db"), taskbus.Options{})
	require.NoError(t, err)
	t.Cleanup(bus.Stop)

	return &testRig{
		store:    store,
		pipeline: NewPipeline(store, blobs, bus, 4),
		bus:      bus,
	}
}

func (r *testRig) importJSONL(t *testing.T, strategy types.CollisionStrategy, lines ...string) *types.ImportBatch {
	t.Helper()
	batch, err := r.pipeline.Submit(context.Background(), "", strategy, []byte(strings.Join(lines, "\n")))
	require.NoError(t, err)
	require.NoError(t, r.pipeline.ProcessBatch(context.Background(), batch.ID))
	updated, err := r.store.GetImportBatch(batch.ID)
	require.NoError(t, err)
	return updated
}

func (r *testRig) results(t *testing.T, batchID string) map[int]*types.ImportResult {
	t.Helper()
	list, err := r.store.ListImportResults(batchID)
	require.NoError(t, err)
	out := make(map[int]*types.ImportResult, len(list))
	for _, res := range list {
		out[res.LineNo] = res
	}
	return out
}

const refLine = `{"identifiers":[{"identifier_type":"doi","identifier":"10.1234/x"},{"identifier_type":"pm_id","identifier":987654}],` +
	`"enhancements":[{"source":"manual","enhancement_type":"abstract","content":{"text":"A"}}]}`

func TestImportNewReference(t *testing.T) {
	rig := newTestRig(t)

	batch := rig.importJSONL(t, types.CollisionFail, refLine)
	assert.Equal(t, types.ImportBatchCompleted, batch.Status)
	assert.False(t, batch.CompletedAt.IsZero())

	results := rig.results(t, batch.ID)
	require.Len(t, results, 1)
	res := results[1]
	require.Equal(t, types.ImportResultCompleted, res.Status)
	require.NotEmpty(t, res.ReferenceID)

	idents, err := rig.store.ListIdentifiers(res.ReferenceID)
	require.NoError(t, err)
	assert.Len(t, idents, 2)

	enhs, err := rig.store.ListEnhancements(res.ReferenceID)
	require.NoError(t, err)
	require.Len(t, enhs, 1)
	assert.Equal(t, types.EnhancementAbstract, enhs[0].EnhancementType)

	// A dedup task was enqueued for the new reference.
	pending, err := rig.bus.Pending()
	require.NoError(t, err)
	var kinds []string
	for _, task := range pending {
		kinds = append(kinds, task.Kind)
	}
	assert.Contains(t, kinds, types.TaskDedupReference)
}

func TestCollisionFail(t *testing.T) {
	rig := newTestRig(t)

	first := rig.importJSONL(t, types.CollisionFail, refLine)
	existing := rig.results(t, first.ID)[1].ReferenceID

	// Same DOI, different pm_id: a collision, not an exact duplicate.
	second := rig.importJSONL(t, types.CollisionFail,
		`{"identifiers":[{"identifier_type":"doi","identifier":"10.1234/x"},{"identifier_type":"pm_id","identifier":123456}]}`)
	res := rig.results(t, second.ID)[1]

	require.Equal(t, types.ImportResultFailed, res.Status)
	assert.Equal(t, "IdentifierCollision", res.FailureCode)
	assert.Contains(t, res.FailureReason, existing)

	// The original keeps both identifiers, nothing new was added.
	idents, err := rig.store.ListIdentifiers(existing)
	require.NoError(t, err)
	assert.Len(t, idents, 2)
}

func TestLosingConcurrentInsertLeavesNoOrphan(t *testing.T) {
	rig := newTestRig(t)
	rig.importJSONL(t, types.CollisionFail, refLine)

	before, err := rig.store.ListReferences()
	require.NoError(t, err)

	// Drive the insert path directly, as if another entry claimed the DOI
	// between the pre-check and the write.
	batch := &types.ImportBatch{ID: "batch-race", CollisionStrategy: types.CollisionFail}
	payload := &types.ReferencePayload{Identifiers: []types.ExternalIdentifier{
		{IdentifierType: types.IdentifierDOI, Identifier: "10.1234/x"},
	}}
	res := rig.pipeline.persistNew(context.Background(), batch, 1, payload)
	assert.Equal(t, types.ImportResultFailed, res.Status)
	assert.Equal(t, "IdentifierCollision", res.FailureCode)

	after, err := rig.store.ListReferences()
	require.NoError(t, err)
	assert.Len(t, after, len(before), "the losing insert must roll back its reference")
}

func TestMergeAggressiveSupersedesAbstract(t *testing.T) {
	rig := newTestRig(t)

	first := rig.importJSONL(t, types.CollisionFail, refLine)
	existing := rig.results(t, first.ID)[1].ReferenceID

	second := rig.importJSONL(t, types.CollisionMergeAggressive,
		`{"identifiers":[{"identifier_type":"doi","identifier":"10.1234/x"},{"identifier_type":"pm_id","identifier":987654}],`+
			`"enhancements":[{"source":"manual","enhancement_type":"abstract","content":{"text":"B"}},`+
			`{"source":"manual","enhancement_type":"annotation","content":{"scheme":"topic","label":"physics"}}]}`)
	res := rig.results(t, second.ID)[1]
	require.Equal(t, types.ImportResultCompleted, res.Status)
	assert.Equal(t, existing, res.ReferenceID)

	enhs, err := rig.store.ListEnhancements(existing)
	require.NoError(t, err)
	// Historical "A" remains; the latest abstract per (source, type) is "B".
	var abstracts []string
	for _, e := range enhs {
		if e.EnhancementType == types.EnhancementAbstract {
			abstracts = append(abstracts, e.Content.(types.AbstractContent).Text)
		}
	}
	assert.Equal(t, []string{"A", "B"}, abstracts)
}

func TestMergeDefensiveKeepsExistingKeys(t *testing.T) {
	rig := newTestRig(t)

	first := rig.importJSONL(t, types.CollisionFail, refLine)
	existing := rig.results(t, first.ID)[1].ReferenceID

	second := rig.importJSONL(t, types.CollisionMergeDefensive,
		`{"identifiers":[{"identifier_type":"doi","identifier":"10.1234/x"}],`+
			`"enhancements":[{"source":"manual","enhancement_type":"abstract","content":{"text":"B"}},`+
			`{"source":"manual","enhancement_type":"annotation","content":{"scheme":"topic","label":"physics"}}]}`)
	res := rig.results(t, second.ID)[1]
	require.Equal(t, types.ImportResultCompleted, res.Status)

	enhs, err := rig.store.ListEnhancements(existing)
	require.NoError(t, err)
	var abstracts, annotations int
	for _, e := range enhs {
		switch e.EnhancementType {
		case types.EnhancementAbstract:
			abstracts++
			assert.Equal(t, "A", e.Content.(types.AbstractContent).Text)
		case types.EnhancementAnnotation:
			annotations++
		}
	}
	assert.Equal(t, 1, abstracts, "existing abstract key is kept")
	assert.Equal(t, 1, annotations, "missing key is added")
}

func TestDiscardLeavesExistingUntouched(t *testing.T) {
	rig := newTestRig(t)

	first := rig.importJSONL(t, types.CollisionFail, refLine)
	existing := rig.results(t, first.ID)[1].ReferenceID

	second := rig.importJSONL(t, types.CollisionDiscard,
		`{"identifiers":[{"identifier_type":"doi","identifier":"10.1234/x"}],`+
			`"enhancements":[{"source":"manual","enhancement_type":"abstract","content":{"text":"B"}}]}`)
	res := rig.results(t, second.ID)[1]

	require.Equal(t, types.ImportResultCompleted, res.Status)
	assert.Equal(t, existing, res.ReferenceID)

	enhs, err := rig.store.ListEnhancements(existing)
	require.NoError(t, err)
	assert.Len(t, enhs, 1)
}

func TestExactDuplicateShortcut(t *testing.T) {
	rig := newTestRig(t)

	first := rig.importJSONL(t, types.CollisionFail, refLine)
	existing := rig.results(t, first.ID)[1].ReferenceID

	// Identical payload under fail strategy: the shortcut fires before the
	// collision strategy is consulted.
	second := rig.importJSONL(t, types.CollisionFail, refLine)
	res := rig.results(t, second.ID)[1]

	require.Equal(t, types.ImportResultCompleted, res.Status)
	assert.Equal(t, existing, res.ReferenceID)

	// No new identifiers or enhancements were created.
	idents, err := rig.store.ListIdentifiers(existing)
	require.NoError(t, err)
	assert.Len(t, idents, 2)
	enhs, err := rig.store.ListEnhancements(existing)
	require.NoError(t, err)
	assert.Len(t, enhs, 1)

	// The existing reference became canonical with an exact duplicate
	// attached.
	active, err := rig.store.GetActiveDecision(existing)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, types.DeterminationCanonical, active.Determination)

	dups, err := rig.store.ListDuplicatesOf(existing)
	require.NoError(t, err)
	assert.Len(t, dups, 1)
}

func TestMalformedAndInvalidLines(t *testing.T) {
	rig := newTestRig(t)

	batch := rig.importJSONL(t, types.CollisionFail,
		refLine,
		"this is not json",
		`{"identifiers":[]}`,
		`{"identifiers":[{"identifier_type":"isbn","identifier":"x"}]}`,
	)
	assert.Equal(t, types.ImportBatchCompleted, batch.Status)

	results := rig.results(t, batch.ID)
	require.Len(t, results, 4)
	assert.Equal(t, types.ImportResultCompleted, results[1].Status)
	assert.Equal(t, types.ImportResultFailed, results[2].Status)
	assert.Equal(t, "ParseError", results[2].FailureCode)
	assert.Equal(t, types.ImportResultFailed, results[3].Status)
	assert.Equal(t, "SchemaViolation", results[3].FailureCode)
	assert.Equal(t, types.ImportResultFailed, results[4].Status)
	assert.Equal(t, "UnknownIdentifierType", results[4].FailureCode)
}

func TestReprocessSkipsSettledLines(t *testing.T) {
	rig := newTestRig(t)

	batch := rig.importJSONL(t, types.CollisionFail, refLine)
	results := rig.results(t, batch.ID)
	firstRef := results[1].ReferenceID

	// Redelivery of the completed batch is a no-op.
	require.NoError(t, rig.pipeline.ProcessBatch(context.Background(), batch.ID))

	// Force the batch back to started and reprocess: settled lines keep
	// their original result.
	batch.Status = types.ImportBatchStarted
	batch.CompletedAt = time.Time{}
	require.NoError(t, rig.store.UpdateImportBatch(batch))
	require.NoError(t, rig.pipeline.ProcessBatch(context.Background(), batch.ID))

	after := rig.results(t, batch.ID)
	require.Len(t, after, 1)
	assert.Equal(t, firstRef, after[1].ReferenceID)

	refs, err := rig.store.ListReferences()
	require.NoError(t, err)
	assert.Len(t, refs, 1)
}

func TestSubmitRejectsUnknownStrategy(t *testing.T) {
	rig := newTestRig(t)
	_, err := rig.pipeline.Submit(context.Background(), "", types.CollisionStrategy("mystery"), []byte(refLine))
	require.Error(t, err)
}
