package automation

import (
	"crypto/rand"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/destinylab/destiny/pkg/blob"
	"github.com/destinylab/destiny/pkg/enhance"
	"github.com/destinylab/destiny/pkg/index"
	"github.com/destinylab/destiny/pkg/storage"
	"github.com/destinylab/destiny/pkg/taskbus"
	"github.com/destinylab/destiny/pkg/types"
)

const changesetQuery = `{"nested":{"path":"changeset","query":{"term":{"enhancement_type":"bibliographic"}}}}`

type dispatcherRig struct {
	store      *storage.BoltStore
	ix         *index.Index
	dispatcher *Dispatcher
}

func newDispatcherRig(t *testing.T) *dispatcherRig {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ix := index.New()
	ix.Start()
	t.Cleanup(ix.Stop)

	key := make([]byte, 32)
	_, err = rand.Read(key)
	require.NoError(t, err)
	blobs, err := blob.NewStore(blob.Config{
		Root:       t.TempDir(),
		SigningKey: key,
		BaseURL:    "http://repository.test",
	})
	require.NoError(t, err)

	bus, err := taskbus.Open(filepath.Join(t.TempDir(), "tasks.db"), taskbus.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { bus.Stop() })

	orch := enhance.NewOrchestrator(store, blobs, bus, nil, enhance.Config{})
	// The flush loop is never started; tests drive Flush directly.
	dispatcher := NewDispatcher(store, ix, orch, nil, time.Minute)
	return &dispatcherRig{store: store, ix: ix, dispatcher: dispatcher}
}

func (rig *dispatcherRig) addRobot(t *testing.T, name string) *types.Robot {
	t.Helper()
	robot := &types.Robot{ID: uuid.NewString(), Name: name, CreatedAt: time.Now()}
	require.NoError(t, rig.store.CreateRobot(robot))
	return robot
}

func rebuiltProjection(canonicalID string) *types.DeduplicatedReferenceProjection {
	return &types.DeduplicatedReferenceProjection{
		CanonicalID: canonicalID,
		Visibility:  types.VisibilityPublic,
		RebuiltAt:   time.Now(),
	}
}

func bibChange(source string) []types.Enhancement {
	return []types.Enhancement{{
		Source:          source,
		EnhancementType: types.EnhancementBibliographic,
		Content:         types.BibliographicContent{Title: "Some work", PublicationYear: 2021},
		UpdatedAt:       time.Now(),
	}}
}

func TestRegisterAutomationValidatesQuery(t *testing.T) {
	rig := newDispatcherRig(t)
	robot := rig.addRobot(t, "bib-robot")

	a, err := rig.dispatcher.RegisterAutomation(robot.ID, json.RawMessage(changesetQuery))
	require.NoError(t, err)
	assert.Equal(t, robot.ID, a.RobotID)

	stored, err := rig.store.ListAutomations()
	require.NoError(t, err)
	assert.Len(t, stored, 1)

	// A query ignoring the changeset would re-fire on every update.
	_, err = rig.dispatcher.RegisterAutomation(robot.ID,
		json.RawMessage(`{"term":{"reference.visibility":"public"}}`))
	assert.ErrorIs(t, err, index.ErrQueryLacksChangeset)

	_, err = rig.dispatcher.RegisterAutomation("no-such-robot", json.RawMessage(changesetQuery))
	assert.Error(t, err)
}

func TestMatchOpensOneRequestPerWindow(t *testing.T) {
	rig := newDispatcherRig(t)
	robot := rig.addRobot(t, "bib-robot")
	_, err := rig.dispatcher.RegisterAutomation(robot.ID, json.RawMessage(changesetQuery))
	require.NoError(t, err)

	refA, refB := "aaa-"+uuid.NewString(), "bbb-"+uuid.NewString()
	rig.dispatcher.ProjectionRebuilt(rebuiltProjection(refA), bibChange("importer"))
	rig.dispatcher.ProjectionRebuilt(rebuiltProjection(refB), bibChange("importer"))

	// Nothing opens before the window closes.
	requests, err := rig.store.ListOpenRequestsByRobot(robot.ID)
	require.NoError(t, err)
	assert.Empty(t, requests)

	rig.dispatcher.Flush(true)

	requests, err = rig.store.ListOpenRequestsByRobot(robot.ID)
	require.NoError(t, err)
	require.Len(t, requests, 1, "one request per robot per window")
	assert.ElementsMatch(t, []string{refA, refB}, requests[0].ReferenceIDs)
	assert.Empty(t, requests[0].SourceRobotID, "importer output has no source robot")
}

func TestNonMatchingChangesetIsIgnored(t *testing.T) {
	rig := newDispatcherRig(t)
	robot := rig.addRobot(t, "bib-robot")
	_, err := rig.dispatcher.RegisterAutomation(robot.ID, json.RawMessage(changesetQuery))
	require.NoError(t, err)

	abstractOnly := []types.Enhancement{{
		Source:          "importer",
		EnhancementType: types.EnhancementAbstract,
		Content:         types.AbstractContent{Text: "No bibliographic change here."},
	}}
	rig.dispatcher.ProjectionRebuilt(rebuiltProjection(uuid.NewString()), abstractOnly)
	rig.dispatcher.Flush(true)

	requests, err := rig.store.ListOpenRequestsByRobot(robot.ID)
	require.NoError(t, err)
	assert.Empty(t, requests)
}

func TestCycleProtectionSkipsOwnOutput(t *testing.T) {
	rig := newDispatcherRig(t)
	robot := rig.addRobot(t, "bib-robot")
	_, err := rig.dispatcher.RegisterAutomation(robot.ID, json.RawMessage(changesetQuery))
	require.NoError(t, err)

	// The changeset was produced by the same robot the automation belongs to.
	rig.dispatcher.ProjectionRebuilt(rebuiltProjection(uuid.NewString()), bibChange(robot.Name))
	rig.dispatcher.Flush(true)

	requests, err := rig.store.ListOpenRequestsByRobot(robot.ID)
	require.NoError(t, err)
	assert.Empty(t, requests, "a robot must not be triggered by its own output")
}

func TestSourceRobotIsRecorded(t *testing.T) {
	rig := newDispatcherRig(t)
	consumer := rig.addRobot(t, "bib-robot")
	producer := rig.addRobot(t, "abstract-robot")
	_, err := rig.dispatcher.RegisterAutomation(consumer.ID, json.RawMessage(changesetQuery))
	require.NoError(t, err)

	rig.dispatcher.ProjectionRebuilt(rebuiltProjection(uuid.NewString()), bibChange(producer.Name))
	rig.dispatcher.Flush(true)

	requests, err := rig.store.ListOpenRequestsByRobot(consumer.ID)
	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.Equal(t, producer.ID, requests[0].SourceRobotID)
}

func TestLoadAutomationsRestoresQueries(t *testing.T) {
	rig := newDispatcherRig(t)
	robot := rig.addRobot(t, "bib-robot")
	_, err := rig.dispatcher.RegisterAutomation(robot.ID, json.RawMessage(changesetQuery))
	require.NoError(t, err)

	// A fresh index knows nothing until the stored queries are reloaded.
	fresh := index.New()
	fresh.Start()
	t.Cleanup(fresh.Stop)
	reloaded := NewDispatcher(rig.store, fresh, rig.dispatcher.orch, nil, time.Minute)
	require.NoError(t, reloaded.LoadAutomations())

	reloaded.ProjectionRebuilt(rebuiltProjection(uuid.NewString()), bibChange("importer"))
	reloaded.Flush(true)

	requests, err := rig.store.ListOpenRequestsByRobot(robot.ID)
	require.NoError(t, err)
	assert.Len(t, requests, 1)
}
