package automation

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/destinylab/destiny/pkg/enhance"
	"github.com/destinylab/destiny/pkg/events"
	"github.com/destinylab/destiny/pkg/index"
	"github.com/destinylab/destiny/pkg/log"
	"github.com/destinylab/destiny/pkg/metrics"
	"github.com/destinylab/destiny/pkg/storage"
	"github.com/destinylab/destiny/pkg/types"
)

const defaultWindow = 30 * time.Second

// percolationDoc is the two-field document stored queries match against: the
// full rebuilt reference and the enhancements that changed in this rebuild.
type percolationDoc struct {
	Reference *types.DeduplicatedReferenceProjection `json:"reference"`
	Changeset []types.Enhancement                    `json:"changeset"`
}

// window aggregates matched references for one robot until the deadline.
type window struct {
	refs map[string]bool
	// sources are the robots whose enhancements triggered the matches.
	sources  map[string]bool
	deadline time.Time
}

// Dispatcher turns projection changes into enhancement requests. It
// percolates every rebuilt reference against the stored automation queries,
// aggregates the matches per robot over a bounded window, and opens one
// request per robot per window. A robot never receives a request triggered by
// its own output.
type Dispatcher struct {
	store  storage.Store
	ix     *index.Index
	orch   *enhance.Orchestrator
	broker *events.Broker

	windowSpan time.Duration

	mu      sync.Mutex
	pending map[string]*window

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher wires the dispatcher. broker may be nil; windowSpan <= 0 uses
// the default.
func NewDispatcher(store storage.Store, ix *index.Index, orch *enhance.Orchestrator, broker *events.Broker, windowSpan time.Duration) *Dispatcher {
	if windowSpan <= 0 {
		windowSpan = defaultWindow
	}
	return &Dispatcher{
		store:      store,
		ix:         ix,
		orch:       orch,
		broker:     broker,
		windowSpan: windowSpan,
		pending:    make(map[string]*window),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the window flush loop.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop flushes open windows and stops the loop.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
	d.Flush(true)
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	interval := d.windowSpan / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.Flush(false)
		case <-d.stopCh:
			return
		}
	}
}

// RegisterAutomation validates and stores a percolator query for a robot and
// makes it live. Queries that do not constrain the changeset subdocument are
// rejected: they would re-match their reference on every unrelated update.
func (d *Dispatcher) RegisterAutomation(robotID string, query json.RawMessage) (*types.RobotAutomation, error) {
	if _, err := d.store.GetRobot(robotID); err != nil {
		return nil, fmt.Errorf("unknown robot %s: %w", robotID, err)
	}
	q, err := index.ParseQuery(query)
	if err != nil {
		return nil, err
	}
	if err := index.ValidateAutomationQuery(q); err != nil {
		return nil, err
	}
	a := &types.RobotAutomation{
		ID:        uuid.NewString(),
		RobotID:   robotID,
		Query:     query,
		CreatedAt: time.Now(),
	}
	if err := d.store.CreateAutomation(a); err != nil {
		return nil, err
	}
	d.ix.RegisterQuery(a.ID, robotID, q)
	logger := log.WithRobotID(robotID)
	logger.Info().Str("automation_id", a.ID).Msg("Registered automation")
	return a, nil
}

// LoadAutomations registers every persisted automation query with the
// percolator. Called once at startup.
func (d *Dispatcher) LoadAutomations() error {
	automations, err := d.store.ListAutomations()
	if err != nil {
		return err
	}
	logger := log.WithComponent("automation")
	for _, a := range automations {
		q, err := index.ParseQuery(a.Query)
		if err != nil {
			logger.Warn().
				Str("automation_id", a.ID).
				Err(err).
				Msg("Skipping unparsable stored automation")
			continue
		}
		d.ix.RegisterQuery(a.ID, a.RobotID, q)
	}
	return nil
}

// ProjectionRebuilt percolates a rebuilt reference. Implements the projection
// builder's notifier.
func (d *Dispatcher) ProjectionRebuilt(p *types.DeduplicatedReferenceProjection, changeset []types.Enhancement) {
	doc, err := index.NewDocument(percolationDoc{Reference: p, Changeset: changeset})
	if err != nil {
		logger := log.WithReferenceID(p.CanonicalID)
		logger.Error().Err(err).Msg("Failed to build percolation document")
		return
	}
	matches := d.ix.Percolate(doc)
	if len(matches) == 0 {
		return
	}

	sources := d.sourceRobots(changeset)
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range matches {
		if sources[m.RobotID] {
			// Cycle protection: this robot produced the change being
			// percolated.
			continue
		}
		metrics.PercolatorMatches.WithLabelValues(m.RobotID).Inc()
		w, ok := d.pending[m.RobotID]
		if !ok {
			w = &window{
				refs:     make(map[string]bool),
				sources:  make(map[string]bool),
				deadline: now.Add(d.windowSpan),
			}
			d.pending[m.RobotID] = w
		}
		w.refs[p.CanonicalID] = true
		for s := range sources {
			w.sources[s] = true
		}
		d.publish(events.EventAutomationMatched, map[string]string{
			"automation_id": m.AutomationID,
			"robot_id":      m.RobotID,
			"canonical_id":  p.CanonicalID,
		})
	}
}

// ProjectionRemoved implements the projection builder's notifier. Removals
// trigger nothing.
func (d *Dispatcher) ProjectionRemoved(canonicalID string) {}

// Flush opens requests for every window past its deadline, or for all open
// windows when force is set.
func (d *Dispatcher) Flush(force bool) {
	now := time.Now()

	d.mu.Lock()
	ready := make(map[string]*window)
	for robotID, w := range d.pending {
		if force || !w.deadline.After(now) {
			ready[robotID] = w
			delete(d.pending, robotID)
		}
	}
	d.mu.Unlock()

	for robotID, w := range ready {
		refs := make([]string, 0, len(w.refs))
		for ref := range w.refs {
			refs = append(refs, ref)
		}
		sort.Strings(refs)

		sourceRobotID := ""
		if len(w.sources) == 1 {
			for s := range w.sources {
				sourceRobotID = s
			}
		}
		logger := log.WithRobotID(robotID)
		req, err := d.orch.CreateRequest(robotID, refs, sourceRobotID)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to open automation request")
			continue
		}
		logger.Info().
			Str("request_id", req.ID).
			Int("references", len(refs)).
			Msg("Opened automation request")
	}
}

// sourceRobots resolves the enhancement sources of a changeset to robot ids.
// Sources that are not registered robots (manual curation, importers) resolve
// to nothing.
func (d *Dispatcher) sourceRobots(changeset []types.Enhancement) map[string]bool {
	sources := make(map[string]bool)
	byName := make(map[string]string)
	for _, enh := range changeset {
		if enh.Source == "" {
			continue
		}
		if _, resolved := byName[enh.Source]; resolved {
			continue
		}
		robot, err := d.store.GetRobotByName(enh.Source)
		if err != nil {
			byName[enh.Source] = ""
			continue
		}
		byName[enh.Source] = robot.ID
	}
	for _, id := range byName {
		if id != "" {
			sources[id] = true
		}
	}
	return sources
}

func (d *Dispatcher) publish(eventType events.EventType, metadata map[string]string) {
	if d.broker == nil {
		return
	}
	d.broker.Publish(&events.Event{
		ID:       uuid.NewString(),
		Type:     eventType,
		Metadata: metadata,
	})
}
