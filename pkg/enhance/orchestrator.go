package enhance

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/destinylab/destiny/pkg/blob"
	"github.com/destinylab/destiny/pkg/events"
	"github.com/destinylab/destiny/pkg/log"
	"github.com/destinylab/destiny/pkg/metrics"
	"github.com/destinylab/destiny/pkg/storage"
	"github.com/destinylab/destiny/pkg/taskbus"
	"github.com/destinylab/destiny/pkg/types"
)

var (
	// ErrBatchNotPending rejects result submissions and URL refreshes for
	// batches that already reached a terminal state.
	ErrBatchNotPending = errors.New("batch is not pending")
	// ErrWrongRobot rejects operations on a batch owned by another robot.
	ErrWrongRobot = errors.New("batch belongs to a different robot")
)

// TransitionError reports a request status change the lifecycle does not
// allow.
type TransitionError struct {
	From, To types.EnhancementRequestStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot transition request from %s to %s", e.From, e.To)
}

var allowedTransitions = map[types.EnhancementRequestStatus][]types.EnhancementRequestStatus{
	types.RequestReceived:   {types.RequestAccepted, types.RequestProcessing, types.RequestFailed},
	types.RequestAccepted:   {types.RequestProcessing, types.RequestFailed},
	types.RequestProcessing: {types.RequestImporting, types.RequestFailed},
	types.RequestImporting:  {types.RequestIndexing, types.RequestPartialFailed, types.RequestFailed},
	types.RequestIndexing:   {types.RequestCompleted, types.RequestPartialFailed, types.RequestIndexingFailed, types.RequestFailed},
}

func transitionAllowed(from, to types.EnhancementRequestStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Config tunes the orchestrator.
type Config struct {
	// BatchTTL bounds how long a robot may hold a pulled batch.
	BatchTTL time.Duration
	// MaxBatchSize caps references per pulled batch when the robot does not
	// ask for less.
	MaxBatchSize int
}

func (c *Config) applyDefaults() {
	if c.BatchTTL <= 0 {
		c.BatchTTL = 4 * time.Hour
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 100
	}
}

// Orchestrator runs the enhancement request lifecycle: request creation,
// batch allocation to polling robots, result validation and import, and
// terminal status resolution.
type Orchestrator struct {
	store  storage.Store
	blobs  *blob.Store
	bus    *taskbus.Bus
	broker *events.Broker
	cfg    Config
}

// NewOrchestrator wires the orchestrator. broker may be nil.
func NewOrchestrator(store storage.Store, blobs *blob.Store, bus *taskbus.Bus, broker *events.Broker, cfg Config) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{store: store, blobs: blobs, bus: bus, broker: broker, cfg: cfg}
}

// CreateRequest opens an enhancement request asking one robot to enhance the
// given references. sourceRobotID names the robot whose output triggered the
// request, when it came from an automation.
func (o *Orchestrator) CreateRequest(robotID string, referenceIDs []string, sourceRobotID string) (*types.EnhancementRequest, error) {
	if len(referenceIDs) == 0 {
		return nil, &types.SchemaViolationError{Field: "reference_ids", Reason: "a request needs at least one reference"}
	}
	if _, err := o.store.GetRobot(robotID); err != nil {
		return nil, fmt.Errorf("unknown robot %s: %w", robotID, err)
	}
	now := time.Now()
	req := &types.EnhancementRequest{
		ID:            uuid.NewString(),
		RobotID:       robotID,
		ReferenceIDs:  referenceIDs,
		Status:        types.RequestReceived,
		SourceRobotID: sourceRobotID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.store.CreateEnhancementRequest(req); err != nil {
		return nil, err
	}
	metrics.RequestsByStatus.WithLabelValues(string(req.Status)).Inc()
	o.publish(events.EventRequestCreated, map[string]string{
		"request_id": req.ID,
		"robot_id":   robotID,
	})
	logger := log.WithRequestID(req.ID)
	logger.Info().
		Str("robot_id", robotID).
		Int("references", len(referenceIDs)).
		Msg("Created enhancement request")
	return req, nil
}

// transition moves a request to the next lifecycle state and persists it.
func (o *Orchestrator) transition(req *types.EnhancementRequest, to types.EnhancementRequestStatus) error {
	if !transitionAllowed(req.Status, to) {
		return &TransitionError{From: req.Status, To: to}
	}
	req.Status = to
	req.UpdatedAt = time.Now()
	if err := o.store.UpdateEnhancementRequest(req); err != nil {
		return err
	}
	metrics.RequestsByStatus.WithLabelValues(string(to)).Inc()
	switch to {
	case types.RequestCompleted, types.RequestPartialFailed:
		o.publish(events.EventRequestCompleted, map[string]string{
			"request_id": req.ID,
			"status":     string(to),
		})
	case types.RequestFailed, types.RequestIndexingFailed:
		o.publish(events.EventRequestFailed, map[string]string{
			"request_id": req.ID,
			"status":     string(to),
		})
	}
	return nil
}

func (o *Orchestrator) publish(eventType events.EventType, metadata map[string]string) {
	if o.broker == nil {
		return
	}
	o.broker.Publish(&events.Event{
		ID:       uuid.NewString(),
		Type:     eventType,
		Metadata: metadata,
	})
}
