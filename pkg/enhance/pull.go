package enhance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/destinylab/destiny/pkg/blob"
	"github.com/destinylab/destiny/pkg/events"
	"github.com/destinylab/destiny/pkg/log"
	"github.com/destinylab/destiny/pkg/metrics"
	"github.com/destinylab/destiny/pkg/storage"
	"github.com/destinylab/destiny/pkg/types"
)

// Handout is what a polling robot receives: a batch id, a read URL for the
// reference data, a write URL for the result, and the deadline.
type Handout struct {
	BatchID             string                 `json:"batch_id"`
	ReferenceStorageURL string                 `json:"reference_storage_url"`
	ResultStorageURL    string                 `json:"result_storage_url"`
	Deadline            time.Time              `json:"deadline"`
	Status              types.RobotBatchStatus `json:"status,omitempty"`
}

func batchReferenceKey(batchID string) string {
	return "robot-batches/" + batchID + "/references.jsonl"
}

func batchResultKey(batchID string) string {
	return "robot-batches/" + batchID + "/result.jsonl"
}

func batchReportKey(batchID string) string {
	return "robot-batches/" + batchID + "/report.txt"
}

// PullBatch allocates a batch of pending references to a polling robot. It
// returns nil when nothing is pending, which the API surfaces as 204: no
// batch row is created and no blob is written.
func (o *Orchestrator) PullBatch(ctx context.Context, robotID string, maxSize int) (*Handout, error) {
	if maxSize <= 0 || maxSize > o.cfg.MaxBatchSize {
		maxSize = o.cfg.MaxBatchSize
	}

	requests, err := o.store.ListOpenRequestsByRobot(robotID)
	if err != nil {
		return nil, err
	}
	sort.Slice(requests, func(i, j int) bool { return requests[i].CreatedAt.Before(requests[j].CreatedAt) })

	// A batch serves exactly one request: the oldest open one with
	// unallocated references.
	var refs []string
	var served *types.EnhancementRequest
	for _, req := range requests {
		remaining, err := o.unallocatedRefs(req)
		if err != nil {
			return nil, err
		}
		if len(remaining) == 0 {
			continue
		}
		if len(remaining) > maxSize {
			remaining = remaining[:maxSize]
		}
		refs = remaining
		served = req
		break
	}
	if served == nil {
		return nil, nil
	}

	batchID := uuid.NewString()
	if err := o.writeReferenceData(ctx, batchID, refs); err != nil {
		return nil, err
	}

	now := time.Now()
	batch := &types.RobotEnhancementBatch{
		ID:               batchID,
		RequestID:        served.ID,
		RobotID:          robotID,
		ReferenceIDs:     refs,
		ReferenceBlobKey: batchReferenceKey(batchID),
		ResultBlobKey:    batchResultKey(batchID),
		Deadline:         now.Add(o.cfg.BatchTTL),
		Status:           types.BatchPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := o.store.CreateRobotBatch(batch); err != nil {
		return nil, err
	}
	if served.Status == types.RequestReceived || served.Status == types.RequestAccepted {
		if err := o.transition(served, types.RequestProcessing); err != nil {
			return nil, err
		}
	}

	handout, err := o.handout(batch)
	if err != nil {
		return nil, err
	}
	metrics.BatchesPulled.Inc()
	o.publish(events.EventRobotBatchPulled, map[string]string{
		"batch_id": batchID,
		"robot_id": robotID,
	})
	logger := log.WithBatchID(batchID)
	logger.Info().
		Str("robot_id", robotID).
		Int("references", len(refs)).
		Msg("Handed batch to robot")
	return handout, nil
}

// GetBatch re-signs the URLs of an existing batch. The reference data is
// point-in-time from allocation and is not rewritten.
func (o *Orchestrator) GetBatch(robotID, batchID string) (*Handout, error) {
	batch, err := o.store.GetRobotBatch(batchID)
	if err != nil {
		return nil, err
	}
	if batch.RobotID != robotID {
		return nil, ErrWrongRobot
	}
	return o.handout(batch)
}

func (o *Orchestrator) handout(batch *types.RobotEnhancementBatch) (*Handout, error) {
	ttl := time.Until(batch.Deadline)
	if ttl <= 0 {
		ttl = time.Minute
	}
	readURL, err := o.blobs.SignedURL(batch.ReferenceBlobKey, http.MethodGet, ttl)
	if err != nil {
		return nil, err
	}
	writeURL, err := o.blobs.SignedURL(batch.ResultBlobKey, http.MethodPut, ttl)
	if err != nil {
		return nil, err
	}
	return &Handout{
		BatchID:             batch.ID,
		ReferenceStorageURL: readURL,
		ResultStorageURL:    writeURL,
		Deadline:            batch.Deadline,
		Status:              batch.Status,
	}, nil
}

// unallocatedRefs returns the request's references not yet covered by a live
// or settled batch. Expired batches release their references.
func (o *Orchestrator) unallocatedRefs(req *types.EnhancementRequest) ([]string, error) {
	batches, err := o.store.ListBatchesByRequest(req.ID)
	if err != nil {
		return nil, err
	}
	allocated := make(map[string]bool)
	for _, batch := range batches {
		if batch.Status == types.BatchExpired || batch.Status == types.BatchFailed {
			continue
		}
		for _, ref := range batch.ReferenceIDs {
			allocated[ref] = true
		}
	}
	var remaining []string
	for _, ref := range req.ReferenceIDs {
		if !allocated[ref] {
			remaining = append(remaining, ref)
		}
	}
	return remaining, nil
}

// writeReferenceData serializes the current projection of every batched
// reference as JSONL into blob storage.
func (o *Orchestrator) writeReferenceData(ctx context.Context, batchID string, refs []string) error {
	var buf bytes.Buffer
	w := blob.NewJSONLWriter(&buf)
	for _, ref := range refs {
		doc, err := o.referenceDoc(ref)
		if err != nil {
			return err
		}
		if err := w.Write(doc); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return o.blobs.Put(ctx, batchReferenceKey(batchID), &buf)
}

// referenceDoc prefers the deduplicated projection; references without one
// yet are serialized from their own children.
func (o *Orchestrator) referenceDoc(referenceID string) (*types.DeduplicatedReferenceProjection, error) {
	p, err := o.store.GetProjection(referenceID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	ids, err := o.store.ListIdentifiers(referenceID)
	if err != nil {
		return nil, err
	}
	enhs, err := o.store.ListEnhancements(referenceID)
	if err != nil {
		return nil, err
	}
	return &types.DeduplicatedReferenceProjection{
		CanonicalID:  referenceID,
		Visibility:   types.VisibilityPublic,
		Identifiers:  ids,
		Enhancements: enhs,
	}, nil
}

// ExpireBatches moves pending batches past their deadline to expired,
// releasing their references for the next poll.
func (o *Orchestrator) ExpireBatches(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	pending, err := o.store.ListPendingBatches()
	if err != nil {
		return 0, err
	}
	expired := 0
	now := time.Now()
	for _, batch := range pending {
		if batch.Deadline.After(now) {
			continue
		}
		batch.Status = types.BatchExpired
		batch.Error = fmt.Sprintf("deadline %s passed without a result", batch.Deadline.Format(time.RFC3339))
		batch.UpdatedAt = now
		if err := o.store.UpdateRobotBatch(batch); err != nil {
			return expired, err
		}
		expired++
		metrics.BatchesExpired.Inc()
		o.publish(events.EventRobotBatchExpired, map[string]string{
			"batch_id": batch.ID,
			"robot_id": batch.RobotID,
		})
		logger := log.WithBatchID(batch.ID)
		logger.Warn().Msg("Expired robot batch")
	}
	return expired, nil
}
