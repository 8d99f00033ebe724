package enhance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/destinylab/destiny/pkg/blob"
	"github.com/destinylab/destiny/pkg/events"
	"github.com/destinylab/destiny/pkg/log"
	"github.com/destinylab/destiny/pkg/taskbus"
	"github.com/destinylab/destiny/pkg/types"
)

// resultValidation is the outcome of validating one returned result file.
type resultValidation struct {
	// valid holds the importable enhancements keyed by batched reference.
	valid map[string][]types.Enhancement
	// linkedErrors holds per-reference failures the robot reported.
	linkedErrors []types.LinkedRobotError
	// problems holds validation errors: lines that match no batched
	// reference, unparsable lines, and references missing from the result.
	problems []string
}

// SubmitResult accepts a robot's result for a pending batch. A non-empty
// globalErr fails the whole batch and its request without importing anything.
// Otherwise the result file is downloaded, validated line by line, the valid
// enhancements are persisted, and a validation report is written back to blob
// storage.
func (o *Orchestrator) SubmitResult(ctx context.Context, robotID, batchID, globalErr string) error {
	batch, err := o.store.GetRobotBatch(batchID)
	if err != nil {
		return err
	}
	if batch.RobotID != robotID {
		return ErrWrongRobot
	}
	if batch.Status != types.BatchPending {
		return fmt.Errorf("%w: batch %s is %s", ErrBatchNotPending, batchID, batch.Status)
	}
	logger := log.WithBatchID(batchID)

	if globalErr != "" {
		return o.failBatch(batch, globalErr, logger)
	}

	validation, err := o.validateResult(ctx, batch)
	if err != nil {
		return err
	}

	for _, ref := range sortedRefKeys(validation.valid) {
		if err := o.store.AddEnhancements(ref, validation.valid[ref]); err != nil {
			return fmt.Errorf("persisting enhancements for %s: %w", ref, err)
		}
	}

	if err := o.writeReport(ctx, batch, validation); err != nil {
		return err
	}

	batch.Status = types.BatchImported
	batch.UpdatedAt = time.Now()
	if err := o.store.UpdateRobotBatch(batch); err != nil {
		return err
	}
	o.publish(events.EventRobotBatchReturned, map[string]string{
		"batch_id": batch.ID,
		"robot_id": batch.RobotID,
	})
	logger.Info().
		Int("imported", len(validation.valid)).
		Int("problems", len(validation.problems)).
		Msg("Imported robot batch result")

	return o.advanceRequest(batch, validation)
}

// failBatch handles a robot-reported global error: the batch fails and the
// request fails with it, with nothing imported.
func (o *Orchestrator) failBatch(batch *types.RobotEnhancementBatch, globalErr string, logger zerolog.Logger) error {
	batch.Status = types.BatchFailed
	batch.Error = globalErr
	batch.UpdatedAt = time.Now()
	if err := o.store.UpdateRobotBatch(batch); err != nil {
		return err
	}
	logger.Warn().Str("error", globalErr).Msg("Robot reported a global batch failure")

	req, err := o.store.GetEnhancementRequest(batch.RequestID)
	if err != nil {
		return err
	}
	req.Error = globalErr
	return o.transition(req, types.RequestFailed)
}

// validateResult downloads the result file and checks every line against the
// batch contract: an Enhancement for a batched reference, or a
// LinkedRobotError for a batched reference. Everything else is a validation
// problem; batched references absent from the file are missing.
func (o *Orchestrator) validateResult(ctx context.Context, batch *types.RobotEnhancementBatch) (*resultValidation, error) {
	rc, err := o.blobs.Open(ctx, batch.ResultBlobKey)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, fmt.Errorf("batch %s: robot reported success but uploaded no result", batch.ID)
		}
		return nil, err
	}
	defer rc.Close()

	batched := make(map[string]bool, len(batch.ReferenceIDs))
	for _, ref := range batch.ReferenceIDs {
		batched[ref] = true
	}

	v := &resultValidation{valid: make(map[string][]types.Enhancement)}
	seen := make(map[string]bool)
	reader := blob.NewJSONLReader(rc)
	for {
		lineNo, line, err := reader.Next()
		if err == io.EOF {
			break
		}
		var malformed *blob.MalformedLine
		if errors.As(err, &malformed) {
			v.problems = append(v.problems, malformed.Error())
			continue
		}
		if err != nil {
			return nil, err
		}

		var shape struct {
			ReferenceID     string `json:"reference_id"`
			Message         string `json:"message"`
			EnhancementType string `json:"enhancement_type"`
		}
		if err := json.Unmarshal(line, &shape); err != nil {
			v.problems = append(v.problems, fmt.Sprintf("line %d: %v", lineNo, err))
			continue
		}

		switch {
		case shape.EnhancementType != "":
			var enh types.Enhancement
			if err := json.Unmarshal(line, &enh); err != nil {
				v.problems = append(v.problems, fmt.Sprintf("line %d: %v", lineNo, err))
				continue
			}
			if !batched[enh.ReferenceID] {
				v.problems = append(v.problems, fmt.Sprintf("line %d: enhancement for reference %s not in batch", lineNo, enh.ReferenceID))
				continue
			}
			if err := enh.Validate(); err != nil {
				v.problems = append(v.problems, fmt.Sprintf("line %d: %v", lineNo, err))
				continue
			}
			v.valid[enh.ReferenceID] = append(v.valid[enh.ReferenceID], enh)
			seen[enh.ReferenceID] = true
		case shape.Message != "":
			if !batched[shape.ReferenceID] {
				v.problems = append(v.problems, fmt.Sprintf("line %d: error for reference %s not in batch", lineNo, shape.ReferenceID))
				continue
			}
			v.linkedErrors = append(v.linkedErrors, types.LinkedRobotError{
				ReferenceID: shape.ReferenceID,
				Message:     shape.Message,
			})
			seen[shape.ReferenceID] = true
		default:
			v.problems = append(v.problems, fmt.Sprintf("line %d: neither an enhancement nor a robot error", lineNo))
		}
	}

	for _, ref := range batch.ReferenceIDs {
		if !seen[ref] {
			v.problems = append(v.problems, fmt.Sprintf("reference %s: missing from result", ref))
		}
	}
	return v, nil
}

// writeReport persists the human-readable validation report and records its
// key on the batch.
func (o *Orchestrator) writeReport(ctx context.Context, batch *types.RobotEnhancementBatch, v *resultValidation) error {
	var b strings.Builder
	fmt.Fprintf(&b, "batch %s: %d references, %d enhanced, %d robot errors, %d validation problems\n",
		batch.ID, len(batch.ReferenceIDs), len(v.valid), len(v.linkedErrors), len(v.problems))
	for _, le := range v.linkedErrors {
		fmt.Fprintf(&b, "reference %s: robot error: %s\n", le.ReferenceID, le.Message)
	}
	for _, p := range v.problems {
		fmt.Fprintf(&b, "%s\n", p)
	}
	key := batchReportKey(batch.ID)
	if err := o.blobs.Put(ctx, key, strings.NewReader(b.String())); err != nil {
		return err
	}
	batch.ReportBlobKey = key
	return nil
}

// advanceRequest moves the request forward after a batch import. Only the
// final batch advances past PROCESSING: the request holds until every
// reference is allocated and every batch is settled.
func (o *Orchestrator) advanceRequest(batch *types.RobotEnhancementBatch, v *resultValidation) error {
	req, err := o.store.GetEnhancementRequest(batch.RequestID)
	if err != nil {
		return err
	}

	if len(v.problems) > 0 || len(v.linkedErrors) > 0 {
		req.Error = appendRequestError(req.Error, fmt.Sprintf(
			"batch %s: %d robot errors, %d validation problems (report: %s)",
			batch.ID, len(v.linkedErrors), len(v.problems), batch.ReportBlobKey))
		if err := o.store.UpdateEnhancementRequest(req); err != nil {
			return err
		}
	}

	done, err := o.requestSettled(req)
	if err != nil {
		return err
	}
	if !done {
		return nil
	}

	if err := o.transition(req, types.RequestImporting); err != nil {
		return err
	}

	var rebuildErr error
	for _, ref := range req.ReferenceIDs {
		_, err := o.bus.Enqueue(context.Background(), types.TaskRebuildProjection, ref,
			types.RebuildProjectionTask{CanonicalID: ref})
		if err != nil {
			rebuildErr = err
			break
		}
	}
	if err := o.transition(req, types.RequestIndexing); err != nil {
		return err
	}
	if rebuildErr == nil {
		_, rebuildErr = o.bus.Enqueue(context.Background(), types.TaskFinalizeRequest, req.ID,
			types.FinalizeRequestTask{RequestID: req.ID})
	}
	if rebuildErr != nil {
		req.Error = appendRequestError(req.Error, rebuildErr.Error())
		return o.transition(req, types.RequestIndexingFailed)
	}
	return nil
}

// requestSettled reports whether every reference of the request is allocated
// and every batch reached a terminal state.
func (o *Orchestrator) requestSettled(req *types.EnhancementRequest) (bool, error) {
	remaining, err := o.unallocatedRefs(req)
	if err != nil {
		return false, err
	}
	if len(remaining) > 0 {
		return false, nil
	}
	batches, err := o.store.ListBatchesByRequest(req.ID)
	if err != nil {
		return false, err
	}
	for _, b := range batches {
		if b.Status == types.BatchPending {
			return false, nil
		}
	}
	return true, nil
}

// FinalizeRequest resolves the terminal status of a request once its rebuild
// tasks were enqueued: clean requests complete, requests with recorded
// problems end partially failed.
func (o *Orchestrator) FinalizeRequest(requestID string) error {
	req, err := o.store.GetEnhancementRequest(requestID)
	if err != nil {
		return err
	}
	if req.Status.Terminal() {
		return nil
	}
	if req.Error != "" {
		return o.transition(req, types.RequestPartialFailed)
	}
	return o.transition(req, types.RequestCompleted)
}

// HandleFinalizeTask is the task bus handler for request finalization.
func (o *Orchestrator) HandleFinalizeTask(ctx context.Context, task *taskbus.Task) error {
	var payload types.FinalizeRequestTask
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("bad finalize task payload: %w", err)
	}
	return o.FinalizeRequest(payload.RequestID)
}

// HandleExpireTask is the task bus handler for the periodic batch expiry
// sweep.
func (o *Orchestrator) HandleExpireTask(ctx context.Context, task *taskbus.Task) error {
	_, err := o.ExpireBatches(ctx)
	return err
}

func appendRequestError(existing, addition string) string {
	if existing == "" {
		return addition
	}
	return existing + "; " + addition
}

func sortedRefKeys(m map[string][]types.Enhancement) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
