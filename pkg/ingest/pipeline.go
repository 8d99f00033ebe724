package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/destinylab/destiny/pkg/blob"
	"github.com/destinylab/destiny/pkg/log"
	"github.com/destinylab/destiny/pkg/metrics"
	"github.com/destinylab/destiny/pkg/storage"
	"github.com/destinylab/destiny/pkg/taskbus"
	"github.com/destinylab/destiny/pkg/types"
)

// Pipeline ingests import batches: parse, validate, resolve identifier
// collisions, persist, and enqueue deduplication.
type Pipeline struct {
	store  storage.Store
	blobs  *blob.Store
	bus    *taskbus.Bus
	fanOut int
	client *http.Client
}

// NewPipeline wires the ingestion pipeline. fanOut bounds how many entries of
// one batch are processed concurrently.
func NewPipeline(store storage.Store, blobs *blob.Store, bus *taskbus.Bus, fanOut int) *Pipeline {
	if fanOut <= 0 {
		fanOut = 32
	}
	return &Pipeline{
		store:  store,
		blobs:  blobs,
		bus:    bus,
		fanOut: fanOut,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

// Submit stores an import file and enqueues its processing. The file is
// content addressed, so submitting identical bytes twice reuses the blob.
func (p *Pipeline) Submit(ctx context.Context, recordID string, strategy types.CollisionStrategy, data []byte) (*types.ImportBatch, error) {
	if !types.KnownCollisionStrategy(strategy) {
		return nil, &types.SchemaViolationError{Field: "collision_strategy", Reason: fmt.Sprintf("unknown strategy %q", strategy)}
	}
	if recordID == "" {
		rec := &types.ImportRecord{ID: uuid.NewString(), CreatedAt: time.Now()}
		if err := p.store.CreateImportRecord(rec); err != nil {
			return nil, err
		}
		recordID = rec.ID
	} else if _, err := p.store.GetImportRecord(recordID); err != nil {
		return nil, err
	}

	key, err := p.blobs.PutContentAddressed(ctx, "imports", "source.jsonl", data)
	if err != nil {
		return nil, fmt.Errorf("failed to store import file: %w", err)
	}

	batch := &types.ImportBatch{
		ID:                uuid.NewString(),
		RecordID:          recordID,
		CollisionStrategy: strategy,
		StorageKey:        key,
		Status:            types.ImportBatchCreated,
		CreatedAt:         time.Now(),
	}
	if err := p.store.CreateImportBatch(batch); err != nil {
		return nil, err
	}
	if _, err := p.bus.Enqueue(ctx, types.TaskImportBatch, batch.ID, types.ImportBatchTask{BatchID: batch.ID}); err != nil {
		return nil, fmt.Errorf("failed to enqueue import batch: %w", err)
	}
	return batch, nil
}

// HandleTask is the task bus handler for import batches.
func (p *Pipeline) HandleTask(ctx context.Context, task *taskbus.Task) error {
	var payload types.ImportBatchTask
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("bad import task payload: %w", err)
	}
	return p.ProcessBatch(ctx, payload.BatchID)
}

// ProcessBatch runs one import batch to completion. Redelivery is safe:
// entries that already have a terminal result are skipped.
func (p *Pipeline) ProcessBatch(ctx context.Context, batchID string) error {
	logger := log.WithBatchID(batchID)
	timer := metrics.NewTimer()

	batch, err := p.store.GetImportBatch(batchID)
	if err != nil {
		return err
	}
	switch batch.Status {
	case types.ImportBatchCompleted, types.ImportBatchCancelled:
		return nil
	case types.ImportBatchCreated:
		batch.Status = types.ImportBatchStarted
		if err := p.store.UpdateImportBatch(batch); err != nil {
			return err
		}
	}

	rc, err := p.openSource(ctx, batch)
	if err != nil {
		return err
	}
	defer rc.Close()

	done, err := p.terminalLines(batchID)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.fanOut)

	var mu sync.Mutex
	var processed int

	reader := blob.NewJSONLReader(rc)
	for {
		lineNo, line, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		var malformed *blob.MalformedLine
		if errors.As(err, &malformed) {
			if !done[lineNo] {
				p.putResult(batchID, lineNo, failedResult(batchID, lineNo, "ParseError", malformed.Reason))
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read import file: %w", err)
		}
		if done[lineNo] {
			continue
		}

		no, data := lineNo, append([]byte(nil), line...)
		g.Go(func() error {
			res := p.processEntry(gctx, batch, no, data)
			p.putResult(batchID, no, res)
			mu.Lock()
			processed++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	batch.Status = types.ImportBatchCompleted
	batch.CompletedAt = time.Now()
	if err := p.store.UpdateImportBatch(batch); err != nil {
		return err
	}

	timer.ObserveDuration(metrics.ImportBatchDuration)
	logger.Info().Int("entries", processed).Msg("Import batch completed")
	return nil
}

// openSource returns the batch's JSONL stream, from the local blob store or
// from a caller-provided pre-signed URL.
func (p *Pipeline) openSource(ctx context.Context, batch *types.ImportBatch) (io.ReadCloser, error) {
	if batch.StorageKey != "" {
		return p.blobs.Open(ctx, batch.StorageKey)
	}
	if batch.StorageURL == "" {
		return nil, fmt.Errorf("import batch %s has no source", batch.ID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, batch.StorageURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch import file: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("import file fetch returned %s", resp.Status)
	}
	return resp.Body, nil
}

// terminalLines returns the line numbers that already carry a result, so a
// redelivered batch does not process them twice.
func (p *Pipeline) terminalLines(batchID string) (map[int]bool, error) {
	results, err := p.store.ListImportResults(batchID)
	if err != nil {
		return nil, err
	}
	done := make(map[int]bool, len(results))
	for _, r := range results {
		done[r.LineNo] = true
	}
	return done, nil
}

func (p *Pipeline) putResult(batchID string, lineNo int, res *types.ImportResult) {
	metrics.ImportRecordsTotal.WithLabelValues(string(res.Status)).Inc()
	if err := p.store.PutImportResult(res); err != nil {
		logger := log.WithBatchID(batchID)
		logger.Error().Int("line", lineNo).Err(err).Msg("Failed to record import result")
	}
}

func failedResult(batchID string, lineNo int, code, reason string) *types.ImportResult {
	return &types.ImportResult{
		ID:            uuid.NewString(),
		BatchID:       batchID,
		LineNo:        lineNo,
		Status:        types.ImportResultFailed,
		FailureCode:   code,
		FailureReason: reason,
		CreatedAt:     time.Now(),
	}
}

func completedResult(batchID string, lineNo int, referenceID string) *types.ImportResult {
	return &types.ImportResult{
		ID:          uuid.NewString(),
		BatchID:     batchID,
		LineNo:      lineNo,
		Status:      types.ImportResultCompleted,
		ReferenceID: referenceID,
		CreatedAt:   time.Now(),
	}
}

// processEntry runs one JSONL line through parse, validate, exact-duplicate
// shortcut, collision resolution, persist, and dedup enqueue.
func (p *Pipeline) processEntry(ctx context.Context, batch *types.ImportBatch, lineNo int, line []byte) *types.ImportResult {
	var payload types.ReferencePayload
	if err := json.Unmarshal(line, &payload); err != nil {
		return failedResult(batch.ID, lineNo, types.ErrorCode(err, "ParseError"), err.Error())
	}
	if err := payload.Validate(); err != nil {
		return failedResult(batch.ID, lineNo, types.ErrorCode(err, "SchemaViolation"), err.Error())
	}

	matches, err := p.store.FindReferencesByIdentifiers(payload.Identifiers)
	if err != nil {
		return failedResult(batch.ID, lineNo, "StoreUnavailable", err.Error())
	}
	existingIDs := distinctReferenceIDs(matches)

	// Exact-duplicate shortcut: an existing reference already carrying every
	// incoming identifier and enhancement gains nothing from a re-import.
	if len(existingIDs) == 1 {
		if res := p.tryExactDuplicate(batch, lineNo, &payload, existingIDs[0]); res != nil {
			return res
		}
	}

	if len(existingIDs) > 1 {
		return failedResult(batch.ID, lineNo, "AmbiguousCollision",
			fmt.Sprintf("identifiers map to %d existing references %v", len(existingIDs), existingIDs))
	}
	if len(existingIDs) == 1 {
		return p.resolveCollision(ctx, batch, lineNo, &payload, existingIDs[0], matches)
	}
	return p.persistNew(ctx, batch, lineNo, &payload)
}

// persistNew inserts a fresh reference with its children and enqueues dedup.
func (p *Pipeline) persistNew(ctx context.Context, batch *types.ImportBatch, lineNo int, payload *types.ReferencePayload) *types.ImportResult {
	now := time.Now()
	visibility := payload.Visibility
	if visibility == "" {
		visibility = types.VisibilityPublic
	}
	ref := &types.Reference{
		ID:         uuid.NewString(),
		Visibility: visibility,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	// Reference and identifier rows commit together: a collision rolls the
	// whole insert back instead of stranding an identifier-less reference.
	if err := p.store.CreateReferenceWithIdentifiers(ref, payload.Identifiers); err != nil {
		var collision *storage.IdentifierCollisionError
		if errors.As(err, &collision) {
			// A concurrent entry claimed a tuple between our read and this
			// write. Fall back to the collision strategy against the winner.
			ids := collision.ReferenceIDs()
			if len(ids) > 1 {
				return failedResult(batch.ID, lineNo, "AmbiguousCollision", collision.Error())
			}
			matches, merr := p.store.FindReferencesByIdentifiers(payload.Identifiers)
			if merr != nil {
				return failedResult(batch.ID, lineNo, "StoreUnavailable", merr.Error())
			}
			return p.resolveCollision(ctx, batch, lineNo, payload, ids[0], matches)
		}
		return failedResult(batch.ID, lineNo, "StoreUnavailable", err.Error())
	}

	if len(payload.Enhancements) > 0 {
		if err := p.store.AddEnhancements(ref.ID, payload.Enhancements); err != nil {
			return failedResult(batch.ID, lineNo, "StoreUnavailable", err.Error())
		}
	}

	if err := p.enqueueDedup(ctx, ref.ID); err != nil {
		// Visible failure beats a silently un-deduplicated reference.
		return &types.ImportResult{
			ID:            uuid.NewString(),
			BatchID:       batch.ID,
			LineNo:        lineNo,
			Status:        types.ImportResultPartiallyFailed,
			ReferenceID:   ref.ID,
			FailureCode:   "TaskBusUnavailable",
			FailureReason: err.Error(),
			CreatedAt:     time.Now(),
		}
	}
	return completedResult(batch.ID, lineNo, ref.ID)
}

func (p *Pipeline) enqueueDedup(ctx context.Context, referenceID string) error {
	_, err := p.bus.Enqueue(ctx, types.TaskDedupReference, referenceID, types.DedupTask{ReferenceID: referenceID})
	return err
}

func distinctReferenceIDs(matches []storage.IdentifierMatch) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, m := range matches {
		id := m.Identifier.ReferenceID
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}
