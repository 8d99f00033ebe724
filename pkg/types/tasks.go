package types

// Well-known task kinds on the task bus. Producers and consumers agree on
// these names and on the payload shapes below.
const (
	TaskImportBatch       = "import_batch"
	TaskDedupReference    = "dedup_reference"
	TaskRebuildProjection = "rebuild_projection"
	TaskFinalizeRequest   = "finalize_request"
	TaskExpireBatches     = "expire_batches"
)

// ImportBatchTask asks the ingestion pipeline to process one batch.
type ImportBatchTask struct {
	BatchID string `json:"batch_id"`
}

// DedupTask asks the deduplication engine to decide one reference.
type DedupTask struct {
	ReferenceID string `json:"reference_id"`
}

// RebuildProjectionTask asks the projection builder to rebuild the
// deduplicated view of one canonical.
type RebuildProjectionTask struct {
	CanonicalID string `json:"canonical_id"`
}

// FinalizeRequestTask asks the orchestrator to settle a request whose last
// batch has been imported.
type FinalizeRequestTask struct {
	RequestID string `json:"request_id"`
}
