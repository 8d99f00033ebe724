package types

import "time"

// CollisionStrategy selects how the ingestion pipeline resolves an identifier
// collision against an existing reference.
type CollisionStrategy string

const (
	CollisionFail            CollisionStrategy = "fail"
	CollisionOverwrite       CollisionStrategy = "overwrite"
	CollisionMergeDefensive  CollisionStrategy = "merge_defensive"
	CollisionMergeAggressive CollisionStrategy = "merge_aggressive"
	CollisionDiscard         CollisionStrategy = "discard"
)

// KnownCollisionStrategy reports whether s is a member of the closed set.
func KnownCollisionStrategy(s CollisionStrategy) bool {
	switch s {
	case CollisionFail, CollisionOverwrite, CollisionMergeDefensive,
		CollisionMergeAggressive, CollisionDiscard:
		return true
	}
	return false
}

// ImportBatchStatus is the batch-level lifecycle. A batch completes once
// every entry carries a terminal result, even if every entry failed; the
// batch itself never reports failure.
type ImportBatchStatus string

const (
	ImportBatchCreated   ImportBatchStatus = "created"
	ImportBatchStarted   ImportBatchStatus = "started"
	ImportBatchCompleted ImportBatchStatus = "completed"
	ImportBatchCancelled ImportBatchStatus = "cancelled"
)

// ImportResultStatus is the terminal status of a single imported entry.
type ImportResultStatus string

const (
	ImportResultCompleted       ImportResultStatus = "completed"
	ImportResultFailed          ImportResultStatus = "failed"
	ImportResultPartiallyFailed ImportResultStatus = "partially_failed"
	ImportResultCancelled       ImportResultStatus = "cancelled"
)

// ImportRecord groups the batches of one logical import.
type ImportRecord struct {
	ID        string    `json:"id"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ImportBatch is one JSONL file to ingest under a single collision strategy.
// StorageKey addresses the file in blob storage; StorageURL is the pre-signed
// URL handed in by the caller, when the file lives outside the repository.
type ImportBatch struct {
	ID                string            `json:"id"`
	RecordID          string            `json:"record_id"`
	CollisionStrategy CollisionStrategy `json:"collision_strategy"`
	StorageKey        string            `json:"storage_key,omitempty"`
	StorageURL        string            `json:"storage_url,omitempty"`
	Status            ImportBatchStatus `json:"status"`
	CreatedAt         time.Time         `json:"created_at"`
	CompletedAt       time.Time         `json:"completed_at,omitempty"`
}

// ImportResult is the terminal outcome of one JSONL line.
type ImportResult struct {
	ID          string             `json:"id"`
	BatchID     string             `json:"batch_id"`
	LineNo      int                `json:"line_no"`
	Status      ImportResultStatus `json:"status"`
	ReferenceID string             `json:"reference_id,omitempty"`
	// FailureCode is the stable machine-readable code; FailureReason the
	// human message. Both empty on success.
	FailureCode   string    `json:"failure_code,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ReferencePayload is the wire shape of one import line: a reference with its
// identifiers and optional enhancements.
type ReferencePayload struct {
	Visibility   Visibility           `json:"visibility,omitempty"`
	Identifiers  []ExternalIdentifier `json:"identifiers"`
	Enhancements []Enhancement        `json:"enhancements,omitempty"`
}

// Validate applies the entry-level rules: at least one identifier, every
// identifier and enhancement valid for its type.
func (p *ReferencePayload) Validate() error {
	if len(p.Identifiers) == 0 {
		return &SchemaViolationError{Field: "identifiers", Reason: "a reference needs at least one identifier"}
	}
	for _, id := range p.Identifiers {
		if err := id.Validate(); err != nil {
			return err
		}
	}
	for _, enh := range p.Enhancements {
		if err := enh.Validate(); err != nil {
			return err
		}
	}
	if p.Visibility != "" {
		switch p.Visibility {
		case VisibilityPublic, VisibilityRestricted, VisibilityHidden:
		default:
			return &SchemaViolationError{Field: "visibility", Reason: "unknown visibility"}
		}
	}
	return nil
}
