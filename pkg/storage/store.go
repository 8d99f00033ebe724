package storage

import (
	"github.com/destinylab/destiny/pkg/types"
)

// IdentifierMatch pairs a stored identifier row with the active decision of
// its owning reference, if any.
type IdentifierMatch struct {
	Identifier     types.ExternalIdentifier
	ActiveDecision *types.ReferenceDuplicateDecision
}

// Store defines the interface of the primary store. Implementations must make
// UpsertIdentifiers an atomic check-and-insert and PromoteDecision an atomic
// deactivate-and-insert guarded by the decision version.
type Store interface {
	// References
	CreateReference(ref *types.Reference) error
	CreateReferenceWithIdentifiers(ref *types.Reference, ids []types.ExternalIdentifier) error
	GetReference(id string) (*types.Reference, error)
	UpdateReferenceVisibility(id string, v types.Visibility) error
	ListReferences() ([]*types.Reference, error)

	// External identifiers
	UpsertIdentifiers(referenceID string, ids []types.ExternalIdentifier) error
	ListIdentifiers(referenceID string) ([]types.ExternalIdentifier, error)
	FindReferencesByIdentifiers(ids []types.ExternalIdentifier) ([]IdentifierMatch, error)

	// Enhancements (append-only; insertion order defines latest-wins)
	AddEnhancements(referenceID string, enhs []types.Enhancement) error
	ListEnhancements(referenceID string) ([]types.Enhancement, error)

	// Duplicate decisions
	GetActiveDecision(referenceID string) (*types.ReferenceDuplicateDecision, error)
	PromoteDecision(d *types.ReferenceDuplicateDecision, expectedVersion uint64) error
	ListDecisionHistory(referenceID string) ([]*types.ReferenceDuplicateDecision, error)
	ListDuplicatesOf(canonicalID string) ([]string, error)

	// Imports
	CreateImportRecord(rec *types.ImportRecord) error
	GetImportRecord(id string) (*types.ImportRecord, error)
	CreateImportBatch(batch *types.ImportBatch) error
	GetImportBatch(id string) (*types.ImportBatch, error)
	UpdateImportBatch(batch *types.ImportBatch) error
	PutImportResult(res *types.ImportResult) error
	ListImportResults(batchID string) ([]*types.ImportResult, error)

	// Robots and automations
	CreateRobot(robot *types.Robot) error
	GetRobot(id string) (*types.Robot, error)
	GetRobotByName(name string) (*types.Robot, error)
	ListRobots() ([]*types.Robot, error)
	UpdateRobot(robot *types.Robot) error
	CreateAutomation(a *types.RobotAutomation) error
	GetAutomation(id string) (*types.RobotAutomation, error)
	ListAutomations() ([]*types.RobotAutomation, error)

	// Enhancement requests and robot batches
	CreateEnhancementRequest(req *types.EnhancementRequest) error
	GetEnhancementRequest(id string) (*types.EnhancementRequest, error)
	UpdateEnhancementRequest(req *types.EnhancementRequest) error
	ListOpenRequestsByRobot(robotID string) ([]*types.EnhancementRequest, error)
	CreateRobotBatch(batch *types.RobotEnhancementBatch) error
	GetRobotBatch(id string) (*types.RobotEnhancementBatch, error)
	UpdateRobotBatch(batch *types.RobotEnhancementBatch) error
	ListBatchesByRequest(requestID string) ([]*types.RobotEnhancementBatch, error)
	ListPendingBatches() ([]*types.RobotEnhancementBatch, error)

	// Deduplicated projections
	PutProjection(p *types.DeduplicatedReferenceProjection) error
	GetProjection(canonicalID string) (*types.DeduplicatedReferenceProjection, error)
	DeleteProjection(canonicalID string) error
	ListProjections() ([]*types.DeduplicatedReferenceProjection, error)

	// Utility
	Close() error
}
