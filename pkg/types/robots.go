package types

import (
	"encoding/json"
	"time"
)

// Robot is a registered external enhancement worker. The client secret is
// visible only at issuance and rotation; at rest it is stored encrypted.
type Robot struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	BaseURL         string    `json:"base_url"`
	Owner           string    `json:"owner"`
	ClientSecretEnc []byte    `json:"client_secret_enc,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// RobotAutomation is a stored percolator query owned by a robot. Changesets
// matching the query produce enhancement requests for the robot.
type RobotAutomation struct {
	ID        string          `json:"id"`
	RobotID   string          `json:"robot_id"`
	Query     json.RawMessage `json:"query"`
	CreatedAt time.Time       `json:"created_at"`
}

// EnhancementRequestStatus is the request lifecycle.
type EnhancementRequestStatus string

const (
	RequestReceived       EnhancementRequestStatus = "RECEIVED"
	RequestAccepted       EnhancementRequestStatus = "ACCEPTED"
	RequestProcessing     EnhancementRequestStatus = "PROCESSING"
	RequestImporting      EnhancementRequestStatus = "IMPORTING"
	RequestIndexing       EnhancementRequestStatus = "INDEXING"
	RequestPartialFailed  EnhancementRequestStatus = "PARTIAL_FAILED"
	RequestFailed         EnhancementRequestStatus = "FAILED"
	RequestIndexingFailed EnhancementRequestStatus = "INDEXING_FAILED"
	RequestCompleted      EnhancementRequestStatus = "COMPLETED"
)

// Terminal reports whether the status admits no further transitions.
func (s EnhancementRequestStatus) Terminal() bool {
	switch s {
	case RequestPartialFailed, RequestFailed, RequestIndexingFailed, RequestCompleted:
		return true
	}
	return false
}

// EnhancementRequest asks one robot to enhance a set of references. Batches
// are cut from the reference set on demand when the robot polls.
type EnhancementRequest struct {
	ID           string                   `json:"id"`
	RobotID      string                   `json:"robot_id"`
	ReferenceIDs []string                 `json:"reference_ids"`
	Status       EnhancementRequestStatus `json:"status"`
	// SourceRobotID records the robot whose enhancements triggered this
	// request, when it was created by an automation. Cycle protection
	// refuses to create a request for the robot that produced the
	// triggering changeset.
	SourceRobotID string    `json:"source_robot_id,omitempty"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RobotBatchStatus is the lifecycle of one polled batch.
type RobotBatchStatus string

const (
	BatchPending  RobotBatchStatus = "pending"
	BatchReturned RobotBatchStatus = "returned"
	BatchImported RobotBatchStatus = "imported"
	BatchFailed   RobotBatchStatus = "failed"
	BatchExpired  RobotBatchStatus = "expired"
)

// RobotEnhancementBatch is a slice of a request handed to a polling robot.
// The reference data is written to blob storage; the robot reads it through a
// pre-signed URL and uploads its result through a second one.
type RobotEnhancementBatch struct {
	ID               string           `json:"id"`
	RequestID        string           `json:"request_id"`
	RobotID          string           `json:"robot_id"`
	ReferenceIDs     []string         `json:"reference_ids"`
	ReferenceBlobKey string           `json:"reference_blob_key"`
	ResultBlobKey    string           `json:"result_blob_key"`
	ReportBlobKey    string           `json:"report_blob_key,omitempty"`
	Deadline         time.Time        `json:"deadline"`
	Status           RobotBatchStatus `json:"status"`
	Error            string           `json:"error,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// LinkedRobotError is a per-reference failure reported inside a batch result.
// A global robot error fails the whole batch instead and is carried on the
// result submission, not per line.
type LinkedRobotError struct {
	ReferenceID string `json:"reference_id"`
	Message     string `json:"message"`
}
