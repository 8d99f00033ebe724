package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/destinylab/destiny/pkg/types"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDecisionStale is returned by PromoteDecision when a concurrent
	// writer advanced the decision history past the expected version.
	ErrDecisionStale = errors.New("decision history advanced concurrently")
)

// IdentifierCollisionError reports that one or more identifier tuples already
// map to another reference. Conflicting holds the stored rows, each carrying
// the owning reference id.
type IdentifierCollisionError struct {
	Conflicting []types.ExternalIdentifier
}

func (e *IdentifierCollisionError) Error() string {
	tuples := make([]string, 0, len(e.Conflicting))
	for _, id := range e.Conflicting {
		tuples = append(tuples, fmt.Sprintf("%s:%s->%s", id.IdentifierType, id.Identifier, id.ReferenceID))
	}
	return fmt.Sprintf("identifier collision: %s", strings.Join(tuples, ", "))
}

func (e *IdentifierCollisionError) Code() string { return "IdentifierCollision" }

// ReferenceIDs returns the distinct existing references named by the
// collision, in stable order.
func (e *IdentifierCollisionError) ReferenceIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, id := range e.Conflicting {
		if !seen[id.ReferenceID] {
			seen[id.ReferenceID] = true
			ids = append(ids, id.ReferenceID)
		}
	}
	return ids
}

// DecisionGraphError reports an attempted promotion that would corrupt the
// star property of the active-decision graph.
type DecisionGraphError struct {
	ReferenceID string
	Reason      string
}

func (e *DecisionGraphError) Error() string {
	return fmt.Sprintf("decision graph corruption on %s: %s", e.ReferenceID, e.Reason)
}

func (e *DecisionGraphError) Code() string { return "DecisionGraphCorruption" }
