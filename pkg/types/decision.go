package types

import "time"

// Determination classifies a reference within the duplicate graph.
type Determination string

const (
	DeterminationCanonical      Determination = "CANONICAL"
	DeterminationDuplicate      Determination = "DUPLICATE"
	DeterminationExactDuplicate Determination = "EXACT_DUPLICATE"
	DeterminationDecoupled      Determination = "DECOUPLED"
	DeterminationUnresolved     Determination = "UNRESOLVED"
)

// KnownDetermination reports whether d is a member of the closed set.
func KnownDetermination(d Determination) bool {
	switch d {
	case DeterminationCanonical, DeterminationDuplicate, DeterminationExactDuplicate,
		DeterminationDecoupled, DeterminationUnresolved:
		return true
	}
	return false
}

// PointsToCanonical reports whether the determination carries a canonical
// reference id. Duplicates of either kind point at their canonical; the
// remaining determinations stand alone.
func (d Determination) PointsToCanonical() bool {
	return d == DeterminationDuplicate || d == DeterminationExactDuplicate
}

// ReferenceDuplicateDecision is one entry in a reference's duplicate-decision
// history. Decisions are immutable: a state change inserts a new decision and
// deactivates the previous one in the same transaction. At most one decision
// per reference is active. The active-decision graph is a star: duplicates
// point only at canonicals.
type ReferenceDuplicateDecision struct {
	ID                   string        `json:"id"`
	ReferenceID          string        `json:"reference_id"`
	CanonicalReferenceID string        `json:"canonical_reference_id,omitempty"`
	Determination        Determination `json:"determination"`
	Active               bool          `json:"active"`
	// Version counts promotions for the reference and is the optimistic
	// concurrency token for PromoteDecision.
	Version   uint64    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// Equivalent reports whether two decisions express the same determination
// against the same canonical. Used to detect no-op promotions.
func (d *ReferenceDuplicateDecision) Equivalent(other *ReferenceDuplicateDecision) bool {
	if d == nil || other == nil {
		return d == other
	}
	return d.Determination == other.Determination &&
		d.CanonicalReferenceID == other.CanonicalReferenceID
}
