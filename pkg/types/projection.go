package types

import "time"

// DeduplicatedReferenceProjection is the consolidated, index-facing view of a
// canonical reference and all references whose active decision points at it.
// Children keep their source reference_id so the projection is losslessly
// reversible. The projection is derived state: rebuilds are the only write
// path into the search index, and the persisted children remain the source of
// truth.
type DeduplicatedReferenceProjection struct {
	CanonicalID  string               `json:"canonical_id"`
	DuplicateIDs []string             `json:"duplicate_ids,omitempty"`
	Visibility   Visibility           `json:"visibility"`
	Identifiers  []ExternalIdentifier `json:"identifiers"`
	Enhancements []Enhancement        `json:"enhancements"`
	// DecisionEpoch is the canonical's active decision version at build
	// time. Rebuild tasks are keyed on it for idempotence.
	DecisionEpoch uint64    `json:"decision_epoch"`
	RebuiltAt     time.Time `json:"rebuilt_at"`
}

// latestBibliographic returns the most recently updated bibliographic content
// in the projection, or nil.
func (p *DeduplicatedReferenceProjection) latestBibliographic() *BibliographicContent {
	var best *BibliographicContent
	var bestAt time.Time
	for _, e := range p.Enhancements {
		if e.EnhancementType != EnhancementBibliographic {
			continue
		}
		c, ok := e.Content.(BibliographicContent)
		if !ok {
			continue
		}
		if best == nil || e.UpdatedAt.After(bestAt) {
			cc := c
			best = &cc
			bestAt = e.UpdatedAt
		}
	}
	return best
}

// Title returns the projected title, or "".
func (p *DeduplicatedReferenceProjection) Title() string {
	if b := p.latestBibliographic(); b != nil {
		return b.Title
	}
	return ""
}

// Authors returns the projected author list, or nil.
func (p *DeduplicatedReferenceProjection) Authors() []string {
	if b := p.latestBibliographic(); b != nil {
		return b.Authors
	}
	return nil
}

// PublicationYear returns the projected publication year, or 0.
func (p *DeduplicatedReferenceProjection) PublicationYear() int {
	if b := p.latestBibliographic(); b != nil {
		return b.PublicationYear
	}
	return 0
}

// Abstract returns the most recently updated abstract text, or "".
func (p *DeduplicatedReferenceProjection) Abstract() string {
	var best string
	var bestAt time.Time
	var found bool
	for _, e := range p.Enhancements {
		if e.EnhancementType != EnhancementAbstract {
			continue
		}
		c, ok := e.Content.(AbstractContent)
		if !ok {
			continue
		}
		if !found || e.UpdatedAt.After(bestAt) {
			best = c.Text
			bestAt = e.UpdatedAt
			found = true
		}
	}
	return best
}
