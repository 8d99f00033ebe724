package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/destinylab/destiny/pkg/events"
	"github.com/destinylab/destiny/pkg/index"
	"github.com/destinylab/destiny/pkg/log"
	"github.com/destinylab/destiny/pkg/metrics"
	"github.com/destinylab/destiny/pkg/storage"
	"github.com/destinylab/destiny/pkg/taskbus"
	"github.com/destinylab/destiny/pkg/types"
)

// Config tunes the engine.
type Config struct {
	TrustedIdentifierTypes []types.IdentifierType
	CandidateK             int
	AuthorSaturation       int
	MaxPromoteRetries      int
}

// Engine decides the duplicate status of references.
type Engine struct {
	store  storage.Store
	ix     *index.Index
	bus    *taskbus.Bus
	broker *events.Broker
	det    Determinator
	cfg    Config
}

// NewEngine wires the engine. det may be nil, in which case the threshold
// determinator with the given config is used. broker may be nil.
func NewEngine(store storage.Store, ix *index.Index, bus *taskbus.Bus, broker *events.Broker, det Determinator, cfg Config) *Engine {
	if cfg.MaxPromoteRetries <= 0 {
		cfg.MaxPromoteRetries = 3
	}
	if det == nil {
		det = ThresholdDeterminator{DuplicateJaccard: 0.5, FloorJaccard: 0.3}
	}
	return &Engine{store: store, ix: ix, bus: bus, broker: broker, det: det, cfg: cfg}
}

// Outcome reports what Decide did for one reference.
type Outcome struct {
	Determination types.Determination
	CanonicalID   string
	// Promoted is false for no-ops and manual-review outcomes.
	Promoted bool
	// Manual marks an outcome the engine refused to promote automatically.
	Manual bool
}

// proposal is the engine's intent before action resolution.
type proposal struct {
	determination types.Determination
	canonicalID   string
	// pullIns are matched references without an active decision that join
	// the same duplicate group.
	pullIns []string
}

// HandleTask is the task bus handler for dedup tasks.
func (e *Engine) HandleTask(ctx context.Context, task *taskbus.Task) error {
	var payload types.DedupTask
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("bad dedup task payload: %w", err)
	}
	_, err := e.Decide(ctx, payload.ReferenceID)
	return err
}

// Decide runs the four-phase pipeline for one reference. Re-running on an
// unchanged store never changes an active decision.
func (e *Engine) Decide(ctx context.Context, referenceID string) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := log.WithReferenceID(referenceID)

	if _, err := e.store.GetReference(referenceID); err != nil {
		return nil, err
	}

	prop, err := e.propose(referenceID)
	if err != nil {
		return nil, err
	}
	return e.resolve(referenceID, prop, logger)
}

// propose runs phases 1-3 and returns the intended decision.
func (e *Engine) propose(referenceID string) (*proposal, error) {
	if prop, err := e.identifierShortcut(referenceID); err != nil || prop != nil {
		return prop, err
	}
	return e.deepDetermination(referenceID)
}

// identifierShortcut is phase 1: resolve identifiers against active
// decisions. The lookup covers every identifier the reference carries; only
// trusted identifiers may fire the shortcut, but a canonical implicated
// through an untrusted identifier still counts as contradicting evidence.
// Returns nil when the phase does not fire.
func (e *Engine) identifierShortcut(referenceID string) (*proposal, error) {
	idents, err := e.store.ListIdentifiers(referenceID)
	if err != nil {
		return nil, err
	}
	if len(idents) == 0 {
		return nil, nil
	}
	trusted := make(map[types.IdentifierType]bool, len(e.cfg.TrustedIdentifierTypes))
	for _, t := range e.cfg.TrustedIdentifierTypes {
		trusted[t] = true
	}

	matches, err := e.store.FindReferencesByIdentifiers(idents)
	if err != nil {
		return nil, err
	}

	canonicals := make(map[string]bool)
	sideCanonicals := make(map[string]bool)
	undecided := make(map[string]bool)
	conflicted := false
	trustedHit := false
	for _, m := range matches {
		other := m.Identifier.ReferenceID
		if other == referenceID {
			continue
		}
		if !trusted[m.Identifier.IdentifierType] {
			if m.ActiveDecision == nil {
				continue
			}
			switch {
			case m.ActiveDecision.Determination == types.DeterminationCanonical:
				sideCanonicals[other] = true
			case m.ActiveDecision.Determination.PointsToCanonical():
				sideCanonicals[m.ActiveDecision.CanonicalReferenceID] = true
			}
			continue
		}
		trustedHit = true
		switch {
		case m.ActiveDecision == nil:
			undecided[other] = true
		case m.ActiveDecision.Determination == types.DeterminationCanonical:
			canonicals[other] = true
		case m.ActiveDecision.Determination.PointsToCanonical():
			canonicals[m.ActiveDecision.CanonicalReferenceID] = true
		default:
			// DECOUPLED or UNRESOLVED: a human already looked at this
			// neighborhood, or should.
			conflicted = true
		}
	}
	if !trustedHit {
		return nil, nil
	}

	implicated := make(map[string]bool, len(canonicals)+len(sideCanonicals))
	for c := range canonicals {
		implicated[c] = true
	}
	for c := range sideCanonicals {
		implicated[c] = true
	}
	if conflicted || len(implicated) >= 2 {
		return &proposal{determination: types.DeterminationUnresolved}, nil
	}
	if len(canonicals) == 1 {
		var canonical string
		for c := range canonicals {
			canonical = c
		}
		return &proposal{
			determination: types.DeterminationDuplicate,
			canonicalID:   canonical,
			pullIns:       sortedKeys(undecided),
		}, nil
	}
	if len(sideCanonicals) == 1 {
		// The trusted matches are all undecided while an untrusted
		// identifier already lands in a canonical group. Electing a fresh
		// canonical next to it would split the work.
		return &proposal{determination: types.DeterminationUnresolved}, nil
	}

	// Trusted matches exist but none is decided: the group has no canonical.
	// Elect the lexicographically smallest id so concurrent deciders agree.
	group := append(sortedKeys(undecided), referenceID)
	sort.Strings(group)
	if group[0] == referenceID {
		return &proposal{
			determination: types.DeterminationCanonical,
			pullIns:       group[1:],
		}, nil
	}
	var rest []string
	for _, id := range group[1:] {
		if id != referenceID {
			rest = append(rest, id)
		}
	}
	return &proposal{
		determination: types.DeterminationDuplicate,
		canonicalID:   group[0],
		pullIns:       rest,
	}, nil
}

// deepDetermination is phases 2 and 3: candidate recall plus pairwise
// feature scoring.
func (e *Engine) deepDetermination(referenceID string) (*proposal, error) {
	if e.cfg.CandidateK <= 0 {
		return &proposal{determination: types.DeterminationCanonical}, nil
	}

	doc, err := e.searchDoc(referenceID)
	if err != nil {
		return nil, err
	}

	candidates := e.ix.Search(index.CandidateQuery{
		Title:   doc.Title,
		Authors: doc.Authors,
		Year:    doc.Year,
	}, e.cfg.CandidateK)
	metrics.CandidateRecallSize.Observe(float64(len(candidates)))

	ownIdents, err := e.store.ListIdentifiers(referenceID)
	if err != nil {
		return nil, err
	}

	var duplicates []string
	unresolved := false
	for _, cand := range candidates {
		if cand.Doc.CanonicalID == referenceID {
			continue
		}
		f, err := e.featuresAgainst(doc, ownIdents, cand.Doc)
		if err != nil {
			return nil, err
		}
		switch e.det.Determine(f) {
		case VerdictDuplicate:
			duplicates = append(duplicates, cand.Doc.CanonicalID)
		case VerdictUnresolved:
			unresolved = true
		}
	}

	if len(duplicates) > 0 {
		// Deterministic, arbitrary, and safe: the star property holds for
		// any choice.
		sort.Strings(duplicates)
		return &proposal{determination: types.DeterminationDuplicate, canonicalID: duplicates[0]}, nil
	}
	if unresolved {
		return &proposal{determination: types.DeterminationUnresolved}, nil
	}
	return &proposal{determination: types.DeterminationCanonical}, nil
}

// searchDoc projects the reference into the small candidate document.
func (e *Engine) searchDoc(referenceID string) (*index.CandidateDoc, error) {
	enhs, err := e.store.ListEnhancements(referenceID)
	if err != nil {
		return nil, err
	}
	doc := &index.CandidateDoc{CanonicalID: referenceID}
	for _, enh := range enhs {
		// Insertion order is the supersession order; the last row wins.
		switch c := enh.Content.(type) {
		case types.BibliographicContent:
			doc.Title = c.Title
			doc.Authors = c.Authors
			doc.Year = c.PublicationYear
		case types.AbstractContent:
			doc.Abstract = c.Text
		}
	}
	return doc, nil
}

// featuresAgainst compares the incoming document to one candidate canonical.
func (e *Engine) featuresAgainst(doc *index.CandidateDoc, ownIdents []types.ExternalIdentifier, cand index.CandidateDoc) (Features, error) {
	trusted := make(map[types.IdentifierType]bool, len(e.cfg.TrustedIdentifierTypes))
	for _, t := range e.cfg.TrustedIdentifierTypes {
		trusted[t] = true
	}

	candTuples := make(map[string]bool)
	if proj, err := e.store.GetProjection(cand.CanonicalID); err == nil && proj != nil {
		for _, id := range proj.Identifiers {
			if !trusted[id.IdentifierType] {
				candTuples[id.Tuple()] = true
			}
		}
	} else {
		ids, err := e.store.ListIdentifiers(cand.CanonicalID)
		if err != nil {
			return Features{}, err
		}
		for _, id := range ids {
			if !trusted[id.IdentifierType] {
				candTuples[id.Tuple()] = true
			}
		}
	}
	shared := false
	for _, id := range ownIdents {
		if !trusted[id.IdentifierType] && candTuples[id.Tuple()] {
			shared = true
			break
		}
	}

	return Features{
		TitleJaccard:     titleJaccard(doc.Title, cand.Title),
		AuthorOverlap:    authorOverlap(doc.Authors, cand.Authors, e.cfg.AuthorSaturation),
		YearMatch:        yearMatch(doc.Year, cand.Year),
		SharedNonTrusted: shared,
		LengthRatio:      lengthRatio(doc.Title, cand.Title),
		NumberConflict:   numbersDisagree(doc.Title, cand.Title),
		KeywordConflict:  keywordConflict(doc.Title, cand.Title),
	}, nil
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
