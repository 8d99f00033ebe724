package dedup

// Verdict is the per-candidate outcome of deep determination.
type Verdict int

const (
	// VerdictReject means the candidate is not the same work.
	VerdictReject Verdict = iota
	// VerdictDuplicate means the candidate is the same work.
	VerdictDuplicate
	// VerdictUnresolved means the pair is too close to call automatically.
	VerdictUnresolved
)

// Determinator turns pairwise features into a verdict. The engine accepts
// any implementation; the default is threshold-based.
type Determinator interface {
	Determine(f Features) Verdict
}

// ThresholdDeterminator applies the default decision rule over configured
// Jaccard thresholds.
type ThresholdDeterminator struct {
	// DuplicateJaccard is the title similarity above which a year match
	// suffices for a duplicate call.
	DuplicateJaccard float64
	// FloorJaccard is the minimum title similarity under which no signal
	// combination can produce a duplicate.
	FloorJaccard float64
}

// Determine implements the default rule: confident title match plus year, or
// a shared non-trusted identifier above the floor. Mid-band scores with
// conflicting signals go to manual review.
func (d ThresholdDeterminator) Determine(f Features) Verdict {
	if f.TitleJaccard >= d.DuplicateJaccard && f.YearMatch && !f.KeywordConflict {
		return VerdictDuplicate
	}
	if f.SharedNonTrusted && f.TitleJaccard >= d.FloorJaccard {
		return VerdictDuplicate
	}
	if f.TitleJaccard >= d.FloorJaccard && f.TitleJaccard < d.DuplicateJaccard {
		if f.NumberConflict || f.KeywordConflict {
			return VerdictUnresolved
		}
	}
	if f.TitleJaccard >= d.DuplicateJaccard && f.KeywordConflict {
		// A reply or erratum can reproduce the parent title verbatim.
		return VerdictUnresolved
	}
	return VerdictReject
}
