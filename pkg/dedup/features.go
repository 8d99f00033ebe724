package dedup

import (
	"strings"
	"unicode"

	"github.com/destinylab/destiny/pkg/index"
)

// Features holds the pairwise comparison signals between an incoming
// reference and one candidate canonical.
type Features struct {
	TitleJaccard     float64
	AuthorOverlap    float64
	YearMatch        bool
	SharedNonTrusted bool
	LengthRatio      float64
	NumberConflict   bool
	KeywordConflict  bool
}

// conflictKeywords mark derived works that routinely share most of a title
// with the work they respond to.
var conflictKeywords = []string{"reply", "erratum", "comment", "correction", "corrigendum"}

func tokenSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func bigrams(tokens []string) map[string]struct{} {
	set := make(map[string]struct{})
	for i := 0; i+1 < len(tokens); i++ {
		set[tokens[i]+" "+tokens[i+1]] = struct{}{}
	}
	return set
}

// titleJaccard is the better of token-set and bigram Jaccard over the
// normalized titles. Bigrams reward preserved word order; the max keeps
// punctuation-only edits from dragging the score down.
func titleJaccard(a, b string) float64 {
	at, bt := index.Tokenize(a), index.Tokenize(b)
	score := jaccard(tokenSet(at), tokenSet(bt))
	if bg := jaccard(bigrams(at), bigrams(bt)); bg > score {
		score = bg
	}
	return score
}

// authorOverlap counts shared normalized author names, saturating at cap so
// a 3,000-author collaboration list cannot buy a duplicate call on its own.
func authorOverlap(a, b []string, cap int) float64 {
	if cap <= 0 {
		cap = 10
	}
	aset := make(map[string]struct{}, len(a))
	for _, name := range a {
		aset[normalizeAuthor(name)] = struct{}{}
	}
	shared := 0
	seen := make(map[string]struct{}, len(b))
	for _, name := range b {
		n := normalizeAuthor(name)
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		if _, ok := aset[n]; ok {
			shared++
			if shared >= cap {
				break
			}
		}
	}
	smaller := len(aset)
	if len(seen) < smaller {
		smaller = len(seen)
	}
	if smaller == 0 {
		return 0
	}
	if smaller > cap {
		smaller = cap
	}
	return float64(shared) / float64(smaller)
}

func normalizeAuthor(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// numberTokens extracts the digit-bearing tokens of a title. Papers in a
// series ("Part II", "at 13 TeV") differ exactly here.
func numberTokens(title string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range index.Tokenize(title) {
		if strings.IndexFunc(t, unicode.IsDigit) >= 0 {
			set[t] = struct{}{}
		}
	}
	return set
}

// numbersDisagree reports whether the two titles carry different number
// tokens. Both empty or identical sets agree.
func numbersDisagree(a, b string) bool {
	an, bn := numberTokens(a), numberTokens(b)
	if len(an) != len(bn) {
		return true
	}
	for t := range an {
		if _, ok := bn[t]; !ok {
			return true
		}
	}
	return false
}

// keywordConflict reports a derived-work keyword present in exactly one of
// the titles.
func keywordConflict(a, b string) bool {
	aset, bset := tokenSet(index.Tokenize(a)), tokenSet(index.Tokenize(b))
	for _, kw := range conflictKeywords {
		_, inA := aset[kw]
		_, inB := bset[kw]
		if inA != inB {
			return true
		}
	}
	return false
}

// lengthRatio is shorter/longer token count; 1.0 for equal lengths.
func lengthRatio(a, b string) float64 {
	la, lb := len(index.Tokenize(a)), len(index.Tokenize(b))
	if la == 0 || lb == 0 {
		return 0
	}
	if la > lb {
		la, lb = lb, la
	}
	return float64(la) / float64(lb)
}

func yearMatch(a, b int) bool {
	if a == 0 || b == 0 {
		return false
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff <= 1
}
