package dedup

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTitleJaccardPunctuationVariant(t *testing.T) {
	a := "Measurement of flavour tagging performance in proton collisions at 13 TeV"
	b := "Measurement of flavour-tagging performance in proton collisions at 13 TeV."
	assert.InDelta(t, 1.0, titleJaccard(a, b), 0.001,
		"hyphenation and trailing punctuation must not move the score")
}

func TestTitleJaccardUnrelatedTitles(t *testing.T) {
	a := "Effects of fermentation temperature on sausage microbiota"
	b := "Combined measurement of the Higgs boson mass in the diphoton channel"
	assert.Less(t, titleJaccard(a, b), 0.3)
}

func TestTitleJaccardBigramRescue(t *testing.T) {
	// Token sets differ only in stop-ish words; preserved order keeps the
	// bigram score at least as high as the token score.
	a := "deep learning for protein structure prediction"
	b := "deep learning for protein structure prediction methods"
	score := titleJaccard(a, b)
	assert.GreaterOrEqual(t, score, 0.8)
}

func TestAuthorOverlapSaturates(t *testing.T) {
	var big []string
	for i := 0; i < 2900; i++ {
		big = append(big, fmt.Sprintf("Author %04d", i))
	}
	small := []string{"Author 0001", "Author 0002"}

	// Two shared names against a saturating cap of 10: the smaller side has
	// two authors, both shared.
	assert.InDelta(t, 1.0, authorOverlap(big, small, 10), 0.001)

	// Fifty shared names cap at 10/10, not 50/50.
	shared := big[:50]
	assert.InDelta(t, 1.0, authorOverlap(big, shared, 10), 0.001)
}

func TestAuthorOverlapDisjoint(t *testing.T) {
	assert.Zero(t, authorOverlap([]string{"A. Smith"}, []string{"B. Jones"}, 10))
	assert.Zero(t, authorOverlap(nil, []string{"B. Jones"}, 10))
}

func TestNumbersDisagree(t *testing.T) {
	assert.True(t, numbersDisagree(
		"Measurements of jet production at 13 TeV",
		"Measurements of jet production at 8 TeV"))
	assert.False(t, numbersDisagree(
		"Measurements of jet production at 13 TeV",
		"Measurements of jet production at 13 TeV"))
	assert.False(t, numbersDisagree("A study of yeast", "A study of yeast cells"))
	assert.True(t, numbersDisagree("Clinical trial part 2", "Clinical trial"))
}

func TestKeywordConflict(t *testing.T) {
	assert.True(t, keywordConflict(
		"Comment on the measurement of neutrino oscillations",
		"Measurement of neutrino oscillations"))
	assert.False(t, keywordConflict(
		"Reply to comment on neutrino oscillations",
		"Reply to comment on neutrino oscillations"))
	assert.False(t, keywordConflict("A", "B"))
}

func TestYearMatch(t *testing.T) {
	assert.True(t, yearMatch(2020, 2021))
	assert.True(t, yearMatch(2020, 2020))
	assert.False(t, yearMatch(2020, 2022))
	assert.False(t, yearMatch(0, 2020), "missing years never match")
	assert.False(t, yearMatch(2020, 0))
}

func TestThresholdDeterminator(t *testing.T) {
	det := ThresholdDeterminator{DuplicateJaccard: 0.5, FloorJaccard: 0.3}

	tests := []struct {
		name string
		f    Features
		want Verdict
	}{
		{
			name: "confident title and year",
			f:    Features{TitleJaccard: 0.9, YearMatch: true},
			want: VerdictDuplicate,
		},
		{
			name: "confident title without year",
			f:    Features{TitleJaccard: 0.9},
			want: VerdictReject,
		},
		{
			name: "shared identifier above floor",
			f:    Features{TitleJaccard: 0.35, SharedNonTrusted: true},
			want: VerdictDuplicate,
		},
		{
			name: "shared identifier below floor",
			f:    Features{TitleJaccard: 0.1, SharedNonTrusted: true},
			want: VerdictReject,
		},
		{
			name: "mid band with number conflict",
			f:    Features{TitleJaccard: 0.4, YearMatch: true, NumberConflict: true},
			want: VerdictUnresolved,
		},
		{
			name: "mid band clean",
			f:    Features{TitleJaccard: 0.4, YearMatch: true},
			want: VerdictReject,
		},
		{
			name: "derived work over threshold",
			f:    Features{TitleJaccard: 0.7, YearMatch: true, KeywordConflict: true},
			want: VerdictUnresolved,
		},
		{
			name: "unrelated",
			f:    Features{TitleJaccard: 0.05},
			want: VerdictReject,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, det.Determine(tt.f))
		})
	}
}
