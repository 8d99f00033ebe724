package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentifierValidate(t *testing.T) {
	tests := []struct {
		name    string
		ident   ExternalIdentifier
		wantErr bool
	}{
		{
			name:  "valid doi",
			ident: ExternalIdentifier{IdentifierType: IdentifierDOI, Identifier: "10.1234/x"},
		},
		{
			name:    "doi without prefix",
			ident:   ExternalIdentifier{IdentifierType: IdentifierDOI, Identifier: "doi.org/10.1234/x"},
			wantErr: true,
		},
		{
			name:  "valid pm_id",
			ident: ExternalIdentifier{IdentifierType: IdentifierPMID, Identifier: "987654"},
		},
		{
			name:    "pm_id not an integer",
			ident:   ExternalIdentifier{IdentifierType: IdentifierPMID, Identifier: "PMC987654"},
			wantErr: true,
		},
		{
			name:  "valid open_alex",
			ident: ExternalIdentifier{IdentifierType: IdentifierOpenAlex, Identifier: "W2741809807"},
		},
		{
			name:    "open_alex without W prefix",
			ident:   ExternalIdentifier{IdentifierType: IdentifierOpenAlex, Identifier: "2741809807"},
			wantErr: true,
		},
		{
			name:  "other with name",
			ident: ExternalIdentifier{IdentifierType: IdentifierOther, Identifier: "abc", OtherIdentifierName: "arxiv"},
		},
		{
			name:    "other without name",
			ident:   ExternalIdentifier{IdentifierType: IdentifierOther, Identifier: "abc"},
			wantErr: true,
		},
		{
			name:    "name on non-other identifier",
			ident:   ExternalIdentifier{IdentifierType: IdentifierDOI, Identifier: "10.1234/x", OtherIdentifierName: "arxiv"},
			wantErr: true,
		},
		{
			name:    "empty identifier",
			ident:   ExternalIdentifier{IdentifierType: IdentifierDOI},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ident.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIdentifierUnmarshalCoercesNumbers(t *testing.T) {
	var id ExternalIdentifier
	require.NoError(t, json.Unmarshal([]byte(`{"identifier_type":"pm_id","identifier":987654}`), &id))
	assert.Equal(t, "987654", id.Identifier)
	assert.NoError(t, id.Validate())
}

func TestIdentifierUnmarshalRejectsUnknownType(t *testing.T) {
	var id ExternalIdentifier
	err := json.Unmarshal([]byte(`{"identifier_type":"isbn","identifier":"123"}`), &id)
	require.Error(t, err)

	var tagErr *UnknownTagError
	require.ErrorAs(t, err, &tagErr)
	assert.Equal(t, "UnknownIdentifierType", tagErr.Code())
}

func TestIdentifierTuple(t *testing.T) {
	a := ExternalIdentifier{ReferenceID: "r1", IdentifierType: IdentifierDOI, Identifier: "10.1/x"}
	b := ExternalIdentifier{ReferenceID: "r2", IdentifierType: IdentifierDOI, Identifier: "10.1/x"}
	c := ExternalIdentifier{ReferenceID: "r1", IdentifierType: IdentifierOther, Identifier: "10.1/x", OtherIdentifierName: "arxiv"}

	// The uniqueness tuple ignores the owning reference.
	assert.True(t, a.SameTuple(b))
	assert.False(t, a.SameTuple(c))
}

func TestEnhancementRoundTrip(t *testing.T) {
	e := Enhancement{
		ReferenceID:     "ref-1",
		Source:          "manual",
		EnhancementType: EnhancementAbstract,
		Content:         AbstractContent{Text: "A short abstract."},
	}

	data, err := json.Marshal(e)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"enhancement_type":"abstract"`)

	var back Enhancement
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, e.Source, back.Source)
	assert.Equal(t, AbstractContent{Text: "A short abstract."}, back.Content)
}

func TestEnhancementUnmarshalRejectsUnknownType(t *testing.T) {
	var e Enhancement
	err := json.Unmarshal([]byte(`{"source":"manual","enhancement_type":"fulltext","content":{}}`), &e)
	require.Error(t, err)

	var tagErr *UnknownTagError
	require.ErrorAs(t, err, &tagErr)
	assert.Equal(t, "UnknownEnhancementType", tagErr.Code())
}

func TestEnhancementContentMismatch(t *testing.T) {
	e := Enhancement{
		Source:          "manual",
		EnhancementType: EnhancementAbstract,
		Content:         BibliographicContent{Title: "wrong variant"},
	}
	assert.Error(t, e.Validate())

	_, err := json.Marshal(e)
	assert.Error(t, err)
}

func TestReferencePayloadValidate(t *testing.T) {
	valid := ReferencePayload{
		Identifiers: []ExternalIdentifier{
			{IdentifierType: IdentifierDOI, Identifier: "10.1234/x"},
		},
		Enhancements: []Enhancement{
			{Source: "manual", EnhancementType: EnhancementAbstract, Content: AbstractContent{Text: "A"}},
		},
	}
	assert.NoError(t, valid.Validate())

	empty := ReferencePayload{}
	err := empty.Validate()
	require.Error(t, err)
	assert.Equal(t, "SchemaViolation", ErrorCode(err, "ParseError"))
}

func TestDecisionEquivalent(t *testing.T) {
	a := &ReferenceDuplicateDecision{ReferenceID: "r1", Determination: DeterminationDuplicate, CanonicalReferenceID: "c1"}
	b := &ReferenceDuplicateDecision{ReferenceID: "r1", Determination: DeterminationDuplicate, CanonicalReferenceID: "c1", Version: 4}
	c := &ReferenceDuplicateDecision{ReferenceID: "r1", Determination: DeterminationDuplicate, CanonicalReferenceID: "c2"}

	assert.True(t, a.Equivalent(b))
	assert.False(t, a.Equivalent(c))
	assert.False(t, a.Equivalent(nil))
}

func TestRequestStatusTerminal(t *testing.T) {
	assert.False(t, RequestReceived.Terminal())
	assert.False(t, RequestIndexing.Terminal())
	assert.True(t, RequestCompleted.Terminal())
	assert.True(t, RequestFailed.Terminal())
	assert.True(t, RequestPartialFailed.Terminal())
	assert.True(t, RequestIndexingFailed.Terminal())
}

func TestProjectionAccessors(t *testing.T) {
	p := DeduplicatedReferenceProjection{
		CanonicalID: "c1",
		Enhancements: []Enhancement{
			{
				ReferenceID:     "c1",
				Source:          "open_alex",
				EnhancementType: EnhancementBibliographic,
				Content: BibliographicContent{
					Title:           "Continuous calibration",
					Authors:         []string{"A. Author", "B. Author"},
					PublicationYear: 2023,
				},
			},
			{
				ReferenceID:     "d1",
				Source:          "manual",
				EnhancementType: EnhancementAbstract,
				Content:         AbstractContent{Text: "An abstract."},
			},
		},
	}

	assert.Equal(t, "Continuous calibration", p.Title())
	assert.Equal(t, 2023, p.PublicationYear())
	assert.Equal(t, []string{"A. Author", "B. Author"}, p.Authors())
	assert.Equal(t, "An abstract.", p.Abstract())
}
