package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, src string) Query {
	t.Helper()
	q, err := ParseQuery([]byte(src))
	require.NoError(t, err)
	return q
}

func percDoc() Document {
	return Document{
		"reference": map[string]any{
			"canonical_id": "c1",
			"enhancements": []any{
				map[string]any{"enhancement_type": "abstract", "source": "manual"},
				map[string]any{"enhancement_type": "bibliographic", "source": "open_alex"},
			},
		},
		"changeset": map[string]any{
			"enhancements": []any{
				map[string]any{"enhancement_type": "abstract", "source": "manual"},
			},
		},
	}
}

func TestTermQuery(t *testing.T) {
	doc := percDoc()

	assert.True(t, mustParse(t, `{"term":{"reference.canonical_id":"c1"}}`).Matches(doc))
	assert.False(t, mustParse(t, `{"term":{"reference.canonical_id":"c2"}}`).Matches(doc))
	assert.False(t, mustParse(t, `{"term":{"reference.missing":"x"}}`).Matches(doc))

	// Paths through lists match any element.
	assert.True(t, mustParse(t, `{"term":{"changeset.enhancements.enhancement_type":"abstract"}}`).Matches(doc))
	assert.False(t, mustParse(t, `{"term":{"changeset.enhancements.enhancement_type":"location"}}`).Matches(doc))
}

func TestBoolQuery(t *testing.T) {
	doc := percDoc()

	q := mustParse(t, `{"bool":{
		"must":[{"term":{"reference.canonical_id":"c1"}}],
		"must_not":[{"term":{"changeset.enhancements.enhancement_type":"location"}}]
	}}`)
	assert.True(t, q.Matches(doc))

	q = mustParse(t, `{"bool":{"must_not":[{"term":{"reference.canonical_id":"c1"}}]}}`)
	assert.False(t, q.Matches(doc))

	// Should without must requires at least one match.
	q = mustParse(t, `{"bool":{"should":[
		{"term":{"changeset.enhancements.enhancement_type":"annotation"}},
		{"term":{"changeset.enhancements.enhancement_type":"abstract"}}
	]}}`)
	assert.True(t, q.Matches(doc))

	q = mustParse(t, `{"bool":{"should":[{"term":{"changeset.enhancements.enhancement_type":"annotation"}}]}}`)
	assert.False(t, q.Matches(doc))
}

func TestNestedQuery(t *testing.T) {
	doc := percDoc()

	// Nested scopes both conditions to the same element. The reference has
	// no single enhancement that is both an abstract and from open_alex.
	q := mustParse(t, `{"nested":{"path":"reference.enhancements","query":{"bool":{"must":[
		{"term":{"enhancement_type":"abstract"}},
		{"term":{"source":"open_alex"}}
	]}}}}`)
	assert.False(t, q.Matches(doc))

	q = mustParse(t, `{"nested":{"path":"reference.enhancements","query":{"bool":{"must":[
		{"term":{"enhancement_type":"abstract"}},
		{"term":{"source":"manual"}}
	]}}}}`)
	assert.True(t, q.Matches(doc))
}

func TestParseQueryRejectsUnknownKinds(t *testing.T) {
	_, err := ParseQuery([]byte(`{"match":{"title":"x"}}`))
	assert.Error(t, err)

	_, err = ParseQuery([]byte(`{"term":{"a":"1","b":"2"}}`))
	assert.Error(t, err)

	_, err = ParseQuery([]byte(`{"nested":{"query":{"term":{"a":"1"}}}}`))
	assert.Error(t, err, "nested without path")
}

func TestValidateAutomationQuery(t *testing.T) {
	ok := mustParse(t, `{"bool":{"must":[
		{"term":{"reference.canonical_id":"c1"}},
		{"nested":{"path":"changeset.enhancements","query":{"term":{"enhancement_type":"abstract"}}}}
	]}}`)
	assert.NoError(t, ValidateAutomationQuery(ok))

	// A query over the reference alone would re-match on unrelated updates.
	bad := mustParse(t, `{"term":{"reference.canonical_id":"c1"}}`)
	assert.ErrorIs(t, ValidateAutomationQuery(bad), ErrQueryLacksChangeset)
}

func TestNumberComparison(t *testing.T) {
	doc := Document{"changeset": map[string]any{"publication_year": float64(2023)}}
	assert.True(t, (&Term{Field: "changeset.publication_year", Value: 2023}).Matches(doc))
	assert.True(t, mustParse(t, `{"term":{"changeset.publication_year":2023}}`).Matches(doc))
}
