package types

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Visibility controls who can see a reference. Destruction is soft: hiding a
// reference removes it from the deduplicated view without deleting rows.
type Visibility string

const (
	VisibilityPublic     Visibility = "public"
	VisibilityRestricted Visibility = "restricted"
	VisibilityHidden     Visibility = "hidden"
)

// Reference is the root entity of the repository. It is append-only: all
// attributes beyond identity live on child entities (identifiers,
// enhancements, duplicate decisions).
type Reference struct {
	ID         string     `json:"id"`
	Visibility Visibility `json:"visibility"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// IdentifierType discriminates external identifier variants.
type IdentifierType string

const (
	IdentifierDOI      IdentifierType = "doi"
	IdentifierPMID     IdentifierType = "pm_id"
	IdentifierOpenAlex IdentifierType = "open_alex"
	IdentifierOther    IdentifierType = "other"
)

// KnownIdentifierType reports whether t is a member of the closed set.
func KnownIdentifierType(t IdentifierType) bool {
	switch t {
	case IdentifierDOI, IdentifierPMID, IdentifierOpenAlex, IdentifierOther:
		return true
	}
	return false
}

// ExternalIdentifier links a reference to an identifier in an external
// system. The tuple (identifier_type, identifier, other_identifier_name) is
// globally unique across all references.
type ExternalIdentifier struct {
	ReferenceID         string         `json:"reference_id,omitempty"`
	IdentifierType      IdentifierType `json:"identifier_type"`
	Identifier          string         `json:"identifier"`
	OtherIdentifierName string         `json:"other_identifier_name,omitempty"`
}

// UnmarshalJSON accepts the wire form of an identifier. Numeric identifiers
// (common for pm_id) are coerced to their decimal string form. Unknown
// identifier types are rejected at the edge.
func (e *ExternalIdentifier) UnmarshalJSON(data []byte) error {
	var raw struct {
		ReferenceID         string          `json:"reference_id"`
		IdentifierType      IdentifierType  `json:"identifier_type"`
		Identifier          json.RawMessage `json:"identifier"`
		OtherIdentifierName string          `json:"other_identifier_name"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if !KnownIdentifierType(raw.IdentifierType) {
		return &UnknownTagError{Field: "identifier_type", Tag: string(raw.IdentifierType)}
	}

	var ident string
	if len(raw.Identifier) > 0 {
		if err := json.Unmarshal(raw.Identifier, &ident); err != nil {
			var n json.Number
			if err2 := json.Unmarshal(raw.Identifier, &n); err2 != nil {
				return fmt.Errorf("identifier must be a string or number: %w", err)
			}
			ident = n.String()
		}
	}

	e.ReferenceID = raw.ReferenceID
	e.IdentifierType = raw.IdentifierType
	e.Identifier = ident
	e.OtherIdentifierName = raw.OtherIdentifierName
	return nil
}

var doiPattern = regexp.MustCompile(`^10\.\d{4,9}/\S+$`)
var openAlexPattern = regexp.MustCompile(`^W\d+$`)

// Validate checks the identifier value against its type's constraints.
func (e ExternalIdentifier) Validate() error {
	if e.Identifier == "" {
		return &SchemaViolationError{Field: "identifier", Reason: "empty identifier"}
	}
	switch e.IdentifierType {
	case IdentifierPMID:
		if _, err := strconv.ParseInt(e.Identifier, 10, 64); err != nil {
			return &SchemaViolationError{Field: "identifier", Reason: fmt.Sprintf("pm_id %q is not an integer", e.Identifier)}
		}
	case IdentifierDOI:
		if !doiPattern.MatchString(e.Identifier) {
			return &SchemaViolationError{Field: "identifier", Reason: fmt.Sprintf("doi %q does not match the DOI pattern", e.Identifier)}
		}
	case IdentifierOpenAlex:
		if !openAlexPattern.MatchString(e.Identifier) {
			return &SchemaViolationError{Field: "identifier", Reason: fmt.Sprintf("open_alex %q must be W followed by digits", e.Identifier)}
		}
	case IdentifierOther:
		if e.OtherIdentifierName == "" {
			return &SchemaViolationError{Field: "other_identifier_name", Reason: "other identifiers require other_identifier_name"}
		}
	default:
		return &UnknownTagError{Field: "identifier_type", Tag: string(e.IdentifierType)}
	}
	if e.IdentifierType != IdentifierOther && e.OtherIdentifierName != "" {
		return &SchemaViolationError{Field: "other_identifier_name", Reason: "other_identifier_name is only valid for other identifiers"}
	}
	return nil
}

// Tuple returns the canonical uniqueness key of the identifier. The key does
// not include the owning reference: two references must never share a tuple.
func (e ExternalIdentifier) Tuple() string {
	return strings.Join([]string{string(e.IdentifierType), e.Identifier, e.OtherIdentifierName}, "\x1f")
}

// SameTuple reports whether two identifiers collide on the uniqueness key.
func (e ExternalIdentifier) SameTuple(other ExternalIdentifier) bool {
	return e.Tuple() == other.Tuple()
}
