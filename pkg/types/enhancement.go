package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EnhancementType discriminates enhancement content variants.
type EnhancementType string

const (
	EnhancementBibliographic EnhancementType = "bibliographic"
	EnhancementAbstract      EnhancementType = "abstract"
	EnhancementAnnotation    EnhancementType = "annotation"
	EnhancementLocation      EnhancementType = "location"
)

// KnownEnhancementType reports whether t is a member of the closed set.
func KnownEnhancementType(t EnhancementType) bool {
	switch t {
	case EnhancementBibliographic, EnhancementAbstract, EnhancementAnnotation, EnhancementLocation:
		return true
	}
	return false
}

// EnhancementContent is the tagged content variant of an enhancement. The
// interface is sealed: only types in this package implement it, which keeps
// type switches over content exhaustive.
type EnhancementContent interface {
	enhancementContent() EnhancementType
}

// BibliographicContent carries core bibliographic metadata.
type BibliographicContent struct {
	Title           string   `json:"title,omitempty"`
	Authors         []string `json:"authors,omitempty"`
	PublicationYear int      `json:"publication_year,omitempty"`
	JournalTitle    string   `json:"journal_title,omitempty"`
	Publisher       string   `json:"publisher,omitempty"`
}

func (BibliographicContent) enhancementContent() EnhancementType { return EnhancementBibliographic }

// AbstractContent carries an abstract text.
type AbstractContent struct {
	Text string `json:"text"`
}

func (AbstractContent) enhancementContent() EnhancementType { return EnhancementAbstract }

// AnnotationContent carries a classification label under a named scheme.
type AnnotationContent struct {
	Scheme string  `json:"scheme"`
	Label  string  `json:"label"`
	Score  float64 `json:"score,omitempty"`
}

func (AnnotationContent) enhancementContent() EnhancementType { return EnhancementAnnotation }

// LocationContent carries pointers to where the work can be read.
type LocationContent struct {
	LandingPageURL string `json:"landing_page_url,omitempty"`
	PDFURL         string `json:"pdf_url,omitempty"`
}

func (LocationContent) enhancementContent() EnhancementType { return EnhancementLocation }

// Enhancement is a typed annotation attached to a reference. Enhancements are
// append-only; the latest row per (reference_id, source, enhancement_type)
// supersedes earlier ones logically.
type Enhancement struct {
	ReferenceID     string          `json:"reference_id,omitempty"`
	Source          string          `json:"source"`
	EnhancementType EnhancementType `json:"enhancement_type"`
	RobotVersion    string          `json:"robot_version,omitempty"`
	Content         EnhancementContent
	CreatedAt       time.Time `json:"created_at,omitempty"`
	UpdatedAt       time.Time `json:"updated_at,omitempty"`
}

// Key returns the supersession key (source, enhancement_type).
func (e Enhancement) Key() string {
	return e.Source + "\x1f" + string(e.EnhancementType)
}

type enhancementWire struct {
	ReferenceID     string          `json:"reference_id,omitempty"`
	Source          string          `json:"source"`
	EnhancementType EnhancementType `json:"enhancement_type"`
	RobotVersion    string          `json:"robot_version,omitempty"`
	Content         json.RawMessage `json:"content"`
	CreatedAt       time.Time       `json:"created_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at,omitempty"`
}

// MarshalJSON writes the tagged wire form. The content object repeats the
// enhancement_type discriminator so content is self-describing.
func (e Enhancement) MarshalJSON() ([]byte, error) {
	content, err := encodeContent(e.EnhancementType, e.Content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(enhancementWire{
		ReferenceID:     e.ReferenceID,
		Source:          e.Source,
		EnhancementType: e.EnhancementType,
		RobotVersion:    e.RobotVersion,
		Content:         content,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
	})
}

// UnmarshalJSON reads the tagged wire form, rejecting unknown enhancement
// types at the edge.
func (e *Enhancement) UnmarshalJSON(data []byte) error {
	var raw enhancementWire
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if !KnownEnhancementType(raw.EnhancementType) {
		return &UnknownTagError{Field: "enhancement_type", Tag: string(raw.EnhancementType)}
	}
	content, err := decodeContent(raw.EnhancementType, raw.Content)
	if err != nil {
		return err
	}
	e.ReferenceID = raw.ReferenceID
	e.Source = raw.Source
	e.EnhancementType = raw.EnhancementType
	e.RobotVersion = raw.RobotVersion
	e.Content = content
	e.CreatedAt = raw.CreatedAt
	e.UpdatedAt = raw.UpdatedAt
	return nil
}

func encodeContent(t EnhancementType, c EnhancementContent) (json.RawMessage, error) {
	if c == nil {
		return nil, &SchemaViolationError{Field: "content", Reason: "missing content"}
	}
	if c.enhancementContent() != t {
		return nil, &SchemaViolationError{Field: "content", Reason: fmt.Sprintf("content variant %q does not match enhancement_type %q", c.enhancementContent(), t)}
	}
	body, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	// Splice the discriminator into the content object.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["enhancement_type"] = json.RawMessage(`"` + string(t) + `"`)
	return json.Marshal(fields)
}

func decodeContent(t EnhancementType, raw json.RawMessage) (EnhancementContent, error) {
	if len(raw) == 0 {
		return nil, &SchemaViolationError{Field: "content", Reason: "missing content"}
	}
	switch t {
	case EnhancementBibliographic:
		var c BibliographicContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		return c, nil
	case EnhancementAbstract:
		var c AbstractContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		return c, nil
	case EnhancementAnnotation:
		var c AnnotationContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		return c, nil
	case EnhancementLocation:
		var c LocationContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, &UnknownTagError{Field: "enhancement_type", Tag: string(t)}
}

// Validate checks the enhancement envelope.
func (e Enhancement) Validate() error {
	if e.Source == "" {
		return &SchemaViolationError{Field: "source", Reason: "empty source"}
	}
	if !KnownEnhancementType(e.EnhancementType) {
		return &UnknownTagError{Field: "enhancement_type", Tag: string(e.EnhancementType)}
	}
	if e.Content == nil {
		return &SchemaViolationError{Field: "content", Reason: "missing content"}
	}
	if e.Content.enhancementContent() != e.EnhancementType {
		return &SchemaViolationError{Field: "content", Reason: "content variant does not match enhancement_type"}
	}
	return nil
}
