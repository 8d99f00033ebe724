package types

import "fmt"

// CodedError is implemented by user-visible errors. The code is a stable
// machine-readable string; the Error() text is free-form.
type CodedError interface {
	error
	Code() string
}

// UnknownTagError reports an unknown discriminator value on a tagged variant.
type UnknownTagError struct {
	Field string
	Tag   string
}

func (e *UnknownTagError) Error() string {
	return fmt.Sprintf("unknown %s %q", e.Field, e.Tag)
}

func (e *UnknownTagError) Code() string {
	if e.Field == "identifier_type" {
		return "UnknownIdentifierType"
	}
	return "UnknownEnhancementType"
}

// SchemaViolationError reports a payload that parsed but violates the schema.
type SchemaViolationError struct {
	Field  string
	Reason string
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("schema violation on %s: %s", e.Field, e.Reason)
}

func (e *SchemaViolationError) Code() string { return "SchemaViolation" }

// ErrorCode extracts the machine-readable code from err, falling back to
// fallback for errors that do not carry one.
func ErrorCode(err error, fallback string) string {
	if coded, ok := err.(CodedError); ok {
		return coded.Code()
	}
	return fallback
}
