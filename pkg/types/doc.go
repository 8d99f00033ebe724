/*
Package types defines the shared data model of the Destiny repository.

The model is reference-centric: a Reference carries only identity and
visibility, and everything else hangs off it as append-only children:
ExternalIdentifier rows (globally unique on their tuple), Enhancement rows
(latest per (source, enhancement_type) wins logically), and an immutable
ReferenceDuplicateDecision history of which at most one entry is active.

Tagged variants (identifier types, enhancement content, determinations,
collision strategies, request statuses) are modelled as closed sum types with
a discriminator field; unknown tags are rejected during unmarshalling so bad
data never crosses the edge.

The DeduplicatedReferenceProjection is the derived, index-facing view of a
canonical reference and its duplicates. It retains provenance on every child
and is never a second source of truth.
*/
package types
