/*
Package dedup is the deduplication engine. Decide runs one reference through
four phases:

 1. Identifier shortcut: trusted identifier types (DOI, OpenAlex, PubMed by
    default) resolve against the active decisions of their owners. One
    canonical means a duplicate; two canonicals or a DECOUPLED/UNRESOLVED
    neighbor means manual review; an entirely undecided group elects its
    lexicographically smallest member as canonical.
 2. Candidate recall: a small document (title, authors, year) queried against
    the search index, top-K.
 3. Deep determination: pairwise features per candidate (title Jaccard over
    tokens and bigrams, saturated author overlap, year band, non-trusted
    identifier intersection, number and derived-work keyword conflicts) fed
    to a pluggable Determinator. Multiple duplicate verdicts tie-break on the
    smallest reference id.
 4. Action resolution: the proposal is reconciled with the current active
    decision. Established duplicates never silently become canonical or
    switch canonicals; DECOUPLED is sticky. Promotion is optimistic with
    bounded retries on stale versions, degrading to UNRESOLVED rather than
    guessing. Every promotion enqueues projection rebuilds for the canonicals
    whose groups changed shape.

Phases 1-3 are pure reads and safe to re-run; phase 4 is the only writer.
*/
package dedup
