/*
Package index is the search store: an in-memory inverted index over the
deduplicated projections plus a percolator of stored automation queries.

The candidate side serves the dedup engine's recall phase. Each canonical
projection contributes a small document (title, authors, publication year,
abstract); Search runs a high-recall boolean over it and returns the top-K
scored candidates.

The percolator side serves the automation dispatcher. Stored queries use a
small boolean subset (bool with must/should/must_not, term, nested) evaluated
against the two-field percolation document {reference, changeset}. Query is a
sealed
interface so evaluation switches stay exhaustive.

Writes are applied asynchronously through a single apply loop: the index is
eventually consistent relative to the caller, and a just-written document may
not be visible to the next Search. Refresh blocks until queued writes land and
exists for callers (and tests) that need read-your-writes.

The index is rebuilt at startup by replaying the persisted projections; it is
derived state and never the source of truth.
*/
package index
