/*
Package projection derives the deduplicated view of the repository.

A projection folds a canonical reference and every visible reference whose
active decision points at it into one consolidated document: the identifier
union of the group and the latest enhancement per (source, type). Children
keep their source reference_id, so the fold is losslessly reversible and the
persisted child rows stay the source of truth.

Rebuilds are driven by the task bus: the dedup engine enqueues one rebuild
per canonical whose group changed shape. Build recomputes the projection from
scratch, diffs it against the previous one, and hands the changed
enhancements to the Notifier, which is how the automation dispatcher learns
which references changed and in what way. A reference that stopped being
canonical, or was hidden, has its projection and index document torn down by
the same path.

The builder is also the only writer into the search index. The index is
rebuilt from persisted projections at startup via WarmIndex and kept in step
on every rebuild, so index loss is never data loss.
*/
package projection
