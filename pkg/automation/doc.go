/*
Package automation drives robots from changes in the repository.

A robot registers a stored percolator query. Whenever the projection builder
rebuilds a reference, the dispatcher composes a two-field document from the
rebuilt reference and the enhancements that changed, and percolates it
against every stored query. Matches are aggregated per robot over a short
window and flushed as a single enhancement request per robot, so a burst of
rebuilds becomes one batch of work instead of a request per reference.

Two guards keep the feedback loop sane. Queries must constrain the changeset
subdocument, otherwise a query would re-match its reference on every
unrelated update; registration rejects queries that only look at the
reference. And a robot never receives a request triggered by its own output:
the sources of the changed enhancements are resolved to robot ids and
matching robots are skipped, with the originating robot recorded on the
request for audit.
*/
package automation
