/*
Package enhance orchestrates enhancement requests against external robots.

A request asks one robot to enhance a set of references. Robots are pull
driven: they poll for work, and PullBatch cuts a batch from the oldest open
request with unallocated references. The batch's reference data is written to
blob storage as JSONL and the robot receives two pre-signed single-verb URLs:
a read URL for the data and a write URL for its result, plus a deadline.
Nothing is allocated or written when no work is pending.

Result submission validates the uploaded JSONL line by line: each line must
be an enhancement for a batched reference or a per-reference robot error.
Everything else, including batched references missing from the file, becomes
a validation problem. Problems never block the importable part: valid
enhancements are persisted, the full accounting is written back to blob
storage as a report, and the request carries a summary.

The request lifecycle is a small state machine (RECEIVED through COMPLETED)
with transitions checked on every move. The final settled batch pushes the
request through IMPORTING and INDEXING, enqueues projection rebuilds for its
references, and hands terminal resolution to a finalize task: clean requests
complete, requests with recorded problems end PARTIAL_FAILED, and a
robot-reported global error fails the request outright. Pending batches past
their deadline are expired by a periodic sweep, which releases their
references for the next poll.
*/
package enhance
