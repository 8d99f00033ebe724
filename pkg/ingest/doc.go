/*
Package ingest is the bulk import pipeline: one JSONL file in, one terminal
ImportResult per line out.

Entries are independent. Each line is parsed against the tagged payload
schema, validated, checked against the exact-duplicate shortcut, and then
persisted, with identifier collisions resolved by the batch's collision
strategy (fail, discard, overwrite, merge_defensive, merge_aggressive). A
collision naming more than one existing reference is ambiguous and fails the
entry no matter the strategy. Every persisted or merged reference is enqueued
for deduplication; failing to enqueue is a visible partial failure rather
than a silently skipped dedup.

Entries of a batch run concurrently under a bounded errgroup. The batch
completes once every line has a terminal result, even if every line failed;
batches themselves never fail. Task redelivery is safe because results are
keyed by line number and already-settled lines are skipped.
*/
package ingest
