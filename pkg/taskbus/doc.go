/*
Package taskbus is the durable work queue behind the asynchronous pipeline:
import batches, deduplication passes, projection rebuilds, and request
finalization all run as tasks.

The queue lives in its own bbolt file, separate from the reference store, so
queue churn never competes with reference writes. A fixed number of worker
slots poll for runnable tasks; claiming happens inside a single-writer Update
transaction, which makes scan-and-lease atomic across slots. A leased task is
renewed for as long as its handler runs. If the process dies mid-task the
lease expires and the task is claimed again, so handlers must be idempotent.

Failed attempts back off exponentially. A task that exhausts its attempt
budget moves to a dead-letter bucket where it can be inspected and requeued
by an operator.

Enqueue takes an optional dedupe key: while a task with the same kind and key
is still queued, further enqueues collapse into it. This keeps one projection
rebuild in flight per canonical no matter how many decisions touch it.
*/
package taskbus
