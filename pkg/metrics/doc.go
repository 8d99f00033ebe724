/*
Package metrics exposes the Prometheus instrumentation and the HTTP health
endpoints.

All metrics are package-level collectors registered at init and prefixed
destiny_. They cover the four hot paths: ingestion (records by result status,
batch duration), deduplication (decisions by determination, stale-version
retries, recall sizes), the task bus (enqueued/failed/dead-lettered counts,
active job slots, handler durations), and the enhancement pipeline (request
status gauge, batches pulled and expired, percolator matches per robot).

The health side tracks named components. /health reports overall status,
/ready gates on the critical components (store, index, taskbus, api), and
/livez only proves the process is up.
*/
package metrics
