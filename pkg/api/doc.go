/*
Package api is the HTTP surface of a Destiny node.

Three audiences share one listener. Curators submit JSONL import batches,
inspect references, decisions and projections, manage robots and open
enhancement requests by hand. Robots poll for batches, refresh their
pre-signed URLs and submit results, all behind HMAC request signing. And
operators get /health, /ready, /live, /metrics and a server-sent event
stream of everything the pipeline does.

Blob traffic never flows through the JSON handlers: robots read and write
batch data directly against /blobs/ with single-verb pre-signed URLs.

Errors map onto statuses by kind: schema violations are 400, missing
entities 404, a robot touching another robot's batch 403, lifecycle
conflicts such as double-submitting a batch 409.
*/
package api
