/*
Package blob is the payload boundary of the system: import files, robot batch
payloads, robot results, and validation reports all live here as opaque
blobs, leaving the reference store to hold structure only.

Blobs are files under a configured root. Upload payloads are content
addressed, so re-submitting the same bytes is a no-op at the storage layer.
External parties never see the store directly; they get pre-signed URLs, each
one scoped to a single key, a single HTTP verb, and a deadline. The signing
is plain HS256 over {key, verb, exp}, verified by the bundled HTTP handler.

The JSONL reader and writer carry the line-oriented exchange format. The
reader is deliberately forgiving: a corrupt line is reported with its line
number and skipped, never aborting the rest of the stream.
*/
package blob
