/*
Package service assembles a running Destiny node.

New wires the subsystems against one data directory: the bbolt store, the
content-addressed blob store, the persistent task bus, the in-memory event
broker and search index, the robot registry, and on top of those the
ingestion pipeline, the deduplication engine, the projection builder, the
enhancement orchestrator and the automation dispatcher. Task handlers are
registered at construction time so a worker-only process needs nothing more
than New followed by Start.

Start warms the search index from stored projections, reloads persisted
automation queries into the percolator, and then starts the background loops:
task workers, dispatcher windows and the periodic batch expiry sweep. Stop
tears everything down in reverse order and is safe to call twice.
*/
package service
