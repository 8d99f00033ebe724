/*
Package events provides the in-process event broker.

Components publish lifecycle events (references created, decisions promoted,
projections rebuilt, robot batches pulled and returned) and any number of
subscribers receive them over buffered channels. Delivery is best effort: a
subscriber that falls behind misses events rather than stalling the pipeline.
The broker carries notifications, never state; every consumer that needs
durable truth reads the store.
*/
package events
