/*
Package storage is the persistence gateway over the primary store.

The Store interface exposes typed queries and commands for every entity of the
repository. The bbolt implementation keeps one bucket per entity plus three
derived indexes: the global identifier bucket (tuple to owning row), the
per-reference identifier bucket, and the canonical index (canonical id to the
duplicates pointing at it).

Two commands carry multi-row invariants and therefore need serializable
semantics:

  - UpsertIdentifiers: the check that no tuple maps to another reference and
    the inserts run in one write transaction. Concurrent workers racing on the
    same tuple cannot both succeed.
  - PromoteDecision: deactivating the current active decision and inserting
    the new one is one transaction, guarded by the decision version the caller
    read. A concurrent promotion surfaces as ErrDecisionStale and the caller
    retries from a fresh read.

bbolt serializes write transactions behind a single writer, which gives both
commands their atomic check-and-insert semantics without row locks.

PromoteDecision also polices the star property: a DUPLICATE must point at an
active CANONICAL, a reference cannot duplicate itself, and a canonical with
duplicates still attached cannot be demoted. Violations surface as
DecisionGraphError and are never written.
*/
package storage
