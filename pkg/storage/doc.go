/*
Package storage defines the durable storage contract consumed by the
consensus core, plus two implementations of it.

# Contract

The Store interface covers four resources with strict ordering invariants:

  - Log: gap-free between the purged mark and the tail. Appends continue
    the tail exactly; conflict deletion truncates the tail; purging
    advances the purged mark monotonically.
  - Vote: persisted atomically, durable before SaveVote returns. A crash
    after return must preserve the value — a vote observable to the network
    without durability would allow double-voting.
  - State machine: applies entries in strict index order, advancing the
    applied watermark. Normal entries deduplicate by (client, serial).
  - Snapshot: a serialized state-machine image at a specific applied log
    id, stored as a single current-snapshot cell.

Violating a precondition the core itself enforces (purging below the purged
mark, compacting a never-applied state machine) is a programmer error and
panics; I/O failures return *Error and are fatal to the owning node.

# Implementations

MemStore keeps everything in process memory and is the reference backing
for tests and the in-process cluster harness. Reads clone, so a background
snapshot build can read while the owning task writes.

BoltStore persists to a single BoltDB file: log entries keyed by big-endian
index in one bucket, vote/purged mark/state machine/snapshot as single
cells. Durability of SaveVote is the committed write transaction.

Snapshot bytes are the JSON encoding of StateMachine in both
implementations; the format is opaque to the core.
*/
package storage
