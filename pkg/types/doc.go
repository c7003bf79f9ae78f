/*
Package types defines the data model shared by the consensus core, the
storage and network contracts, and the test harness.

# Ordering

Two orders drive every consensus decision:

Vote order: votes compare lexicographically by term first, then by voted-for
identity with "none" below any node id. The persisted vote never decreases
in this order.

Log id order: log ids compare lexicographically by (term, index), where the
term is that of the leader which first created the entry. A nil *LogID means
"none" and sorts below everything. Two entries with equal index but
different terms conflict; the follower truncates its tail at the conflict.

# Entries

An Entry carries one of three payloads:

  - Blank: a no-op marker appended by a fresh leader so its commit index can
    advance to an entry of its own term.
  - Normal: application data (the client-status Request/Response pair).
  - Membership: a change to the cluster's voter set. The most recently
    appended membership entry is effective immediately, committed or not.

Payloads are a tagged union discriminated by Kind(); the JSON encoding is
used both on the wire and by the durable stores.

# Application data

Request models an update to a client's status keyed by (client, serial).
The state machine deduplicates: re-applying an already-seen serial returns
the cached prior Response instead of mutating state again.
*/
package types
