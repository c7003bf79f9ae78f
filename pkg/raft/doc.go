/*
Package raft implements the per-node consensus state machine: leader
election, log replication, commit/apply, and snapshotting across a small
cluster of cooperating peers.

# Owning task

Each node is a single-threaded cooperative actor. One goroutine owns every
piece of mutable state — role, vote, log tail, commit index — and the rest
of the process talks to it by message passing: inbound peer RPCs, client
proposals, and management calls arrive on one channel, each carrying a
buffered one-shot reply channel. There are no locks on consensus state.

The actor runs one loop per role. NonVoter is passive; Follower waits on a
randomized election timer; Candidate tallies votes for its own term; Leader
drives per-peer replication and advances the commit index. A transition is
requested by setting the target state, which the current loop observes and
returns on. Within the owning task every transition is the atomic
consequence of a single stimulus.

# Roles and transitions

A fresh node starts as NonVoter and stays passive until Initialize (or a
replicated membership entry) names it a voter. Followers campaign on
election timeout; candidates win on a majority of grants under the
effective membership, step down on any greater vote, and re-campaign in a
new term on timeout. A leader appends an entry of its own term on entry —
the initial membership config on a pristine cluster, a blank no-op
otherwise — so its commit index can advance. Any role steps down to
Follower on observing a greater vote, and a committed membership change
that drops the node sends it to NonVoter.

# Durability rules

A vote is observable to the network only after storage has made it
durable: granting persists before responding, and a candidate persists its
own vote before requesting any. Storage failures are fatal to the node;
transport failures are absorbed and retried on the next heartbeat or
election round.
*/
package raft
