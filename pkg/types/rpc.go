package types

// VoteRequest is sent by candidates to gather votes.
type VoteRequest struct {
	Vote      Vote   `json:"vote"`
	LastLogID *LogID `json:"last_log_id,omitempty"`
}

// VoteResponse carries the receiver's vote after handling a VoteRequest.
type VoteResponse struct {
	Vote        Vote   `json:"vote"`
	VoteGranted bool   `json:"vote_granted"`
	LastLogID   *LogID `json:"last_log_id,omitempty"`
}

// AppendEntriesRequest replicates log entries and doubles as the leader
// heartbeat when Entries is empty.
type AppendEntriesRequest struct {
	Vote         Vote    `json:"vote"`
	LeaderID     NodeID  `json:"leader_id"`
	PrevLogID    *LogID  `json:"prev_log_id,omitempty"`
	Entries      []Entry `json:"entries,omitempty"`
	LeaderCommit uint64  `json:"leader_commit"`
}

// AppendEntriesResponse reports whether the leader's prefix matched. On a
// mismatch Conflict carries the follower's view of the conflicting position
// so the leader can back off without probing one index at a time.
type AppendEntriesResponse struct {
	Vote     Vote   `json:"vote"`
	Success  bool   `json:"success"`
	Conflict *LogID `json:"conflict,omitempty"`
}

// InstallSnapshotRequest streams a chunk of a snapshot to a lagging
// follower. Offset 0 starts a new stream; Done marks the final chunk.
type InstallSnapshotRequest struct {
	Vote   Vote         `json:"vote"`
	Meta   SnapshotMeta `json:"meta"`
	Offset uint64       `json:"offset"`
	Data   []byte       `json:"data"`
	Done   bool         `json:"done"`
}

// InstallSnapshotResponse acknowledges a snapshot chunk.
type InstallSnapshotResponse struct {
	Vote Vote `json:"vote"`
}
