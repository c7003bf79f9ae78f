package raft

// State is the role a node currently holds. The initial state of a fresh
// node is NonVoter.
type State int

const (
	// StateNonVoter replicates but does not count toward quorum; a fresh
	// node stays here until it learns a membership naming it a voter.
	StateNonVoter State = iota

	// StateFollower answers leader and candidate RPCs and campaigns when
	// the election timer fires without a heartbeat.
	StateFollower

	// StateCandidate is campaigning for leadership in its own term.
	StateCandidate

	// StateLeader replicates entries and advances the commit index.
	StateLeader

	// StateShutdown is terminal; the owning task has stopped.
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateNonVoter:
		return "non-voter"
	case StateFollower:
		return "follower"
	case StateCandidate:
		return "candidate"
	case StateLeader:
		return "leader"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}
