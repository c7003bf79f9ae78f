package types

import (
	"fmt"
	"sort"
)

// NodeID uniquely identifies a member of the cluster.
type NodeID uint64

// Vote is the pair (term, voted_for) persisted by every node. Votes are
// ordered lexicographically: term first, then voted-for identity with
// "none" (nil) sorting below any node.
type Vote struct {
	Term     uint64  `json:"term"`
	VotedFor *NodeID `json:"voted_for,omitempty"`
}

// NewVote creates a vote for the given candidate in the given term.
func NewVote(term uint64, votedFor NodeID) Vote {
	return Vote{Term: term, VotedFor: &votedFor}
}

// Compare returns -1, 0 or 1 according to the lexicographic vote order.
func (v Vote) Compare(o Vote) int {
	if v.Term != o.Term {
		if v.Term < o.Term {
			return -1
		}
		return 1
	}
	switch {
	case v.VotedFor == nil && o.VotedFor == nil:
		return 0
	case v.VotedFor == nil:
		return -1
	case o.VotedFor == nil:
		return 1
	case *v.VotedFor < *o.VotedFor:
		return -1
	case *v.VotedFor > *o.VotedFor:
		return 1
	}
	return 0
}

// Less reports whether v orders strictly before o.
func (v Vote) Less(o Vote) bool { return v.Compare(o) < 0 }

// GreaterEqual reports whether v orders at or after o.
func (v Vote) GreaterEqual(o Vote) bool { return v.Compare(o) >= 0 }

func (v Vote) String() string {
	if v.VotedFor == nil {
		return fmt.Sprintf("term=%d voted_for=none", v.Term)
	}
	return fmt.Sprintf("term=%d voted_for=%d", v.Term, *v.VotedFor)
}

// LogID identifies a log entry by the term of the leader that created it and
// its 1-based position. Two entries with equal index but different terms
// conflict.
type LogID struct {
	Term  uint64 `json:"term"`
	Index uint64 `json:"index"`
}

func (l LogID) String() string { return fmt.Sprintf("%d-%d", l.Term, l.Index) }

// CompareLogID orders two optional log ids lexicographically by (term,
// index). A nil id ("none") sorts below everything.
func CompareLogID(a, b *LogID) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if a.Term != b.Term {
		if a.Term < b.Term {
			return -1
		}
		return 1
	}
	switch {
	case a.Index < b.Index:
		return -1
	case a.Index > b.Index:
		return 1
	}
	return 0
}

// NextIndex returns the index immediately after the given optional log id,
// i.e. 1 for a "none" id.
func NextIndex(l *LogID) uint64 {
	if l == nil {
		return 1
	}
	return l.Index + 1
}

// PayloadKind discriminates the entry payload union.
type PayloadKind string

const (
	PayloadBlank      PayloadKind = "blank"
	PayloadNormal     PayloadKind = "normal"
	PayloadMembership PayloadKind = "membership"
)

// EntryPayload is the tagged payload of a log entry: a blank no-op marker,
// application data, or a membership configuration.
type EntryPayload struct {
	Normal     *Request    `json:"normal,omitempty"`
	Membership *Membership `json:"membership,omitempty"`
}

// Kind returns the payload discriminant.
func (p EntryPayload) Kind() PayloadKind {
	switch {
	case p.Normal != nil:
		return PayloadNormal
	case p.Membership != nil:
		return PayloadMembership
	}
	return PayloadBlank
}

// BlankPayload returns the no-op leader-commit marker payload.
func BlankPayload() EntryPayload { return EntryPayload{} }

// NormalPayload wraps application data in an entry payload.
func NormalPayload(req Request) EntryPayload { return EntryPayload{Normal: &req} }

// MembershipPayload wraps a membership configuration in an entry payload.
func MembershipPayload(m Membership) EntryPayload { return EntryPayload{Membership: &m} }

// Entry is a single replicated log record.
type Entry struct {
	LogID   LogID        `json:"log_id"`
	Payload EntryPayload `json:"payload"`
}

func (e Entry) String() string {
	return fmt.Sprintf("%s:%s", e.LogID, e.Payload.Kind())
}

// Membership is the voter set forming the cluster configuration. Joint
// consensus is out of scope; a single set is sufficient.
type Membership struct {
	Voters []NodeID `json:"voters"`
}

// NewMembership builds a membership config from the given voter ids.
func NewMembership(ids ...NodeID) Membership {
	voters := make([]NodeID, len(ids))
	copy(voters, ids)
	sort.Slice(voters, func(i, j int) bool { return voters[i] < voters[j] })
	return Membership{Voters: voters}
}

// Contains reports whether id is a voter.
func (m Membership) Contains(id NodeID) bool {
	for _, v := range m.Voters {
		if v == id {
			return true
		}
	}
	return false
}

// IsMajority reports whether the granted set intersected with the voter set
// is strictly more than half of the voters.
func (m Membership) IsMajority(granted map[NodeID]bool) bool {
	n := 0
	for _, v := range m.Voters {
		if granted[v] {
			n++
		}
	}
	return n > len(m.Voters)/2
}

// Clone returns a deep copy of the membership config.
func (m Membership) Clone() Membership {
	voters := make([]NodeID, len(m.Voters))
	copy(voters, m.Voters)
	return Membership{Voters: voters}
}

// EffectiveMembership is the most recent membership entry seen in the log.
// Raft uses the latest appended config, not the latest committed one.
type EffectiveMembership struct {
	LogID      *LogID     `json:"log_id,omitempty"`
	Membership Membership `json:"membership"`
}

// LogState describes the bounds of the stored log. If the live log is empty,
// LastLogID equals LastPurgedLogID.
type LogState struct {
	LastPurgedLogID *LogID
	LastLogID       *LogID
}

// SnapshotMeta describes a serialized state-machine image. The id is opaque
// to peers apart from equality checks while streaming.
type SnapshotMeta struct {
	LastLogID  LogID  `json:"last_log_id"`
	SnapshotID string `json:"snapshot_id"`
}

// Request is the application payload replicated through the log. It models
// an update to a client's status, deduplicated by (client, serial).
type Request struct {
	Client string `json:"client"`
	Serial uint64 `json:"serial"`
	Status string `json:"status"`
}

// Response is the application reply for an applied entry: the previously
// recorded status for the client, if any.
type Response struct {
	Previous *string `json:"previous,omitempty"`
}
