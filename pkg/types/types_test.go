package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVoteCompare(t *testing.T) {
	n1 := NodeID(1)
	n2 := NodeID(2)

	tests := []struct {
		name string
		a, b Vote
		want int
	}{
		{
			name: "higher term wins regardless of voted_for",
			a:    Vote{Term: 2},
			b:    Vote{Term: 1, VotedFor: &n2},
			want: 1,
		},
		{
			name: "none sorts below any node",
			a:    Vote{Term: 1},
			b:    Vote{Term: 1, VotedFor: &n1},
			want: -1,
		},
		{
			name: "same term compares voted_for",
			a:    Vote{Term: 1, VotedFor: &n1},
			b:    Vote{Term: 1, VotedFor: &n2},
			want: -1,
		},
		{
			name: "equal votes",
			a:    Vote{Term: 3, VotedFor: &n1},
			b:    Vote{Term: 3, VotedFor: &n1},
			want: 0,
		},
		{
			name: "both none",
			a:    Vote{Term: 0},
			b:    Vote{Term: 0},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Compare(tt.b))
			assert.Equal(t, -tt.want, tt.b.Compare(tt.a))
		})
	}
}

func TestVoteMonotonicHelpers(t *testing.T) {
	v := NewVote(2, 1)
	assert.True(t, v.GreaterEqual(Vote{Term: 2}))
	assert.True(t, v.GreaterEqual(v))
	assert.True(t, Vote{Term: 1}.Less(v))
	assert.False(t, v.Less(Vote{Term: 2}))
}

func TestCompareLogID(t *testing.T) {
	tests := []struct {
		name string
		a, b *LogID
		want int
	}{
		{name: "both none", a: nil, b: nil, want: 0},
		{name: "none below everything", a: nil, b: &LogID{Term: 0, Index: 0}, want: -1},
		{name: "term dominates index", a: &LogID{Term: 2, Index: 1}, b: &LogID{Term: 1, Index: 100}, want: 1},
		{name: "same term compares index", a: &LogID{Term: 1, Index: 5}, b: &LogID{Term: 1, Index: 7}, want: -1},
		{name: "equal", a: &LogID{Term: 3, Index: 9}, b: &LogID{Term: 3, Index: 9}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CompareLogID(tt.a, tt.b))
			assert.Equal(t, -tt.want, CompareLogID(tt.b, tt.a))
		})
	}
}

func TestNextIndex(t *testing.T) {
	assert.Equal(t, uint64(1), NextIndex(nil))
	assert.Equal(t, uint64(8), NextIndex(&LogID{Term: 2, Index: 7}))
}

func TestMembershipMajority(t *testing.T) {
	m := NewMembership(0, 1, 2)

	assert.False(t, m.IsMajority(map[NodeID]bool{0: true}))
	assert.True(t, m.IsMajority(map[NodeID]bool{0: true, 1: true}))
	assert.True(t, m.IsMajority(map[NodeID]bool{0: true, 1: true, 2: true}))

	// Grants from non-voters do not count toward quorum.
	assert.False(t, m.IsMajority(map[NodeID]bool{0: true, 7: true, 8: true}))

	single := NewMembership(0)
	assert.True(t, single.IsMajority(map[NodeID]bool{0: true}))
	assert.False(t, single.IsMajority(nil))
}

func TestMembershipContains(t *testing.T) {
	m := NewMembership(2, 0, 1)
	assert.Equal(t, []NodeID{0, 1, 2}, m.Voters)
	assert.True(t, m.Contains(1))
	assert.False(t, m.Contains(3))
}

func TestPayloadKind(t *testing.T) {
	assert.Equal(t, PayloadBlank, BlankPayload().Kind())
	assert.Equal(t, PayloadNormal, NormalPayload(Request{Client: "c"}).Kind())
	assert.Equal(t, PayloadMembership, MembershipPayload(NewMembership(0)).Kind())
}
