package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/Veeupup/openraft/pkg/types"
)

// MemStore is the in-memory reference implementation of the Store contract.
// The log is an index-keyed map, the vote and current snapshot are single
// cells, and the state machine is mutated in place. Reads clone, so a
// background snapshot build can read while the owning task writes.
type MemStore struct {
	logMu      sync.RWMutex
	log        map[uint64]types.Entry
	lastPurged *types.LogID

	smMu sync.RWMutex
	sm   *StateMachine

	voteMu sync.RWMutex
	vote   *types.Vote

	snapMu          sync.RWMutex
	currentSnapshot *memSnapshot
}

type memSnapshot struct {
	meta types.SnapshotMeta
	data []byte
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		log: make(map[uint64]types.Entry),
		sm:  NewStateMachine(),
	}
}

func (s *MemStore) SaveVote(ctx context.Context, v types.Vote) error {
	s.voteMu.Lock()
	defer s.voteMu.Unlock()
	s.vote = &v
	return nil
}

func (s *MemStore) ReadVote(ctx context.Context) (*types.Vote, error) {
	s.voteMu.RLock()
	defer s.voteMu.RUnlock()
	if s.vote == nil {
		return nil, nil
	}
	v := *s.vote
	return &v, nil
}

func (s *MemStore) GetLogEntries(ctx context.Context, start, stop uint64) ([]types.Entry, error) {
	s.logMu.RLock()
	defer s.logMu.RUnlock()

	var out []types.Entry
	for _, idx := range s.sortedIndexes() {
		if idx >= start && idx < stop {
			out = append(out, s.log[idx])
		}
	}
	return out, nil
}

func (s *MemStore) GetLogState(ctx context.Context) (types.LogState, error) {
	s.logMu.RLock()
	defer s.logMu.RUnlock()

	last := s.lastLogIDLocked()
	var purged *types.LogID
	if s.lastPurged != nil {
		p := *s.lastPurged
		purged = &p
	}
	return types.LogState{LastPurgedLogID: purged, LastLogID: last}, nil
}

func (s *MemStore) LastAppliedState(ctx context.Context) (*types.LogID, *types.EffectiveMembership, error) {
	s.smMu.RLock()
	defer s.smMu.RUnlock()

	sm := s.sm.Clone()
	return sm.LastAppliedLog, sm.LastMembership, nil
}

func (s *MemStore) AppendToLog(ctx context.Context, entries []types.Entry) error {
	s.logMu.Lock()
	defer s.logMu.Unlock()

	for _, entry := range entries {
		s.log[entry.LogID.Index] = entry
	}
	return nil
}

func (s *MemStore) DeleteConflictLogsSince(ctx context.Context, logID types.LogID) error {
	s.logMu.Lock()
	defer s.logMu.Unlock()

	for idx := range s.log {
		if idx >= logID.Index {
			delete(s.log, idx)
		}
	}
	return nil
}

func (s *MemStore) PurgeLogsUpto(ctx context.Context, logID types.LogID) error {
	s.logMu.Lock()
	defer s.logMu.Unlock()

	if types.CompareLogID(s.lastPurged, &logID) > 0 {
		panic(fmt.Sprintf("purge below the purged mark: have %v, asked %v", s.lastPurged, logID))
	}
	id := logID
	s.lastPurged = &id

	for idx := range s.log {
		if idx <= logID.Index {
			delete(s.log, idx)
		}
	}
	return nil
}

func (s *MemStore) ApplyToStateMachine(ctx context.Context, entries []types.Entry) ([]types.Response, error) {
	s.smMu.Lock()
	defer s.smMu.Unlock()

	res := make([]types.Response, 0, len(entries))
	for _, entry := range entries {
		res = append(res, s.sm.Apply(entry))
	}
	return res, nil
}

func (s *MemStore) BuildSnapshot(ctx context.Context) (*Snapshot, error) {
	s.smMu.RLock()
	sm := s.sm.Clone()
	s.smMu.RUnlock()

	if sm.LastAppliedLog == nil {
		panic("can not compact an empty state machine")
	}

	data, err := json.Marshal(sm)
	if err != nil {
		return nil, NewError("state_machine", "read", err)
	}

	meta := types.SnapshotMeta{
		LastLogID:  *sm.LastAppliedLog,
		SnapshotID: snapshotID(*sm.LastAppliedLog),
	}

	s.snapMu.Lock()
	s.currentSnapshot = &memSnapshot{meta: meta, data: data}
	s.snapMu.Unlock()

	return &Snapshot{Meta: meta, Data: bytes.NewReader(data)}, nil
}

func (s *MemStore) BeginReceivingSnapshot(ctx context.Context) (*bytes.Buffer, error) {
	return &bytes.Buffer{}, nil
}

func (s *MemStore) InstallSnapshot(ctx context.Context, meta types.SnapshotMeta, data *bytes.Buffer) (*StateMachineChanges, error) {
	raw := data.Bytes()

	newSM := NewStateMachine()
	if err := json.Unmarshal(raw, newSM); err != nil {
		return nil, NewError("snapshot", "read", err)
	}

	s.smMu.Lock()
	s.sm = newSM
	s.smMu.Unlock()

	s.snapMu.Lock()
	s.currentSnapshot = &memSnapshot{meta: meta, data: append([]byte(nil), raw...)}
	s.snapMu.Unlock()

	return &StateMachineChanges{LastApplied: meta.LastLogID, IsSnapshot: true}, nil
}

func (s *MemStore) GetCurrentSnapshot(ctx context.Context) (*Snapshot, error) {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()

	if s.currentSnapshot == nil {
		return nil, nil
	}
	return &Snapshot{
		Meta: s.currentSnapshot.meta,
		Data: bytes.NewReader(s.currentSnapshot.data),
	}, nil
}

func (s *MemStore) Close() error { return nil }

// sortedIndexes returns the live log indices in ascending order. Callers
// hold logMu.
func (s *MemStore) sortedIndexes() []uint64 {
	idxs := make([]uint64, 0, len(s.log))
	for idx := range s.log {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })
	return idxs
}

// lastLogIDLocked returns the tail log id, falling back to the purged mark
// when the live log is empty. Callers hold logMu.
func (s *MemStore) lastLogIDLocked() *types.LogID {
	var max *types.LogID
	for idx := range s.log {
		entry := s.log[idx]
		if max == nil || entry.LogID.Index > max.Index {
			id := entry.LogID
			max = &id
		}
	}
	if max == nil && s.lastPurged != nil {
		p := *s.lastPurged
		max = &p
	}
	return max
}

// snapshotID builds a unique snapshot id. A uuid suffix keeps ids unique
// across restarts, where a local counter would reset and collide.
func snapshotID(last types.LogID) string {
	return fmt.Sprintf("%d-%d-%s", last.Term, last.Index, uuid.NewString())
}
