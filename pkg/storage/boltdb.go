package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/Veeupup/openraft/pkg/types"
)

var (
	// Bucket names
	bucketLogs         = []byte("logs")
	bucketState        = []byte("state")
	bucketStateMachine = []byte("state_machine")
	bucketSnapshots    = []byte("snapshots")

	// Keys inside the single-cell buckets
	keyVote     = []byte("vote")
	keyPurged   = []byte("purged")
	keyMachine  = []byte("current")
	keySnapshot = []byte("current")
)

// BoltStore implements the Store contract on BoltDB. Log entries live in
// the logs bucket keyed by 8-byte big-endian index, so a cursor walks them
// in index order. Vote, purged mark, state machine, and current snapshot
// are single cells. Every write returns only after the transaction has
// committed, which is what makes SaveVote durable.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the raft database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "openraft.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketLogs, bucketState, bucketStateMachine, bucketSnapshots}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) SaveVote(ctx context.Context, v types.Vote) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketState).Put(keyVote, data)
	})
	if err != nil {
		return NewError("vote", "write", err)
	}
	return nil
}

func (s *BoltStore) ReadVote(ctx context.Context) (*types.Vote, error) {
	var vote *types.Vote
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketState).Get(keyVote)
		if data == nil {
			return nil
		}
		var v types.Vote
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		vote = &v
		return nil
	})
	if err != nil {
		return nil, NewError("vote", "read", err)
	}
	return vote, nil
}

func (s *BoltStore) GetLogEntries(ctx context.Context, start, stop uint64) ([]types.Entry, error) {
	var out []types.Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLogs).Cursor()
		for k, v := c.Seek(indexKey(start)); k != nil; k, v = c.Next() {
			if binary.BigEndian.Uint64(k) >= stop {
				break
			}
			var entry types.Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, NewError("log", "read", err)
	}
	return out, nil
}

func (s *BoltStore) GetLogState(ctx context.Context) (types.LogState, error) {
	var state types.LogState
	err := s.db.View(func(tx *bolt.Tx) error {
		purged, err := readPurged(tx)
		if err != nil {
			return err
		}
		state.LastPurgedLogID = purged

		_, v := tx.Bucket(bucketLogs).Cursor().Last()
		if v == nil {
			state.LastLogID = purged
			return nil
		}
		var entry types.Entry
		if err := json.Unmarshal(v, &entry); err != nil {
			return err
		}
		id := entry.LogID
		state.LastLogID = &id
		return nil
	})
	if err != nil {
		return types.LogState{}, NewError("log", "read", err)
	}
	return state, nil
}

func (s *BoltStore) LastAppliedState(ctx context.Context) (*types.LogID, *types.EffectiveMembership, error) {
	sm, err := s.readStateMachine()
	if err != nil {
		return nil, nil, err
	}
	return sm.LastAppliedLog, sm.LastMembership, nil
}

func (s *BoltStore) AppendToLog(ctx context.Context, entries []types.Entry) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLogs)
		for _, entry := range entries {
			data, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			if err := b.Put(indexKey(entry.LogID.Index), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return NewError("log", "write", err)
	}
	return nil
}

func (s *BoltStore) DeleteConflictLogsSince(ctx context.Context, logID types.LogID) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLogs).Cursor()
		for k, _ := c.Seek(indexKey(logID.Index)); k != nil; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return NewError("log", "delete", err)
	}
	return nil
}

func (s *BoltStore) PurgeLogsUpto(ctx context.Context, logID types.LogID) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		purged, err := readPurged(tx)
		if err != nil {
			return err
		}
		if types.CompareLogID(purged, &logID) > 0 {
			panic(fmt.Sprintf("purge below the purged mark: have %v, asked %v", purged, logID))
		}

		data, err := json.Marshal(logID)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketState).Put(keyPurged, data); err != nil {
			return err
		}

		c := tx.Bucket(bucketLogs).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if binary.BigEndian.Uint64(k) > logID.Index {
				break
			}
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return NewError("log", "delete", err)
	}
	return nil
}

func (s *BoltStore) ApplyToStateMachine(ctx context.Context, entries []types.Entry) ([]types.Response, error) {
	res := make([]types.Response, 0, len(entries))
	err := s.db.Update(func(tx *bolt.Tx) error {
		sm, err := readStateMachineTx(tx)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			res = append(res, sm.Apply(entry))
		}
		data, err := json.Marshal(sm)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketStateMachine).Put(keyMachine, data)
	})
	if err != nil {
		return nil, NewError("state_machine", "write", err)
	}
	return res, nil
}

func (s *BoltStore) BuildSnapshot(ctx context.Context) (*Snapshot, error) {
	sm, err := s.readStateMachine()
	if err != nil {
		return nil, err
	}
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

	if err := s.writeSnapshot(meta, data); err != nil {
		return nil, err
	}
	return &Snapshot{Meta: meta, Data: bytes.NewReader(data)}, nil
}

func (s *BoltStore) BeginReceivingSnapshot(ctx context.Context) (*bytes.Buffer, error) {
	return &bytes.Buffer{}, nil
}

func (s *BoltStore) InstallSnapshot(ctx context.Context, meta types.SnapshotMeta, data *bytes.Buffer) (*StateMachineChanges, error) {
	raw := append([]byte(nil), data.Bytes()...)

	newSM := NewStateMachine()
	if err := json.Unmarshal(raw, newSM); err != nil {
		return nil, NewError("snapshot", "read", err)
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		smData, err := json.Marshal(newSM)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketStateMachine).Put(keyMachine, smData); err != nil {
			return err
		}
		snapData, err := json.Marshal(boltSnapshot{Meta: meta, Data: raw})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSnapshots).Put(keySnapshot, snapData)
	})
	if err != nil {
		return nil, NewError("snapshot", "write", err)
	}

	return &StateMachineChanges{LastApplied: meta.LastLogID, IsSnapshot: true}, nil
}

func (s *BoltStore) GetCurrentSnapshot(ctx context.Context) (*Snapshot, error) {
	var snap *boltSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSnapshots).Get(keySnapshot)
		if data == nil {
			return nil
		}
		var b boltSnapshot
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		snap = &b
		return nil
	})
	if err != nil {
		return nil, NewError("snapshot", "read", err)
	}
	if snap == nil {
		return nil, nil
	}
	return &Snapshot{Meta: snap.Meta, Data: bytes.NewReader(snap.Data)}, nil
}

// boltSnapshot is the stored form of the current snapshot cell.
type boltSnapshot struct {
	Meta types.SnapshotMeta `json:"meta"`
	Data []byte             `json:"data"`
}

func (s *BoltStore) writeSnapshot(meta types.SnapshotMeta, data []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		raw, err := json.Marshal(boltSnapshot{Meta: meta, Data: data})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSnapshots).Put(keySnapshot, raw)
	})
	if err != nil {
		return NewError("snapshot", "write", err)
	}
	return nil
}

func (s *BoltStore) readStateMachine() (*StateMachine, error) {
	var sm *StateMachine
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		sm, err = readStateMachineTx(tx)
		return err
	})
	if err != nil {
		return nil, NewError("state_machine", "read", err)
	}
	return sm, nil
}

func readStateMachineTx(tx *bolt.Tx) (*StateMachine, error) {
	data := tx.Bucket(bucketStateMachine).Get(keyMachine)
	if data == nil {
		return NewStateMachine(), nil
	}
	sm := NewStateMachine()
	if err := json.Unmarshal(data, sm); err != nil {
		return nil, err
	}
	return sm, nil
}

func readPurged(tx *bolt.Tx) (*types.LogID, error) {
	data := tx.Bucket(bucketState).Get(keyPurged)
	if data == nil {
		return nil, nil
	}
	var id types.LogID
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, err
	}
	return &id, nil
}

func indexKey(idx uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, idx)
	return key
}
