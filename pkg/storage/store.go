package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/Veeupup/openraft/pkg/types"
)

// Error is an I/O-class storage failure. It is fatal to the owning node:
// the core stops accepting stimuli and reports upward, because log or
// state-machine integrity can no longer be guaranteed.
type Error struct {
	Subject string // what was being accessed: "log", "vote", "state_machine", "snapshot"
	Verb    string // what was being done: "read", "write", "delete"
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Verb, e.Subject, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps an underlying I/O error with its subject and verb.
func NewError(subject, verb string, err error) *Error {
	return &Error{Subject: subject, Verb: verb, Err: err}
}

// Snapshot is a readable cursor over a serialized state-machine image.
type Snapshot struct {
	Meta types.SnapshotMeta
	Data *bytes.Reader
}

// StateMachineChanges reports the effect of installing a snapshot.
type StateMachineChanges struct {
	LastApplied types.LogID
	IsSnapshot  bool
}

// SerialResponse is the cached reply for a client's most recent serial.
type SerialResponse struct {
	Serial   uint64  `json:"serial"`
	Previous *string `json:"previous,omitempty"`
}

// StateMachine is the deterministic application state replicated by the
// log: the client-status table plus the apply/membership watermarks. Its
// JSON form is the snapshot wire format.
type StateMachine struct {
	LastAppliedLog *types.LogID               `json:"last_applied_log,omitempty"`
	LastMembership *types.EffectiveMembership `json:"last_membership,omitempty"`

	// ClientSerialResponses deduplicates requests by (client, serial); the
	// response for an already-seen serial is the cached prior response.
	ClientSerialResponses map[string]SerialResponse `json:"client_serial_responses"`

	// ClientStatus is the current status of each client by id.
	ClientStatus map[string]string `json:"client_status"`
}

// NewStateMachine returns an empty state machine with allocated tables.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		ClientSerialResponses: make(map[string]SerialResponse),
		ClientStatus:          make(map[string]string),
	}
}

// Apply advances the state machine by one entry. The caller guarantees
// entries arrive in strictly increasing log-id order.
func (sm *StateMachine) Apply(entry types.Entry) types.Response {
	id := entry.LogID
	sm.LastAppliedLog = &id

	switch entry.Payload.Kind() {
	case types.PayloadNormal:
		data := entry.Payload.Normal
		if cached, ok := sm.ClientSerialResponses[data.Client]; ok && cached.Serial == data.Serial {
			return types.Response{Previous: cached.Previous}
		}
		var previous *string
		if prev, ok := sm.ClientStatus[data.Client]; ok {
			p := prev
			previous = &p
		}
		sm.ClientStatus[data.Client] = data.Status
		sm.ClientSerialResponses[data.Client] = SerialResponse{Serial: data.Serial, Previous: previous}
		return types.Response{Previous: previous}

	case types.PayloadMembership:
		sm.LastMembership = &types.EffectiveMembership{
			LogID:      &id,
			Membership: entry.Payload.Membership.Clone(),
		}
	}
	return types.Response{}
}

// Clone returns a deep copy of the state machine.
func (sm *StateMachine) Clone() *StateMachine {
	out := NewStateMachine()
	if sm.LastAppliedLog != nil {
		id := *sm.LastAppliedLog
		out.LastAppliedLog = &id
	}
	if sm.LastMembership != nil {
		em := types.EffectiveMembership{Membership: sm.LastMembership.Membership.Clone()}
		if sm.LastMembership.LogID != nil {
			id := *sm.LastMembership.LogID
			em.LogID = &id
		}
		out.LastMembership = &em
	}
	for k, v := range sm.ClientSerialResponses {
		out.ClientSerialResponses[k] = v
	}
	for k, v := range sm.ClientStatus {
		out.ClientStatus[k] = v
	}
	return out
}

// Store is the durable storage contract consumed by the consensus core. The
// node owns its Store exclusively: no other task mutates log, vote, or
// state machine. Implementations must keep the log gap-free between the
// purged mark and the tail, and must make SaveVote durable before
// returning.
type Store interface {
	// SaveVote atomically persists v. The caller guarantees v is at or
	// above the previously persisted vote.
	SaveVote(ctx context.Context, v types.Vote) error

	// ReadVote returns the last persisted vote, or nil on a fresh store.
	ReadVote(ctx context.Context) (*types.Vote, error)

	// GetLogEntries returns entries with index in [start, stop), in
	// ascending index order. Indices below the purged mark yield no
	// entries, not an error.
	GetLogEntries(ctx context.Context, start, stop uint64) ([]types.Entry, error)

	// GetLogState returns the purged/tail bounds of the log. If the live
	// log is empty, LastLogID equals LastPurgedLogID.
	GetLogState(ctx context.Context) (types.LogState, error)

	// LastAppliedState returns the state machine's applied watermark and
	// last-seen membership.
	LastAppliedState(ctx context.Context) (*types.LogID, *types.EffectiveMembership, error)

	// AppendToLog appends entries in order. The first entry's index must be
	// exactly last_log_id.index + 1 (or 1 on an empty log).
	AppendToLog(ctx context.Context, entries []types.Entry) error

	// DeleteConflictLogsSince removes all entries with index >=
	// logID.Index. Used by followers when the leader's prefix disagrees
	// with the local tail.
	DeleteConflictLogsSince(ctx context.Context, logID types.LogID) error

	// PurgeLogsUpto removes all entries with index <= logID.Index and
	// advances the purged mark. Purging below the current mark is a
	// programmer error and panics.
	PurgeLogsUpto(ctx context.Context, logID types.LogID) error

	// ApplyToStateMachine applies entries in index order, advancing the
	// applied watermark, and returns one response per entry.
	ApplyToStateMachine(ctx context.Context, entries []types.Entry) ([]types.Response, error)

	// BuildSnapshot serializes the state machine at its current applied
	// watermark, replaces the stored current snapshot, and returns a
	// readable cursor. Compacting a state machine that has never applied
	// anything is a programmer error and panics.
	BuildSnapshot(ctx context.Context) (*Snapshot, error)

	// BeginReceivingSnapshot produces an empty sink for an incoming
	// snapshot stream.
	BeginReceivingSnapshot(ctx context.Context) (*bytes.Buffer, error)

	// InstallSnapshot deserializes the buffer, atomically replaces the
	// state machine, and stores the snapshot as current. The caller is
	// responsible for purging superseded log entries afterwards.
	InstallSnapshot(ctx context.Context, meta types.SnapshotMeta, data *bytes.Buffer) (*StateMachineChanges, error)

	// GetCurrentSnapshot returns a fresh cursor over the stored snapshot,
	// or nil if none has been built.
	GetCurrentSnapshot(ctx context.Context) (*Snapshot, error)

	// Close releases the underlying medium.
	Close() error
}
