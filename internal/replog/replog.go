// Package replog is the coordinator's replicated log abstraction.
// Every settlement transition and lock status change is appended
// before the side effect it precedes is acknowledged, so a newly
// promoted leader can rebuild all in-flight settlements from the log
// alone. The interface assumes linearizable, majority-durable
// appends; the in-memory implementation stands in for the consensus
// layer in tests and single-node deployments.
package replog

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"AtomicSettle/internal/errs"
	"AtomicSettle/internal/lock"
	"AtomicSettle/internal/settlement"
)

// GenesisHashSeed anchors the record hash chain.
const GenesisHashSeed = "AtomicSettle:replog:genesis:v1"

// Kind tags what a record describes.
type Kind string

const (
	KindSettlementTransition Kind = "settlement_transition"
	KindLockChange           Kind = "lock_change"
)

// Record is one durable log entry. Hash chains each record to its
// predecessor so divergent replicas are detectable.
type Record struct {
	Sequence     int64           `json:"sequence"`
	Kind         Kind            `json:"kind"`
	SettlementID uuid.UUID       `json:"settlement_id"`
	Payload      json.RawMessage `json:"payload"`
	AppendedAt   time.Time       `json:"appended_at"`
	PrevHash     string          `json:"prev_hash"`
	Hash         string          `json:"hash"`
}

// Transition is the payload of a settlement_transition record. It
// carries a full settlement snapshot so recovery needs no other
// source of truth.
type Transition struct {
	From     settlement.Status      `json:"from"`
	To       settlement.Status      `json:"to"`
	Snapshot *settlement.Settlement `json:"snapshot"`
}

// LockChange is the payload of a lock_change record.
type LockChange struct {
	Change lock.Change `json:"change"`
}

// Log is the replicated log surface. Append returns only after the
// record is durable on a majority of replicas.
type Log interface {
	Append(ctx context.Context, kind Kind, settlementID uuid.UUID, payload any) (*Record, error)
	// ReadAll returns every record in sequence order.
	ReadAll(ctx context.Context) ([]Record, error)
}

// AppendTransition logs a settlement state change.
func AppendTransition(ctx context.Context, l Log, from, to settlement.Status, s *settlement.Settlement) error {
	_, err := l.Append(ctx, KindSettlementTransition, s.ID, Transition{
		From:     from,
		To:       to,
		Snapshot: s.Clone(),
	})
	return err
}

// AppendLockChange logs a lock status change.
func AppendLockChange(ctx context.Context, l Log, c lock.Change) error {
	_, err := l.Append(ctx, KindLockChange, c.Lock.SettlementID, LockChange{Change: c})
	return err
}

// chainHash computes hash[N] = SHA-256(prev || sequence || payload).
func chainHash(prev []byte, sequence int64, payload []byte) []byte {
	h := sha256.New()
	h.Write(prev)
	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], uint64(sequence))
	h.Write(seq[:])
	h.Write(payload)
	return h.Sum(nil)
}

func genesisHash() []byte {
	sum := sha256.Sum256([]byte(GenesisHashSeed))
	return sum[:]
}

// Materialize folds the log into the latest settlement snapshots,
// keyed by settlement id. Lock records are folded into a side map of
// last-known lock states.
func Materialize(records []Record) (map[uuid.UUID]*settlement.Settlement, map[uuid.UUID]lock.Lock, error) {
	settlements := make(map[uuid.UUID]*settlement.Settlement)
	locks := make(map[uuid.UUID]lock.Lock)
	for _, r := range records {
		switch r.Kind {
		case KindSettlementTransition:
			var t Transition
			if err := json.Unmarshal(r.Payload, &t); err != nil {
				return nil, nil, errs.Wrap(errs.CodeInternalError, "decode transition record", err)
			}
			settlements[r.SettlementID] = t.Snapshot
		case KindLockChange:
			var c LockChange
			if err := json.Unmarshal(r.Payload, &c); err != nil {
				return nil, nil, errs.Wrap(errs.CodeInternalError, "decode lock record", err)
			}
			locks[c.Change.Lock.ID] = c.Change.Lock
		}
	}
	return settlements, locks, nil
}

// VerifyChain recomputes the hash chain and reports the first
// divergence, if any.
func VerifyChain(records []Record) error {
	prev := genesisHash()
	for i, r := range records {
		want := hex.EncodeToString(chainHash(prev, r.Sequence, r.Payload))
		if r.Hash != want {
			return errs.Newf(errs.CodeInternalError,
				"log hash chain broken at sequence %d (record %d)", r.Sequence, i)
		}
		decoded, err := hex.DecodeString(r.Hash)
		if err != nil {
			return errs.Wrap(errs.CodeInternalError, "malformed record hash", err)
		}
		prev = decoded
	}
	return nil
}
