package replog

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"AtomicSettle/internal/errs"
)

// MemoryLog is an in-process Log. Appends are totally ordered under
// one mutex and considered durable immediately; it backs tests and
// single-node deployments where the consensus layer is out of scope.
type MemoryLog struct {
	mu      sync.Mutex
	records []Record
	tip     []byte
	seq     int64
	now     func() time.Time

	// failNext, when set, makes the next append fail. Tests use it to
	// exercise the log_replication_failed path.
	failNext bool
}

// NewMemoryLog creates an empty log with the genesis chain tip.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		tip: genesisHash(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// FailNextAppend makes the next Append return log_replication_failed.
func (m *MemoryLog) FailNextAppend() {
	m.mu.Lock()
	m.failNext = true
	m.mu.Unlock()
}

// Append serializes the payload, chains the hash, and stores the
// record.
func (m *MemoryLog) Append(_ context.Context, kind Kind, settlementID uuid.UUID, payload any) (*Record, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternalError, "encode log payload", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext {
		m.failNext = false
		return nil, errs.New(errs.CodeLogReplicationFailed, "append not acknowledged by majority")
	}

	m.seq++
	hash := chainHash(m.tip, m.seq, raw)
	r := Record{
		Sequence:     m.seq,
		Kind:         kind,
		SettlementID: settlementID,
		Payload:      raw,
		AppendedAt:   m.now(),
		PrevHash:     hex.EncodeToString(m.tip),
		Hash:         hex.EncodeToString(hash),
	}
	m.records = append(m.records, r)
	m.tip = hash
	return &r, nil
}

// ReadAll returns a copy of every record in order.
func (m *MemoryLog) ReadAll(context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out, nil
}
