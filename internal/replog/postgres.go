package replog

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"AtomicSettle/internal/errs"
)

// PostgresLog stores records in the replicated_log table. A single
// Postgres is not a consensus group; this implementation provides the
// durability half of the contract and is the production backend when
// the deployment delegates replication to the database layer.
type PostgresLog struct {
	db *sql.DB
}

// NewPostgresLog wraps an open database handle.
func NewPostgresLog(db *sql.DB) *PostgresLog {
	return &PostgresLog{db: db}
}

// Append inserts the record inside one transaction, chaining the hash
// off the current tip row.
func (p *PostgresLog) Append(ctx context.Context, kind Kind, settlementID uuid.UUID, payload any) (*Record, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternalError, "encode log payload", err)
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, errs.Wrap(errs.CodeLogReplicationFailed, "begin log transaction", err)
	}
	defer tx.Rollback()

	var (
		seq     int64
		tipHex  sql.NullString
	)
	err = tx.QueryRowContext(ctx,
		`SELECT sequence, hash FROM replicated_log ORDER BY sequence DESC LIMIT 1 FOR UPDATE`,
	).Scan(&seq, &tipHex)
	tip := genesisHash()
	switch {
	case err == sql.ErrNoRows:
		seq = 0
	case err != nil:
		return nil, errs.Wrap(errs.CodeLogReplicationFailed, "read log tip", err)
	default:
		decoded, decErr := hex.DecodeString(tipHex.String)
		if decErr != nil {
			return nil, errs.Wrap(errs.CodeInternalError, "malformed log tip hash", decErr)
		}
		tip = decoded
	}

	r := Record{
		Sequence:     seq + 1,
		Kind:         kind,
		SettlementID: settlementID,
		Payload:      raw,
		AppendedAt:   time.Now().UTC(),
		PrevHash:     hex.EncodeToString(tip),
	}
	r.Hash = hex.EncodeToString(chainHash(tip, r.Sequence, raw))

	_, err = tx.ExecContext(ctx,
		`INSERT INTO replicated_log (sequence, kind, settlement_id, payload, appended_at, prev_hash, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.Sequence, string(r.Kind), r.SettlementID, r.Payload, r.AppendedAt, r.PrevHash, r.Hash,
	)
	if err != nil {
		return nil, errs.Wrap(errs.CodeLogReplicationFailed, "insert log record", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, errs.Wrap(errs.CodeLogReplicationFailed, "commit log record", err)
	}
	return &r, nil
}

// ReadAll streams every record in sequence order.
func (p *PostgresLog) ReadAll(ctx context.Context) ([]Record, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT sequence, kind, settlement_id, payload, appended_at, prev_hash, hash
		 FROM replicated_log ORDER BY sequence ASC`)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternalError, "query replicated log", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r    Record
			kind string
		)
		if err := rows.Scan(&r.Sequence, &kind, &r.SettlementID, &r.Payload,
			&r.AppendedAt, &r.PrevHash, &r.Hash); err != nil {
			return nil, errs.Wrap(errs.CodeInternalError, "scan log record", err)
		}
		r.Kind = Kind(kind)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.CodeInternalError, "iterate replicated log", err)
	}
	return out, nil
}
