// Package persistence maintains the Postgres read model: journal
// entries, balances, locks, and settlement snapshots, all derivable
// from the replicated log and rebuildable by replaying it.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"AtomicSettle/internal/ledger"
	"AtomicSettle/internal/lock"
	"AtomicSettle/internal/settlement"
)

// StateWriter batch-writes read-model rows using multi-row INSERT.
// Journal entries are append-only with ON CONFLICT DO NOTHING, so a
// replayed batch is idempotent; balances, locks, and settlements are
// last-write-wins upserts.
type StateWriter struct {
	db *sql.DB
}

func NewStateWriter(db *sql.DB) *StateWriter {
	return &StateWriter{db: db}
}

// WriteEntries appends journal entry rows. Re-inserting an existing
// sequence is a no-op.
func (w *StateWriter) WriteEntries(ctx context.Context, tx *sql.Tx, entries []ledger.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	const cols = 9
	values := make([]string, 0, len(entries))
	args := make([]any, 0, len(entries)*cols)
	for i, e := range entries {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.Sequence, e.SettlementID, e.LegNumber, e.Account.String(),
			string(e.Kind), e.Amount.Amount.String(), string(e.Amount.Currency),
			e.BalanceAfter.String(), e.CreatedAt,
		)
	}

	query := `INSERT INTO journal_entries
		(sequence, settlement_id, leg_number, account, kind, amount, currency, balance_after, created_at)
		VALUES ` + strings.Join(values, ", ") +
		` ON CONFLICT (sequence) DO NOTHING`
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteBalances upserts balance rows. A stale batch cannot regress a
// newer row because the version guards the update.
func (w *StateWriter) WriteBalances(ctx context.Context, tx *sql.Tx, balances []ledger.Balance) error {
	if len(balances) == 0 {
		return nil
	}

	const cols = 6
	values := make([]string, 0, len(balances))
	args := make([]any, 0, len(balances)*cols)
	for i, b := range balances {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			b.Account.String(), string(b.Account.Currency),
			b.Available.String(), b.Locked.String(), b.Version, b.UpdatedAt,
		)
	}

	query := `INSERT INTO balances
		(account, currency, available, locked, version, updated_at)
		VALUES ` + strings.Join(values, ", ") + `
		ON CONFLICT (account) DO UPDATE SET
			available  = EXCLUDED.available,
			locked     = EXCLUDED.locked,
			version    = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at
		WHERE balances.version < EXCLUDED.version`
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteLocks upserts lock rows keyed by lock id.
func (w *StateWriter) WriteLocks(ctx context.Context, tx *sql.Tx, locks []lock.Lock) error {
	if len(locks) == 0 {
		return nil
	}

	const cols = 10
	values := make([]string, 0, len(locks))
	args := make([]any, 0, len(locks)*cols)
	for i, l := range locks {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			l.ID, l.SettlementID, l.LegNumber, l.Account.String(),
			l.Amount.Amount.String(), string(l.Amount.Currency),
			string(l.Status), string(l.ReleaseCause), l.ExpiresAt, l.CreatedAt,
		)
	}

	query := `INSERT INTO locks
		(id, settlement_id, leg_number, account, amount, currency, status, release_cause, expires_at, created_at)
		VALUES ` + strings.Join(values, ", ") + `
		ON CONFLICT (id) DO UPDATE SET
			status        = EXCLUDED.status,
			release_cause = EXCLUDED.release_cause,
			expires_at    = EXCLUDED.expires_at`
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteSettlements upserts settlement snapshot rows plus their
// idempotency index entries.
func (w *StateWriter) WriteSettlements(ctx context.Context, tx *sql.Tx, snapshots []*settlement.Settlement) error {
	if len(snapshots) == 0 {
		return nil
	}

	const cols = 7
	values := make([]string, 0, len(snapshots))
	args := make([]any, 0, len(snapshots)*cols)
	for i, s := range snapshots {
		doc, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("encode settlement %s: %w", s.ID, err)
		}
		failureCode := ""
		if s.Failure != nil {
			failureCode = string(s.Failure.Code)
		}
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			s.ID, s.IdempotencyKey, s.Initiator, string(s.Status),
			failureCode, doc, s.CreatedAt,
		)
	}

	query := `INSERT INTO settlements
		(id, idempotency_key, initiator, status, failure_code, snapshot, created_at)
		VALUES ` + strings.Join(values, ", ") + `
		ON CONFLICT (id) DO UPDATE SET
			status       = EXCLUDED.status,
			failure_code = EXCLUDED.failure_code,
			snapshot     = EXCLUDED.snapshot`
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return err
	}

	for _, s := range snapshots {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO idempotency_index (idempotency_key, settlement_id, created_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (idempotency_key) DO NOTHING
		`, s.IdempotencyKey, s.ID, s.CreatedAt); err != nil {
			return err
		}
		if err := w.writeLegs(ctx, tx, s); err != nil {
			return err
		}
		if err := w.writeRateLock(ctx, tx, s); err != nil {
			return err
		}
	}
	return nil
}

func (w *StateWriter) writeLegs(ctx context.Context, tx *sql.Tx, s *settlement.Settlement) error {
	for _, leg := range s.Legs {
		converted := sql.NullString{}
		if !leg.ConvertedAmount.Amount.IsZero() {
			converted = sql.NullString{String: leg.ConvertedAmount.Amount.String(), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO settlement_legs
				(settlement_id, leg_number, source_account, destination_account,
				 source_amount, source_currency, converted_amount, destination_currency)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (settlement_id, leg_number) DO UPDATE SET
				converted_amount = EXCLUDED.converted_amount
		`, s.ID, leg.Number, leg.Source.String(), leg.Destination.String(),
			leg.SourceAmount.Amount.String(), string(leg.SourceAmount.Currency),
			converted, string(leg.Destination.Currency)); err != nil {
			return err
		}
	}
	return nil
}

func (w *StateWriter) writeRateLock(ctx context.Context, tx *sql.Tx, s *settlement.Settlement) error {
	rl := s.LockedRate
	if rl == nil {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO fx_rate_locks (id, settlement_id, pair, mid, digest, valid_until)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, rl.ID, s.ID, rl.Pair.String(), rl.Mid, rl.Digest, rl.ValidUntil)
	return err
}

// placeholders renders "($n+1, ..., $n+cols)".
func placeholders(base, cols int) string {
	var b strings.Builder
	b.WriteByte('(')
	for i := 0; i < cols; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+i+1)
	}
	b.WriteByte(')')
	return b.String()
}
