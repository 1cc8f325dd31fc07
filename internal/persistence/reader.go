package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"AtomicSettle/internal/ledger"
	"AtomicSettle/internal/money"
	"AtomicSettle/internal/settlement"
)

// Reader serves the Postgres read model: warm-restart loads for the
// ledger engine and lookup queries for the query API.
type Reader struct {
	db *sql.DB
}

func NewReader(db *sql.DB) *Reader {
	return &Reader{db: db}
}

// LoadBalances returns every persisted balance row.
func (r *Reader) LoadBalances(ctx context.Context) ([]ledger.Balance, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT account, available, locked, version, updated_at
		FROM balances ORDER BY account
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Balance
	for rows.Next() {
		var (
			b         ledger.Balance
			account   string
			available string
			locked    string
		)
		if err := rows.Scan(&account, &available, &locked, &b.Version, &b.UpdatedAt); err != nil {
			return nil, err
		}
		if b.Account, err = settlement.ParseAccountID(account); err != nil {
			return nil, fmt.Errorf("balance row %q: %w", account, err)
		}
		if b.Available, err = decimal.NewFromString(available); err != nil {
			return nil, fmt.Errorf("balance row %q available: %w", account, err)
		}
		if b.Locked, err = decimal.NewFromString(locked); err != nil {
			return nil, fmt.Errorf("balance row %q locked: %w", account, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

const entryColumns = `sequence, settlement_id, leg_number, account, kind, amount, currency, balance_after, created_at`

func scanEntries(rows *sql.Rows) ([]ledger.Entry, error) {
	var out []ledger.Entry
	for rows.Next() {
		var (
			e            ledger.Entry
			account      string
			kind         string
			amount       string
			currency     string
			balanceAfter string
			err          error
		)
		if err = rows.Scan(&e.Sequence, &e.SettlementID, &e.LegNumber,
			&account, &kind, &amount, &currency, &balanceAfter, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.Account, err = settlement.ParseAccountID(account); err != nil {
			return nil, fmt.Errorf("journal row %d: %w", e.Sequence, err)
		}
		e.Kind = ledger.EntryKind(kind)
		e.Amount.Currency = money.Currency(currency)
		if e.Amount.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("journal row %d amount: %w", e.Sequence, err)
		}
		if e.BalanceAfter, err = decimal.NewFromString(balanceAfter); err != nil {
			return nil, fmt.Errorf("journal row %d balance_after: %w", e.Sequence, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LoadEntries returns journal entries from fromSequence onward, in
// sequence order.
func (r *Reader) LoadEntries(ctx context.Context, fromSequence int64, limit int) ([]ledger.Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM journal_entries
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// JournalForSettlement returns the journal lines for one settlement.
func (r *Reader) JournalForSettlement(ctx context.Context, id uuid.UUID) ([]ledger.Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM journal_entries
		WHERE settlement_id = $1
		ORDER BY sequence ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Settlement returns the snapshot for one settlement id, or nil when
// unknown.
func (r *Reader) Settlement(ctx context.Context, id uuid.UUID) (*settlement.Settlement, error) {
	var doc []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT snapshot FROM settlements WHERE id = $1`, id,
	).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s settlement.Settlement
	if err := json.Unmarshal(doc, &s); err != nil {
		return nil, fmt.Errorf("decode settlement %s: %w", id, err)
	}
	return &s, nil
}

// SettlementByKey resolves an idempotency key to its settlement.
func (r *Reader) SettlementByKey(ctx context.Context, key string) (*settlement.Settlement, error) {
	var id uuid.UUID
	err := r.db.QueryRowContext(ctx,
		`SELECT settlement_id FROM idempotency_index WHERE idempotency_key = $1`, key,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.Settlement(ctx, id)
}

// ListSettlements returns snapshots filtered by status, newest first.
// An empty status returns everything up to limit.
func (r *Reader) ListSettlements(ctx context.Context, status settlement.Status, limit int) ([]*settlement.Settlement, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT snapshot FROM settlements ORDER BY created_at DESC LIMIT $1`
	args := []any{limit}
	if status != "" {
		query = `SELECT snapshot FROM settlements WHERE status = $1 ORDER BY created_at DESC LIMIT $2`
		args = []any{string(status), limit}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSettlements(rows)
}

// OldestPendingReview returns pending_review snapshots created at or
// before cutoff, oldest first, for the review-queue API.
func (r *Reader) OldestPendingReview(ctx context.Context, cutoff time.Time, limit int) ([]*settlement.Settlement, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT snapshot FROM settlements
		WHERE status = 'pending_review' AND created_at <= $1
		ORDER BY created_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSettlements(rows)
}

// LatestJournalSequence returns the highest persisted journal
// sequence, or zero when the journal is empty.
func (r *Reader) LatestJournalSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := r.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM journal_entries`,
	).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

func scanSettlements(rows *sql.Rows) ([]*settlement.Settlement, error) {
	var out []*settlement.Settlement
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var s settlement.Settlement
		if err := json.Unmarshal(doc, &s); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}
