// Package query serves read-only settlement, balance, and journal
// lookups from the Postgres read model, plus the admin integrity
// check. Responses carry as_of_sequence so callers can reason about
// projection lag.
package query

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"AtomicSettle/internal/persistence"
	"AtomicSettle/internal/replog"
	"AtomicSettle/internal/settlement"
)

type Service struct {
	db     *sql.DB
	reader *persistence.Reader
	rlog   replog.Log
	audit  *persistence.AuditLog
	pubKey ed25519.PublicKey
}

// NewService wires the query surface. rlog and audit may be nil when
// the deployment has no durable log; VerifyIntegrity then skips those
// checks.
func NewService(db *sql.DB, rlog replog.Log, audit *persistence.AuditLog, pubKey ed25519.PublicKey) *Service {
	return &Service{
		db:     db,
		reader: persistence.NewReader(db),
		rlog:   rlog,
		audit:  audit,
		pubKey: pubKey,
	}
}

// Balance returns one account's projected balance.
func (s *Service) Balance(ctx context.Context, account string) (*BalanceResponse, error) {
	asOf, err := s.watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var resp BalanceResponse
	var available, locked string
	err = s.db.QueryRowContext(ctx, `
		SELECT account, currency, available, locked, version, updated_at
		FROM balances WHERE account = $1
	`, account).Scan(&resp.Account, &resp.Currency, &available, &locked,
		&resp.Version, &resp.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if resp.Available, err = decimal.NewFromString(available); err != nil {
		return nil, err
	}
	if resp.Locked, err = decimal.NewFromString(locked); err != nil {
		return nil, err
	}
	resp.Total = resp.Available.Add(resp.Locked)
	resp.AsOfSequence = asOf
	return &resp, nil
}

// Settlement returns one settlement snapshot, or nil when unknown.
func (s *Service) Settlement(ctx context.Context, id uuid.UUID) (*SettlementResponse, error) {
	asOf, err := s.watermark(ctx)
	if err != nil {
		return nil, err
	}
	snap, err := s.reader.Settlement(ctx, id)
	if err != nil || snap == nil {
		return nil, err
	}
	return &SettlementResponse{Settlement: snap, AsOfSequence: asOf}, nil
}

// SettlementByKey resolves an idempotency key.
func (s *Service) SettlementByKey(ctx context.Context, key string) (*SettlementResponse, error) {
	asOf, err := s.watermark(ctx)
	if err != nil {
		return nil, err
	}
	snap, err := s.reader.SettlementByKey(ctx, key)
	if err != nil || snap == nil {
		return nil, err
	}
	return &SettlementResponse{Settlement: snap, AsOfSequence: asOf}, nil
}

// Settlements lists snapshots by status, newest first.
func (s *Service) Settlements(ctx context.Context, status settlement.Status, limit int) ([]*SettlementResponse, error) {
	asOf, err := s.watermark(ctx)
	if err != nil {
		return nil, err
	}
	snaps, err := s.reader.ListSettlements(ctx, status, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*SettlementResponse, len(snaps))
	for i, snap := range snaps {
		out[i] = &SettlementResponse{Settlement: snap, AsOfSequence: asOf}
	}
	return out, nil
}

// Journal returns one settlement's journal lines.
func (s *Service) Journal(ctx context.Context, id uuid.UUID) (*JournalResponse, error) {
	asOf, err := s.watermark(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := s.reader.JournalForSettlement(ctx, id)
	if err != nil {
		return nil, err
	}
	return &JournalResponse{SettlementID: id, Entries: entries, AsOfSequence: asOf}, nil
}

// VerifyIntegrity checks the replicated-log hash chain, the audit
// chain, and the per-currency debit/credit balance of the journal.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{Healthy: true}

	if s.rlog != nil {
		records, err := s.rlog.ReadAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("read replicated log: %w", err)
		}
		report.LogRecords = len(records)
		if err := replog.VerifyChain(records); err != nil {
			report.LogChainError = err.Error()
			report.Healthy = false
		}
	}

	if s.audit != nil {
		if err := s.audit.Verify(ctx, s.pubKey); err != nil {
			report.AuditChainError = err.Error()
			report.Healthy = false
		}
	}

	// Per currency, debits minus credits over the whole journal must
	// be zero.
	rows, err := s.db.QueryContext(ctx, `
		SELECT currency,
		       SUM(CASE WHEN kind = 'debit' THEN amount ELSE -amount END) AS imbalance
		FROM journal_entries
		GROUP BY currency
		HAVING SUM(CASE WHEN kind = 'debit' THEN amount ELSE -amount END) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			currency  string
			imbalance string
		)
		if err := rows.Scan(&currency, &imbalance); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(imbalance)
		if err != nil {
			return nil, err
		}
		report.UnbalancedCurrencies = append(report.UnbalancedCurrencies,
			UnbalancedCurrency{Currency: currency, Imbalance: d})
		report.Healthy = false
	}
	return report, rows.Err()
}

func (s *Service) watermark(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projection_watermark WHERE worker_id = 'settlements'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return seq.Int64, nil
}
