// Package projection tails the replicated log into the settlements
// and locks read-model tables. Projections are eventually consistent
// and fully rebuildable, so a failed update is retried on the next
// poll rather than blocking the settlement path.
package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"AtomicSettle/internal/lock"
	"AtomicSettle/internal/persistence"
	"AtomicSettle/internal/replog"
	"AtomicSettle/internal/settlement"
)

// Projector polls replicated_log past its watermark and applies each
// record to the read model.
type Projector struct {
	db       *sql.DB
	writer   *persistence.StateWriter
	interval time.Duration
	pageSize int
	log      zerolog.Logger
}

func NewProjector(db *sql.DB, interval time.Duration, log zerolog.Logger) *Projector {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Projector{
		db:       db,
		writer:   persistence.NewStateWriter(db),
		interval: interval,
		pageSize: 1000,
		log:      log,
	}
}

// Run polls until the context ends.
func (p *Projector) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.Advance(ctx); err != nil {
				p.log.Warn().Err(err).Msg("projection advance")
			}
		}
	}
}

// Advance applies every unprojected record, one page at a time.
func (p *Projector) Advance(ctx context.Context) error {
	for {
		n, err := p.applyPage(ctx)
		if err != nil {
			return err
		}
		if n < p.pageSize {
			return nil
		}
	}
}

func (p *Projector) applyPage(ctx context.Context) (int, error) {
	watermark, err := p.watermark(ctx)
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT sequence, kind, payload
		FROM replicated_log
		WHERE sequence > $1
		ORDER BY sequence ASC
		LIMIT $2
	`, watermark, p.pageSize)
	if err != nil {
		return 0, fmt.Errorf("read log page: %w", err)
	}
	defer rows.Close()

	type record struct {
		sequence int64
		kind     replog.Kind
		payload  []byte
	}
	var page []record
	for rows.Next() {
		var (
			r    record
			kind string
		)
		if err := rows.Scan(&r.sequence, &kind, &r.payload); err != nil {
			return 0, err
		}
		r.kind = replog.Kind(kind)
		page = append(page, r)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(page) == 0 {
		return 0, nil
	}

	// Latest snapshot per settlement wins within the page.
	snapshots := make(map[string]*settlement.Settlement)
	var order []string
	locks := make(map[string]lock.Lock)
	var lockOrder []string

	for _, r := range page {
		switch r.kind {
		case replog.KindSettlementTransition:
			var tr replog.Transition
			if err := json.Unmarshal(r.payload, &tr); err != nil {
				return 0, fmt.Errorf("decode transition at %d: %w", r.sequence, err)
			}
			key := tr.Snapshot.ID.String()
			if _, seen := snapshots[key]; !seen {
				order = append(order, key)
			}
			snapshots[key] = tr.Snapshot
		case replog.KindLockChange:
			var lc replog.LockChange
			if err := json.Unmarshal(r.payload, &lc); err != nil {
				return 0, fmt.Errorf("decode lock change at %d: %w", r.sequence, err)
			}
			key := lc.Change.Lock.ID.String()
			if _, seen := locks[key]; !seen {
				lockOrder = append(lockOrder, key)
			}
			locks[key] = lc.Change.Lock
		}
	}

	settlements := make([]*settlement.Settlement, 0, len(order))
	for _, key := range order {
		settlements = append(settlements, snapshots[key])
	}
	lockRows := make([]lock.Lock, 0, len(lockOrder))
	for _, key := range lockOrder {
		lockRows = append(lockRows, locks[key])
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if err := p.writer.WriteSettlements(ctx, tx, settlements); err != nil {
		return 0, fmt.Errorf("project settlements: %w", err)
	}
	if err := p.writer.WriteLocks(ctx, tx, lockRows); err != nil {
		return 0, fmt.Errorf("project locks: %w", err)
	}

	last := page[len(page)-1].sequence
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projection_watermark (worker_id, last_sequence, updated_at)
		VALUES ('settlements', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, last); err != nil {
		return 0, fmt.Errorf("advance watermark: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	p.log.Debug().
		Int64("watermark", last).
		Int("records", len(page)).
		Msg("projection page applied")
	return len(page), nil
}

func (p *Projector) watermark(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := p.db.QueryRowContext(ctx, `
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

// Rebuild clears the projected tables and the watermark so the next
// Advance replays the whole log.
func (p *Projector) Rebuild(ctx context.Context) error {
	stmts := []string{
		`TRUNCATE settlements`,
		`TRUNCATE idempotency_index`,
		`TRUNCATE locks`,
		`DELETE FROM projection_watermark WHERE worker_id = 'settlements'`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("projection rebuild: %w", err)
		}
	}
	return p.Advance(ctx)
}
