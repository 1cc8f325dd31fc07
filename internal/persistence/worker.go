package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"AtomicSettle/internal/ledger"
	"AtomicSettle/internal/observability"
)

// Mutation is one unit of ledger read-model change handed to the
// worker. Either or both fields may be set.
type Mutation struct {
	Entries  []ledger.Entry
	Balances []ledger.Balance
}

// Worker drains ledger mutations and batch-writes them to Postgres.
// The in-memory ledger is authoritative and the journal is replayable,
// so Offer drops under backpressure rather than stalling the
// settlement path; a dropped balance row heals on the account's next
// mutation.
type Worker struct {
	db           *sql.DB
	writer       *StateWriter
	input        chan Mutation
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

func NewWorker(db *sql.DB, queueDepth, batchSize int, flushTimeout time.Duration,
	metrics *observability.Metrics, log zerolog.Logger) *Worker {
	if queueDepth <= 0 {
		queueDepth = 4096
	}
	if batchSize <= 0 {
		batchSize = 256
	}
	if flushTimeout <= 0 {
		flushTimeout = 200 * time.Millisecond
	}
	return &Worker{
		db:           db,
		writer:       NewStateWriter(db),
		input:        make(chan Mutation, queueDepth),
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          log,
	}
}

// Offer enqueues a mutation without blocking the caller.
func (w *Worker) Offer(m Mutation) {
	select {
	case w.input <- m:
	default:
		if w.metrics != nil {
			w.metrics.PersistBackpressure.Inc()
		}
		w.log.Warn().Msg("read-model queue full, mutation dropped")
	}
}

// EntriesAppended implements ledger.Observer.
func (w *Worker) EntriesAppended(entries []ledger.Entry) {
	w.Offer(Mutation{Entries: entries})
}

// BalanceUpdated implements ledger.Observer.
func (w *Worker) BalanceUpdated(b ledger.Balance) {
	w.Offer(Mutation{Balances: []ledger.Balance{b}})
}

// Run batches mutations and flushes on size or cadence until the
// context ends, then flushes the remainder.
func (w *Worker) Run(ctx context.Context) error {
	var batch []Mutation
	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := w.flush(context.Background(), batch); err != nil {
					w.log.Error().Err(err).Msg("final read-model flush")
				}
			}
			return ctx.Err()

		case m := <-w.input:
			batch = append(batch, m)
			if len(batch) >= w.batchSize {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write
// lands or the context ends. The batch is idempotent, so a retry
// after a partial failure is safe.
func (w *Worker) flushWithRetry(ctx context.Context, batch []Mutation) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("mutations", len(batch)).
				Msg("read-model flush retry")
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), batch); err != nil {
					w.log.Error().Err(err).Msg("read-model flush on shutdown")
				}
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		if err := w.flush(ctx, batch); err == nil {
			return
		}
	}
}

func (w *Worker) flush(ctx context.Context, batch []Mutation) error {
	var (
		entries  []ledger.Entry
		balances []ledger.Balance
	)
	for _, m := range batch {
		entries = append(entries, m.Entries...)
		balances = append(balances, m.Balances...)
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		w.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteEntries(ctx, tx, entries); err != nil {
		w.countError("journal_entries")
		return err
	}
	if err := w.writer.WriteBalances(ctx, tx, balances); err != nil {
		w.countError("balances")
		return err
	}
	if err := tx.Commit(); err != nil {
		w.countError("tx_commit")
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistWrites.Inc()
		w.metrics.PersistBatchSize.Observe(float64(len(batch)))
	}
	return nil
}

func (w *Worker) countError(table string) {
	if w.metrics != nil {
		w.metrics.PersistErrors.WithLabelValues(table).Inc()
	}
}
