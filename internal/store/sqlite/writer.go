// Package sqlite journals price ticks to a local SQLite database so a
// restarted gateway can serve the last known prices before any feed has
// delivered.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"cryptodesk/internal/logger"
	"cryptodesk/internal/metrics"
	"cryptodesk/internal/model"
)

const (
	defaultBatchSize  = 200
	defaultFlushDelay = time.Second
)

// Config configures the journal.
type Config struct {
	Path          string // e.g. "data/prices.db"
	BatchSize     int
	FlushInterval time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// Journal is a single-goroutine SQLite writer with transaction batching.
// Every tick is appended to price_ticks; latest_prices keeps the newest tick
// per symbol.
type Journal struct {
	db        *sql.DB
	batchSize int
	flush     time.Duration
	log       *slog.Logger
	metrics   *metrics.Metrics
}

var _ model.TickWriter = (*Journal)(nil)
var _ model.TickReader = (*Journal)(nil)

// Open opens (or creates) the database with WAL mode and the journal schema.
func Open(cfg Config) (*Journal, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushDelay
	}
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log := logger.Or(cfg.Logger).With("component", "journal")
	log.Info("opened database", "path", cfg.Path)
	return &Journal{
		db:        db,
		batchSize: cfg.BatchSize,
		flush:     cfg.FlushInterval,
		log:       log,
		metrics:   cfg.Metrics,
	}, nil
}

// DB returns the underlying sql.DB for health checks.
func (j *Journal) DB() *sql.DB { return j.db }

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS price_ticks (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol         TEXT    NOT NULL,
			price          TEXT    NOT NULL,
			source         TEXT    NOT NULL,
			observed_at_ms INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_price_ticks_symbol_ts
			ON price_ticks (symbol, observed_at_ms);

		CREATE TABLE IF NOT EXISTS latest_prices (
			symbol         TEXT    PRIMARY KEY,
			price          TEXT    NOT NULL,
			source         TEXT    NOT NULL,
			observed_at_ms INTEGER NOT NULL
		);
	`)
	return err
}

// Run reads ticks from tickCh and inserts them in batched transactions.
// Flushes every batch size ticks or every flush interval, whichever first.
// Blocks until ctx is cancelled or tickCh is closed.
func (j *Journal) Run(ctx context.Context, tickCh <-chan model.PriceTick) {
	batch := make([]model.PriceTick, 0, j.batchSize)
	timer := time.NewTimer(j.flush)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := j.insertBatch(batch); err != nil {
			j.log.Error("batch insert failed", "ticks", len(batch), "err", err)
		} else {
			j.metrics.JournalCommit(time.Since(start))
			j.log.Debug("committed ticks", "ticks", len(batch), "took", time.Since(start))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case t, ok := <-tickCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, t)
			if len(batch) >= j.batchSize {
				flush()
				timer.Reset(j.flush)
			}

		case <-timer.C:
			flush()
			timer.Reset(j.flush)
		}
	}
}

// insertBatch writes a batch in a single transaction. latest_prices is only
// moved forward in time, mirroring the cache's ordering rule.
func (j *Journal) insertBatch(ticks []model.PriceTick) error {
	tx, err := j.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	insert, err := tx.Prepare(`
		INSERT INTO price_ticks (symbol, price, source, observed_at_ms)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer insert.Close()

	upsert, err := tx.Prepare(`
		INSERT INTO latest_prices (symbol, price, source, observed_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			price = excluded.price,
			source = excluded.source,
			observed_at_ms = excluded.observed_at_ms
		WHERE excluded.observed_at_ms >= latest_prices.observed_at_ms
	`)
	if err != nil {
		return err
	}
	defer upsert.Close()

	for _, t := range ticks {
		args := []any{t.Symbol, t.Price.String(), string(t.Source), t.ObservedAt.UnixMilli()}
		if _, err := insert.Exec(args...); err != nil {
			return err
		}
		if _, err := upsert.Exec(args...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Prune deletes journaled ticks observed before cutoff. latest_prices is
// left untouched.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM price_ticks WHERE observed_at_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sqlite prune: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
