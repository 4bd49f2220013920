package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"cryptodesk/internal/model"
)

type scanner interface {
	Scan(dest ...any) error
}

func scanTick(s scanner) (model.PriceTick, error) {
	var (
		t     model.PriceTick
		price string
		src   string
		ms    int64
	)
	if err := s.Scan(&t.Symbol, &price, &src, &ms); err != nil {
		return t, err
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return t, fmt.Errorf("parse stored price %q: %w", price, err)
	}
	t.Price = p
	t.Source = model.Source(src)
	t.ObservedAt = time.UnixMilli(ms)
	return t, nil
}

// LoadLatest returns the newest stored tick per symbol, ordered by symbol.
func (j *Journal) LoadLatest(ctx context.Context) ([]model.PriceTick, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT symbol, price, source, observed_at_ms
		FROM latest_prices
		ORDER BY symbol ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query latest_prices: %w", err)
	}
	defer rows.Close()

	var ticks []model.PriceTick
	for rows.Next() {
		t, err := scanTick(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite scan latest_prices: %w", err)
		}
		ticks = append(ticks, t)
	}
	return ticks, rows.Err()
}

// History returns up to limit journaled ticks for symbol observed at or after
// since, oldest first.
func (j *Journal) History(ctx context.Context, symbol string, since time.Time, limit int) ([]model.PriceTick, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT symbol, price, source, observed_at_ms
		FROM price_ticks
		WHERE symbol = ? AND observed_at_ms >= ?
		ORDER BY observed_at_ms ASC, id ASC
		LIMIT ?
	`, model.NormalizeSymbol(symbol), since.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query price_ticks: %w", err)
	}
	defer rows.Close()

	var ticks []model.PriceTick
	for rows.Next() {
		t, err := scanTick(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite scan price_ticks: %w", err)
		}
		ticks = append(ticks, t)
	}
	return ticks, rows.Err()
}
