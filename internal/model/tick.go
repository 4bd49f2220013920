package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Source identifies which upstream produced a tick.
type Source string

const (
	SourcePrimary   Source = "primary"
	SourceSecondary Source = "secondary"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	return s == SourcePrimary || s == SourceSecondary
}

// PriceTick is one observed price for a symbol. Price is kept as a decimal
// and serialized as a string to avoid float drift.
type PriceTick struct {
	Symbol     string          `json:"symbol"`
	Price      decimal.Decimal `json:"price"`
	Source     Source          `json:"source"`
	ObservedAt time.Time       `json:"observed_at"`
}

var (
	ErrEmptySymbol   = errors.New("tick: empty symbol")
	ErrBadPrice      = errors.New("tick: price must be positive")
	ErrUnknownSource = errors.New("tick: unknown source")
)

// NormalizeSymbol lowercases and trims a symbol.
func NormalizeSymbol(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Normalize lowercases the symbol and checks the tick is usable.
func (t PriceTick) Normalize() (PriceTick, error) {
	t.Symbol = NormalizeSymbol(t.Symbol)
	if t.Symbol == "" {
		return t, ErrEmptySymbol
	}
	if !t.Price.IsPositive() {
		return t, fmt.Errorf("%w: %s", ErrBadPrice, t.Price)
	}
	if !t.Source.Valid() {
		return t, fmt.Errorf("%w: %q", ErrUnknownSource, t.Source)
	}
	if t.ObservedAt.IsZero() {
		t.ObservedAt = time.Now()
	}
	return t, nil
}
