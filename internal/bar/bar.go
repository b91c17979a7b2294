// Package bar
package bar

import (
	"errors"
	"time"
)

// MarketStatus tells whether a symbol traded during a bar. Closed bars carry
// no usable price and must never drive fills or trigger checks.
type MarketStatus int8

const (
	MarketOpen MarketStatus = iota
	MarketClosed
)

func (s MarketStatus) String() string {
	if s == MarketClosed {
		return "closed"
	}
	return "open"
}

// Bar is one OHLCV observation for one symbol.
type Bar struct {
	Timestamp time.Time    `json:"timestamp"`
	Symbol    string       `json:"symbol"`
	Open      float64      `json:"open"`
	High      float64      `json:"high"`
	Low       float64      `json:"low"`
	Close     float64      `json:"close"`
	Volume    float64      `json:"volume"`
	Status    MarketStatus `json:"status"`
}

// Tradable reports whether the bar may drive fills.
func (b *Bar) Tradable() bool {
	return b.Status == MarketOpen
}

// Validate checks if a bar has structurally valid data.
func (b *Bar) Validate() error {
	if b.Timestamp.IsZero() {
		return errors.New("bar timestamp is zero")
	}
	if b.Symbol == "" {
		return errors.New("bar symbol cannot be empty")
	}
	if b.Status == MarketClosed {
		// Closed bars are placeholders; prices are not inspected.
		return nil
	}
	if b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0 {
		return errors.New("bar prices must be positive")
	}
	if b.High < b.Low {
		return errors.New("bar high cannot be less than low")
	}
	if b.Open < b.Low || b.Open > b.High {
		return errors.New("bar open price must be between high and low")
	}
	if b.Close < b.Low || b.Close > b.High {
		return errors.New("bar close price must be between high and low")
	}
	if b.Volume < 0 {
		return errors.New("bar volume cannot be negative")
	}
	return nil
}
