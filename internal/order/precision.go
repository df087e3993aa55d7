package order

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"strategy-engine/pkg/exchanges/common"
)

// ErrInvalidSize is returned when a quantity rounds below what the venue accepts.
var ErrInvalidSize = fmt.Errorf("invalid_size: %w", common.ErrRejected)

// FloorToStep floors qty to a multiple of step.
func FloorToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	s := decimal.NewFromFloat(step)
	return q.Div(s).Floor().Mul(s).InexactFloat64()
}

// RoundToTick rounds price to the nearest multiple of tick.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	return p.Div(t).Round(0).Mul(t).InexactFloat64()
}

// Normalize applies the symbol filter to an order request.
func Normalize(req common.OrderRequest, f common.SymbolFilter, refPrice float64) (common.OrderRequest, error) {
	req.Qty = FloorToStep(req.Qty, f.StepSize)
	if req.Qty <= 0 || (f.MinQty > 0 && req.Qty < f.MinQty) {
		return req, fmt.Errorf("%w: qty %v below lot minimum for %s", ErrInvalidSize, req.Qty, req.Symbol)
	}
	if req.Price > 0 {
		req.Price = RoundToTick(req.Price, f.TickSize)
	}
	if req.StopPrice > 0 {
		req.StopPrice = RoundToTick(req.StopPrice, f.TickSize)
	}
	// Reduce-only orders close existing exposure and are exempt from min notional.
	if !req.ReduceOnly && f.MinNotional > 0 && refPrice > 0 && req.Qty*refPrice < f.MinNotional {
		return req, fmt.Errorf("%w: notional %.4f below %.4f for %s", ErrInvalidSize, req.Qty*refPrice, f.MinNotional, req.Symbol)
	}
	return req, nil
}

// IsInvalidSize reports whether err is a sizing rejection.
func IsInvalidSize(err error) bool {
	return errors.Is(err, ErrInvalidSize)
}
