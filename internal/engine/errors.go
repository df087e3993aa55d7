package engine

import (
	"errors"
	"fmt"

	"strategy-engine/internal/order"
	"strategy-engine/internal/strategy"
	"strategy-engine/pkg/exchanges/common"
)

// Admin errors. Callers match them with errors.Is.
var (
	ErrNotFound            = errors.New("not_found")
	ErrBusy                = errors.New("busy")
	ErrInvalidParameter    = errors.New("invalid_parameter")
	ErrExchangeUnavailable = errors.New("exchange_unavailable")
)

// Code returns the wire code for err, or "internal".
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrInvalidParameter):
		return "invalid_parameter"
	case errors.Is(err, ErrExchangeUnavailable):
		return "exchange_unavailable"
	}
	return "internal"
}

// exchangeError maps a coordinator failure onto the admin taxonomy.
func exchangeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, strategy.ErrInvalidParams) || order.IsInvalidSize(err) ||
		common.Classify(err) == common.KindRejected {
		return fmt.Errorf("%s: %w: %w", op, ErrInvalidParameter, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrExchangeUnavailable, err)
}
