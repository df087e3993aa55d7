// Package engine owns the strategy registry: it schedules candles onto
// per-strategy mailboxes, drives entries and exits through the order
// coordinator and applies reconciliation findings. The API layer talks to
// it only through Service.
package engine

import (
	"context"

	"strategy-engine/internal/reconciliation"
	"strategy-engine/internal/strategy"
	"strategy-engine/pkg/db"
)

// Service is what the admin surface may call.
type Service interface {
	// Handle executes one admin request.
	Handle(ctx context.Context, req Request) (Response, error)

	// Get returns one strategy summary.
	Get(ctx context.Context, id string) (strategy.Summary, error)

	// Trades returns the journal, newest first. An empty id lists all.
	Trades(ctx context.Context, strategyID string, limit int) ([]db.Trade, error)

	// Events returns the transition audit trail of a strategy.
	Events(ctx context.Context, strategyID string) ([]db.StrategyEvent, error)

	// Reconcile runs a reconciliation pass now.
	Reconcile(ctx context.Context) (reconciliation.Report, error)

	// Status reports runtime metadata.
	Status(ctx context.Context) SystemStatus
}
