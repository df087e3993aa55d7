package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ----------------------------------------
// Strategy registry
// ----------------------------------------

// SaveStrategy inserts or replaces the strategy row.
func (d *Database) SaveStrategy(ctx context.Context, s StrategyRecord) error {
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.Runtime == "" {
		s.Runtime = "{}"
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO strategies (
			id, asset, timeframe, direction, indicator_length, trade_size_quote, leverage,
			stop_loss_enabled, stop_loss_mode, stop_loss_offset_pct, state, error_reason,
			runtime, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			indicator_length = excluded.indicator_length,
			trade_size_quote = excluded.trade_size_quote,
			leverage = excluded.leverage,
			stop_loss_enabled = excluded.stop_loss_enabled,
			stop_loss_mode = excluded.stop_loss_mode,
			stop_loss_offset_pct = excluded.stop_loss_offset_pct,
			state = excluded.state,
			error_reason = excluded.error_reason,
			runtime = excluded.runtime,
			updated_at = excluded.updated_at
	`,
		s.ID, s.Asset, s.Timeframe, s.Direction, s.IndicatorLength, s.TradeSizeQuote, s.Leverage,
		boolToInt(s.StopLossEnabled), s.StopLossMode, s.StopLossOffsetPct, s.State, s.ErrorReason,
		s.Runtime, s.CreatedAt, now,
	)
	if err != nil {
		return fmt.Errorf("save strategy %s: %w", s.ID, err)
	}
	return nil
}

// DeleteStrategy removes the strategy row. Intents and trades stay for audit.
func (d *Database) DeleteStrategy(ctx context.Context, id string) error {
	res, err := d.DB.ExecContext(ctx, `DELETE FROM strategies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete strategy %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LoadStrategies returns every persisted strategy ordered by creation.
func (d *Database) LoadStrategies(ctx context.Context) ([]StrategyRecord, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, asset, timeframe, direction, indicator_length, trade_size_quote, leverage,
		       stop_loss_enabled, stop_loss_mode, stop_loss_offset_pct, state,
		       COALESCE(error_reason, ''), runtime, created_at, updated_at
		FROM strategies
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query strategies: %w", err)
	}
	defer rows.Close()

	var out []StrategyRecord
	for rows.Next() {
		var (
			s  StrategyRecord
			sl int
		)
		if err := rows.Scan(&s.ID, &s.Asset, &s.Timeframe, &s.Direction, &s.IndicatorLength,
			&s.TradeSizeQuote, &s.Leverage, &sl, &s.StopLossMode, &s.StopLossOffsetPct,
			&s.State, &s.ErrorReason, &s.Runtime, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan strategy: %w", err)
		}
		s.StopLossEnabled = sl != 0
		out = append(out, s)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Order intents (idempotency tokens)
// ----------------------------------------

// CreateIntent stores a new token. It must succeed before the order is sent.
func (d *Database) CreateIntent(ctx context.Context, in OrderIntent) error {
	now := time.Now().UTC()
	if in.Status == "" {
		in.Status = IntentPending
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO order_intents (
			token, strategy_id, asset, kind, side, order_type, qty, price, stop_price,
			reduce_only, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		in.Token, in.StrategyID, in.Asset, in.Kind, in.Side, in.OrderType, in.Qty, in.Price,
		in.StopPrice, boolToInt(in.ReduceOnly), in.Status, now, now,
	)
	if err != nil {
		return fmt.Errorf("create intent %s: %w", in.Token, err)
	}
	return nil
}

// UpdateIntent records the latest known exchange outcome for a token.
func (d *Database) UpdateIntent(ctx context.Context, token, status, exchangeOrderID string, filledQty, avgPrice float64, lastErr string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE order_intents
		SET status = ?, exchange_order_id = CASE WHEN ? = '' THEN exchange_order_id ELSE ? END,
		    filled_qty = ?, avg_price = ?, last_error = ?, updated_at = ?
		WHERE token = ?
	`, status, exchangeOrderID, exchangeOrderID, filledQty, avgPrice, lastErr, time.Now().UTC(), token)
	if err != nil {
		return fmt.Errorf("update intent %s: %w", token, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementIntentAttempts bumps the submission counter for a token.
func (d *Database) IncrementIntentAttempts(ctx context.Context, token string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE order_intents SET attempts = attempts + 1, updated_at = ? WHERE token = ?
	`, time.Now().UTC(), token)
	return err
}

// GetIntent loads one token.
func (d *Database) GetIntent(ctx context.Context, token string) (OrderIntent, error) {
	row := d.DB.QueryRowContext(ctx, intentSelect+` WHERE token = ?`, token)
	in, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return OrderIntent{}, ErrNotFound
	}
	return in, err
}

// ListOpenIntents returns tokens whose outcome is not yet terminal.
func (d *Database) ListOpenIntents(ctx context.Context) ([]OrderIntent, error) {
	rows, err := d.DB.QueryContext(ctx, intentSelect+`
		WHERE status IN (?, ?, ?) ORDER BY created_at ASC
	`, IntentPending, IntentSubmitted, IntentUnknown)
	if err != nil {
		return nil, fmt.Errorf("query intents: %w", err)
	}
	defer rows.Close()

	var out []OrderIntent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

const intentSelect = `
	SELECT token, strategy_id, asset, kind, side, order_type, qty, COALESCE(price, 0),
	       COALESCE(stop_price, 0), COALESCE(reduce_only, 0), status,
	       COALESCE(exchange_order_id, ''), COALESCE(filled_qty, 0), COALESCE(avg_price, 0),
	       COALESCE(attempts, 0), COALESCE(last_error, ''), created_at, updated_at
	FROM order_intents`

type scanner interface {
	Scan(dest ...any) error
}

func scanIntent(s scanner) (OrderIntent, error) {
	var (
		in OrderIntent
		ro int
	)
	err := s.Scan(&in.Token, &in.StrategyID, &in.Asset, &in.Kind, &in.Side, &in.OrderType,
		&in.Qty, &in.Price, &in.StopPrice, &ro, &in.Status, &in.ExchangeOrderID,
		&in.FilledQty, &in.AvgPrice, &in.Attempts, &in.LastError, &in.CreatedAt, &in.UpdatedAt)
	in.ReduceOnly = ro != 0
	return in, err
}

// ----------------------------------------
// Trade journal
// ----------------------------------------

// CreateTrade inserts a closed round trip.
func (d *Database) CreateTrade(ctx context.Context, t Trade) error {
	if t.ClosedAt.IsZero() {
		t.ClosedAt = time.Now().UTC()
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trades (
			id, strategy_id, asset, side, qty, entry_price, exit_price, pnl, reason,
			entry_token, exit_token, opened_at, closed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.StrategyID, t.Asset, t.Side, t.Qty, t.EntryPrice, t.ExitPrice, t.PnL, t.Reason,
		t.EntryToken, t.ExitToken, t.OpenedAt, t.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("create trade: %w", err)
	}
	return nil
}

// ListTrades returns the newest trades first, optionally for one strategy.
func (d *Database) ListTrades(ctx context.Context, strategyID string, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, strategy_id, asset, side, qty, entry_price, exit_price, pnl, reason,
		       COALESCE(entry_token, ''), COALESCE(exit_token, ''), opened_at, closed_at
		FROM trades
		WHERE (? = '' OR strategy_id = ?)
		ORDER BY closed_at DESC
		LIMIT ?
	`, strategyID, strategyID, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.StrategyID, &t.Asset, &t.Side, &t.Qty, &t.EntryPrice,
			&t.ExitPrice, &t.PnL, &t.Reason, &t.EntryToken, &t.ExitToken, &t.OpenedAt, &t.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Reconciliation reports
// ----------------------------------------

// RecordReport stores a discrepancy. It reports false when the same key was
// already recorded, so callers notify only on the first sighting.
func (d *Database) RecordReport(ctx context.Context, r ReconciliationReport) (bool, error) {
	res, err := d.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO reconciliation_reports (discrepancy_key, strategy_id, asset, kind, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.Key, r.StrategyID, r.Asset, r.Kind, r.Detail, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("record report: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListReports returns the newest reports first.
func (d *Database) ListReports(ctx context.Context, limit int) ([]ReconciliationReport, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, discrepancy_key, COALESCE(strategy_id, ''), asset, kind, COALESCE(detail, ''), created_at
		FROM reconciliation_reports
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	var out []ReconciliationReport
	for rows.Next() {
		var r ReconciliationReport
		if err := rows.Scan(&r.ID, &r.Key, &r.StrategyID, &r.Asset, &r.Kind, &r.Detail, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Strategy audit trail
// ----------------------------------------

// AppendStrategyEvent records a state transition.
func (d *Database) AppendStrategyEvent(ctx context.Context, e StrategyEvent) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO strategy_events (strategy_id, from_state, to_state, reason, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.StrategyID, e.FromState, e.ToState, e.Reason, time.Now().UTC())
	return err
}

// ListStrategyEvents returns transitions for one strategy, oldest first.
func (d *Database) ListStrategyEvents(ctx context.Context, strategyID string) ([]StrategyEvent, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, strategy_id, from_state, to_state, COALESCE(reason, ''), created_at
		FROM strategy_events
		WHERE strategy_id = ?
		ORDER BY id ASC
	`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("query strategy events: %w", err)
	}
	defer rows.Close()

	var out []StrategyEvent
	for rows.Next() {
		var e StrategyEvent
		if err := rows.Scan(&e.ID, &e.StrategyID, &e.FromState, &e.ToState, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan strategy event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
