package common

import "context"

// Trader covers the account-side operations of a venue.
type Trader interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	GetOpenPositions(ctx context.Context) ([]Position, error)
	GetOpenOrders(ctx context.Context) ([]OpenOrder, error)
	// FindOrder looks an order up by client id; found is false when the exchange has no record.
	FindOrder(ctx context.Context, symbol, clientID string) (res OrderResult, found bool, err error)
	Filters(ctx context.Context, symbol string) (SymbolFilter, error)
}

// MarketData covers candle history and streaming.
type MarketData interface {
	// SubscribeCandles streams closed candles until ctx ends. Implementations
	// reconnect on disconnect; the channel closes only when ctx is done.
	SubscribeCandles(ctx context.Context, symbol, interval string) (<-chan Candle, error)
	Candles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
}

// Gateway abstracts a trading venue.
type Gateway interface {
	Trader
	MarketData
}
