package futures_usdt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"strategy-engine/pkg/exchanges/common"
)

const (
	readTimeout    = 90 * time.Second
	minReconnect   = time.Second
	maxReconnect   = 30 * time.Second
	streamBufferSz = 64
)

// StreamClient manages kline streaming from Binance futures public websockets.
type StreamClient struct {
	StreamURL string
	dialer    *websocket.Dialer
	log       *zap.Logger
}

// NewStreamClient builds a websocket client; testnet toggles the host.
func NewStreamClient(testnet bool, log *zap.Logger) *StreamClient {
	if log == nil {
		log = zap.NewNop()
	}
	host := "fstream.binance.com"
	if testnet {
		host = "stream.binancefuture.com"
	}
	return &StreamClient{
		StreamURL: (&url.URL{Scheme: "wss", Host: host, Path: "/ws"}).String(),
		dialer:    websocket.DefaultDialer,
		log:       log,
	}
}

// SubscribeKlines emits closed klines for symbol/interval until ctx ends.
// Disconnects are retried with capped exponential backoff.
func (c *StreamClient) SubscribeKlines(ctx context.Context, symbol, interval string) (<-chan common.Candle, error) {
	// Binance requires lowercase symbols for WebSocket streams
	stream := fmt.Sprintf("%s@kline_%s", strings.ToLower(symbol), interval)
	u := fmt.Sprintf("%s/%s", c.StreamURL, stream)

	conn, _, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial binance ws: %w", err)
	}

	out := make(chan common.Candle, streamBufferSz)
	log := c.log.With(zap.String("stream", stream))

	go func() {
		defer close(out)
		backoff := minReconnect
		for {
			if conn != nil {
				c.readLoop(ctx, conn, out, log)
				_ = conn.Close()
				conn = nil
			}
			if ctx.Err() != nil {
				return
			}

			log.Warn("kline stream disconnected, reconnecting", zap.Duration("backoff", backoff))
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}

			next, _, err := c.dialer.DialContext(ctx, u, nil)
			if err != nil {
				log.Warn("kline stream redial failed", zap.Error(err))
				backoff *= 2
				if backoff > maxReconnect {
					backoff = maxReconnect
				}
				continue
			}
			conn = next
			backoff = minReconnect
		}
	}()

	return out, nil
}

func (c *StreamClient) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- common.Candle, log *zap.Logger) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Warn("binance ws read error", zap.Error(err))
			}
			return
		}

		k, err := parseKlineMessage(msg)
		if err != nil {
			log.Warn("binance ws parse error", zap.Error(err))
			continue
		}
		if !k.Closed {
			continue
		}
		select {
		case out <- k:
		case <-ctx.Done():
			return
		}
	}
}

// parseKlineMessage decodes only the fields we need.
func parseKlineMessage(msg []byte) (common.Candle, error) {
	var raw struct {
		Data struct {
			StartTime int64  `json:"t"`
			CloseTime int64  `json:"T"`
			Symbol    string `json:"s"`
			Interval  string `json:"i"`
			Open      any    `json:"o"`
			Close     any    `json:"c"`
			High      any    `json:"h"`
			Low       any    `json:"l"`
			Volume    any    `json:"v"`
			Closed    bool   `json:"x"`
		} `json:"k"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return common.Candle{}, err
	}
	if raw.Data.Symbol == "" {
		return common.Candle{}, fmt.Errorf("not a kline message")
	}
	return common.Candle{
		Symbol:    raw.Data.Symbol,
		Interval:  raw.Data.Interval,
		OpenTime:  raw.Data.StartTime,
		CloseTime: raw.Data.CloseTime,
		Open:      toFloat(raw.Data.Open),
		Close:     toFloat(raw.Data.Close),
		High:      toFloat(raw.Data.High),
		Low:       toFloat(raw.Data.Low),
		Volume:    toFloat(raw.Data.Volume),
		Closed:    raw.Data.Closed,
	}, nil
}
