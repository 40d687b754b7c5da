package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/inarbit/inarbit/internal/exchange"
)

const (
	spotStreamURL    = "wss://stream.binance.com:9443/stream"
	futuresStreamURL = "wss://fstream.binance.com/stream"
)

// TickerHandler receives book ticker updates pushed by the stream.
type TickerHandler func(account exchange.AccountType, ticker exchange.Ticker)

// Stream maintains a combined-stream websocket subscription to bookTicker
// updates and reconnects with backoff when the connection drops.
type Stream struct {
	account exchange.AccountType
	url     string
	symbols []string
	handler TickerHandler

	dialer *websocket.Dialer
}

func NewStream(account exchange.AccountType, symbols []string, handler TickerHandler) *Stream {
	url := spotStreamURL
	if account == exchange.AccountPerp {
		url = futuresStreamURL
	}
	return &Stream{
		account: account,
		url:     url,
		symbols: symbols,
		handler: handler,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// WithURL overrides the stream endpoint (tests).
func (s *Stream) WithURL(url string) *Stream {
	s.url = url
	return s
}

// Run blocks until ctx is canceled, reconnecting on failure.
func (s *Stream) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).
			Str("account", string(s.account)).
			Dur("backoff", backoff).
			Msg("market data stream disconnected, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

type combinedStreamMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type bookTickerEvent struct {
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	AskPrice string `json:"a"`
	// Futures events carry an event time; spot bookTicker does not.
	EventTime int64 `json:"E"`
}

func (s *Stream) runOnce(ctx context.Context) error {
	streams := make([]string, 0, len(s.symbols))
	venueToNormalized := make(map[string]string, len(s.symbols))
	for _, symbol := range s.symbols {
		venue := toVenueSymbol(symbol)
		venueToNormalized[venue] = exchange.NormalizeSymbol(symbol)
		streams = append(streams, strings.ToLower(venue)+"@bookTicker")
	}
	url := s.url + "?streams=" + strings.Join(streams, "/")

	conn, _, err := s.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial stream: %w", err)
	}
	defer conn.Close()

	log.Info().Str("account", string(s.account)).Int("symbols", len(s.symbols)).Msg("market data stream connected")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read stream message: %w", err)
		}
		var msg combinedStreamMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		var ev bookTickerEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil || ev.Symbol == "" {
			continue
		}
		symbol, ok := venueToNormalized[ev.Symbol]
		if !ok {
			continue
		}
		ts := ev.EventTime
		if ts == 0 {
			ts = time.Now().UnixMilli()
		}
		s.handler(s.account, exchange.Ticker{
			Symbol:    symbol,
			Bid:       parseFloatPtr(ev.BidPrice),
			Ask:       parseFloatPtr(ev.AskPrice),
			Timestamp: ts,
		})
	}
}
