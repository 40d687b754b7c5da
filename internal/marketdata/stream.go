package marketdata

import (
	"context"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/inarbit/inarbit/internal/exchange"
	"github.com/inarbit/inarbit/internal/exchange/binance"
)

// StreamBridge runs websocket bookTicker subscriptions and writes each update
// through the shared Writer. Funding and depth stay on the polling path; the
// streams only accelerate the ticker keys.
type StreamBridge struct {
	writer         *Writer
	spotSymbols    []string
	futuresSymbols []string
}

func NewStreamBridge(writer *Writer, spotSymbols, futuresSymbols []string) *StreamBridge {
	return &StreamBridge{
		writer:         writer,
		spotSymbols:    spotSymbols,
		futuresSymbols: futuresSymbols,
	}
}

// Run blocks until ctx is canceled; each stream reconnects independently.
func (b *StreamBridge) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	handler := func(account exchange.AccountType, t exchange.Ticker) {
		tickers := map[string]exchange.Ticker{t.Symbol: t}
		var err error
		if account == exchange.AccountPerp {
			err = b.writer.WriteFuturesTickers(gctx, tickers)
		} else {
			err = b.writer.WriteSpotTickers(gctx, tickers)
		}
		if err != nil {
			log.Warn().Err(err).Str("symbol", t.Symbol).Msg("failed to write streamed ticker")
		}
	}

	if len(b.spotSymbols) > 0 {
		stream := binance.NewStream(exchange.AccountSpot, b.spotSymbols, handler)
		g.Go(func() error { return stream.Run(gctx) })
	}
	if len(b.futuresSymbols) > 0 {
		stream := binance.NewStream(exchange.AccountPerp, b.futuresSymbols, handler)
		g.Go(func() error { return stream.Run(gctx) })
	}
	return g.Wait()
}
