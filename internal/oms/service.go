// Package oms executes decisions as order plans and keeps the durable order,
// position and ledger state in sync with the venue. Paper and live mode share
// one code path; paper fills orders locally instead of calling the venue.
package oms

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/inarbit/inarbit/internal/config"
	"github.com/inarbit/inarbit/internal/exchange"
	"github.com/inarbit/inarbit/internal/kv"
	"github.com/inarbit/inarbit/internal/marketdata"
	"github.com/inarbit/inarbit/internal/persistence"
)

type Service struct {
	mode       persistence.Mode
	adapter    exchange.Adapter
	db         persistence.Store
	store      kv.Store
	repo       *marketdata.Repository
	cfg        config.OMSConfig
	exchangeID string
	// feeRate is the taker fee applied to the quote notional of paper fills.
	feeRate decimal.Decimal
	// enabledSymbols is the user's tradable pair set on this venue; decisions
	// touching anything outside it are not executed.
	enabledSymbols map[string]struct{}
	now            func() time.Time
}

// NewService wires an OMS for one mode. Live mode must be explicitly enabled
// in configuration; everything else about the two modes is symmetric.
func NewService(mode persistence.Mode, adapter exchange.Adapter, db persistence.Store, store kv.Store, repo *marketdata.Repository, appCfg *config.Config, exchangeID string) (*Service, error) {
	if mode == persistence.ModeLive && !appCfg.EnableLiveOMS {
		return nil, fmt.Errorf("live order routing is disabled; set INARBIT_ENABLE_LIVE_OMS=true to enable it")
	}
	if mode != persistence.ModePaper && mode != persistence.ModeLive {
		return nil, fmt.Errorf("unknown oms mode %q", mode)
	}
	enabled := make(map[string]struct{})
	for _, symbol := range appCfg.ActiveSymbols(exchangeID, 0) {
		enabled[symbol] = struct{}{}
	}
	return &Service{
		mode:           mode,
		adapter:        adapter,
		db:             db,
		store:          store,
		repo:           repo,
		cfg:            appCfg.OMS,
		exchangeID:     exchangeID,
		feeRate:        decimal.NewFromFloat(appCfg.OMS.FeeRate),
		enabledSymbols: enabled,
		now:            time.Now,
	}, nil
}

func (s *Service) Mode() persistence.Mode {
	return s.mode
}

// SetClock replaces the service clock. Test-only.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}
