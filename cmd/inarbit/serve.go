package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/inarbit/inarbit/internal/config"
	"github.com/inarbit/inarbit/internal/decision"
	"github.com/inarbit/inarbit/internal/exchange"
	"github.com/inarbit/inarbit/internal/exchange/binance"
	"github.com/inarbit/inarbit/internal/exchange/fake"
	"github.com/inarbit/inarbit/internal/kv"
	"github.com/inarbit/inarbit/internal/marketdata"
	"github.com/inarbit/inarbit/internal/oms"
	"github.com/inarbit/inarbit/internal/ops"
	"github.com/inarbit/inarbit/internal/persistence"
	"github.com/inarbit/inarbit/internal/persistence/postgres"
	"github.com/inarbit/inarbit/internal/regime"
	"github.com/inarbit/inarbit/internal/scanner"
)

type serveFlags struct {
	mode            string
	executeInterval time.Duration
	executeLimit    int
	confirmLive     bool
}

func newServeCmd() *cobra.Command {
	flags := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run all services: ingestor, scanners, regime, decisions, OMS, ops server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags)
		},
	}
	cmd.Flags().StringVar(&flags.mode, "mode", string(persistence.ModePaper), "order routing mode (paper|live)")
	cmd.Flags().DurationVar(&flags.executeInterval, "execute-interval", 0,
		"when set, execute the safest decisions on this interval")
	cmd.Flags().IntVar(&flags.executeLimit, "execute-limit", 1, "decisions per execution pass")
	cmd.Flags().BoolVar(&flags.confirmLive, "confirm-live", false, "required acknowledgement for live order routing")
	return cmd
}

// runtime is everything serve and the one-shot commands share.
type runtime struct {
	cfg        *config.Config
	store      *kv.Redis
	db         *postgres.DB
	adapter    exchange.Adapter
	repo       *marketdata.Repository
	exchangeID string
}

func buildRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	store, err := kv.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	db, err := postgres.Open(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	adapter, exchangeID, err := buildAdapter(cfg)
	if err != nil {
		return nil, err
	}
	repo := marketdata.NewRepository(store, cfg.MarketData.CacheTTL, cfg.MarketData.CacheMaxItems)
	return &runtime{
		cfg:        cfg,
		store:      store,
		db:         db,
		adapter:    adapter,
		repo:       repo,
		exchangeID: exchangeID,
	}, nil
}

func buildAdapter(cfg *config.Config) (exchange.Adapter, string, error) {
	switch cfg.ExchangeProvider {
	case "binance":
		return binance.New(cfg.BinanceAPIKey, cfg.BinanceSecret), "binance", nil
	case "fake":
		// In-process venue for demos and integration runs without keys.
		return fake.New(), "fake", nil
	default:
		return nil, "", fmt.Errorf("unknown exchange provider %q", cfg.ExchangeProvider)
	}
}

func runServe(parent context.Context, flags *serveFlags) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}

	mode := persistence.Mode(flags.mode)
	if mode == persistence.ModeLive && flags.executeInterval > 0 && !flags.confirmLive {
		return fmt.Errorf("live execution requires --confirm-live")
	}
	omsSvc, err := oms.NewService(mode, rt.adapter, rt.db, rt.store, rt.repo, rt.cfg, rt.exchangeID)
	if err != nil {
		return err
	}

	writer := marketdata.NewWriter(rt.store, rt.exchangeID)
	ingestor := marketdata.NewIngestor(rt.adapter, writer, rt.cfg)
	triangular := scanner.NewTriangular(rt.store, rt.repo, rt.cfg, rt.exchangeID)
	cashcarry := scanner.NewCashCarry(rt.store, rt.repo, rt.cfg, rt.exchangeID)
	detector := regime.NewDetector(rt.repo, rt.store, rt.cfg, rt.exchangeID)
	routing := persistence.NewRoutingAdapter(rt.db)
	decisions := decision.NewService(rt.store, rt.repo, detector, routing, rt.cfg, rt.exchangeID)
	opsServer := ops.NewServer(rt.cfg.Ops, rt.store)

	log.Info().
		Str("exchange", rt.exchangeID).
		Str("mode", string(mode)).
		Bool("stream", rt.cfg.MarketData.Stream).
		Msg("starting services")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ingestor.Run(gctx) })
	g.Go(func() error { return triangular.Run(gctx) })
	g.Go(func() error { return cashcarry.Run(gctx) })
	g.Go(func() error { return detector.Run(gctx) })
	g.Go(func() error { return decisions.Run(gctx) })
	g.Go(func() error { return opsServer.Run(gctx) })

	if rt.cfg.MarketData.Stream && rt.exchangeID == "binance" {
		spot := rt.cfg.ActiveSymbols(rt.exchangeID, rt.cfg.MarketData.MaxTickerSymbols)
		futures := rt.cfg.QuoteSymbols(rt.exchangeID, "USDT")
		bridge := marketdata.NewStreamBridge(writer, spot, futures)
		g.Go(func() error { return bridge.Run(gctx) })
	}

	if flags.executeInterval > 0 {
		g.Go(func() error { return runExecutorLoop(gctx, rt, omsSvc, flags) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		log.Info().Msg("shutdown complete")
		return nil
	}
	return err
}

// runExecutorLoop periodically executes the safest decisions and drives any
// plan still running to a terminal state.
func runExecutorLoop(ctx context.Context, rt *runtime, omsSvc *oms.Service, flags *serveFlags) error {
	log.Info().Dur("interval", flags.executeInterval).Int("limit", flags.executeLimit).
		Str("mode", string(omsSvc.Mode())).Msg("executor loop started")
	ticker := time.NewTicker(flags.executeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		userID, err := rt.db.OldestUserID(ctx)
		if err != nil {
			if !errors.Is(err, persistence.ErrNotFound) {
				log.Warn().Err(err).Msg("executor: no user available")
			}
			continue
		}

		results, err := omsSvc.ExecuteLatest(ctx, userID, flags.executeLimit, "", flags.confirmLive)
		if err != nil {
			log.Error().Err(err).Msg("execution pass failed")
		}
		for _, result := range results {
			log.Info().Str("plan_id", result.PlanID).Str("symbol", result.Symbol).
				Str("status", result.Status).Msg("executed decision")
		}

		if err := reconcileRunning(ctx, rt, omsSvc); err != nil {
			log.Warn().Err(err).Msg("reconcile pass failed")
		}
	}
}

func reconcileRunning(ctx context.Context, rt *runtime, omsSvc *oms.Service) error {
	plans, err := rt.db.ListPlansByStatus(ctx, omsSvc.Mode(), persistence.PlanRunning)
	if err != nil {
		return err
	}
	for _, plan := range plans {
		report, err := omsSvc.ReconcilePlan(ctx, plan.ID, oms.ReconcileOptions{
			AutoCancel: rt.cfg.OMS.ReconcileAutoCancel,
		})
		if err != nil {
			log.Warn().Err(err).Str("plan_id", plan.ID).Msg("plan reconcile failed")
			continue
		}
		if report.Settled || report.PlanStatus != persistence.PlanRunning {
			log.Info().Str("plan_id", plan.ID).Str("status", report.PlanStatus).
				Str("reason", report.Reason).Msg("plan reconciled")
		}
	}
	return nil
}
