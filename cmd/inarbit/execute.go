package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/inarbit/inarbit/internal/oms"
	"github.com/inarbit/inarbit/internal/persistence"
)

func newExecuteCmd() *cobra.Command {
	var (
		mode        string
		userID      string
		limit       int
		dedupeKey   string
		confirmLive bool
	)
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Execute the safest current decisions as order plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, svc, err := buildOMS(ctx, mode)
			if err != nil {
				return err
			}
			if userID == "" {
				userID, err = rt.db.OldestUserID(ctx)
				if err != nil {
					if errors.Is(err, persistence.ErrNotFound) {
						return fmt.Errorf("no user configured; pass --user or seed strategy_configs")
					}
					return err
				}
			}
			results, err := svc.ExecuteLatest(ctx, userID, limit, dedupeKey, confirmLive)
			if err != nil {
				return err
			}
			return printJSON(results)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(persistence.ModePaper), "order routing mode (paper|live)")
	cmd.Flags().StringVar(&userID, "user", "", "user to execute for (default: oldest configured user)")
	cmd.Flags().IntVar(&limit, "limit", 1, "maximum decisions to execute")
	cmd.Flags().StringVar(&dedupeKey, "dedupe-key", "", "idempotency key; repeats replay the original result")
	cmd.Flags().BoolVar(&confirmLive, "confirm-live", false, "required acknowledgement for live order routing")
	return cmd
}

func newReconcileCmd() *cobra.Command {
	var (
		mode       string
		maxRounds  int
		interval   time.Duration
		maxAge     time.Duration
		autoCancel bool
	)
	cmd := &cobra.Command{
		Use:   "reconcile <plan-id>",
		Short: "Drive a running plan to a terminal state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, svc, err := buildOMS(ctx, mode)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("auto-cancel") {
				autoCancel = rt.cfg.OMS.ReconcileAutoCancel
			}
			report, err := svc.ReconcilePlan(ctx, args[0], oms.ReconcileOptions{
				MaxRounds:  maxRounds,
				Interval:   interval,
				MaxAge:     maxAge,
				AutoCancel: autoCancel,
			})
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(persistence.ModePaper), "order routing mode (paper|live)")
	cmd.Flags().IntVar(&maxRounds, "max-rounds", 0, "refresh rounds before giving up (0 = configured default)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "wait between rounds (0 = configured default)")
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "plan age before timeout handling (0 = configured default)")
	cmd.Flags().BoolVar(&autoCancel, "auto-cancel", false, "cancel legs still open at the end of the pass (default: configured)")
	return cmd
}

func buildOMS(ctx context.Context, mode string) (*runtime, *oms.Service, error) {
	rt, err := buildRuntime(ctx)
	if err != nil {
		return nil, nil, err
	}
	svc, err := oms.NewService(persistence.Mode(mode), rt.adapter, rt.db, rt.store, rt.repo, rt.cfg, rt.exchangeID)
	if err != nil {
		return nil, nil, err
	}
	return rt, svc, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
