package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/runner/internal/app"
	"github.com/xiaot623/gogo/runner/internal/config"
	"github.com/xiaot623/gogo/runner/internal/domain"
	"github.com/xiaot623/gogo/runner/internal/logging"
)

// open builds the runner stack from the environment.
func open(cmd *cobra.Command) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	level, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, err
	}
	logger := logging.NewWithOutput(cmd.ErrOrStderr(), level, cfg.LogFormat)
	return app.Build(cmd.Context(), cfg, logger)
}

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List durable run records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := cmd.Flags().GetString("kind")
			if err != nil {
				return err
			}
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			states, err := a.Engine.Records(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list runs: %w", err)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tRUN KEY\tSTATUS\tOWNER\tRESPONSE\tLAST ACTIVITY")
			for _, s := range states {
				if kind != "" && string(s.Kind) != kind {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					s.Kind, s.RunKey, s.Status, s.OwnerInstanceID, s.ResponseID,
					s.LastActivityAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().String("kind", "", "only list runs of this kind (research, letter)")
	return cmd
}

func newSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Adopt or reconcile orphaned runs once",
		Long: `Run one orphan sweep with the configured stores and provider.
Adopted runs are driven to completion before the command exits; if
interrupted, they are handed back for the next sweep.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, err := cmd.Flags().GetDuration("timeout")
			if err != nil {
				return err
			}
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.Engine.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			printf(cmd, "purged=%d adopted=%d reconciled=%d skipped=%d\n",
				report.Purged, len(report.Adopted), report.Reconciled, report.Skipped)
			if len(report.Adopted) == 0 {
				return nil
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := a.Engine.Wait(ctx); err != nil {
				drainCtx, cancelDrain := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelDrain()
				a.Engine.Drain(drainCtx)
				_ = a.Engine.Wait(drainCtx)
				return fmt.Errorf("adopted runs did not finish: %w", err)
			}
			for _, run := range report.Adopted {
				printf(cmd, "%s %s %s\n", run.Kind(), run.Key(), run.Status())
			}
			return nil
		},
	}
	cmd.Flags().Duration("timeout", 30*time.Minute, "how long to wait for adopted runs")
	return cmd
}

func newCreditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "credit <user> <amount>",
		Short: "Add credits to a user's balance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseFloat(args[1], 64)
			if err != nil || amount <= 0 {
				return &domain.ValidationError{Field: "amount", Reason: "must be a positive number"}
			}
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			balance, err := a.Store.Credit(cmd.Context(), args[0], amount)
			if err != nil {
				return fmt.Errorf("failed to credit %s: %w", args[0], err)
			}
			printf(cmd, "%s balance=%.2f\n", args[0], balance)
			return nil
		},
	}
}
