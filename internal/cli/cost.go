package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gonzaloobispo/Bioengine-v3/internal/app"
	"github.com/gonzaloobispo/Bioengine-v3/internal/governor"
)

func newCostCmd(st *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cost",
		Short: "Inspect and control paid model usage",
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show providers by cost class, total spend and the paid window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return st.withApp(cmd, func(ctx context.Context, a *app.App) error {
				status, err := a.Governor.GetStatus(ctx)
				if err != nil {
					return fmt.Errorf("cost status: %w", err)
				}
				if st.jsonOut {
					return st.printJSON(cmd, status)
				}
				printStatus(cmd, status)
				return nil
			})
		},
	}

	var duration time.Duration
	var maxCost float64
	enableCmd := &cobra.Command{
		Use:   "enable",
		Short: "Allow paid models until the window expires or the spend ceiling is reached",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return st.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if !cmd.Flags().Changed("duration") {
					duration = st.cfg.Governor.DefaultWindow
				}
				if !cmd.Flags().Changed("max-cost") {
					maxCost = st.cfg.Governor.DefaultMaxCostUSD
				}
				w, err := a.Governor.EnablePaidModels(ctx, duration, maxCost)
				if err != nil {
					return fmt.Errorf("enable paid models: %w", err)
				}
				if st.jsonOut {
					return st.printJSON(cmd, w)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, "Paid models enabled.")
				if !w.ExpiresAt.IsZero() {
					fmt.Fprintf(out, "  expires_at: %s\n", w.ExpiresAt.Format(time.RFC3339))
				}
				if w.MaxCostUSD > 0 {
					fmt.Fprintf(out, "  max_cost:   $%.4f\n", w.MaxCostUSD)
				}
				return nil
			})
		},
	}
	enableCmd.Flags().DurationVar(&duration, "duration", 0, "window length (0 = no expiry; default from PAID_WINDOW_DEFAULT_DURATION)")
	enableCmd.Flags().Float64Var(&maxCost, "max-cost", 0, "spend ceiling in USD (0 = none; default from PAID_WINDOW_DEFAULT_MAX_COST)")

	disableCmd := &cobra.Command{
		Use:   "disable",
		Short: "Block every non-free provider and close the paid window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return st.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Governor.DisablePaidModels(ctx); err != nil {
					return fmt.Errorf("disable paid models: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Paid models disabled.")
				return nil
			})
		},
	}

	cmd.AddCommand(statusCmd, enableCmd, disableCmd)
	return cmd
}

func printStatus(cmd *cobra.Command, s *governor.Status) {
	out := cmd.OutOrStdout()
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	section := func(title string, rows []governor.ProviderStatus) {
		fmt.Fprintf(tw, "%s\n", title)
		if len(rows) == 0 {
			fmt.Fprintln(tw, "  (none)")
			return
		}
		for _, p := range rows {
			mark := "blocked"
			if p.Allowed {
				mark = "allowed"
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\tuses=%d\t$%.4f\n",
				p.ProviderID, p.CostClass, p.AllowUsage, mark, p.UsageCount, p.EstimatedCostUSD)
		}
	}
	section("Free models:", s.FreeModels)
	section("Paid models:", s.PaidModels)
	tw.Flush()

	fmt.Fprintf(out, "Total estimated cost: $%.4f\n", s.TotalCostUSD)
	if w := s.PaidWindow; w != nil {
		fmt.Fprintf(out, "Paid window open since %s", w.EnabledAt.Format(time.RFC3339))
		if !w.ExpiresAt.IsZero() {
			fmt.Fprintf(out, ", expires %s", w.ExpiresAt.Format(time.RFC3339))
		}
		if w.MaxCostUSD > 0 {
			fmt.Fprintf(out, ", ceiling $%.4f", w.MaxCostUSD)
		}
		fmt.Fprintln(out)
	}
}
