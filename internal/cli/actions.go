package cli

import (
	"context"
	"errors"
	"fmt"
	"os/user"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gonzaloobispo/Bioengine-v3/internal/app"
	"github.com/gonzaloobispo/Bioengine-v3/internal/approval"
	"github.com/gonzaloobispo/Bioengine-v3/internal/models"
	"github.com/gonzaloobispo/Bioengine-v3/internal/storage"
)

// ErrNotDecided is returned when approve or reject did not change the action
var ErrNotDecided = errors.New("action was not pending")

func newActionsCmd(st *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "actions",
		Aliases: []string{"hitl"},
		Short:   "Review actions waiting for human approval",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List pending actions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return st.withApp(cmd, func(ctx context.Context, a *app.App) error {
				pending, err := a.Approvals.GetPendingActions(ctx)
				if err != nil {
					return fmt.Errorf("list actions: %w", err)
				}
				if st.jsonOut {
					return st.printJSON(cmd, pending)
				}
				out := cmd.OutOrStdout()
				if len(pending) == 0 {
					fmt.Fprintln(out, "No pending actions.")
					return nil
				}
				for _, p := range pending {
					printAction(cmd, p)
				}
				return nil
			})
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <action_id>",
		Short: "Show one action in any status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return st.withApp(cmd, func(ctx context.Context, a *app.App) error {
				act, err := a.Approvals.Get(ctx, args[0])
				if err != nil {
					if errors.Is(err, storage.ErrActionNotFound) {
						return fmt.Errorf("action %s not found", args[0])
					}
					return err
				}
				if st.jsonOut {
					return st.printJSON(cmd, act)
				}
				printAction(cmd, act)
				return nil
			})
		},
	}

	var approvedBy string
	approveCmd := &cobra.Command{
		Use:   "approve <action_id>",
		Short: "Approve a pending action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approvedBy == "" {
				approvedBy = currentUser()
			}
			return st.withApp(cmd, func(ctx context.Context, a *app.App) error {
				ok, err := a.Approvals.Approve(ctx, args[0], approvedBy)
				if err != nil {
					return fmt.Errorf("approve %s: %w", args[0], err)
				}
				return decided(cmd, ok, "approved", args[0])
			})
		},
	}
	approveCmd.Flags().StringVar(&approvedBy, "by", "", "who approves (default: current OS user)")

	var reason string
	rejectCmd := &cobra.Command{
		Use:   "reject <action_id>",
		Short: "Reject a pending action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return st.withApp(cmd, func(ctx context.Context, a *app.App) error {
				ok, err := a.Approvals.Reject(ctx, args[0], reason)
				if err != nil {
					return fmt.Errorf("reject %s: %w", args[0], err)
				}
				return decided(cmd, ok, "rejected", args[0])
			})
		},
	}
	rejectCmd.Flags().StringVar(&reason, "reason", "", "why the action is rejected")

	var current, proposed, pain float64
	var fatigue string
	checkCmd := &cobra.Command{
		Use:   "check-load",
		Short: "Check a training load change and create an action if it needs approval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return st.withApp(cmd, func(ctx context.Context, a *app.App) error {
				act, err := a.Approvals.CheckTrainingLoadChange(ctx, current, proposed, approval.LoadContext{
					PainLevel: pain,
					Fatigue:   strings.ToLower(fatigue),
				})
				if err != nil {
					return err
				}
				if st.jsonOut {
					out := map[string]any{"requires_approval": act != nil}
					if act != nil {
						out["action"] = act
					}
					return st.printJSON(cmd, out)
				}
				if act == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "Change is within the threshold; no approval needed.")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Approval required: %s\n\n", act.ActionID)
				printAction(cmd, act)
				return nil
			})
		},
	}
	checkCmd.Flags().Float64Var(&current, "current", 0, "current weekly load")
	checkCmd.Flags().Float64Var(&proposed, "proposed", 0, "proposed weekly load")
	checkCmd.Flags().Float64Var(&pain, "pain", 0, "reported pain level (0-10)")
	checkCmd.Flags().StringVar(&fatigue, "fatigue", "normal", "fatigue level: low, normal or high")
	_ = checkCmd.MarkFlagRequired("current")
	_ = checkCmd.MarkFlagRequired("proposed")

	cmd.AddCommand(listCmd, showCmd, approveCmd, rejectCmd, checkCmd)
	return cmd
}

func decided(cmd *cobra.Command, ok bool, verb, id string) error {
	if !ok {
		return fmt.Errorf("%s: %w (unknown, already decided or expired)", id, ErrNotDecided)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Action %s %s.\n", id, verb)
	return nil
}

func printAction(cmd *cobra.Command, a *models.PendingAction) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s  [%s] %s\n", a.ActionID, a.Severity, a.Status)
	fmt.Fprintf(out, "  %s\n", a.Description)
	if a.Reasoning != "" {
		fmt.Fprintf(out, "  reasoning: %s\n", a.Reasoning)
	}
	for _, r := range a.Risks {
		fmt.Fprintf(out, "  - risk: %s\n", r)
	}
	for _, b := range a.Benefits {
		fmt.Fprintf(out, "  + benefit: %s\n", b)
	}
	fmt.Fprintf(out, "  created %s, expires %s\n", a.CreatedAt.Format(time.RFC3339), a.ExpiresAt.Format(time.RFC3339))
	switch a.Status {
	case models.ActionApproved:
		fmt.Fprintf(out, "  approved by %s\n", a.ApprovedBy)
	case models.ActionRejected:
		fmt.Fprintf(out, "  rejected: %s\n", a.RejectionReason)
	}
	fmt.Fprintln(out)
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "user"
}
