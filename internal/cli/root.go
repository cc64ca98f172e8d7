package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gonzaloobispo/Bioengine-v3/internal/app"
	"github.com/gonzaloobispo/Bioengine-v3/internal/config"
)

// cliState is shared by the commands of one invocation
type cliState struct {
	cfg      *config.Config
	jsonOut  bool
	appOpts  []app.Option
	loadConf func() (*config.Config, error)
}

// NewRootCmd builds the coachctl command tree. opts are passed to every App
// the commands construct.
func NewRootCmd(opts ...app.Option) *cobra.Command {
	st := &cliState{appOpts: opts, loadConf: config.Load}

	root := &cobra.Command{
		Use:   "coachctl",
		Short: "BioEngine admin CLI: model gateway, cost governor and approvals",
		Long: `coachctl operates the BioEngine AI gateway from the command line.

Paid models are blocked until a window is opened:
  coachctl cost enable --duration 1h --max-cost 2

Training changes above the load threshold wait for a human:
  coachctl actions list
  coachctl actions approve <action_id>`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := st.loadConf()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			st.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().BoolVar(&st.jsonOut, "json", false, "print results as JSON")

	root.AddCommand(newCostCmd(st))
	root.AddCommand(newActionsCmd(st))
	root.AddCommand(newGenerateCmd(st))
	root.AddCommand(newModelsCmd(st))
	root.AddCommand(newRouteCmd(st))
	root.AddCommand(newSecretsCmd(st))
	return root
}

// Execute runs the root command until it finishes or the process is
// interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}

// withApp builds the App for one command and closes it afterwards
func (st *cliState) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(ctx, st.cfg, st.appOpts...)
	if err != nil {
		return err
	}
	a.Start(ctx)
	defer func() {
		if cerr := a.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(ctx, a)
}

func (st *cliState) printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
