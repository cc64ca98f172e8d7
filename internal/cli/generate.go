package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gonzaloobispo/Bioengine-v3/internal/app"
	"github.com/gonzaloobispo/Bioengine-v3/internal/providers"
	"github.com/gonzaloobispo/Bioengine-v3/internal/router"
)

func newGenerateCmd(st *cliState) *cobra.Command {
	var system string
	var maxTokens int
	var stream bool

	cmd := &cobra.Command{
		Use:   "generate <prompt>",
		Short: "Send a prompt through the fallback chain",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := providers.GenerationRequest{
				Prompt:            strings.Join(args, " "),
				SystemInstruction: system,
				MaxTokens:         maxTokens,
			}
			return st.withApp(cmd, func(ctx context.Context, a *app.App) error {
				out := cmd.OutOrStdout()
				if !stream {
					text, err := a.Gateway.Generate(ctx, req)
					if err != nil {
						return err
					}
					if st.jsonOut {
						return st.printJSON(cmd, map[string]any{"text": text, "model": a.Gateway.Current()})
					}
					fmt.Fprintln(out, text)
					return nil
				}

				for chunk, err := range a.Gateway.GenerateStream(ctx, req) {
					if err != nil {
						fmt.Fprintln(out)
						return err
					}
					fmt.Fprint(out, chunk)
				}
				fmt.Fprintln(out)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&system, "system", "", "system instruction")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "completion token limit (0 = provider default)")
	cmd.Flags().BoolVar(&stream, "stream", false, "print chunks as they arrive")

	return cmd
}

func newModelsCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "Show the fallback chain in the order providers are tried",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return st.withApp(cmd, func(ctx context.Context, a *app.App) error {
				chain := a.Gateway.Chain()
				if st.jsonOut {
					return st.printJSON(cmd, chain)
				}
				for _, p := range chain {
					_, hasKey := a.Credentials.Lookup(p.ProviderID)
					key := "no key"
					if hasKey {
						key = "key set"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%d  %-32s %-10s %-8s %s\n", p.Priority, p.Label(), p.CostClass, key, p.Description)
				}
				return nil
			})
		},
	}
}

func newRouteCmd(st *cliState) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "route <query>",
		Short: "Route a query to the best specialist and print its answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return st.withApp(cmd, func(ctx context.Context, a *app.App) error {
				out := cmd.OutOrStdout()
				if dryRun {
					dec, _, err := a.Router.Decide(ctx, query, nil)
					if err != nil {
						return err
					}
					if st.jsonOut {
						return st.printJSON(cmd, dec)
					}
					printDecision(cmd, dec)
					return nil
				}

				resp, err := a.Router.Route(ctx, query, nil, nil)
				var serr *router.SpecialistError
				if err != nil && !errors.As(err, &serr) {
					return err
				}
				if st.jsonOut {
					if jerr := st.printJSON(cmd, resp); jerr != nil {
						return jerr
					}
					return err
				}
				printDecision(cmd, resp.Router)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, resp.Text)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only show the routing decision")
	return cmd
}

func printDecision(cmd *cobra.Command, dec *router.RoutingDecision) {
	if dec == nil {
		return
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "agent=%s confidence=%.2f overridden=%t\n", dec.SelectedAgent, dec.Confidence, dec.Overridden)
}
