package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/emberops/ember"
)

func newDeployCommand(root *rootFlags) *cobra.Command {
	flags := &processFlags{}
	var (
		pool             string
		duration         string
		reserveTimeout   time.Duration
		timeout          time.Duration
		noReleaseOnFail  bool
		deferStatusFails bool
	)

	cmd := &cobra.Command{
		Use:   "deploy APP [APP...]",
		Short: "Deploy apps into an ephemeral namespace and wait for readiness",
		Long: `Deploy resolves the requested apps, applies the rendered manifests into a
namespace, and waits for every applied resource to converge.

Without --namespace a namespace is reserved from the pool first and
released again if the deploy fails. A namespace passed via --namespace is
never released.`,
		Example: `  # Reserve a namespace, deploy, and print its name
  ember deploy my-app

  # Deploy into an already-reserved namespace
  ember deploy my-app --namespace ephemeral-xyz`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			procOpts, err := flags.options(args)
			if err != nil {
				return err
			}
			var extra []ember.Option
			if deferStatusFails {
				extra = append(extra, ember.WithDeferredStatusErrors())
			}
			client, err := buildClient(root, extra...)
			if err != nil {
				return err
			}

			namespace, err := client.Deploy(cmd.Context(), ember.DeployOptions{
				ProcessOptions:     procOpts,
				Pool:               pool,
				Duration:           duration,
				ReserveTimeout:     reserveTimeout,
				Timeout:            timeout,
				NoReleaseOnFailure: noReleaseOnFail,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), namespace)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&flags.namespace, "namespace", "n", "", "deploy into this already-reserved namespace")
	cmd.Flags().StringVar(&pool, "pool", ember.DefaultPool, "pool to reserve a namespace from")
	cmd.Flags().StringVar(&duration, "duration", ember.DefaultDuration, "how long to hold an auto-reserved namespace")
	cmd.Flags().DurationVar(&reserveTimeout, "reserve-timeout", ember.DefaultReserveTimeout, "how long to wait for a namespace to be bound")
	cmd.Flags().DurationVar(&timeout, "timeout", ember.DefaultDeployTimeout, "how long to wait for deployed resources to converge")
	cmd.Flags().BoolVar(&noReleaseOnFail, "no-release-on-fail", false, "keep an auto-reserved namespace around when the deploy fails")
	cmd.Flags().BoolVar(&deferStatusFails, "defer-status-errors", false, "keep waiting past terminal resource statuses, report them at the end")

	return cmd
}
