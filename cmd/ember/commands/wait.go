package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/emberops/ember"
)

func newWaitCommand(root *rootFlags) *cobra.Command {
	var (
		timeout          time.Duration
		deferStatusFails bool
		job              string
	)

	cmd := &cobra.Command{
		Use:   "wait NAMESPACE",
		Short: "Wait for everything deployed in a namespace to converge",
		Example: `  # Wait up to 10 minutes for a namespace's resources
  ember wait ephemeral-xyz --timeout 10m

  # Wait for a specific ClowdJobInvocation's pod to start
  ember wait ephemeral-xyz --job my-job`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var extra []ember.Option
			if deferStatusFails {
				extra = append(extra, ember.WithDeferredStatusErrors())
			}
			client, err := buildClient(root, extra...)
			if err != nil {
				return err
			}

			if job != "" {
				pod, err := client.WaitOnJobInvocation(cmd.Context(), args[0], job, timeout)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), pod)
				return nil
			}
			return client.WaitForAll(cmd.Context(), args[0], timeout)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "total time budget for the wait")
	cmd.Flags().BoolVar(&deferStatusFails, "defer-status-errors", false, "keep waiting past terminal resource statuses, report them at the end")
	cmd.Flags().StringVar(&job, "job", "", "wait for this ClowdJobInvocation's pod instead of the whole namespace")

	return cmd
}
