package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/emberops/ember"
)

func newNamespaceCommand(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "namespace",
		Aliases: []string{"ns"},
		Short:   "Manage pooled ephemeral namespaces",
	}

	cmd.AddCommand(newNamespaceReserveCommand(root))
	cmd.AddCommand(newNamespaceReleaseCommand(root))
	cmd.AddCommand(newNamespaceExtendCommand(root))
	cmd.AddCommand(newNamespaceListCommand(root))
	cmd.AddCommand(newNamespaceReconcileCommand(root))

	return cmd
}

func newNamespaceReserveCommand(root *rootFlags) *cobra.Command {
	var (
		name     string
		pool     string
		duration string
		timeout  time.Duration
		force    bool
	)

	cmd := &cobra.Command{
		Use:   "reserve",
		Short: "Reserve a namespace from the pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := buildClient(root)
			if err != nil {
				return err
			}
			ns, err := client.Reserve(cmd.Context(), ember.ReserveOptions{
				Name:     name,
				Pool:     pool,
				Duration: duration,
				Timeout:  timeout,
				Force:    force,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ns.Name)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "reservation name (generated when empty)")
	cmd.Flags().StringVar(&pool, "pool", ember.DefaultPool, "pool to reserve from")
	cmd.Flags().StringVar(&duration, "duration", ember.DefaultDuration, "how long to hold the namespace")
	cmd.Flags().DurationVar(&timeout, "timeout", ember.DefaultReserveTimeout, "how long to wait for a namespace to be bound")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "reserve even when you already hold an active reservation")

	return cmd
}

func newNamespaceReleaseCommand(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "release NAMESPACE",
		Short: "Release a reserved namespace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := buildClient(root)
			if err != nil {
				return err
			}
			return client.Release(cmd.Context(), args[0])
		},
	}
}

func newNamespaceExtendCommand(root *rootFlags) *cobra.Command {
	var duration string

	cmd := &cobra.Command{
		Use:   "extend NAMESPACE",
		Short: "Extend the reservation on a namespace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := buildClient(root)
			if err != nil {
				return err
			}
			return client.Extend(cmd.Context(), args[0], duration)
		},
	}

	cmd.Flags().StringVar(&duration, "duration", "1h", "how much time to add to the reservation")

	return cmd
}

func newNamespaceListCommand(root *rootFlags) *cobra.Command {
	var (
		available bool
		mine      bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pooled namespaces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := buildClient(root)
			if err != nil {
				return err
			}
			namespaces, err := client.Namespaces(cmd.Context(), ember.NamespaceFilter{
				Available: available,
				Mine:      mine,
			})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tPOOL\tRESERVED\tREADY\tREQUESTER\tEXPIRES IN")
			for _, ns := range namespaces {
				expires := ""
				if ns.Reserved {
					expires = ns.ExpiresIn()
				}
				requester := ns.Requester
				if ns.RequesterName != "" {
					requester = ns.RequesterName
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%s\t%s\n",
					ns.Name, ns.Pool, ns.Reserved, ns.Ready, requester, expires)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&available, "available", false, "show only ready, unreserved namespaces")
	cmd.Flags().BoolVar(&mine, "mine", false, "show only namespaces reserved by you")

	return cmd
}

func newNamespaceReconcileCommand(root *rootFlags) *cobra.Command {
	var (
		baseNamespace string
		baseSecrets   []string
		templateFile  string
		readyTimeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass over the namespace pool",
		Long: `Reconcile sweeps every governed namespace once: expired reservations are
reclaimed, released namespaces are wiped and re-prepped with the base
secrets and environment template, and newly bound reservations get their
expiry stamped. Intended to run on a schedule next to the namespace
operator.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			template, err := os.ReadFile(templateFile)
			if err != nil {
				return fmt.Errorf("reading environment template: %w", err)
			}
			client, err := buildClient(root)
			if err != nil {
				return err
			}
			return client.Reconcile(cmd.Context(), ember.ReconcileOptions{
				BaseNamespace:   baseNamespace,
				BaseSecretNames: baseSecrets,
				EnvTemplate:     template,
				ReadyTimeout:    readyTimeout,
			})
		},
	}

	cmd.Flags().StringVar(&baseNamespace, "base-namespace", "", "namespace holding the shared base secrets")
	cmd.Flags().StringArrayVar(&baseSecrets, "base-secret", nil, "base secret to copy during re-prep (repeatable)")
	cmd.Flags().StringVar(&templateFile, "env-template", "", "environment template applied during re-prep")
	cmd.Flags().DurationVar(&readyTimeout, "ready-timeout", 10*time.Minute, "readiness wait per re-prepped namespace")
	_ = cmd.MarkFlagRequired("base-namespace")
	_ = cmd.MarkFlagRequired("env-template")

	return cmd
}
