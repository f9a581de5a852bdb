package main

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/jcmexdev/enrollment-sagas/internal/app"
	"github.com/jcmexdev/enrollment-sagas/internal/enrollment/catalog"
)

type opener func(ctx context.Context) (*app.Runtime, func() error, error)

type cli struct {
	open    opener
	rt      *app.Runtime
	closeRT func() error
}

func newRootCmd(open opener) *cobra.Command {
	c := &cli{open: open}
	root := &cobra.Command{
		Use:           "enrollctl",
		Short:         "Operate the enrollment saga coordinator",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			rt, closeRT, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			c.rt, c.closeRT = rt, closeRT
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if c.closeRT == nil {
				return nil
			}
			return c.closeRT()
		},
	}
	root.AddCommand(c.breakersCmd(), c.sagasCmd(), c.idempotencyCmd(), c.enrollmentsCmd(), c.groupsCmd(), c.seedCmd())
	return root
}

func (c *cli) breakersCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "breakers", Short: "Inspect circuit breakers"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List every breaker with its state",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				snaps, err := c.rt.Admin.Breakers(cmd.Context())
				return c.print(cmd, snaps, err)
			},
		},
		&cobra.Command{
			Use:   "show NAME",
			Short: "Show one breaker",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				snap, err := c.rt.Admin.Breaker(cmd.Context(), args[0])
				return c.print(cmd, snap, err)
			},
		},
		&cobra.Command{
			Use:   "reset NAME",
			Short: "Force a breaker back to CLOSED",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				snap, err := c.rt.Admin.ResetBreaker(cmd.Context(), args[0])
				return c.print(cmd, snap, err)
			},
		},
	)
	return cmd
}

func (c *cli) sagasCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "sagas", Short: "Inspect saga instances"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List sagas that have not finished",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				active, err := c.rt.Admin.ActiveSagas(cmd.Context())
				return c.print(cmd, active, err)
			},
		},
		&cobra.Command{
			Use:   "show ID",
			Short: "Show the stored instance of a saga",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				in, err := c.rt.Admin.Saga(cmd.Context(), args[0])
				return c.print(cmd, in, err)
			},
		},
		&cobra.Command{
			Use:   "history ID",
			Short: "Show the audit log of a saga",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				entries, err := c.rt.Admin.SagaHistory(cmd.Context(), args[0])
				return c.print(cmd, entries, err)
			},
		},
	)
	return cmd
}

func (c *cli) enrollmentsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "enrollments", Short: "Read and amend enrollment records"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show ID",
			Short: "Show one enrollment by its code",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				e, err := c.rt.Records.Enrollment(cmd.Context(), args[0])
				return c.print(cmd, e, err)
			},
		},
		&cobra.Command{
			Use:   "list REQUESTER_ID",
			Short: "List the enrollments of a student",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				list, err := c.rt.Records.EnrollmentsByRequester(cmd.Context(), args[0])
				return c.print(cmd, list, err)
			},
		},
		&cobra.Command{
			Use:   "withdraw ID GROUP",
			Short: "Give back the seat an enrollment holds in a group",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				e, err := c.rt.Records.Withdraw(cmd.Context(), args[0], args[1])
				return c.print(cmd, e, err)
			},
		},
	)
	return cmd
}

func (c *cli) groupsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "groups", Short: "Inspect course groups"}
	cmd.AddCommand(&cobra.Command{
		Use:   "capacity ID",
		Short: "Show the seat counter of a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			counter, err := c.rt.Records.GroupCapacity(cmd.Context(), args[0])
			return c.print(cmd, counter, err)
		},
	})
	return cmd
}

type invalidated struct {
	IdempotencyKey string `json:"idempotency_key"`
	Removed        bool   `json:"removed"`
}

func (c *cli) idempotencyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "idempotency", Short: "Manage cached outcomes"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show idempotency cache counters",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				stats, err := c.rt.Admin.IdempotencyStats(cmd.Context())
				return c.print(cmd, stats, err)
			},
		},
		&cobra.Command{
			Use:   "invalidate KEY",
			Short: "Drop the cached outcome of a key",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				removed, err := c.rt.Admin.InvalidateIdempotencyKey(cmd.Context(), args[0])
				return c.print(cmd, invalidated{IdempotencyKey: args[0], Removed: removed}, err)
			},
		},
	)
	return cmd
}

func (c *cli) seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed FILE",
		Short: "Load students, periods and groups from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := catalog.LoadSeed(args[0])
			if err != nil {
				return err
			}
			counts, err := seed.Apply(cmd.Context(), c.rt.Catalog)
			return c.print(cmd, counts, err)
		},
	}
}

func (c *cli) print(cmd *cobra.Command, v any, err error) error {
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
