package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/wehubfusion/yepcode-connector/pkg/config"
)

// withStack loads configuration, builds the client stack and runs fn with it
func (a *app) withStack(cmd *cobra.Command, fn func(ctx context.Context, stack *config.Stack) (any, error)) error {
	cfg, logger, err := a.load()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	stack, err := cfg.Build(logger)
	if err != nil {
		return &configError{err}
	}
	defer func() { _ = stack.Close() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out, err := fn(ctx, stack)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func (a *app) whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Test the credential and print the identity it belongs to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStack(cmd, func(ctx context.Context, stack *config.Stack) (any, error) {
				return stack.Client.WhoAmI(ctx)
			})
		},
	}
}

func (a *app) processesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "processes",
		Short: "Inspect processes visible to the credential",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List processes as name/value options",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStack(cmd, func(ctx context.Context, stack *config.Stack) (any, error) {
				return stack.Client.ProcessOptions(ctx)
			})
		},
	}

	versions := &cobra.Command{
		Use:   "versions <process-id>",
		Short: "List selectable versions and aliases of a process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStack(cmd, func(ctx context.Context, stack *config.Stack) (any, error) {
				return stack.Client.VersionOptions(ctx, args[0])
			})
		},
	}

	form := &cobra.Command{
		Use:   "form <process-id>",
		Short: "Print the parameter form derived from the process schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStack(cmd, func(ctx context.Context, stack *config.Stack) (any, error) {
				return stack.Client.FormFields(ctx, args[0])
			})
		},
	}

	cmd.AddCommand(list, versions, form)
	return cmd
}
