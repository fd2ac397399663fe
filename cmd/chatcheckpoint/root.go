package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/leofalp/chatcheckpoint/internal/app"
	"github.com/leofalp/chatcheckpoint/internal/config"
	"github.com/leofalp/chatcheckpoint/internal/logging"
)

// cli holds state shared by the subcommands of one invocation.
type cli struct {
	envFile  string
	backend  string
	observer string

	cfg     config.Config
	logging *logging.Setup
	app     *app.App
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "chatcheckpoint",
		Short:         "Checkpointed conversation sessions with usage metering",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd.Context(), cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return c.teardown(context.WithoutCancel(cmd.Context()))
		},
	}

	root.PersistentFlags().StringVar(&c.envFile, "env-file", "", "read configuration from this .env file")
	root.PersistentFlags().StringVar(&c.backend, "backend", "", "override CHECKPOINT_BACKEND (postgres, sqlite, memory)")
	root.PersistentFlags().StringVar(&c.observer, "observer", "", "override OBSERVER (slog, otel, none)")

	root.AddCommand(
		newServeCmd(c),
		newChatCmd(c),
		newHistoryCmd(c),
		newCheckpointsCmd(c),
		newCostsCmd(c),
	)
	return root
}

func (c *cli) setup(ctx context.Context, cmd *cobra.Command) error {
	var err error
	if c.envFile != "" {
		c.cfg, err = config.LoadFile(c.envFile)
	} else {
		c.cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if c.backend != "" {
		c.cfg.Backend = c.backend
	}
	if c.observer != "" {
		c.cfg.Observer = c.observer
	}
	if err := c.cfg.Validate(); err != nil {
		return err
	}

	c.logging, err = logging.New(c.cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	c.app, err = app.New(ctx, c.cfg, c.logging.Observer)
	return err
}

func (c *cli) teardown(ctx context.Context) error {
	var errs []error
	if c.app != nil {
		errs = append(errs, c.app.Close())
	}
	if c.logging != nil {
		errs = append(errs, c.logging.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
