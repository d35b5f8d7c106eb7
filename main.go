// Package main runs the game day thread service: a Cloud Run friendly HTTP
// server with an in-process job dispatcher, plus operator subcommands.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gamedaylive/config"
	"gamedaylive/lifecycle"
	"gamedaylive/server"
)

func main() {
	if err := newRootCmd(config.New()).Execute(); err != nil {
		os.Exit(1)
	}
}

// cli carries the shared viper instance into every subcommand.
type cli struct {
	v *viper.Viper
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	c := &cli{v: v}
	root := &cobra.Command{
		Use:           "gamedaylive",
		Short:         "Game day thread automation for hockey communities",
		SilenceUsage:  true,
		SilenceErrors: false,
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				slog.Error("Error displaying help", "error", err)
			}
		},
	}

	root.PersistentFlags().String("config", "", "Path to configuration file (YAML)")
	root.PersistentFlags().Bool("debug", false, "Enable debug logging")
	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	for key, flag := range map[string]string{"config": "config", "debug": "debug", "log_level": "log-level"} {
		if err := v.BindPFlag(key, root.PersistentFlags().Lookup(flag)); err != nil {
			slog.Error("Error binding flag", "flag", flag, "error", err)
		}
	}

	root.AddCommand(c.serveCmd())
	root.AddCommand(c.discoverCmd())
	root.AddCommand(c.communityCmd())
	root.AddCommand(c.jobsCmd())
	root.AddCommand(c.runDueCmd())
	return root
}

// setup loads configuration and wires the service. Logs go to w.
func (c *cli) setup(ctx context.Context, w io.Writer) (*app, error) {
	cfg, err := config.Load(c.v)
	if err != nil {
		return nil, err
	}
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return newApp(ctx, cfg, logger)
}

func (c *cli) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and job dispatcher",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := c.setup(ctx, os.Stdout)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(ctx)
		},
	}
	cmd.Flags().String("port", "", "Port to listen on (default 8080)")
	if err := c.v.BindPFlag("port", cmd.Flags().Lookup("port")); err != nil {
		slog.Error("Error binding port flag", "error", err)
	}
	return cmd
}

func (c *cli) discoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover [community...]",
		Short: "Run game discovery now for the given communities, or all of them",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.setup(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			communities := args
			if len(communities) == 0 {
				if communities, err = a.settings.Communities(cmd.Context()); err != nil {
					return err
				}
			}
			for _, community := range communities {
				if err := a.orchestrator.RunDiscovery(cmd.Context(), lifecycle.Invocation(community)); err != nil {
					return fmt.Errorf("discovery for %s: %w", community, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "discovery complete for r/%s\n", community)
			}
			return nil
		},
	}
}

func (c *cli) runDueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-due",
		Short: "Run every job that is due now, once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.setup(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.dispatcher.RunDue(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ran %d job(s)\n", n)
			return nil
		},
	}
}

func (a *app) httpServer() *server.Server {
	return server.New(&server.Config{
		Dispatcher: a.dispatcher,
		Lifecycle:  a.orchestrator,
		Settings:   a.settings,
		Jobs:       a.queue,
		Logger:     a.logger,
		Invocation: lifecycle.Invocation,
		APIToken:   a.cfg.APIToken,
	})
}
