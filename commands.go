package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"gamedaylive/lifecycle"
	"gamedaylive/pkg/gameday"
)

// serve runs the HTTP server and the dispatcher loop until ctx ends.
func (a *app) serve(ctx context.Context) error {
	if a.cfg.APIToken == "" {
		a.logger.Warn("No API token configured, operator endpoints are unauthenticated")
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.httpServer().ListenAndServe(ctx, a.cfg.Port)
	})
	if a.cfg.Scheduler.Embedded {
		g.Go(func() error {
			return a.dispatcher.Run(ctx, a.cfg.Scheduler.TickInterval)
		})
	} else {
		a.logger.Info("Embedded dispatcher disabled, waiting for /pollz")
	}
	return g.Wait()
}

func (c *cli) communityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "community",
		Short: "Read or write a community's configuration",
	}

	set := &cobra.Command{
		Use:   "set",
		Short: "Save a community config from a YAML file and start automation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := cmd.Flags().GetString("file")
			if err != nil {
				return err
			}
			cfg, err := readCommunityFile(path)
			if err != nil {
				return err
			}

			a, err := c.setup(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.settings.Save(cmd.Context(), cfg); err != nil {
				return err
			}
			if err := a.orchestrator.OnConfigSaved(cmd.Context(), lifecycle.Invocation(cfg.Community), cfg); err != nil {
				return fmt.Errorf("config saved but follow-up failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved config for r/%s\n", cfg.Community)
			return nil
		},
	}
	set.Flags().StringP("file", "f", "", "Path to the community config (YAML)")
	if err := set.MarkFlagRequired("file"); err != nil {
		slog.Error("Failed to mark file flag as required", "error", err)
	}

	get := &cobra.Command{
		Use:   "get <community>",
		Short: "Print a community config as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.setup(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			cfg, err := a.settings.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if cfg == nil {
				return fmt.Errorf("no config saved for r/%s", args[0])
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}

	cmd.AddCommand(set, get)
	return cmd
}

func readCommunityFile(path string) (*gameday.SubredditConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var cfg gameday.SubredditConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	cfg.Community = strings.ToLower(cfg.Community)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid community config: %w", err)
	}
	return &cfg, nil
}

func (c *cli) jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and cancel scheduled jobs",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List pending jobs in run order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			community, err := cmd.Flags().GetString("community")
			if err != nil {
				return err
			}
			a, err := c.setup(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			jobs, err := a.queue.List(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tCOMMUNITY\tTITLE\tRUN AT")
			for _, j := range jobs {
				if community != "" && !strings.EqualFold(community, j.Community) {
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.Kind, j.Community, j.Title, j.RunAt.UTC().Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	list.Flags().String("community", "", "Only show jobs for this community")

	cancel := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.setup(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			err = a.queue.Cancel(cmd.Context(), args[0])
			if errors.Is(err, gameday.ErrJobNotFound) {
				return fmt.Errorf("job %s is not pending", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, cancel)
	return cmd
}
