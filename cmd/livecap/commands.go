package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/silvermint/livecap"
	"github.com/silvermint/livecap/pkg/client"
)

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the livecap daemon",
		Long: `Start the livecap daemon: the periodic liveness scan, capture workers,
and the HTTP API. All configuration is loaded from a TOML file.

Examples:
  livecap serve --config=livecap.toml
  livecap serve livecap.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := globalFlags.ConfigPath
			if len(args) > 0 {
				configPath = args[0]
			}
			if configPath == "" {
				return fmt.Errorf("config file required. Use --config=livecap.toml or provide as argument")
			}
			return runServe(configPath)
		},
	}
}

func runServe(configPath string) error {
	cfg, err := livecap.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	daemon, err := livecap.NewDaemon(ctx, cfg)
	if err != nil {
		return err
	}
	if err := daemon.Start(ctx); err != nil {
		daemon.Stop(5 * time.Second)
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Printf("received %s, shutting down\n", sig)

	cancel()
	daemon.Stop(10 * time.Second)
	return nil
}

func createStatusCommand(flags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show capture and job counts for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := newClient(flags.APIFlags)
			defer cancel()
			st, err := c.Status(ctx, flags.Tenant)
			if err != nil {
				return err
			}
			printJSON(st)
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.Tenant, "tenant", "", "tenant id (required)")
	addAPIFlags(cmd, &flags.APIFlags)
	if err := cmd.MarkFlagRequired("tenant"); err != nil {
		panic(err)
	}
	return cmd
}

func createStreamsCommand(flags *StreamsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "streams",
		Short: "List streams for a tenant",
		Long: `List streams recorded for a tenant, newest first.

Examples:
  livecap streams --tenant=acme
  livecap streams --tenant=acme --capturing
  livecap streams --tenant=acme --limit=20`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := newClient(flags.APIFlags)
			defer cancel()
			var (
				streams []livecap.Stream
				err     error
			)
			if flags.Capturing {
				streams, err = c.Capturing(ctx, flags.Tenant)
			} else {
				streams, err = c.Streams(ctx, flags.Tenant, flags.Limit)
			}
			if err != nil {
				return err
			}
			printJSON(streams)
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.Tenant, "tenant", "", "tenant id (required)")
	cmd.Flags().IntVar(&flags.Limit, "limit", 100, "maximum streams to return")
	cmd.Flags().BoolVar(&flags.Capturing, "capturing", false, "only streams currently capturing")
	addAPIFlags(cmd, &flags.APIFlags)
	if err := cmd.MarkFlagRequired("tenant"); err != nil {
		panic(err)
	}
	return cmd
}

func createTickCommand(flags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one liveness scan on the daemon now",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := newClient(*flags)
			defer cancel()
			if err := c.TriggerTick(ctx); err != nil {
				return err
			}
			fmt.Println("scan completed")
			return nil
		},
	}
	addAPIFlags(cmd, flags)
	return cmd
}

func newClient(f APIFlags) (*client.Client, context.Context, context.CancelFunc) {
	cfg := client.DefaultConfig()
	if f.APIUrl != "" {
		cfg.BaseURL = f.APIUrl
	}
	if f.APITimeout > 0 {
		cfg.Timeout = f.APITimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	return client.New(cfg), ctx, cancel
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
