package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds minimal global/persistent flags for CLI commands
type GlobalFlags struct {
	ConfigPath string
}

// APIFlags holds daemon connection flags shared by client commands
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

// StreamsFlags holds flags for the streams command
type StreamsFlags struct {
	APIFlags
	Tenant    string
	Limit     int
	Capturing bool
}

// StatusFlags holds flags for the status command
type StatusFlags struct {
	APIFlags
	Tenant string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	statusFlags := &StatusFlags{}
	streamsFlags := &StreamsFlags{}
	tickFlags := &APIFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createStatusCommand(statusFlags),
		createStreamsCommand(streamsFlags),
		createTickCommand(tickFlags),
		createVersionCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "livecap",
		Short: "Live-broadcast capture orchestrator",
		Long: `Livecap watches the monitored accounts of each tenant, detects live
broadcasts, and captures their real-time events into downstream topics.

Examples:
  livecap serve --config=livecap.toml
  livecap status --tenant=acme
  livecap streams --tenant=acme --capturing`,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	return root
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the livecap version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "daemon URL (default http://localhost:8080)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
}
