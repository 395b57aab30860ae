// Package commands implements the mpjoinctl CLI commands.
package commands

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// httpClient talks to the mpjoind control API over plain HTTP/JSON,
	// set up in PersistentPreRunE once serverAddr is known.
	httpClient *http.Client

	// baseURL is the mpjoind API base URL, derived from serverAddr.
	baseURL string

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// serverAddr is the daemon's control-API address (host:port).
	serverAddr string
)

// rootCmd is the top-level cobra command for mpjoinctl.
var rootCmd = &cobra.Command{
	Use:   "mpjoinctl",
	Short: "CLI client for the mpjoind subflow path manager",
	Long:  "mpjoinctl talks to the mpjoind daemon's HTTP/JSON control API to inspect and manage MPTCP meta-connections.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		baseURL = "http://" + serverAddr
		httpClient = &http.Client{Timeout: 10 * time.Second}
		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:8361",
		"mpjoind control-API address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(metaCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
