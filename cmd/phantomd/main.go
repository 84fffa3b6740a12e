// Command phantomd runs the Phantom PTY-tunneling daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var configPath string

var rootCmd = &cobra.Command{
	Use:   "phantomd",
	Short: "Background daemon exposing PTY sessions to paired devices over QUIC",
	Long: `Phantom is a background daemon that exposes local PTY sessions to
remote, paired devices over an authenticated QUIC transport, with
persistent scrollback across disconnects.

Example:
  phantomd run                 # Run the daemon in the foreground
  phantomd pair issue          # Issue a pairing token/QR payload
  phantomd admin status        # Query the running daemon
  phantomd admin list-sessions # List live sessions`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(rotateCertCmd)

	pairCmd.AddCommand(pairIssueCmd)
	rootCmd.AddCommand(pairCmd)

	adminCmd.AddCommand(adminStatusCmd)
	adminCmd.AddCommand(adminListSessionsCmd)
	adminCmd.AddCommand(adminListDevicesCmd)
	adminCmd.AddCommand(adminRevokeCmd)
	adminCmd.AddCommand(adminDestroySessionCmd)
	rootCmd.AddCommand(adminCmd)
}
