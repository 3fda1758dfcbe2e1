package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "busctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:   "busctl",
		Short: "Talk to an event bus bridge",
		Long: `busctl sends, publishes and listens on an event bus bridge.

The target picks the transport:
  host:port, tcp://host:port   length-prefixed TCP
  tls://host:port              length-prefixed TCP over TLS
  ws://..., wss://...          websocket
  http://..., https://...      websocket on <url>/websocket`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	g.bind(rootCmd)

	rootCmd.AddCommand(
		sendCmd(g),
		publishCmd(g),
		listenCmd(g),
		versionCmd(),
	)
	return rootCmd
}
