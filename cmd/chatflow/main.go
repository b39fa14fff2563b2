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
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chatflow",
		Short: "Real-time chat service with bounded dispatch rings",
		Long: `Chatflow is a real-time chat server speaking a length-framed binary
protocol over TCP, with a WebSocket gateway for browser clients.

Messages flow through fixed-capacity dispatch rings: a full ingress
ring pauses the offending connection's reads, and a full per-session
egress ring marks the session degraded and eventually disconnects it,
so one slow consumer never stalls the rest of the pipeline.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		loadtestCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("chatflow %s (%s)\n", version, commit)
		},
	}
}
