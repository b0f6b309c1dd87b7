// netplay is a demo for the session transport: it hosts or joins a
// reliable chat session over UDP, exercising the handshake, the reliable
// channel, and LAN discovery.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "netplay",
		Short:         "Reliable game-session transport demo",
		Long:          "netplay hosts or joins a chat session over the reliable UDP session transport.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		hostCmd(),
		joinCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

// tagChat is the application-level message tag for chat lines. It lives in
// the pass-through range above the transport's own tags.
const tagChat = 16

func chatPayload(text string) []byte {
	return append([]byte{tagChat}, text...)
}
