// Command protocol-peer is a small demo binary exercising Session over
// transport/ws: "serve" accepts peers on a websocket listener, "dial"
// connects to one. Both sides register a "buffer" extension that echoes
// whatever it receives. Modeled on the teacher's cobra-based CLI layout
// (cmd/sage-crypto/main.go: a root command, one file per subcommand).
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "protocol-peer",
	Short: "protocol-peer - demo peer for the session/extension protocol core",
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(dialCmd)
}
