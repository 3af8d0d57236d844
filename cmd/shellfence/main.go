// Shellfence — guarded shell execution over MCP.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "shellfence",
	Short: "Shellfence — guarded shell command execution over MCP.",
	Long: `Shellfence is an MCP stdio server that executes shell commands inside a
strict allow-policy: only explicitly permitted commands run, pipes between
allowed commands and file redirections are supported, and every spawned
process is supervised until it exits.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
