// Lifecycle gRPC server
// Governs versioned documents, policies and plans over gRPC
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "lifecycled",
	Short: "Versioned entity lifecycle engine",
	Long: `lifecycled serves the lifecycle engine over gRPC.

Settings are read from LIFECYCLE_* environment variables.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd, journalCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
