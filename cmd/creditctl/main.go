// Command creditctl runs operational tasks against the credit ledger:
// schema migration, ledger replay, settings and limit maintenance and job
// triggers. It reads the same environment as the server.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-credit/internal/app"
)

var rootCmd = &cobra.Command{
	Use:           "creditctl",
	Short:         "Operate the Odyssey credit ledger",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().Bool("json", false, "Print machine readable JSON")
	rootCmd.PersistentFlags().Bool("verbose", false, "Log at info level to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "creditctl:", err)
		os.Exit(1)
	}
}

func cliLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// openRuntime loads configuration and wires the ledger with the schema applied.
func openRuntime(cmd *cobra.Command) (*app.Runtime, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return app.Build(cmd.Context(), cfg, cliLogger(cmd), app.BuildOptions{Migrate: true})
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
