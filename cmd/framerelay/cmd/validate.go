package cmd

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"github.com/tsarna/framerelay/pkg/framerelay/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate [config-files-or-directories...]",
	Short: "Check configuration files without serving",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	cfg, diags := config.NewConfig().
		WithLogger(logger).
		WithSources(stringSliceToAnySlice(args)...).
		Build()
	if diags.HasErrors() {
		return diags
	}
	defer cfg.Shutdown(context.Background())

	out := cmd.OutOrStdout()
	for _, name := range sortedKeys(cfg.Hosts) {
		host := cfg.Hosts[name]
		fmt.Fprintf(out, "relay_server %s: %s%s -> %s\n", name, host.Listen, host.Path, host.Relay.Status().BaseURL)
	}
	for _, name := range sortedKeys(cfg.Clients) {
		fmt.Fprintf(out, "relay_client %s: %s (%d endpoints)\n", name, cfg.Clients[name].URL, len(cfg.Clients[name].Endpoints))
	}
	for _, name := range sortedKeys(cfg.Crons) {
		fmt.Fprintf(out, "status_report %s\n", name)
	}

	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
