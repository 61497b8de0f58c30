package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/openfroyo/hostkit/pkg/config"
)

var (
	// Global flags
	configPath string
	envFile    string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "hostkit",
		Short: "hostkit - model hosting shim",
		Long: `hostkit exposes the fixed HTTP surface of a model-hosting container
(ping, invocations, adapters and sessions) and routes every capability to a
handler chosen from four sources, highest precedence first:

  - override     CUSTOM_<TRANSPORT>_<CAPABILITY>_HANDLER environment variables
  - explicit     registrations made in Go or by register_handler() in a script
  - discovered   custom_<capability>_handler functions in the model script
  - default      built-in handlers`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "settings file (.yaml, .json, .cue) or CUE package directory")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file loaded before reading the environment")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newResolveCommand())
	rootCmd.AddCommand(newShapesCommand())
	rootCmd.AddCommand(newCapabilitiesCommand())

	return rootCmd
}

// loadSettings loads the env file, when given, and then the settings.
// Variables already set in the environment win over the env file.
func loadSettings() (*config.Settings, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}
	return config.Load(configPath)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
