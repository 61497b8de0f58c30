package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/hostkit/pkg/shim"
)

func newServeCommand() *cobra.Command {
	var (
		listenAddr string
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the model-hosting HTTP surface",
		Long: `Serve ping, invocations, adapter and session requests.

The model script is discovered before the listener starts. Invalid shapes,
unreadable settings or a broken script abort startup.`,
		Example: `  # Serve with settings from the environment
  hostkit serve

  # Serve with a CUE settings file, reloading the script on change
  hostkit serve --config hostkit.cue --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			if listenAddr != "" {
				settings.ListenAddr = listenAddr
			}
			if watch {
				settings.WatchScript = true
			}

			s, err := shim.New(cmd.Context(), settings)
			if err != nil {
				return err
			}

			log.Info().
				Str("addr", settings.ListenAddr).
				Str("script", settings.ScriptPath()).
				Bool("sessions", settings.Sessions.Enabled).
				Bool("policy", settings.Policy.Enabled).
				Msg("Starting hostkit")

			return s.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (overrides settings)")
	cmd.Flags().BoolVar(&watch, "watch", false, "reload the model script when it changes")

	return cmd
}
