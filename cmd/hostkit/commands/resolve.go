package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/hostkit/pkg/capability"
	"github.com/openfroyo/hostkit/pkg/handler"
	"github.com/openfroyo/hostkit/pkg/hooks"
	"github.com/openfroyo/hostkit/pkg/reference"
	"github.com/openfroyo/hostkit/pkg/scripting"
	"github.com/openfroyo/hostkit/pkg/shim"
)

func newResolveCommand() *cobra.Command {
	var body string

	cmd := &cobra.Command{
		Use:   "resolve <reference>",
		Short: "Resolve a code reference and optionally invoke it",
		Long: `Resolve a reference of the form "<location>:<symbol>" the way override
variables are resolved at request time. The location may be a script path
(.star, .js, .wasm) or the "model" alias for the designated model script.`,
		Example: `  # Check that an override target exists
  hostkit resolve /opt/ml/model/handlers.star:custom_ping

  # Call the discovered invocation handler with a JSON body
  hostkit resolve model:custom_invocation_handler --invoke '{"inputs": "hi"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}

			// Registrations made by the script are accepted and discarded.
			scriptCfg := scripting.Config{
				Timeout:   settings.ScriptTimeout,
				Options:   settings.Options,
				Registrar: capability.NewRegistry(log.Logger),
				Hooks:     hooks.NewRegistry(log.Logger),
			}
			opts := scripting.ResolverOptions(scriptCfg, log.Logger)
			opts = append(opts, reference.WithAlias(shim.ScriptAlias, settings.ScriptPath()))
			resolver := reference.NewResolver(log.Logger, opts...)

			resolved, err := resolver.Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !cmd.Flags().Changed("invoke") {
				if jsonOutput {
					return printJSON(out, map[string]any{
						"location": resolved.Locator.Location,
						"symbol":   resolved.Locator.Symbol,
						"symbols":  resolved.Unit.Symbols(),
					})
				}
				fmt.Fprintf(out, "%s resolves in %s\n", resolved.Locator.Symbol, resolved.Unit.Location())
				for _, sym := range resolved.Unit.Symbols() {
					fmt.Fprintf(out, "  %s\n", sym)
				}
				return nil
			}

			req := handler.NewRequest("POST", "/invocations", []byte(body))
			req.Headers.Set("Content-Type", "application/json")
			result, err := resolved.Fn(cmd.Context(), &handler.Invocation{Request: req})
			if err != nil {
				return fmt.Errorf("invocation failed with status %d: %w", handler.StatusOf(err), err)
			}
			resp := handler.Normalize(result)
			if jsonOutput {
				return printJSON(out, resp)
			}
			fmt.Fprintf(out, "status: %d\n", resp.Status)
			if s, ok := resp.Body.(string); ok {
				fmt.Fprintln(out, s)
				return nil
			}
			return printJSON(out, resp.Body)
		},
	}

	cmd.Flags().StringVar(&body, "invoke", "", "invoke the resolved callable with this request body")

	return cmd
}
