package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/hostkit/pkg/capability"
	"github.com/openfroyo/hostkit/pkg/handler"
	"github.com/openfroyo/hostkit/pkg/shim"
)

type capabilityRow struct {
	Capability string   `json:"capability"`
	Tier       string   `json:"tier,omitempty"`
	Source     string   `json:"source,omitempty"`
	Shadowed   []string `json:"shadowed,omitempty"`
	Error      string   `json:"error,omitempty"`
	Status     int      `json:"status,omitempty"`
}

func newCapabilitiesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capabilities",
		Short: "Show which handler serves each capability",
		Long: `Assemble the shim without serving and show, for every capability, the
binding that wins resolution along with the lower-tier bindings it shadows.
Override variables are resolved here too, so a broken override reference
shows up as an error row.`,
		Example: `  hostkit capabilities
  hostkit capabilities --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			s, err := shim.New(cmd.Context(), settings)
			if err != nil {
				return err
			}
			defer func() {
				if err := s.Close(); err != nil {
					log.Warn().Err(err).Msg("Failed to close shim")
				}
			}()

			rows := make([]capabilityRow, 0, len(capability.Known))
			for _, name := range capability.Known {
				row := capabilityRow{Capability: name}
				b, err := s.Registry.Resolve(cmd.Context(), name)
				if err != nil {
					row.Error = err.Error()
					row.Status = handler.StatusOf(err)
					rows = append(rows, row)
					continue
				}
				row.Tier, row.Source = b.Tier.String(), b.Source
				for _, tier := range capability.Tiers {
					if tier <= b.Tier {
						continue
					}
					if lower, ok := s.Registry.Lookup(name, tier); ok {
						row.Shadowed = append(row.Shadowed, fmt.Sprintf("%s (%s)", lower.Source, tier))
					}
				}
				rows = append(rows, row)
			}
			conflicts := s.Registry.Conflicts()

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, map[string]any{
					"capabilities": rows,
					"conflicts":    conflicts,
				})
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CAPABILITY\tTIER\tSOURCE\tSHADOWS")
			for _, row := range rows {
				if row.Error != "" {
					fmt.Fprintf(tw, "%s\t-\t%s (%d)\t\n", row.Capability, row.Error, row.Status)
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", row.Capability, row.Tier, row.Source, len(row.Shadowed))
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			for _, c := range conflicts {
				fmt.Fprintf(out, "\n⚠ %s: explicit %s shadows script handler %s\n", c.Capability, c.Explicit, c.Discovered)
			}
			return nil
		},
	}

	return cmd
}
