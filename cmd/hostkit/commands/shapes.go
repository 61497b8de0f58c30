package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/hostkit/pkg/capability"
	"github.com/openfroyo/hostkit/pkg/transform"
)

func newShapesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shapes",
		Short: "Validate and try out transform shapes",
	}

	cmd.AddCommand(newShapesValidateCommand())
	cmd.AddCommand(newShapesApplyCommand())

	return cmd
}

func newShapesValidateCommand() *cobra.Command {
	var response bool

	cmd := &cobra.Command{
		Use:   "validate [shape-file...]",
		Short: "Compile shapes and report errors",
		Long: `Compile transform shapes without serving.

With no arguments, every shape in the settings is compiled, along with the
rest of the settings validation. With arguments, each file holds a single
shape in JSON or YAML.`,
		Example: `  # Validate the shapes in a settings file
  hostkit shapes validate --config hostkit.yaml

  # Validate a standalone response shape
  hostkit shapes validate --response generated.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return validateSettingsShapes(cmd)
			}

			opts := []transform.CompileOption{}
			if response {
				opts = append(opts, transform.WithRoots(transform.ResponseRoots...))
			}

			failed := 0
			for _, path := range args {
				shape, err := readShape(path)
				if err == nil {
					_, err = transform.Compile(shape, opts...)
				}
				if err != nil {
					failed++
					log.Error().Err(err).Str("file", path).Msg("Invalid shape")
					continue
				}
				log.Info().Str("file", path).Strs("keys", shape.Keys()).Msg("Shape compiled")
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d shapes failed to compile", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&response, "response", false, "compile against the response namespaces (body, headers, statusCode)")

	return cmd
}

func validateSettingsShapes(cmd *cobra.Command) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}

	for _, name := range capability.Known {
		c, ok := settings.Capabilities[name]
		if !ok {
			continue
		}
		event := log.Info().Str("capability", name)
		if c.Request != nil {
			event = event.Strs("request", c.Request.Keys())
		}
		if c.Response != nil {
			event = event.Strs("response", c.Response.Keys())
		}
		if c.Error != nil {
			event = event.Strs("error", c.Error.Keys())
		}
		event.Msg("Shapes compiled")
	}

	fmt.Fprintln(cmd.OutOrStdout(), "✓ Settings are valid")
	return nil
}

func newShapesApplyCommand() *cobra.Command {
	var (
		inputPath string
		response  bool
	)

	cmd := &cobra.Command{
		Use:   "apply <shape-file>",
		Short: "Apply a shape to a source document",
		Long: `Apply a shape to a JSON source document and print the result.

The document is the one path expressions see at request time: an object
with body, headers, pathParams and queryParams keys, or body, headers and
statusCode for response shapes. Reads the document from stdin when --input
is not given.`,
		Example: `  hostkit shapes apply request.yaml --input doc.json`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			shape, err := readShape(args[0])
			if err != nil {
				return err
			}
			opts := []transform.CompileOption{}
			if response {
				opts = append(opts, transform.WithRoots(transform.ResponseRoots...))
			}
			compiled, err := transform.Compile(shape, opts...)
			if err != nil {
				return err
			}

			var data []byte
			if inputPath != "" {
				data, err = os.ReadFile(inputPath)
			} else {
				data, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("failed to read source document: %w", err)
			}
			var doc any
			if err := json.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("source document is not JSON: %w", err)
			}

			out, err := compiled.Apply(doc)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "source document file (default stdin)")
	cmd.Flags().BoolVar(&response, "response", false, "compile against the response namespaces")

	return cmd
}

// readShape reads a single shape from a JSON or YAML file.
func readShape(path string) (transform.Shape, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read shape: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return transform.ParseJSON(data)
	case ".yaml", ".yml":
		var shape transform.Shape
		if err := yaml.Unmarshal(data, &shape); err != nil {
			return nil, fmt.Errorf("failed to parse shape %s: %w", path, err)
		}
		return shape, nil
	default:
		return nil, fmt.Errorf("unsupported shape format %q", filepath.Ext(path))
	}
}
