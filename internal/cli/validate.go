package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/MEI-Research/ble-beacon-module/internal/config"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool           `json:"valid"`
	Config *config.Config `json:"config,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config.yaml>",
		Short: "Validate a config file",
		Long: `Validate a YAML config file against the configuration schema without
opening the database. The environment is not consulted; the file is
checked on top of the built-in defaults.

Exit codes:
  0 - Config is valid
  1 - Config is invalid
  2 - Command error (file not found, etc.)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	data, err := os.ReadFile(path)
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read config", err)
	}
	formatter.VerboseLog("Validating %s (%d bytes)", path, len(data))

	cfg, err := config.Parse(data)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), map[string]string{"file": path})
		return WrapExitError(ExitFailure, "invalid config", err)
	}

	return formatter.Emit(ValidationResult{Valid: true, Config: &cfg}, func(w io.Writer) {
		fmt.Fprintf(w, "✓ %s is valid\n", path)
	})
}
