package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalbus/config"
)

// NewConfigCmd creates the "config" subcommand.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration",
		Args:  cobra.NoArgs,
		RunE:  runConfig,
	}

	cmd.Flags().String("config", "", "Path to petalbus.yaml")

	return cmd
}

func runConfig(cmd *cobra.Command, _ []string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	data, err := cfg.Marshal()
	if err != nil {
		return fmt.Errorf("rendering config: %w", err)
	}

	out := cmd.OutOrStdout()
	if path == "" {
		fmt.Fprintln(out, "# built-in defaults")
	} else {
		fmt.Fprintf(out, "# %s\n", path)
	}
	_, err = out.Write(data)
	return err
}

// loadConfig resolves the config named by the --config flag.
func loadConfig(cmd *cobra.Command) (config.File, string, error) {
	explicit, _ := cmd.Flags().GetString("config")
	cfg, path, err := config.Resolve(explicit)
	if err != nil {
		return config.File{}, "", exitError(exitConfig, "loading config: %s", err)
	}
	return cfg, path, nil
}

// newLogger builds the command logger, honoring the persistent
// --verbose and --quiet flags over the configured level.
func newLogger(cmd *cobra.Command, cfg config.File, w io.Writer) *slog.Logger {
	verbose, _ := cmd.Flags().GetBool("verbose")
	quiet, _ := cmd.Flags().GetBool("quiet")
	switch {
	case quiet:
		cfg.Log.Level = "error"
	case verbose:
		cfg.Log.Level = "debug"
	}
	return cfg.Logger(w)
}
