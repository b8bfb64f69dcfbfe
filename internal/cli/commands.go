// Package cli implements the abilian administration command.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	jsonitor "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/abilian/abilian-core/internal/common/logtrace"
	"github.com/abilian/abilian-core/internal/config"
)

var json = jsonitor.ConfigCompatibleWithStandardLibrary

// Version is set at build time.
var Version = "v0.1.0-dev"

const DefaultConfigFile = "abilian.toml"

var (
	// Global flags
	jsonOutput bool
	configFile string
	logLevel   string
)

var ErrAlreadyHandled = errors.New("already handled")

var okLabel = color.New(color.FgGreen)
var warnLabel = color.New(color.FgYellow)
var errorLabel = color.New(color.FgRed)

// loaded is the configuration read before any command that needs one.
var loaded *config.Config

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "abilian [command] [flags]",
		Short: "Administration of an Abilian instance",
		Long: `Administration of an Abilian instance: database migrations, full-text
reindexing, audit inspection, blob store checks and the background worker.

Examples:
  # Apply pending migrations
  abilian migrate --config /srv/instance/abilian.toml

  # Rebuild the default index from scratch
  abilian reindex --clear

  # Show the last 20 audit entries as YAML
  abilian audit --limit 20 -o yaml

  # Run the task worker
  abilian worker`,
		PersistentPreRunE: preRunHandlePersistents,
		SilenceErrors:     true,
		SilenceUsage:      true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", DefaultConfigFile, "Path to the instance configuration file")
	root.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output in JSON format")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newReindexCmd())
	root.AddCommand(newAuditCmd())
	root.AddCommand(newBlobsCmd())
	root.AddCommand(newUploadsCmd())
	root.AddCommand(newSecurityCmd())
	root.AddCommand(newWorkerCmd())
	return root
}

// Execute runs the command line in args and reports failures on stderr.
func Execute(ctx context.Context, args []string) error {
	root := newRootCmd()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil || errors.Is(err, ErrAlreadyHandled) {
		return err
	}
	if jsonOutput {
		printJSON(root.OutOrStdout(), map[string]string{"error": err.Error()})
	} else {
		errorLabel.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return ErrAlreadyHandled
}

// preRunHandlePersistents loads the configuration and sets up logging.
func preRunHandlePersistents(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "version" {
		return nil
	}
	if _, err := os.Stat(configFile); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("configuration file %s not found", configFile)
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	logtrace.InitLogger(level, cfg.Log.Pretty)
	loaded = cfg
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of abilian",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(cmd.OutOrStdout(), map[string]string{
					"version":        Version,
					"config_version": config.Version,
				})
				return
			}
			fmt.Fprintf(cmd.OutOrStdout(), "abilian %s (configuration format %s)\n", Version, config.Version)
		},
	}
}

// printJSON prints data as indented JSON to w
func printJSON(w io.Writer, data any) {
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		errorLabel.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}
	fmt.Fprintln(w, string(out))
}
