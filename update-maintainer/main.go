package main

import (
	"fmt"
	"os"

	lxdShared "github.com/canonical/lxd/shared"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var version = "0.0.1"

// logger is the process-wide logger, configured by the root command's
// persistent flags before any subcommand runs.
var logger = logrus.New()

func NewRootCmd() *cobra.Command {
	var flagLogLevel string
	var flagLogFormat string

	cmd := &cobra.Command{
		Use:     "update-maintainer",
		Short:   "Update catalog mirror maintainer",
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			err := setDefaultLogger(flagLogLevel, flagLogFormat)
			if err != nil {
				// Error out, so we don't use the default logger.
				fmt.Fprintln(os.Stderr, "Error:", err)
				os.Exit(1)
			}
		},
	}

	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	cmd.AddGroup(
		&cobra.Group{ID: "main", Title: "Commands:"},
		&cobra.Group{ID: "other", Title: "Other Commands:"},
	)

	cmd.SetCompletionCommandGroupID("other")
	cmd.SetHelpCommandGroupID("other")

	// Global flags.
	cmd.PersistentFlags().StringVar(&flagLogLevel, "loglevel", "info", "Log level")
	cmd.PersistentFlags().StringVar(&flagLogFormat, "logformat", "text", "Log format")

	// Commands.
	cmd.AddCommand(NewSyncCmd())
	cmd.AddCommand(NewFetchCmd())
	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewQueryCmd())
	cmd.AddCommand(NewProbeCmd())
	cmd.AddCommand(NewReindexCmd())
	cmd.AddCommand(NewStatusCmd())

	return cmd
}

func setDefaultLogger(level string, format string) error {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("Invalid log level %q. Valid log levels are: [debug, info, warning, error]", level)
	}

	if !lxdShared.ValueInSlice(format, []string{"text", "json"}) {
		return fmt.Errorf("Invalid log format %q. Valid log formats are: [text, json]", format)
	}

	logger.SetLevel(parsed)
	logger.SetOutput(os.Stderr)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	return nil
}

func main() {
	err := NewRootCmd().Execute()
	if err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}
