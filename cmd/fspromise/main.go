// Command fspromise evaluates a declarative promise file against a target
// path, converging the filesystem to match it and reporting one outcome per
// promiser.
package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/convergefs/fspromise/pkg/logging"
)

// warning reports a warning message through the root logger.
func warning(message string) {
	logging.RootLogger.Warn(errors.New(message))
}

// fatal reports err through the root logger and terminates the process with
// an error exit code.
func fatal(err error) {
	logging.RootLogger.Error(err)
	os.Exit(1)
}

var rootCommand = &cobra.Command{
	Use:   "fspromise",
	Short: "fspromise converges a filesystem path to a declared promise",
}

func init() {
	cobra.EnableCommandSorting = false
	rootCommand.AddCommand(
		convergeCommand,
		purgeHashesCommand,
	)
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		os.Exit(1)
	}
}
