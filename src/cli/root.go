// Package cli assembles the ptysuperd command tree: the long-running
// supervisor server, its hidden worker-exec re-exec entrypoint, and a
// one-shot diagnostics dump.
package cli

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// NewRootCommand builds the top-level ptysuperd command.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "ptysuperd",
		Short: "PTY session supervisor",
	}

	root.AddCommand(newServeCommand())
	root.AddCommand(newWorkerExecCommand())
	root.AddCommand(newDiagnosticsCommand())

	return root
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return log
}
