package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/worktree-dev/ptysuperd/src/worker"
)

// newWorkerExecCommand returns the hidden subcommand the supervisor
// re-execs itself into to become a Session Worker. It is never run
// directly by an operator; the supervisor always invokes it with
// PTYSUPERD_WORKER_EXEC=1 and fd 3/4 already wired to the IPC pipes.
func newWorkerExecCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "worker-exec",
		Short:  "Internal: run as a Session Worker (do not invoke directly)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			in, out, err := worker.OpenPipes()
			if err != nil {
				return fmt.Errorf("cli: open worker pipes: %w", err)
			}
			return worker.Run(in, out, newLogger())
		},
	}
	return cmd
}
