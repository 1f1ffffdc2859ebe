package cli

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/worktree-dev/ptysuperd/src/diagnostics"
)

// newDiagnosticsCommand prints a one-shot host-level diagnostics
// snapshot. It reports only what can be probed from outside a running
// supervisor process (rlimits, /proc, load/mem); per-worker FD counts
// require querying a live supervisor over its HTTP /diagnostics route.
func newDiagnosticsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diagnostics",
		Short: "Print a one-shot host diagnostics snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			host := diagnostics.ProbeHost()
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				diagnostics.Host
				ProbedAt time.Time `json:"probed_at"`
			}{Host: host, ProbedAt: time.Now()})
		},
	}
	return cmd
}
