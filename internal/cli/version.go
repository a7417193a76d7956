package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/nbridge/internal/ir"
)

// VersionInfo is the output of the version command.
type VersionInfo struct {
	Bridge  string `json:"bridge"`
	Journal string `json:"journal"`
	Library string `json:"library"`
}

// NewVersionCommand creates the version command.
func NewVersionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "version",
		Short:         "Print version information",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := VersionInfo{
				Bridge:  ir.BridgeVersion,
				Journal: ir.JournalVersion,
				Library: rootOpts.Config.Library,
			}
			out := rootOpts.formatter(cmd.OutOrStdout(), cmd.ErrOrStderr())
			if rootOpts.Format == "json" {
				return out.Success(info)
			}
			return out.Success(fmt.Sprintf("bridgectl %s (journal v%s, library %s)", info.Bridge, info.Journal, info.Library))
		},
	}
}
