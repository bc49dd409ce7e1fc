package cli

import (
	"github.com/spf13/cobra"

	"github.com/mend-engine/mend/internal/serve"
)

func newServeCmd(opts *rootOptions, version string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve read-only engine tools over MCP stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, paths, err := opts.load()
			if err != nil {
				return err
			}
			return serve.New(paths.Workspace, cfg, version).ServeStdio()
		},
	}
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the mend version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("mend " + version)
		},
	}
}
