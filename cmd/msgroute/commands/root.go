// Package commands holds the msgroute command tree.
package commands

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "./config.json"

type rootOptions struct {
	configPath string
}

// NewRootCmd builds the command tree. Running it without a subcommand serves.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "msgroute",
		Short: "Split message recipients across dispatch targets",
		Long: `msgroute accepts a message with a list of recipient phone numbers and
returns a routing plan: fixed targets take exactly their capacity in order,
and whatever remains goes one recipient per elastic instance.

Running msgroute with no subcommand is the same as "msgroute serve".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts.configPath, nil)
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "path to config json/yaml")

	cmd.AddCommand(
		newServeCmd(opts),
		newPlanCmd(opts),
		newCheckConfigCmd(opts),
		NewVersionCmd(),
	)
	return cmd
}

// Execute runs the command tree against os.Args.
func Execute() error {
	return NewRootCmd().Execute()
}
