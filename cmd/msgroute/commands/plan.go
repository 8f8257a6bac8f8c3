package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"msgroute/internal/app"
	"msgroute/internal/httpapi"
)

func newPlanCmd(opts *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Plan a request offline and print the routes",
		Long: `Read a route request body and print the plan the API would return,
using the validation rules and topology from the config file.

Examples:
  msgroute plan -f request.json
  echo '{"message":"hi","recipients":["5551234567"]}' | msgroute plan`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in := cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			return runPlan(opts.configPath, in, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "request JSON file, - for stdin")
	return cmd
}

func runPlan(cfgPath string, in io.Reader, out io.Writer) error {
	r, err := app.LoadRouting(cfgPath)
	if err != nil {
		return err
	}
	body, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	req, err := r.Validator.Parse(body)
	if err != nil {
		return err
	}
	payload, err := httpapi.MarshalRouteResponse(r.Partitioner.Plan(req))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(payload))
	return err
}
