package commands

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"msgroute/internal/app"
)

func newCheckConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and print the topology",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCheckConfig(opts.configPath, cmd.OutOrStdout())
		},
	}
}

func runCheckConfig(cfgPath string, out io.Writer) error {
	r, err := app.LoadRouting(cfgPath)
	if err != nil {
		return fmt.Errorf("%s: %w", cfgPath, err)
	}
	if r.Missing {
		fmt.Fprintf(out, "%s not found; built-in defaults are valid\n", cfgPath)
	} else {
		fmt.Fprintf(out, "%s is valid\n", cfgPath)
	}

	topo := r.Partitioner.Topology
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIER\tCAPACITY\tADDRESSES")
	for _, t := range topo.Fixed() {
		fmt.Fprintf(w, "%s\t%d\t%s\n", t.Name, t.Capacity, strings.Join(t.Addresses, ","))
	}
	el := topo.Elastic()
	fmt.Fprintf(w, "elastic\t1\t%s (from %d)\n", el.Address(0), el.Start)
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "max recipients: %d\n", r.Validator.Limit())
	return nil
}
