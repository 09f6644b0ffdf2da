package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/stinger-ai/stinger/pkg/pipeline"
)

func NewPresetsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List the built-in guardrail presets",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tINPUT\tOUTPUT\tVERSION")
			for _, name := range pipeline.Presets() {
				spec, err := pipeline.Preset(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\n",
					name, len(spec.Input), len(spec.Output), pipeline.SpecVersion(spec))
			}
			return w.Flush()
		},
	}
}
