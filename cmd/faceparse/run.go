package main

import (
	"fmt"

	"github.com/born-ml/faceparse/internal/config"
	"github.com/spf13/cobra"
)

func newRunCmd(g *globals) *cobra.Command {
	var (
		path string
		vars map[string]string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the stages of an HCL pipeline file",
		Long: "Run the stages of an HCL pipeline file in order, stopping at the first failure.\n" +
			"Without -c the built-in pipeline runs: quantize, deploy, quantized_mobile.\n" +
			"The model block of the file takes precedence over the model flags.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := config.Default()
			if path != "" {
				var err error
				if f, err = config.Load(path, vars); err != nil {
					return err
				}
			} else {
				cfg, err := g.modelConfig()
				if err != nil {
					return err
				}
				f.Model = cfg
			}

			outcomes, err := f.Run(cmd.Context(), g.detector)
			w := cmd.OutOrStdout()
			for _, o := range outcomes {
				if o.Verify != nil {
					fmt.Fprintf(w, "%s: %s max abs diff %.3g\n", o.Stage.Kind, o.Verify.Kind, o.Verify.MaxAbsDiff)
					continue
				}
				fmt.Fprintf(w, "%s: ", o.Stage.Kind)
				printResult(w, o.Result)
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "", "Pipeline file")
	cmd.Flags().StringToStringVar(&vars, "var", nil, "Pipeline variable, available as var.NAME (repeatable)")
	return cmd
}
