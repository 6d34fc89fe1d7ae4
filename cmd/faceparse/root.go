package main

import (
	"fmt"

	"github.com/born-ml/faceparse/internal/accel"
	"github.com/born-ml/faceparse/internal/bisenet"
	"github.com/born-ml/faceparse/internal/ctxlog"
	"github.com/born-ml/faceparse/internal/export"
	"github.com/spf13/cobra"
)

// globals holds the persistent flags shared by every command.
type globals struct {
	logLevel   string
	logFormat  string
	classes    int
	inputSize  int
	pooling    string
	noProgress bool
	detector   accel.Detector
}

func defaultGlobals() *globals {
	cfg := bisenet.DefaultConfig()
	return &globals{
		logLevel:  "info",
		logFormat: "text",
		classes:   cfg.NumClasses,
		inputSize: cfg.InputSize,
		pooling:   string(cfg.Pooling),
		detector:  accel.WebGPU{},
	}
}

func (g *globals) modelConfig() (bisenet.Config, error) {
	cfg := bisenet.Config{NumClasses: g.classes, InputSize: g.inputSize, Pooling: bisenet.Pooling(g.pooling)}
	return cfg, cfg.Validate()
}

func newRootCmd(g *globals) *cobra.Command {
	root := &cobra.Command{
		Use:           "faceparse",
		Short:         "Export BiSeNet face-parsing checkpoints to deployable formats",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger := ctxlog.New(g.logLevel, g.logFormat, cmd.ErrOrStderr())
			ctx := ctxlog.WithLogger(cmd.Context(), logger)
			if !g.noProgress {
				ctx = export.WithReporter(ctx, newBarReporter(cmd.ErrOrStderr()))
			}
			cmd.SetContext(ctx)
			return nil
		},
	}
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	pf := root.PersistentFlags()
	pf.StringVar(&g.logLevel, "log-level", g.logLevel, "Log level: debug, info, warn, error")
	pf.StringVar(&g.logFormat, "log-format", g.logFormat, "Log format: text or json")
	pf.IntVar(&g.classes, "classes", g.classes, "Number of segmentation classes")
	pf.IntVar(&g.inputSize, "input-size", g.inputSize, "Square input resolution")
	pf.StringVar(&g.pooling, "pooling", g.pooling, "Global pooling operator: mean or adaptive")
	pf.BoolVar(&g.noProgress, "no-progress", false, "Disable the progress bar")

	root.AddCommand(
		newInitCmd(g),
		newExportONNXCmd(g),
		newONNXToSavedModelCmd(),
		newSavedModelToMobileCmd(),
		newQuantizeCmd(g),
		newDeployCmd(g),
		newQuantizedMobileCmd(g),
		newVerifyCmd(g),
		newInspectCmd(),
		newRunCmd(g),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "faceparse %s (exporter %s)\n", Version, export.Version)
		},
	}
}
