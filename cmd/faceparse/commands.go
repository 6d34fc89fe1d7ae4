package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/born-ml/faceparse/internal/accel"
	"github.com/born-ml/faceparse/internal/bisenet"
	"github.com/born-ml/faceparse/internal/checkpoint"
	"github.com/born-ml/faceparse/internal/export"
	"github.com/spf13/cobra"
)

func printResult(w io.Writer, res *export.Result) {
	fmt.Fprintf(w, "wrote %s (%s) in %s\n", res.Output, export.FormatSize(res.Size), res.Duration.Round(time.Millisecond))
	for _, n := range res.Notes {
		fmt.Fprintf(w, "  %s\n", n)
	}
}

func newInitCmd(g *globals) *cobra.Command {
	var (
		output string
		seed   int64
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a randomly initialized checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.modelConfig()
			if err != nil {
				return err
			}
			m, err := bisenet.New(cfg, seed)
			if err != nil {
				return err
			}
			if err := checkpoint.Save(output, m, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d classes, %d parameters)\n", output, cfg.NumClasses, len(m.Parameters()))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "79999_iter.safetensors", "Checkpoint path")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Initialization seed")
	return cmd
}

func newExportONNXCmd(g *globals) *cobra.Command {
	var opts export.ONNXOptions
	cmd := &cobra.Command{
		Use:   "export-onnx",
		Short: "Export a float32 checkpoint to a static-shape ONNX model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.modelConfig()
			if err != nil {
				return err
			}
			opts.Config = cfg
			res, err := export.CheckpointToONNX(cmd.Context(), opts)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.Checkpoint, "checkpoint", "i", "79999_iter.safetensors", "Checkpoint path")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "output/79999_iter.onnx", "ONNX output path")
	cmd.Flags().Int64Var(&opts.Opset, "opset", export.StaticOpset, "ONNX opset version")
	return cmd
}

func newONNXToSavedModelCmd() *cobra.Command {
	var in, out string
	cmd := &cobra.Command{
		Use:   "onnx-to-savedmodel",
		Short: "Convert an ONNX model to a server bundle directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := export.ONNXToSavedModel(cmd.Context(), in, out)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringVarP(&in, "input", "i", "output/79999_iter.onnx", "ONNX model")
	cmd.Flags().StringVarP(&out, "output", "o", "output/79999_iter.pb", "Bundle directory")
	return cmd
}

func newSavedModelToMobileCmd() *cobra.Command {
	var in, out string
	cmd := &cobra.Command{
		Use:   "savedmodel-to-mobile",
		Short: "Convert a server bundle to a mobile model file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := export.SavedModelToMobile(cmd.Context(), in, out, nil)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringVarP(&in, "input", "i", "output/79999_iter.pb", "Bundle directory")
	cmd.Flags().StringVarP(&out, "output", "o", "output/79999_iter.fpmb", "Mobile model path")
	return cmd
}

func newQuantizeCmd(g *globals) *cobra.Command {
	var opts export.QuantizeOptions
	cmd := &cobra.Command{
		Use:   "quantize",
		Short: "Reduce a checkpoint to half precision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.modelConfig()
			if err != nil {
				return err
			}
			opts.Config = cfg
			res, err := export.QuantizeCheckpoint(cmd.Context(), opts)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.Input, "input", "i", "79999_iter.safetensors", "Float32 checkpoint")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "output/79999_iter_fp16.safetensors", "Half-precision checkpoint")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 0, "Seed of the test inference input")
	return cmd
}

func newDeployCmd(g *globals) *cobra.Command {
	var opts export.DeployOptions
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Export a half-precision checkpoint to a float16 ONNX model with dynamic batch",
		Long: "Export a half-precision checkpoint to a float16 ONNX model with a dynamic batch\n" +
			"dimension and optionally a quantized mobile file. Requires a GPU accelerator.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.modelConfig()
			if err != nil {
				return err
			}
			opts.Config = cfg
			opts.Detector = g.detector
			res, err := export.DeployHalf(cmd.Context(), opts)
			if errors.Is(err, accel.ErrNoAccelerator) {
				return fmt.Errorf("deploy needs a GPU accelerator and none was found: %w", err)
			}
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.Checkpoint, "checkpoint", "i", "output/79999_iter_fp16.safetensors", "Half-precision checkpoint")
	cmd.Flags().StringVar(&opts.ONNX, "onnx", "output/79999_iter_fp16.onnx", "ONNX output path")
	cmd.Flags().StringVar(&opts.Mobile, "mobile", "", "Optional quantized mobile output path")
	return cmd
}

func newQuantizedMobileCmd(g *globals) *cobra.Command {
	var opts export.QuantizedMobileOptions
	cmd := &cobra.Command{
		Use:   "quantized-mobile",
		Short: "Convert a checkpoint to a float16 mobile model in one pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.modelConfig()
			if err != nil {
				return err
			}
			opts.Config = cfg
			res, err := export.CheckpointToQuantizedMobile(cmd.Context(), opts)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.Checkpoint, "checkpoint", "i", "79999_iter.safetensors", "Float32 checkpoint")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "output/79999_iter_fp16.fpmb", "Mobile model path")
	cmd.Flags().BoolVar(&opts.KeepScratch, "keep-scratch", false, "Keep the intermediate ONNX model and bundle")
	return cmd
}

func newVerifyCmd(g *globals) *cobra.Command {
	var opts export.VerifyOptions
	var kind string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Compare an exported artefact against the reference checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.modelConfig()
			if err != nil {
				return err
			}
			opts.Config = cfg
			opts.Kind = export.Kind(kind)
			res, err := export.Verify(cmd.Context(), opts)
			if res != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: max abs diff %.3g (tolerance %.3g, half input %t)\n",
					res.Kind, res.MaxAbsDiff, res.Tolerance, res.HalfInput)
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&opts.Checkpoint, "checkpoint", "i", "79999_iter.safetensors", "Float32 reference checkpoint")
	cmd.Flags().StringVarP(&opts.Artifact, "artifact", "a", "", "Artefact to check")
	cmd.Flags().StringVar(&kind, "kind", "", "Artefact kind: checkpoint, onnx, savedmodel, mobile (detected when empty)")
	cmd.Flags().Float64Var(&opts.Tolerance, "tolerance", export.DefaultTolerance, "Maximum accepted abs diff")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 0, "Input seed")
	_ = cmd.MarkFlagRequired("artifact")
	return cmd
}
