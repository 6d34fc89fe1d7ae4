package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/born-ml/faceparse/internal/checkpoint"
	"github.com/born-ml/faceparse/internal/export"
	"github.com/born-ml/faceparse/internal/mobile"
	"github.com/born-ml/faceparse/internal/onnx"
	"github.com/born-ml/faceparse/internal/savedmodel"
	"github.com/spf13/cobra"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect PATH",
		Short: "Print a summary of a checkpoint, ONNX model, bundle, or mobile file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := export.DetectKind(args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			switch kind {
			case export.KindCheckpoint:
				return inspectCheckpoint(w, args[0])
			case export.KindONNX:
				return inspectONNX(w, args[0])
			case export.KindSavedModel:
				return inspectBundle(w, args[0])
			default:
				return inspectMobile(w, args[0])
			}
		},
	}
}

func inspectCheckpoint(w io.Writer, path string) error {
	s, err := checkpoint.Read(path)
	if err != nil {
		return err
	}
	dtypes := map[string]int{}
	var elems int
	for _, t := range s.Tensors {
		dtypes[t.DType().String()]++
		elems += t.NumElements()
	}
	fmt.Fprintf(w, "checkpoint %s\n", path)
	fmt.Fprintf(w, "  tensors:    %d (%d elements)\n", len(s.Tensors), elems)
	fmt.Fprintf(w, "  dtypes:     %s\n", histogram(dtypes))
	printMetadata(w, s.Metadata)
	return nil
}

func inspectONNX(w io.Writer, path string) error {
	m, err := onnx.ReadFile(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "onnx %s\n", path)
	fmt.Fprintf(w, "  ir:         %d\n", m.IRVersion)
	fmt.Fprintf(w, "  producer:   %s %s\n", m.ProducerName, m.ProducerVersion)
	for _, o := range m.OpsetImport {
		fmt.Fprintf(w, "  opset:      %d\n", o.Version)
	}
	if m.Graph == nil {
		return nil
	}
	ops := map[string]int{}
	for _, n := range m.Graph.Nodes {
		ops[n.OpType]++
	}
	fmt.Fprintf(w, "  nodes:      %d\n", len(m.Graph.Nodes))
	fmt.Fprintf(w, "  ops:        %s\n", histogram(ops))
	fmt.Fprintf(w, "  weights:    %d\n", len(m.Graph.Initializers))
	for _, vi := range m.Graph.Inputs {
		fmt.Fprintf(w, "  input:      %s\n", valueInfoString(vi))
	}
	for _, vi := range m.Graph.Outputs {
		fmt.Fprintf(w, "  output:     %s\n", valueInfoString(vi))
	}
	meta := make(map[string]string, len(m.MetadataProps))
	for _, e := range m.MetadataProps {
		meta[e.Key] = e.Value
	}
	printMetadata(w, meta)
	return nil
}

func inspectBundle(w io.Writer, dir string) error {
	b, err := savedmodel.Load(dir)
	if err != nil {
		return err
	}
	ops := map[string]int{}
	for _, n := range b.Def.Nodes {
		ops[n.Op]++
	}
	fmt.Fprintf(w, "savedmodel %s\n", dir)
	fmt.Fprintf(w, "  id:         %s\n", b.Manifest.ID)
	fmt.Fprintf(w, "  tags:       %s\n", strings.Join(b.Manifest.Tags, ", "))
	fmt.Fprintf(w, "  source:     %s\n", b.Manifest.Source)
	fmt.Fprintf(w, "  signature:  %s\n", b.Manifest.Signature.Name)
	for _, in := range b.Manifest.Signature.Inputs {
		fmt.Fprintf(w, "  input:      %s %s [%s]\n", in.Name, in.DType, strings.Join(in.Dims, ", "))
	}
	for _, out := range b.Manifest.Signature.Outputs {
		fmt.Fprintf(w, "  output:     %s %s [%s]\n", out.Name, out.DType, strings.Join(out.Dims, ", "))
	}
	fmt.Fprintf(w, "  nodes:      %d\n", len(b.Def.Nodes))
	fmt.Fprintf(w, "  ops:        %s\n", histogram(ops))
	fmt.Fprintf(w, "  variables:  %d\n", len(b.Variables))
	printMetadata(w, b.Manifest.Metadata)
	return nil
}

func inspectMobile(w io.Writer, path string) error {
	m, err := mobile.Load(path)
	if err != nil {
		return err
	}
	codes := make([]string, len(m.Header.OpCodes))
	for i, c := range m.Header.OpCodes {
		codes[i] = c.Name
	}
	fmt.Fprintf(w, "mobile %s\n", path)
	fmt.Fprintf(w, "  version:    %d\n", m.Header.FormatVersion)
	fmt.Fprintf(w, "  quantized:  %t\n", m.Quantized())
	fmt.Fprintf(w, "  select ops: %t\n", m.UsesSelectOps())
	fmt.Fprintf(w, "  opcodes:    %s\n", strings.Join(codes, ", "))
	fmt.Fprintf(w, "  operators:  %d\n", len(m.Header.Operators))
	fmt.Fprintf(w, "  tensors:    %d\n", len(m.Tensors))
	for _, in := range m.Header.Inputs {
		fmt.Fprintf(w, "  input:      %s %s [%s]\n", in.Name, in.DType, strings.Join(in.Dims, ", "))
	}
	for _, out := range m.Header.Outputs {
		fmt.Fprintf(w, "  output:     %s %s [%s]\n", out.Name, out.DType, strings.Join(out.Dims, ", "))
	}
	printMetadata(w, m.Header.Metadata)
	return nil
}

func valueInfoString(vi onnx.ValueInfoProto) string {
	if vi.Type == nil || vi.Type.TensorType == nil {
		return vi.Name
	}
	tt := vi.Type.TensorType
	dtype := strconv.Itoa(int(tt.ElemType))
	if dt, err := onnx.DataType(tt.ElemType); err == nil {
		dtype = dt.String()
	}
	var dims []string
	if tt.Shape != nil {
		for _, d := range tt.Shape.Dims {
			if d.DimParam != "" {
				dims = append(dims, d.DimParam)
			} else {
				dims = append(dims, strconv.FormatInt(d.DimValue, 10))
			}
		}
	}
	return fmt.Sprintf("%s %s [%s]", vi.Name, dtype, strings.Join(dims, ", "))
}

func histogram(counts map[string]int) string {
	parts := make([]string, 0, len(counts))
	for _, k := range slices.Sorted(maps.Keys(counts)) {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, " ")
}

func printMetadata(w io.Writer, meta map[string]string) {
	for _, k := range slices.Sorted(maps.Keys(meta)) {
		fmt.Fprintf(w, "  meta:       %s=%s\n", k, meta[k])
	}
}
