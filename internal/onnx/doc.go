// Package onnx reads, writes and checks ONNX model files.
//
// The protobuf messages are hand-written Go structs (proto.go) encoded and
// decoded with google.golang.org/protobuf/encoding/protowire, so no generated
// code is needed. Only the subset of onnx.proto used by feed-forward
// convolutional graphs is modelled; unknown fields are skipped on read.
//
// FromGraph and ToGraph convert between ModelProto and graph.Graph.
// CheckModel is a structural validator in the spirit of onnx.checker.
//
// Example usage:
//
//	model, err := onnx.ReadFile("bisenet.onnx")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := onnx.CheckModel(model); err != nil {
//	    log.Fatal(err)
//	}
//	g, err := onnx.ToGraph(model)
package onnx
