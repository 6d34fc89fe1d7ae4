package onnx

// The subset of onnx.proto the exporter produces and reads back. Field
// numbers live in decode.go and encode.go; any other field is skipped on
// read.

// ModelProto is the top-level message of a .onnx file.
type ModelProto struct {
	IRVersion       int64
	OpsetImport     []OperatorSetID
	ProducerName    string
	ProducerVersion string
	DocString       string
	Graph           *GraphProto
	MetadataProps   []StringStringEntry
}

// GraphProto holds nodes in topological order. ValueInfo carries the
// shapes of intermediate values when the graph records them.
type GraphProto struct {
	Name         string
	Nodes        []NodeProto
	Inputs       []ValueInfoProto
	Outputs      []ValueInfoProto
	Initializers []TensorProto
	ValueInfo    []ValueInfoProto
}

// NodeProto is one operator application. An empty Domain means ai.onnx.
type NodeProto struct {
	Name       string
	OpType     string
	Inputs     []string
	Outputs    []string
	Attributes []AttributeProto
	Domain     string
}

// TensorProto is an initializer. RawData is what the exporter writes; the
// typed slices are accepted on read. Float16 values arrive in Int32Data,
// one value per element.
type TensorProto struct {
	Name      string
	DataType  int32
	Dims      []int64
	RawData   []byte
	FloatData []float32
	Int32Data []int32
	Int64Data []int64
}

type ValueInfoProto struct {
	Name string
	Type *TypeProto
}

// TypeProto only models tensor types.
type TypeProto struct {
	TensorType *TensorTypeProto
}

type TensorTypeProto struct {
	ElemType int32
	Shape    *TensorShapeProto
}

type TensorShapeProto struct {
	Dims []DimensionProto
}

// DimensionProto is either a fixed size or a named symbolic size such as
// the batch dimension.
type DimensionProto struct {
	DimValue int64
	DimParam string
}

// AttributeProto holds one of the scalar or list values selected by Type.
type AttributeProto struct {
	Name   string
	Type   int32
	F      float32
	I      int64
	S      []byte
	Floats []float32
	Ints   []int64
}

type OperatorSetID struct {
	Domain  string
	Version int64
}

type StringStringEntry struct {
	Key   string
	Value string
}

// Element types the exporter maps to and from tensor.DType.
const (
	TensorProtoFloat   = 1
	TensorProtoUint8   = 2
	TensorProtoInt32   = 6
	TensorProtoInt64   = 7
	TensorProtoFloat16 = 10
	TensorProtoDouble  = 11
)

// Attribute kinds used by the operator set in convert.go.
const (
	AttributeProtoFloat  = 1
	AttributeProtoInt    = 2
	AttributeProtoString = 3
	AttributeProtoFloats = 6
	AttributeProtoInts   = 7
)
