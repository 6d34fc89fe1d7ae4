package onnx

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned when the input is not a valid ONNX protobuf.
var ErrMalformed = errors.New("malformed onnx protobuf")

// fieldFunc handles one field of a message. It returns the number of bytes
// consumed from b, or -1 to let the caller skip an unknown field.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

// walk iterates the fields of an encoded message.
func walk(msg string, b []byte, f fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %s: %v", ErrMalformed, msg, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := f(num, typ, b)
		if err != nil {
			return fmt.Errorf("%s field %d: %w", msg, num, err)
		}
		if m < 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("%w: %s field %d: %v", ErrMalformed, msg, num, protowire.ParseError(m))
			}
		}
		b = b[m:]
	}
	return nil
}

func wireErr(n int) error {
	return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("%w: wire type %d, want bytes", ErrMalformed, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, wireErr(n)
	}
	return v, n, nil
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	v, n, err := consumeBytes(typ, b)
	if err != nil {
		return 0, err
	}
	*dst = string(v)
	return n, nil
}

func consumeInt(typ protowire.Type, b []byte, dst *int64) (int, error) {
	if typ != protowire.VarintType {
		return 0, fmt.Errorf("%w: wire type %d, want varint", ErrMalformed, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, wireErr(n)
	}
	*dst = int64(v)
	return n, nil
}

func consumeInt32(typ protowire.Type, b []byte, dst *int32) (int, error) {
	var v int64
	n, err := consumeInt(typ, b, &v)
	*dst = int32(v)
	return n, err
}

func consumeFloat(typ protowire.Type, b []byte, dst *float32) (int, error) {
	if typ != protowire.Fixed32Type {
		return 0, fmt.Errorf("%w: wire type %d, want fixed32", ErrMalformed, typ)
	}
	v, n := protowire.ConsumeFixed32(b)
	if n < 0 {
		return 0, wireErr(n)
	}
	*dst = math.Float32frombits(v)
	return n, nil
}

// consumeInts reads a repeated int64 in either packed or unpacked form.
func consumeInts(typ protowire.Type, b []byte, dst *[]int64) (int, error) {
	if typ == protowire.VarintType {
		var v int64
		n, err := consumeInt(typ, b, &v)
		*dst = append(*dst, v)
		return n, err
	}
	packed, n, err := consumeBytes(typ, b)
	if err != nil {
		return 0, err
	}
	for len(packed) > 0 {
		v, m := protowire.ConsumeVarint(packed)
		if m < 0 {
			return 0, wireErr(m)
		}
		*dst = append(*dst, int64(v))
		packed = packed[m:]
	}
	return n, nil
}

// consumeFloats reads a repeated float in either packed or unpacked form.
func consumeFloats(typ protowire.Type, b []byte, dst *[]float32) (int, error) {
	if typ == protowire.Fixed32Type {
		var v float32
		n, err := consumeFloat(typ, b, &v)
		*dst = append(*dst, v)
		return n, err
	}
	packed, n, err := consumeBytes(typ, b)
	if err != nil {
		return 0, err
	}
	if len(packed)%4 != 0 {
		return 0, fmt.Errorf("%w: packed floats length %d", ErrMalformed, len(packed))
	}
	for len(packed) > 0 {
		v, m := protowire.ConsumeFixed32(packed)
		if m < 0 {
			return 0, wireErr(m)
		}
		*dst = append(*dst, math.Float32frombits(v))
		packed = packed[m:]
	}
	return n, nil
}

// Unmarshal decodes an ONNX ModelProto.
func Unmarshal(data []byte) (*ModelProto, error) {
	model := &ModelProto{}
	err := walk("model", data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeInt(typ, b, &model.IRVersion)
		case 2:
			return consumeString(typ, b, &model.ProducerName)
		case 3:
			return consumeString(typ, b, &model.ProducerVersion)
		case 6:
			return consumeString(typ, b, &model.DocString)
		case 7:
			msg, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			model.Graph, err = readGraph(msg)
			return n, err
		case 8:
			msg, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			opset, err := readOpset(msg)
			model.OpsetImport = append(model.OpsetImport, opset)
			return n, err
		case 14:
			msg, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			entry, err := readEntry(msg)
			model.MetadataProps = append(model.MetadataProps, entry)
			return n, err
		}
		return -1, nil
	})
	if err != nil {
		return nil, err
	}
	return model, nil
}

func readGraph(data []byte) (*GraphProto, error) {
	g := &GraphProto{}
	err := walk("graph", data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			msg, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			node, err := readNode(msg)
			g.Nodes = append(g.Nodes, node)
			return n, err
		case 2:
			return consumeString(typ, b, &g.Name)
		case 5:
			msg, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			t, err := readTensor(msg)
			g.Initializers = append(g.Initializers, t)
			return n, err
		case 11, 12, 13:
			msg, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			vi, err := readValueInfo(msg)
			switch num {
			case 11:
				g.Inputs = append(g.Inputs, vi)
			case 12:
				g.Outputs = append(g.Outputs, vi)
			default:
				g.ValueInfo = append(g.ValueInfo, vi)
			}
			return n, err
		}
		return -1, nil
	})
	return g, err
}

func readNode(data []byte) (NodeProto, error) {
	var node NodeProto
	err := walk("node", data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1, 2:
			var s string
			n, err := consumeString(typ, b, &s)
			if num == 1 {
				node.Inputs = append(node.Inputs, s)
			} else {
				node.Outputs = append(node.Outputs, s)
			}
			return n, err
		case 3:
			return consumeString(typ, b, &node.Name)
		case 4:
			return consumeString(typ, b, &node.OpType)
		case 5:
			msg, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			attr, err := readAttribute(msg)
			node.Attributes = append(node.Attributes, attr)
			return n, err
		case 7:
			return consumeString(typ, b, &node.Domain)
		}
		return -1, nil
	})
	return node, err
}

func readAttribute(data []byte) (AttributeProto, error) {
	var attr AttributeProto
	err := walk("attribute", data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &attr.Name)
		case 2:
			return consumeFloat(typ, b, &attr.F)
		case 3:
			return consumeInt(typ, b, &attr.I)
		case 4:
			v, n, err := consumeBytes(typ, b)
			attr.S = append([]byte(nil), v...)
			return n, err
		case 7:
			return consumeFloats(typ, b, &attr.Floats)
		case 8:
			return consumeInts(typ, b, &attr.Ints)
		case 20:
			return consumeInt32(typ, b, &attr.Type)
		}
		return -1, nil
	})
	return attr, err
}

func readTensor(data []byte) (TensorProto, error) {
	var t TensorProto
	err := walk("tensor", data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeInts(typ, b, &t.Dims)
		case 2:
			return consumeInt32(typ, b, &t.DataType)
		case 4:
			return consumeFloats(typ, b, &t.FloatData)
		case 5:
			var vs []int64
			n, err := consumeInts(typ, b, &vs)
			for _, v := range vs {
				t.Int32Data = append(t.Int32Data, int32(v))
			}
			return n, err
		case 7:
			return consumeInts(typ, b, &t.Int64Data)
		case 8:
			return consumeString(typ, b, &t.Name)
		case 9:
			v, n, err := consumeBytes(typ, b)
			t.RawData = append([]byte(nil), v...)
			return n, err
		}
		return -1, nil
	})
	return t, err
}

func readValueInfo(data []byte) (ValueInfoProto, error) {
	var vi ValueInfoProto
	err := walk("value_info", data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &vi.Name)
		case 2:
			msg, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			vi.Type, err = readType(msg)
			return n, err
		}
		return -1, nil
	})
	return vi, err
}

func readType(data []byte) (*TypeProto, error) {
	tp := &TypeProto{}
	err := walk("type", data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return -1, nil
		}
		msg, n, err := consumeBytes(typ, b)
		if err != nil {
			return 0, err
		}
		tt := &TensorTypeProto{}
		tp.TensorType = tt
		return n, walk("tensor_type", msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				return consumeInt32(typ, b, &tt.ElemType)
			case 2:
				msg, n, err := consumeBytes(typ, b)
				if err != nil {
					return 0, err
				}
				tt.Shape, err = readShape(msg)
				return n, err
			}
			return -1, nil
		})
	})
	return tp, err
}

func readShape(data []byte) (*TensorShapeProto, error) {
	shape := &TensorShapeProto{}
	err := walk("shape", data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return -1, nil
		}
		msg, n, err := consumeBytes(typ, b)
		if err != nil {
			return 0, err
		}
		var dim DimensionProto
		err = walk("dim", msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				return consumeInt(typ, b, &dim.DimValue)
			case 2:
				return consumeString(typ, b, &dim.DimParam)
			}
			return -1, nil
		})
		shape.Dims = append(shape.Dims, dim)
		return n, err
	})
	return shape, err
}

func readOpset(data []byte) (OperatorSetID, error) {
	var op OperatorSetID
	err := walk("opset_import", data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &op.Domain)
		case 2:
			return consumeInt(typ, b, &op.Version)
		}
		return -1, nil
	})
	return op, err
}

func readEntry(data []byte) (StringStringEntry, error) {
	var e StringStringEntry
	err := walk("metadata_props", data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &e.Key)
		case 2:
			return consumeString(typ, b, &e.Value)
		}
		return -1, nil
	})
	return e, err
}
