// Package mobile implements the flat single-file format used on device and
// the converter that produces it from a server bundle.
//
// File layout:
//
//	0x00  "FPMB" magic
//	0x04  uint32 format version
//	0x08  uint32 flags
//	0x0C  reserved
//	0x10  uint64 header size
//	0x18  uint64 data size
//	0x20  SHA-256 of header JSON followed by tensor data
//	0x40  header JSON, zero padded to a 64 byte boundary
//	      tensor data, every tensor starting on a 64 byte boundary
package mobile

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/born-ml/faceparse/internal/graph"
	"github.com/born-ml/faceparse/internal/serialization"
	"github.com/born-ml/faceparse/internal/tensor"
)

// Format constants.
const (
	MagicBytes      = "FPMB"
	FormatVersion   = 1
	FixedHeaderSize = 64
	Alignment       = 64
	checksumOffset  = 0x20
)

// Flags.
const (
	FlagQuantized   uint32 = 1 << 0 // float32 weights stored as float16
	FlagSelectOps   uint32 = 1 << 1 // contains Flex custom ops
	FlagHasMetadata uint32 = 1 << 2
)

var (
	// ErrBadMagic is returned for files that are not mobile models.
	ErrBadMagic = errors.New("not a mobile model file")
	// ErrUnsupportedVersion is returned for unknown format versions.
	ErrUnsupportedVersion = errors.New("unsupported mobile format version")
)

// OpCode is one entry of the operator code table.
type OpCode struct {
	Name    string `json:"name"`
	Builtin bool   `json:"builtin"`
}

// Operator is one node, referring to the code table by index.
type Operator struct {
	Name        string      `json:"name"`
	OpcodeIndex int         `json:"opcode_index"`
	Inputs      []string    `json:"inputs"`
	Outputs     []string    `json:"outputs"`
	Attrs       graph.Attrs `json:"attrs,omitempty"`
}

// IOSpec is a signature input or output.
type IOSpec struct {
	Name  string   `json:"name"`
	DType string   `json:"dtype"`
	Dims  []string `json:"dims"`
}

// Header is the JSON header.
type Header struct {
	FormatVersion int                        `json:"format_version"`
	Name          string                     `json:"name"`
	OpCodes       []OpCode                   `json:"operator_codes"`
	Operators     []Operator                 `json:"operators"`
	Tensors       []serialization.TensorMeta `json:"tensors"`
	Inputs        []IOSpec                   `json:"inputs"`
	Outputs       []IOSpec                   `json:"outputs"`
	Metadata      map[string]string          `json:"metadata,omitempty"`
}

// Model is a decoded mobile file.
type Model struct {
	Header  Header
	Flags   uint32
	Tensors map[string]*tensor.RawTensor
}

// Quantized reports whether weights were narrowed to float16.
func (m *Model) Quantized() bool { return m.Flags&FlagQuantized != 0 }

// UsesSelectOps reports whether the model needs the select operator set.
func (m *Model) UsesSelectOps() bool { return m.Flags&FlagSelectOps != 0 }

// Encode writes the model in the mobile file format. Tensors are laid out in
// name order so output is deterministic.
func (m *Model) Encode(w io.Writer) error {
	h := m.Header
	h.FormatVersion = FormatVersion
	h.Tensors = nil

	names := slices.Sorted(maps.Keys(m.Tensors))
	var offset int64
	for _, name := range names {
		if err := serialization.ValidateTensorName(name); err != nil {
			return err
		}
		t := m.Tensors[name]
		size := int64(t.ByteSize())
		h.Tensors = append(h.Tensors, serialization.TensorMeta{
			Name:   name,
			DType:  t.DType().String(),
			Shape:  []int(t.Shape()),
			Offset: offset,
			Size:   size,
		})
		offset = align(offset + size)
	}
	dataSize := offset

	headerJSON, err := json.Marshal(&h)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	headerPad := align(FixedHeaderSize+int64(len(headerJSON))) - FixedHeaderSize - int64(len(headerJSON))

	data := make([]byte, dataSize)
	for i, name := range names {
		copy(data[h.Tensors[i].Offset:], m.Tensors[name].Data())
	}
	checksum := serialization.DigestOf(headerJSON, data)

	flags := m.Flags
	if len(h.Metadata) > 0 {
		flags |= FlagHasMetadata
	}
	fixed := make([]byte, FixedHeaderSize)
	copy(fixed[0:4], MagicBytes)
	binary.LittleEndian.PutUint32(fixed[4:8], FormatVersion)
	binary.LittleEndian.PutUint32(fixed[8:12], flags)
	binary.LittleEndian.PutUint64(fixed[16:24], uint64(len(headerJSON)))
	binary.LittleEndian.PutUint64(fixed[24:32], uint64(dataSize))
	copy(fixed[checksumOffset:], checksum[:])

	for _, chunk := range [][]byte{fixed, headerJSON, make([]byte, headerPad), data} {
		if _, err := w.Write(chunk); err != nil {
			return fmt.Errorf("failed to write model: %w", err)
		}
	}
	return nil
}

// Write saves the model to path, replacing any existing file atomically.
func (m *Model) Write(path string) error {
	return serialization.WriteFileAtomic(path, m.Encode)
}

// Load reads a mobile file and verifies its checksum.
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mobile model: %w", err)
	}
	m, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Decode parses a mobile file held in memory.
func Decode(data []byte) (*Model, error) {
	if len(data) < FixedHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", serialization.ErrTruncated, len(data))
	}
	if string(data[0:4]) != MagicBytes {
		return nil, fmt.Errorf("%w: magic %q", ErrBadMagic, data[0:4])
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	flags := binary.LittleEndian.Uint32(data[8:12])
	headerSize := binary.LittleEndian.Uint64(data[16:24])
	dataSize := binary.LittleEndian.Uint64(data[24:32])
	var stored serialization.Digest
	copy(stored[:], data[checksumOffset:])

	if headerSize > serialization.MaxHeaderSize {
		return nil, serialization.ErrHeaderTooLarge
	}
	headerEnd := FixedHeaderSize + int64(headerSize)
	dataStart := align(headerEnd)
	if dataSize > uint64(len(data)) || uint64(len(data))-dataSize < uint64(dataStart) {
		return nil, fmt.Errorf("%w: header %d and data %d bytes, have %d", serialization.ErrTruncated, headerSize, dataSize, len(data))
	}
	headerJSON := data[FixedHeaderSize:headerEnd]
	payload := data[dataStart : dataStart+int64(dataSize)]

	if err := serialization.DigestOf(headerJSON, payload).Verify(stored); err != nil {
		return nil, err
	}

	m := &Model{Flags: flags, Tensors: make(map[string]*tensor.RawTensor)}
	if err := json.Unmarshal(headerJSON, &m.Header); err != nil {
		return nil, fmt.Errorf("failed to parse header JSON: %w", err)
	}
	if err := serialization.ValidateTensorOffsets(m.Header.Tensors, int64(dataSize)); err != nil {
		return nil, err
	}
	for _, meta := range m.Header.Tensors {
		if err := serialization.ValidateTensorName(meta.Name); err != nil {
			return nil, err
		}
		dt, err := tensor.ParseDataType(meta.DType)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", meta.Name, serialization.ErrUnknownDType)
		}
		t, err := tensor.FromBytes(tensor.Shape(meta.Shape), dt, payload[meta.Offset:meta.Offset+meta.Size])
		if err != nil {
			return nil, &serialization.ValidationError{Type: "size_mismatch", Tensor: meta.Name, Details: err.Error(), Err: serialization.ErrSizeMismatch}
		}
		m.Tensors[meta.Name] = t
	}
	return m, nil
}

func align(n int64) int64 {
	return (n + Alignment - 1) / Alignment * Alignment
}
