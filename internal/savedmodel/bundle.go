// Package savedmodel stores a computation graph as a server bundle: a
// directory holding a YAML manifest, a JSON node list using server operator
// names and a SafeTensors variables file.
package savedmodel

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/born-ml/faceparse/internal/graph"
	"github.com/born-ml/faceparse/internal/onnx"
	"github.com/born-ml/faceparse/internal/serialization"
	"github.com/born-ml/faceparse/internal/tensor"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Bundle layout.
const (
	ManifestFile  = "saved_model.yaml"
	GraphFile     = "graph.json"
	VariablesDir  = "variables"
	VariablesFile = "variables.safetensors"

	FormatVersion    = 1
	TagServe         = "serve"
	DefaultSignature = "serving_default"
	DataFormatNCHW   = "NCHW"
	CreatedBy        = "faceparse"
)

var (
	// ErrUnsupportedOp is returned for operators without a server mapping.
	ErrUnsupportedOp = errors.New("operator has no server mapping")
	// ErrInvalidBundle is returned by Validate and Load.
	ErrInvalidBundle = errors.New("invalid saved model bundle")
)

// TensorSpec describes one signature input or output.
type TensorSpec struct {
	Name  string   `yaml:"name"`
	DType string   `yaml:"dtype"`
	Dims  []string `yaml:"dims"`
}

// Signature is the serving entry point.
type Signature struct {
	Name    string       `yaml:"name"`
	Inputs  []TensorSpec `yaml:"inputs"`
	Outputs []TensorSpec `yaml:"outputs"`
}

// Manifest is saved_model.yaml.
type Manifest struct {
	FormatVersion int               `yaml:"format_version"`
	ID            string            `yaml:"id"`
	Tags          []string          `yaml:"tags"`
	Signature     Signature         `yaml:"signature"`
	Source        string            `yaml:"source,omitempty"`
	CreatedBy     string            `yaml:"created_by"`
	Metadata      map[string]string `yaml:"metadata,omitempty"`
}

// NodeDef is one node in graph.json.
type NodeDef struct {
	Name    string      `json:"name"`
	Op      string      `json:"op"`
	Inputs  []string    `json:"inputs"`
	Outputs []string    `json:"outputs"`
	Attrs   graph.Attrs `json:"attrs,omitempty"`
}

// GraphDef is graph.json.
type GraphDef struct {
	Name       string    `json:"name"`
	DataFormat string    `json:"data_format"`
	Nodes      []NodeDef `json:"nodes"`
}

// Bundle is an in-memory server bundle.
type Bundle struct {
	Manifest  Manifest
	Def       GraphDef
	Variables map[string]*tensor.RawTensor
}

// FromONNX converts an interchange model into a bundle.
func FromONNX(m *onnx.ModelProto) (*Bundle, error) {
	g, err := onnx.ToGraph(m)
	if err != nil {
		return nil, fmt.Errorf("onnx to graph: %w", err)
	}
	source := fmt.Sprintf("onnx ir %d", m.IRVersion)
	for _, op := range m.OpsetImport {
		if op.Domain == "" {
			source += fmt.Sprintf(" opset %d", op.Version)
		}
	}
	if m.ProducerName != "" {
		source += fmt.Sprintf(" (%s %s)", m.ProducerName, m.ProducerVersion)
	}
	return FromGraph(g, source)
}

// FromGraph converts a computation graph into a bundle. Weights are shared
// with g, not copied.
func FromGraph(g *graph.Graph, source string) (*Bundle, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	b := &Bundle{
		Manifest: Manifest{
			FormatVersion: FormatVersion,
			Tags:          []string{TagServe},
			Signature: Signature{
				Name:    DefaultSignature,
				Inputs:  specs(g.Inputs),
				Outputs: specs(g.Outputs),
			},
			Source:    source,
			CreatedBy: CreatedBy,
		},
		Def:       GraphDef{Name: g.Name, DataFormat: DataFormatNCHW},
		Variables: g.Initializers,
	}
	if len(g.Metadata) > 0 {
		b.Manifest.Metadata = g.Metadata
	}
	for i := range g.Nodes {
		n := &g.Nodes[i]
		op, err := ServerOp(n)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", n.Name, err)
		}
		b.Def.Nodes = append(b.Def.Nodes, NodeDef{
			Name:    n.Name,
			Op:      op,
			Inputs:  slices.Clone(n.Inputs),
			Outputs: slices.Clone(n.Outputs),
			Attrs:   n.Attrs.Clone(),
		})
	}
	id, err := contentID(b)
	if err != nil {
		return nil, err
	}
	b.Manifest.ID = id
	return b, nil
}

// idNamespace scopes bundle IDs derived by contentID.
var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/born-ml/faceparse/savedmodel"))

// contentID derives a name-based UUID from the node list, signature, source,
// metadata and variables, so the same model always gets the same ID.
func contentID(b *Bundle) (string, error) {
	h := sha256.New()
	enc := json.NewEncoder(h)
	for _, v := range []any{&b.Def, &b.Manifest.Signature, b.Manifest.Source, b.Manifest.Metadata} {
		if err := enc.Encode(v); err != nil {
			return "", fmt.Errorf("bundle id: %w", err)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(b.Variables)) {
		t := b.Variables[name]
		fmt.Fprintf(h, "%s %s %v\n", name, t.DType(), t.Shape())
		h.Write(t.Data())
	}
	return uuid.NewSHA1(idNamespace, h.Sum(nil)).String(), nil
}

// Graph rebuilds the computation graph. The node list matches the graph the
// bundle was created from.
func (b *Bundle) Graph() (*graph.Graph, error) {
	g := graph.New(b.Def.Name)
	for i := range b.Def.Nodes {
		nd := &b.Def.Nodes[i]
		op, err := GraphOp(nd.Op, nd.Attrs)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", nd.Name, err)
		}
		g.Nodes = append(g.Nodes, graph.Node{
			Name:    nd.Name,
			Op:      op,
			Inputs:  slices.Clone(nd.Inputs),
			Outputs: slices.Clone(nd.Outputs),
			Attrs:   nd.Attrs.Clone(),
		})
	}
	var err error
	if g.Inputs, err = valueInfos(b.Manifest.Signature.Inputs); err != nil {
		return nil, err
	}
	if g.Outputs, err = valueInfos(b.Manifest.Signature.Outputs); err != nil {
		return nil, err
	}
	for name, t := range b.Variables {
		g.Initializers[name] = t
	}
	for k, v := range b.Manifest.Metadata {
		g.Metadata[k] = v
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Validate checks the manifest and that the node list forms a valid graph.
func (b *Bundle) Validate() error {
	m := &b.Manifest
	if m.FormatVersion != FormatVersion {
		return fmt.Errorf("%w: format version %d, want %d", ErrInvalidBundle, m.FormatVersion, FormatVersion)
	}
	if _, err := uuid.Parse(m.ID); err != nil {
		return fmt.Errorf("%w: id %q: %v", ErrInvalidBundle, m.ID, err)
	}
	if !slices.Contains(m.Tags, TagServe) {
		return fmt.Errorf("%w: missing %q tag", ErrInvalidBundle, TagServe)
	}
	if len(m.Signature.Inputs) == 0 || len(m.Signature.Outputs) == 0 {
		return fmt.Errorf("%w: empty signature", ErrInvalidBundle)
	}
	if b.Def.DataFormat != DataFormatNCHW {
		return fmt.Errorf("%w: data format %q", ErrInvalidBundle, b.Def.DataFormat)
	}
	if _, err := b.Graph(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	return nil
}

// Save writes the bundle to dir, replacing any existing directory.
func (b *Bundle) Save(dir string) error {
	if err := b.Validate(); err != nil {
		return err
	}
	return serialization.ReplaceDir(dir, func(tmp string) error {
		manifest, err := yaml.Marshal(&b.Manifest)
		if err != nil {
			return fmt.Errorf("encode manifest: %w", err)
		}
		if err := os.WriteFile(filepath.Join(tmp, ManifestFile), manifest, 0o644); err != nil {
			return err
		}
		def, err := json.MarshalIndent(&b.Def, "", "  ")
		if err != nil {
			return fmt.Errorf("encode graph: %w", err)
		}
		if err := os.WriteFile(filepath.Join(tmp, GraphFile), append(def, '\n'), 0o644); err != nil {
			return err
		}
		if err := os.Mkdir(filepath.Join(tmp, VariablesDir), 0o755); err != nil {
			return err
		}
		return serialization.WriteSafeTensors(filepath.Join(tmp, VariablesDir, VariablesFile), b.Variables, nil)
	})
}

// Load reads and validates a bundle directory.
func Load(dir string) (*Bundle, error) {
	b := &Bundle{}

	f, err := os.Open(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&b.Manifest); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidBundle, ManifestFile, err)
	}

	data, err := os.ReadFile(filepath.Join(dir, GraphFile))
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	if err := json.Unmarshal(data, &b.Def); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidBundle, GraphFile, err)
	}

	b.Variables, _, err = serialization.ReadSafeTensors(filepath.Join(dir, VariablesDir, VariablesFile))
	if err != nil {
		return nil, fmt.Errorf("read variables: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

func specs(vs []graph.ValueInfo) []TensorSpec {
	out := make([]TensorSpec, len(vs))
	for i, v := range vs {
		dims := make([]string, len(v.Dims))
		for j, d := range v.Dims {
			dims[j] = d.String()
		}
		out[i] = TensorSpec{Name: v.Name, DType: v.DType.String(), Dims: dims}
	}
	return out
}

func valueInfos(specs []TensorSpec) ([]graph.ValueInfo, error) {
	out := make([]graph.ValueInfo, len(specs))
	for i, s := range specs {
		dt, err := tensor.ParseDataType(s.DType)
		if err != nil {
			return nil, fmt.Errorf("signature %s: %w", s.Name, err)
		}
		dims := make([]graph.Dim, len(s.Dims))
		for j, d := range s.Dims {
			if n, err := strconv.Atoi(d); err == nil {
				dims[j] = graph.Fixed(n)
			} else {
				dims[j] = graph.Symbolic(d)
			}
		}
		out[i] = graph.ValueInfo{Name: s.Name, DType: dt, Dims: dims}
	}
	return out, nil
}
