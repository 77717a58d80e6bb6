package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/tonecapture/internal/capture"
	tcerrors "github.com/Aman-CERP/tonecapture/internal/errors"
)

// SidecarSuffix is appended to a capture file name to find its metadata,
// so impulse.wav is described by impulse.wav.yaml.
const SidecarSuffix = ".yaml"

// Sidecar is the optional metadata file next to a capture:
//
//	kind: ImpulseResponse
//	attributes:
//	  microphone: [SM57, R121]
//	  sample_rate: 48000
//	chain:
//	  - role: Main Mic
//	    order: 1
//	    device: {type: microphone, manufacturer: Shure, name: SM57}
//	notes: edge of the cone
//	embedding: [0.12, -0.4, ...]
type Sidecar struct {
	Kind       string                `yaml:"kind"`
	Attributes map[string]scalarList `yaml:"attributes"`
	Chain      []capture.Link        `yaml:"chain"`
	Notes      string                `yaml:"notes"`
	Embedding  []float32             `yaml:"embedding"`
}

// scalarList accepts a scalar or a sequence of scalars and keeps the raw
// text so the schema decides the type.
type scalarList []string

func (l *scalarList) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		*l = scalarList{n.Value}
		return nil
	case yaml.SequenceNode:
		out := make(scalarList, 0, len(n.Content))
		for _, c := range n.Content {
			if c.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: attribute values must be scalars", c.Line)
			}
			out = append(out, c.Value)
		}
		*l = out
		return nil
	}
	return fmt.Errorf("line %d: attribute must be a value or a list of values", n.Line)
}

// SidecarPath returns the sidecar location for a capture file.
func SidecarPath(path string) string { return path + SidecarSuffix }

// LoadSidecar reads the sidecar of path. A missing sidecar is not an error
// and yields nil.
func LoadSidecar(path string) (*Sidecar, error) {
	sp := SidecarPath(path)
	data, err := os.ReadFile(sp)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, tcerrors.StorageError("failed to read sidecar", err).WithDetail("path", sp)
	}
	return ParseSidecar(data, sp)
}

// ParseSidecar decodes sidecar YAML. Unknown keys are rejected.
func ParseSidecar(data []byte, name string) (*Sidecar, error) {
	var s Sidecar
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, tcerrors.ValidationError("invalid sidecar "+name, err).
			WithSuggestion("sidecar keys are kind, attributes, chain, notes and embedding")
	}
	return &s, nil
}

// attributes coerces the raw values against schema.
func (s *Sidecar) attributes(schema *capture.Schema) (capture.Attributes, error) {
	if len(s.Attributes) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(s.Attributes))
	for name := range s.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(capture.Attributes, len(names))
	var problems []string
	for _, name := range names {
		for _, raw := range s.Attributes[name] {
			v, err := schema.Coerce(name, raw)
			if err != nil {
				problems = append(problems, err.Error())
				continue
			}
			out[name] = append(out[name], v)
		}
	}
	if len(problems) > 0 {
		return nil, tcerrors.ValidationError(strings.Join(problems, "; "), nil)
	}
	return out, nil
}

// kind resolves the sidecar kind, falling back to one guessed from ext.
func (s *Sidecar) kind(ext string) (capture.Kind, error) {
	if s == nil || s.Kind == "" {
		return capture.KindForExtension(ext), nil
	}
	return capture.ParseKind(s.Kind)
}
