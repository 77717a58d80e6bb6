package cmd

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/tonecapture/internal/capture"
	tcerrors "github.com/Aman-CERP/tonecapture/internal/errors"
)

// patchFlags are the metadata flags shared by add and set.
type patchFlags struct {
	kind           string
	attrs          []string
	unset          []string
	notes          string
	embedding      string
	clearEmbedding bool
}

func (f *patchFlags) register(cmd *cobra.Command, editing bool) {
	cmd.Flags().StringVar(&f.kind, "kind", "", "Capture kind (ImpulseResponse, NAMCapture, ...)")
	cmd.Flags().StringArrayVarP(&f.attrs, "attr", "a", nil, "Set an attribute as name=value (repeat for multiple values)")
	cmd.Flags().StringVar(&f.notes, "notes", "", "Free-text notes")
	cmd.Flags().StringVarP(&f.embedding, "embedding", "e", "", "Embedding as comma-separated floats")
	if editing {
		cmd.Flags().StringArrayVar(&f.unset, "unset", nil, "Remove an attribute (repeatable)")
		cmd.Flags().BoolVar(&f.clearEmbedding, "clear-embedding", false, "Remove the embedding")
	}
}

// patch builds a capture patch from the flags that were set.
func (f *patchFlags) patch(cmd *cobra.Command, schema *capture.Schema) (capture.Patch, error) {
	var p capture.Patch
	if cmd.Flags().Changed("kind") {
		kind, err := capture.ParseKind(f.kind)
		if err != nil {
			return p, err
		}
		p.Kind = &kind
	}
	attrs, err := parseAttrs(f.attrs, schema)
	if err != nil {
		return p, err
	}
	if len(attrs) > 0 {
		p.SetAttributes = attrs
	}
	p.RemoveAttributes = f.unset
	if cmd.Flags().Changed("notes") {
		notes := f.notes
		p.Notes = &notes
	}
	if f.embedding != "" {
		if p.Embedding, err = parseVector(f.embedding); err != nil {
			return p, err
		}
	}
	p.ClearEmbedding = f.clearEmbedding
	return p, nil
}

// parseAttrs turns name=value pairs into attributes typed by schema.
// Repeating a name adds values.
func parseAttrs(pairs []string, schema *capture.Schema) (capture.Attributes, error) {
	attrs := capture.Attributes{}
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, tcerrors.ValidationError("attribute must be name=value, got "+strconv.Quote(pair), nil)
		}
		v, err := schema.Coerce(name, strings.TrimSpace(raw))
		if err != nil {
			return nil, err
		}
		attrs.Add(name, v)
	}
	return attrs, nil
}

// parseVector parses comma or space separated floats.
func parseVector(text string) ([]float32, error) {
	fields := strings.FieldsFunc(text, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
	if len(fields) == 0 {
		return nil, tcerrors.ValidationError("empty vector", nil)
	}
	vec := make([]float32, len(fields))
	for i, f := range fields {
		x, err := strconv.ParseFloat(f, 32)
		if err != nil {
			return nil, tcerrors.ValidationError("vector component "+strconv.Quote(f)+" is not a number", err)
		}
		vec[i] = float32(x)
	}
	return vec, nil
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
