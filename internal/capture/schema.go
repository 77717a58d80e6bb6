package capture

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/Aman-CERP/tonecapture/internal/config"
	tcerrors "github.com/Aman-CERP/tonecapture/internal/errors"
)

// Built-in attribute names answered from capture fields rather than Attributes.
const (
	AttrKind        = "kind"
	AttrFingerprint = "fingerprint"
	AttrCluster     = "cluster"
)

// IsBuiltin reports whether name is reserved for a capture field.
func IsBuiltin(name string) bool {
	return name == AttrKind || name == AttrFingerprint || name == AttrCluster
}

var attrNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.-]*$`)

// AttributeDef declares one typed attribute.
type AttributeDef struct {
	Name string
	Type ValueType
	// Required lists the kinds that must carry this attribute.
	Required []Kind
	// Enum lists allowed members when Type is TypeEnum.
	Enum  []string
	Multi bool
}

func (d AttributeDef) requiredFor(k Kind) bool {
	for _, r := range d.Required {
		if r == k {
			return true
		}
	}
	return false
}

func (d AttributeDef) allows(member string) bool {
	for _, e := range d.Enum {
		if e == member {
			return true
		}
	}
	return false
}

// Schema is the registry of declared attributes. It is immutable once built.
type Schema struct {
	strict bool
	defs   map[string]AttributeDef
}

// NewSchema builds a schema. Undeclared attributes are accepted as strings
// unless strict is set.
func NewSchema(strict bool, defs ...AttributeDef) (*Schema, error) {
	s := &Schema{strict: strict, defs: make(map[string]AttributeDef, len(defs))}
	for _, d := range defs {
		if !attrNamePattern.MatchString(d.Name) || IsBuiltin(d.Name) {
			return nil, tcerrors.ConfigError(fmt.Sprintf("invalid attribute name %q", d.Name), nil)
		}
		if _, dup := s.defs[d.Name]; dup {
			return nil, tcerrors.ConfigError("attribute declared twice: "+d.Name, nil)
		}
		if d.Type == TypeEnum && len(d.Enum) == 0 {
			return nil, tcerrors.ConfigError("enum attribute "+d.Name+" has no members", nil)
		}
		for _, k := range d.Required {
			if !k.Valid() {
				return nil, tcerrors.ConfigError(fmt.Sprintf("attribute %s requires unknown kind %q", d.Name, k), nil)
			}
		}
		s.defs[d.Name] = d
	}
	return s, nil
}

// SchemaFromConfig converts the schema section of the configuration.
func SchemaFromConfig(cfg config.SchemaConfig) (*Schema, error) {
	defs := make([]AttributeDef, 0, len(cfg.Attributes))
	for _, a := range cfg.Attributes {
		t, err := ParseValueType(a.Type)
		if err != nil {
			return nil, tcerrors.ConfigError("attribute "+a.Name, err)
		}
		def := AttributeDef{Name: a.Name, Type: t, Enum: a.Enum, Multi: a.Multi}
		for _, k := range a.Required {
			kind, err := ParseKind(k)
			if err != nil {
				return nil, tcerrors.ConfigError("attribute "+a.Name, err)
			}
			def.Required = append(def.Required, kind)
		}
		defs = append(defs, def)
	}
	return NewSchema(cfg.Strict, defs...)
}

// Strict reports whether undeclared attributes are rejected.
func (s *Schema) Strict() bool { return s.strict }

// Lookup returns the declaration for name.
func (s *Schema) Lookup(name string) (AttributeDef, bool) {
	d, ok := s.defs[name]
	return d, ok
}

// Definitions returns the declared attributes sorted by name.
func (s *Schema) Definitions() []AttributeDef {
	out := make([]AttributeDef, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// TypeOf returns the declared type of name, TypeString when undeclared.
func (s *Schema) TypeOf(name string) ValueType {
	if d, ok := s.defs[name]; ok {
		return d.Type
	}
	return TypeString
}

// Coerce parses raw text into a value of name's declared type.
func (s *Schema) Coerce(name, raw string) (Value, error) {
	v, err := ParseValue(s.TypeOf(name), raw)
	if err != nil {
		return Value{}, tcerrors.ValidationError(fmt.Sprintf("attribute %s: %v", name, err), err)
	}
	return v, nil
}

// Validate checks a capture's kind and attributes (chain already projected).
// Every problem is reported in one ValidationError.
func (s *Schema) Validate(kind Kind, attrs Attributes) error {
	var problems []string
	if !kind.Valid() {
		problems = append(problems, fmt.Sprintf("unknown kind %q", kind))
	}

	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		vals := attrs[name]
		switch {
		case IsBuiltin(name):
			problems = append(problems, fmt.Sprintf("attribute %s is reserved", name))
			continue
		case !attrNamePattern.MatchString(name):
			problems = append(problems, fmt.Sprintf("invalid attribute name %q", name))
			continue
		case len(vals) == 0:
			problems = append(problems, fmt.Sprintf("attribute %s has no values", name))
			continue
		}

		def, declared := s.defs[name]
		if !declared {
			if s.strict {
				problems = append(problems, fmt.Sprintf("attribute %s is not declared", name))
				continue
			}
			for _, v := range vals {
				if v.Type() != TypeString {
					problems = append(problems, fmt.Sprintf("undeclared attribute %s must be a string, got %s", name, v.Type()))
					break
				}
			}
			continue
		}

		if !def.Multi && len(vals) > 1 {
			problems = append(problems, fmt.Sprintf("attribute %s takes one value, got %d", name, len(vals)))
		}
		for _, v := range vals {
			if !typeMatches(def.Type, v) {
				problems = append(problems, fmt.Sprintf("attribute %s wants %s, got %s", name, def.Type, v.Type()))
				continue
			}
			if def.Type == TypeEnum && !def.allows(v.Str()) {
				problems = append(problems, fmt.Sprintf("attribute %s: %q is not one of %s", name, v.Str(), strings.Join(def.Enum, ", ")))
			}
		}
	}

	for _, d := range s.Definitions() {
		if kind.Valid() && d.requiredFor(kind) && len(attrs[d.Name]) == 0 {
			problems = append(problems, fmt.Sprintf("missing attribute %s required for %s", d.Name, kind))
		}
	}

	if len(problems) > 0 {
		return tcerrors.ValidationError(strings.Join(problems, "; "), nil)
	}
	return nil
}

// typeMatches lets a plain string satisfy an enum declaration; sidecars and
// the CLI cannot tell the two apart.
func typeMatches(want ValueType, v Value) bool {
	if want == TypeEnum {
		return v.Type() == TypeEnum || v.Type() == TypeString
	}
	return v.Type() == want
}
