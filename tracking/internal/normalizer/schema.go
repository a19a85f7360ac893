package normalizer

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/telhawk-systems/tracksync/tracking/internal/models"
)

//go:embed schemas.yaml
var defaultSchemas []byte

// FieldType is a coarse payload type.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeDate    FieldType = "date"
	TypeEnum    FieldType = "enum"
	TypeBoolean FieldType = "boolean"
)

// FieldSpec declares one payload field.
type FieldSpec struct {
	Name     string    `yaml:"name"`
	Type     FieldType `yaml:"type"`
	Required bool      `yaml:"required"`
	Values   []string  `yaml:"values"`
}

// Schema is the declared shape of one (source, eventType) variant.
type Schema struct {
	Kind             models.Kind
	Fields           []FieldSpec
	IDField          string
	TimestampField   string
	CorrelationField string
	LogicalKeyField  string
	Target           string
	Columns          []string
}

type schemaFile struct {
	Schemas []struct {
		Source           string      `yaml:"source"`
		Types            []string    `yaml:"types"`
		IDField          string      `yaml:"idField"`
		TimestampField   string      `yaml:"timestampField"`
		CorrelationField string      `yaml:"correlationField"`
		LogicalKeyField  string      `yaml:"logicalKeyField"`
		Target           string      `yaml:"target"`
		Fields           []FieldSpec `yaml:"fields"`
		Columns          []string    `yaml:"columns"`
	} `yaml:"schemas"`
}

// Registry resolves the schema for a (source, eventType) pair.
type Registry struct {
	schemas map[models.Kind]*Schema
}

// DefaultRegistry loads the embedded schema set.
func DefaultRegistry() (*Registry, error) {
	return ParseSchemas(defaultSchemas)
}

// LoadRegistry reads schemas from path, or the embedded set when path is empty.
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return DefaultRegistry()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open schemas: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}
	return ParseSchemas(data)
}

// ParseSchemas decodes and validates a YAML schema document.
func ParseSchemas(data []byte) (*Registry, error) {
	var file schemaFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse schemas: %w", err)
	}

	r := &Registry{schemas: make(map[models.Kind]*Schema)}
	for _, s := range file.Schemas {
		if s.Source == "" || s.Target == "" || len(s.Types) == 0 {
			return nil, fmt.Errorf("schema for %q: source, target and types are required", s.Source)
		}
		for _, f := range s.Fields {
			if err := validateSpec(f); err != nil {
				return nil, fmt.Errorf("schema %s: %w", s.Source, err)
			}
		}
		for _, t := range s.Types {
			kind := models.Kind{Source: s.Source, Type: t}
			if _, dup := r.schemas[kind]; dup {
				return nil, fmt.Errorf("duplicate schema for %s", kind)
			}
			r.schemas[kind] = &Schema{
				Kind:             kind,
				Fields:           s.Fields,
				IDField:          s.IDField,
				TimestampField:   s.TimestampField,
				CorrelationField: s.CorrelationField,
				LogicalKeyField:  s.LogicalKeyField,
				Target:           s.Target,
				Columns:          s.Columns,
			}
		}
	}
	return r, nil
}

func validateSpec(f FieldSpec) error {
	switch f.Type {
	case TypeString, TypeNumber, TypeDate, TypeBoolean:
	case TypeEnum:
		if len(f.Values) == 0 {
			return fmt.Errorf("enum field %s has no values", f.Name)
		}
	default:
		return fmt.Errorf("field %s has unknown type %q", f.Name, f.Type)
	}
	return nil
}

// Lookup returns the schema for kind.
func (r *Registry) Lookup(kind models.Kind) (*Schema, bool) {
	s, ok := r.schemas[kind]
	return s, ok
}

// Sources lists the declared source systems.
func (r *Registry) Sources() []string {
	seen := make(map[string]bool)
	var out []string
	for k := range r.schemas {
		if !seen[k.Source] {
			seen[k.Source] = true
			out = append(out, k.Source)
		}
	}
	sort.Strings(out)
	return out
}

// EventTypes lists the declared event types of source.
func (r *Registry) EventTypes(source string) []string {
	var out []string
	for k := range r.schemas {
		if k.Source == source {
			out = append(out, k.Type)
		}
	}
	sort.Strings(out)
	return out
}
