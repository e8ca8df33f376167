// Package mapping defines how source records map onto index documents.
package mapping

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kulturgut/ingest/errors"
)

// Format is the serialization of the source records
type Format string

const (
	FormatXML   Format = "XML"
	FormatJSON  Format = "JSON"
	FormatExcel Format = "EXCEL"
)

// ParserKind selects the value converter for an attribute
type ParserKind string

const (
	UUID        ParserKind = "UUID"
	String      ParserKind = "STRING"
	MultiString ParserKind = "MULTISTRING"
	Date        ParserKind = "DATE"
	Integer     ParserKind = "INTEGER"
	Double      ParserKind = "DOUBLE"
	CoordWGS84  ParserKind = "COORD_WGS84"
	CoordLV95   ParserKind = "COORD_LV95"
	ImageFile   ParserKind = "IMAGE_FILE"
	ImageURL    ParserKind = "IMAGE_URL"
	ImageMPlus  ParserKind = "IMAGE_MPLUS"
)

// Kinds lists every parser kind
func Kinds() []ParserKind {
	return []ParserKind{UUID, String, MultiString, Date, Integer, Double,
		CoordWGS84, CoordLV95, ImageFile, ImageURL, ImageMPlus}
}

// IsImage reports whether the kind produces media providers
func (k ParserKind) IsImage() bool {
	return k == ImageFile || k == ImageURL || k == ImageMPlus
}

// Valid reports whether k is a known kind
func (k ParserKind) Valid() bool {
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

// AttributeMapping maps one source path onto one destination field
type AttributeMapping struct {
	Source      string            `yaml:"source" toml:"source"`
	Destination string            `yaml:"destination" toml:"destination"`
	Parser      ParserKind        `yaml:"parser" toml:"parser"`
	Required    bool              `yaml:"required,omitempty" toml:"required"`
	MultiValued bool              `yaml:"multi_valued,omitempty" toml:"multi_valued"`
	Parameters  map[string]string `yaml:"parameters,omitempty" toml:"parameters"`
}

// Param returns a parser parameter or def when unset
func (a AttributeMapping) Param(key, def string) string {
	if v, ok := a.Parameters[key]; ok && v != "" {
		return v
	}
	return def
}

// EntityMapping is one complete mapping configuration
type EntityMapping struct {
	Name       string             `yaml:"name" toml:"name"`
	Format     Format             `yaml:"format" toml:"format"`
	Attributes []AttributeMapping `yaml:"attributes" toml:"attributes"`
}

// Load reads and validates a YAML mapping file
func Load(path string) (*EntityMapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read mapping %s", path)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "mapping %s", path)
	}
	return m, nil
}

// Parse decodes and validates a YAML mapping
func Parse(data []byte) (*EntityMapping, error) {
	var m EntityMapping
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode mapping"), errors.ErrInvalidConfig)
	}
	m.normalize()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *EntityMapping) normalize() {
	m.Format = Format(strings.ToUpper(strings.TrimSpace(string(m.Format))))
	for i := range m.Attributes {
		a := &m.Attributes[i]
		a.Parser = ParserKind(strings.ToUpper(strings.TrimSpace(string(a.Parser))))
		a.Destination = strings.TrimSpace(a.Destination)
		if m.Format == FormatXML {
			a.Source = NormalizePath(a.Source)
		} else {
			a.Source = strings.TrimSpace(a.Source)
		}
	}
}

// Validate checks structural invariants
func (m *EntityMapping) Validate() error {
	if m.Name == "" {
		return errors.NewInvalidConfigError("mapping has no name")
	}
	switch m.Format {
	case FormatXML, FormatJSON, FormatExcel:
	default:
		return errors.NewInvalidConfigError("mapping %s: unknown format %q", m.Name, m.Format)
	}
	if len(m.Attributes) == 0 {
		return errors.NewInvalidConfigError("mapping %s has no attributes", m.Name)
	}
	for i, a := range m.Attributes {
		if a.Source == "" || a.Destination == "" {
			return errors.NewInvalidConfigError("mapping %s: attribute %d needs source and destination", m.Name, i)
		}
		if !a.Parser.Valid() {
			return errors.NewInvalidConfigError("mapping %s: attribute %s has unknown parser %q", m.Name, a.Destination, a.Parser)
		}
	}
	if m.Format == FormatXML {
		if _, err := m.Boundary(); err != nil {
			return err
		}
	}
	return nil
}

// Sources returns the distinct source paths in attribute order
func (m *EntityMapping) Sources() []string {
	seen := make(map[string]bool, len(m.Attributes))
	var out []string
	for _, a := range m.Attributes {
		if !seen[a.Source] {
			seen[a.Source] = true
			out = append(out, a.Source)
		}
	}
	return out
}

// Required returns the attributes flagged required
func (m *EntityMapping) Required() []AttributeMapping {
	var out []AttributeMapping
	for _, a := range m.Attributes {
		if a.Required {
			out = append(out, a)
		}
	}
	return out
}
