// Package valueparse converts raw source tokens into typed field values.
//
// A Factory is compiled once per AttributeMapping and validates the parser
// parameters up front. Factory.New returns a fresh Parser for every
// occurrence of the attribute within a record; parsers are not shared
// between goroutines.
package valueparse

import (
	"context"
	"regexp"
	"time"

	"github.com/kulturgut/ingest/errors"
	"github.com/kulturgut/ingest/ixgest/mapping"
	"github.com/kulturgut/ingest/ixgest/types"
)

// Parser accumulates raw text and converts it on Flush. Parse may be called
// several times for one occurrence (XML character data arrives in chunks).
// Flushing a parser that never saw Parse is the null token: it yields no
// values and no error.
type Parser interface {
	Parse(chunk string)
	Flush() ([]any, error)
}

// Credentials are basic-auth credentials for remote media
type Credentials struct {
	Username string
	Password string
}

// Fetcher retrieves remote media bytes
type Fetcher interface {
	Fetch(ctx context.Context, url string, cred Credentials) ([]byte, error)
}

// ResourceResolver resolves image references against bundled resources
// (the resources/ folder of a submission archive).
type ResourceResolver interface {
	Lookup(ref string) []*types.MediaProvider
}

// Deps are the collaborators parsers may need
type Deps struct {
	Fetcher   Fetcher
	Resources ResourceResolver
	BaseDir   string
	MPlusURL  string
}

// Factory creates parsers for one attribute
type Factory struct {
	attr      mapping.AttributeMapping
	newParser func() Parser
}

// Attribute returns the attribute this factory was compiled for
func (f *Factory) Attribute() mapping.AttributeMapping {
	return f.attr
}

// New returns a fresh parser
func (f *Factory) New() Parser {
	return f.newParser()
}

// Compile validates an attribute's parser configuration
func Compile(attr mapping.AttributeMapping, deps Deps) (*Factory, error) {
	newParser, err := compile(attr, deps)
	if err != nil {
		return nil, errors.Mark(
			errors.Wrapf(err, "attribute %s (%s)", attr.Destination, attr.Parser),
			errors.ErrInvalidConfig)
	}
	return &Factory{attr: attr, newParser: newParser}, nil
}

// CompileAll compiles every attribute of a mapping in order
func CompileAll(m *mapping.EntityMapping, deps Deps) ([]*Factory, error) {
	factories := make([]*Factory, 0, len(m.Attributes))
	for _, attr := range m.Attributes {
		f, err := Compile(attr, deps)
		if err != nil {
			return nil, errors.Wrapf(err, "mapping %s", m.Name)
		}
		factories = append(factories, f)
	}
	return factories, nil
}

func compile(attr mapping.AttributeMapping, deps Deps) (func() Parser, error) {
	switch attr.Parser {
	case mapping.UUID:
		return func() Parser { return &uuidParser{} }, nil

	case mapping.String, mapping.MultiString:
		rw, err := compileRewrite(attr)
		if err != nil {
			return nil, err
		}
		sep := ""
		if attr.Parser == mapping.MultiString {
			sep = attr.Param("separator", ";")
		}
		return func() Parser { return &textParser{rewrite: rw, separator: sep} }, nil

	case mapping.Integer:
		return func() Parser { return &integerParser{} }, nil

	case mapping.Double:
		return func() Parser { return &doubleParser{} }, nil

	case mapping.Date:
		loc, err := time.LoadLocation(attr.Param("timezone", "UTC"))
		if err != nil {
			return nil, errors.Wrap(err, "timezone")
		}
		format := attr.Param("format", DefaultDateFormat)
		return func() Parser { return &dateParser{format: format, loc: loc} }, nil

	case mapping.CoordWGS84, mapping.CoordLV95:
		sep := attr.Param("separator", ",")
		swiss := attr.Parser == mapping.CoordLV95
		return func() Parser { return &coordParser{separator: sep, swiss: swiss} }, nil

	case mapping.ImageFile:
		rw, err := compileRewrite(attr)
		if err != nil {
			return nil, err
		}
		base := attr.Param("base", deps.BaseDir)
		sep := attr.Param("separator", ";")
		return func() Parser {
			return &imageFileParser{rewrite: rw, base: base, separator: sep, resources: deps.Resources}
		}, nil

	case mapping.ImageURL:
		if deps.Fetcher == nil {
			return nil, errors.New("no fetcher configured")
		}
		cred := credentials(attr)
		sep := attr.Param("separator", ";")
		return func() Parser {
			return &imageURLParser{separator: sep, cred: cred, fetcher: deps.Fetcher}
		}, nil

	case mapping.ImageMPlus:
		if deps.Fetcher == nil {
			return nil, errors.New("no fetcher configured")
		}
		tmpl, err := mplusTemplate(attr.Param("url", deps.MPlusURL), attr.Param("base", ""))
		if err != nil {
			return nil, err
		}
		cred := credentials(attr)
		sep := attr.Param("separator", ";")
		return func() Parser {
			return &mplusParser{separator: sep, template: tmpl, cred: cred, fetcher: deps.Fetcher}
		}, nil

	default:
		return nil, errors.Newf("unknown parser kind %q", attr.Parser)
	}
}

// rewrite is an optional regex search/replace applied to raw values
type rewrite struct {
	re   *regexp.Regexp
	with string
}

func (r *rewrite) apply(s string) string {
	if r == nil {
		return s
	}
	return r.re.ReplaceAllString(s, r.with)
}

func compileRewrite(attr mapping.AttributeMapping) (*rewrite, error) {
	search := attr.Param("search", "")
	if search == "" {
		return nil, nil
	}
	re, err := regexp.Compile(search)
	if err != nil {
		return nil, errors.Wrap(err, "search pattern")
	}
	return &rewrite{re: re, with: attr.Param("replace", "")}, nil
}

func credentials(attr mapping.AttributeMapping) Credentials {
	return Credentials{
		Username: attr.Param("username", ""),
		Password: attr.Param("password", ""),
	}
}
