// Package jsonmap maps decoded JSON values onto documents using JSON paths.
package jsonmap

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/PaesslerAG/jsonpath"

	"github.com/kulturgut/ingest/errors"
	"github.com/kulturgut/ingest/ixgest/mapping"
	"github.com/kulturgut/ingest/ixgest/types"
	"github.com/kulturgut/ingest/ixgest/valueparse"
)

type selector struct {
	factory *valueparse.Factory
	eval    func(context.Context, interface{}) (interface{}, error)
}

// Mapper applies the attribute paths of one mapping to a JSON value
type Mapper struct {
	name      string
	selectors []selector
	required  []mapping.AttributeMapping
}

// NewMapper compiles the JSON paths and parsers of m
func NewMapper(m *mapping.EntityMapping, deps valueparse.Deps) (*Mapper, error) {
	if m.Format != mapping.FormatJSON {
		return nil, errors.NewInvalidConfigError("mapping %s is %s, not JSON", m.Name, m.Format)
	}
	factories, err := valueparse.CompileAll(m, deps)
	if err != nil {
		return nil, err
	}
	mp := &Mapper{name: m.Name, required: m.Required()}
	for _, f := range factories {
		path := Path(f.Attribute().Source)
		eval, err := jsonpath.New(path)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "mapping %s: path %q", m.Name, path), errors.ErrInvalidConfig)
		}
		mp.selectors = append(mp.selectors, selector{factory: f, eval: eval})
	}
	return mp, nil
}

// Path turns a bare dotted path into a JSON path expression
func Path(p string) string {
	p = strings.TrimSpace(p)
	switch {
	case strings.HasPrefix(p, "$"):
		return p
	case strings.HasPrefix(p, "["):
		return "$" + p
	default:
		return "$." + p
	}
}

// Map converts one decoded value. The second result is false when the
// record was excluded; the reason is already logged in pctx.
func (m *Mapper) Map(ctx context.Context, value any, pctx *types.ProcessingContext) (*types.Document, bool) {
	return m.mapRecord(ctx, value, 0, pctx)
}

func (m *Mapper) mapRecord(ctx context.Context, value any, seq int, pctx *types.ProcessingContext) (*types.Document, bool) {
	rec := valueparse.NewRecord()
	rec.Doc.Seq = seq
	for _, s := range m.selectors {
		found, err := s.eval(ctx, value)
		if err != nil || found == nil {
			// unknown keys behave like null
			rec.Store(s.factory, s.factory.New())
			continue
		}
		if arr, ok := found.([]interface{}); ok {
			if len(arr) == 0 {
				rec.Store(s.factory, s.factory.New())
			}
			for _, item := range arr {
				m.feed(rec, s.factory, item)
			}
			continue
		}
		m.feed(rec, s.factory, found)
	}
	if !rec.Accept(m.required, pctx) {
		return nil, false
	}
	return rec.Doc, true
}

func (m *Mapper) feed(rec *valueparse.Record, f *valueparse.Factory, v any) {
	p := f.New()
	if text, ok := scalarText(v); ok {
		p.Parse(text)
	}
	rec.Store(f, p)
}

// scalarText renders a JSON leaf as parser input. Objects and arrays are
// re-encoded as JSON text; null yields nothing.
func scalarText(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}
