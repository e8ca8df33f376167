package valueparse

import (
	"github.com/kulturgut/ingest/ixgest/mapping"
	"github.com/kulturgut/ingest/ixgest/types"
)

type issue struct {
	attr mapping.AttributeMapping
	err  error
}

// Record is the working document of one source record together with the
// conversion failures seen while filling it.
type Record struct {
	Doc    *types.Document
	issues []issue
}

// NewRecord starts an empty record
func NewRecord() *Record {
	return &Record{Doc: types.NewDocument()}
}

// Store flushes p into the document. Single-valued fields keep their first value.
func (r *Record) Store(f *Factory, p Parser) {
	attr := f.Attribute()
	vals, err := p.Flush()
	if err != nil {
		r.issues = append(r.issues, issue{attr: attr, err: err})
		return
	}
	if len(vals) == 0 {
		return
	}
	if attr.MultiValued {
		r.Doc.Add(attr.Destination, vals...)
		return
	}
	if !r.Doc.Has(attr.Destination) {
		r.Doc.Add(attr.Destination, vals[0])
	}
}

// Accept logs conversion failures and missing required fields against pctx.
// It returns false, after counting one error, when the record must be excluded.
func (r *Record) Accept(required []mapping.AttributeMapping, pctx *types.ProcessingContext) bool {
	ref := r.Doc.Ref()
	failed := make(map[string]bool)
	for _, is := range r.issues {
		if is.attr.Required {
			failed[is.attr.Destination] = true
			pctx.Logf(ref, types.ContextMetadata, types.LevelError,
				"required field %s: %v", is.attr.Destination, is.err)
			continue
		}
		pctx.Logf(ref, types.ContextMetadata, types.LevelWarning,
			"field %s omitted: %v", is.attr.Destination, is.err)
	}
	for _, attr := range required {
		if failed[attr.Destination] || r.Doc.Has(attr.Destination) {
			continue
		}
		failed[attr.Destination] = true
		pctx.Logf(ref, types.ContextMetadata, types.LevelValidation,
			"required field %s missing (%s)", attr.Destination, attr.Source)
	}
	if len(failed) > 0 {
		pctx.Error()
		return false
	}
	return true
}
