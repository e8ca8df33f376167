// Package types holds the values that flow through an ingestion pipeline:
// documents under construction, deferred media handles and the per-job
// processing context.
package types

import (
	"fmt"
	"strconv"
	"time"
)

// IDField is the destination field carrying a document's identifier
const IDField = "id"

// Document is a field-name to values container built incrementally by a
// source. Field order is insertion order. A Document is not safe for
// concurrent use; sources emit Snapshot copies.
//
// Values are one of string, int64, float64, time.Time or *MediaProvider.
type Document struct {
	// Seq is the 1-based position of the record within its source
	Seq int

	order  []string
	fields map[string][]any
}

// NewDocument returns an empty document
func NewDocument() *Document {
	return &Document{fields: make(map[string][]any)}
}

// Add appends values to a field, creating it if needed
func (d *Document) Add(name string, values ...any) {
	if len(values) == 0 {
		return
	}
	if _, ok := d.fields[name]; !ok {
		d.order = append(d.order, name)
	}
	d.fields[name] = append(d.fields[name], values...)
}

// Set replaces a field's values. Setting no values removes the field.
func (d *Document) Set(name string, values ...any) {
	if len(values) == 0 {
		d.Delete(name)
		return
	}
	if _, ok := d.fields[name]; !ok {
		d.order = append(d.order, name)
	}
	d.fields[name] = append([]any(nil), values...)
}

// Delete removes a field
func (d *Document) Delete(name string) {
	if _, ok := d.fields[name]; !ok {
		return
	}
	delete(d.fields, name)
	for i, n := range d.order {
		if n == name {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// Values returns a field's values (nil when absent). The slice must not be modified.
func (d *Document) Values(name string) []any {
	return d.fields[name]
}

// Has reports whether the field carries at least one value
func (d *Document) Has(name string) bool {
	return len(d.fields[name]) > 0
}

// First returns the first value of a field
func (d *Document) First(name string) (any, bool) {
	vs := d.fields[name]
	if len(vs) == 0 {
		return nil, false
	}
	return vs[0], true
}

// Strings renders every value of a field as text
func (d *Document) Strings(name string) []string {
	vs := d.fields[name]
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, FormatValue(v))
	}
	return out
}

// Fields returns the field names in insertion order
func (d *Document) Fields() []string {
	return append([]string(nil), d.order...)
}

// Len returns the number of fields
func (d *Document) Len() int {
	return len(d.order)
}

// ID returns the document identifier, or "" when the record carries none
func (d *Document) ID() string {
	if v, ok := d.First(IDField); ok {
		return FormatValue(v)
	}
	return ""
}

// Ref identifies the document in log entries even when it has no id
func (d *Document) Ref() string {
	if id := d.ID(); id != "" {
		return id
	}
	return "record " + strconv.Itoa(d.Seq)
}

// Snapshot returns a deep copy. Media providers are shared by pointer, so
// the working document must not be mutated once it has been emitted.
func (d *Document) Snapshot() *Document {
	c := &Document{
		Seq:    d.Seq,
		order:  append([]string(nil), d.order...),
		fields: make(map[string][]any, len(d.fields)),
	}
	for k, vs := range d.fields {
		c.fields[k] = append([]any(nil), vs...)
	}
	return c
}

// FormatValue renders a field value the way the index expects it
func FormatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case *MediaProvider:
		return x.Name
	default:
		return fmt.Sprint(x)
	}
}
