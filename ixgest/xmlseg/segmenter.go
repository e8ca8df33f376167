// Package xmlseg streams large XML exports into one document per record.
//
// The record boundary is derived from the mapped paths (see
// mapping.BoundaryPath). The segmenter keeps a stack of open elements,
// feeds character data to the parsers registered for the current path and
// emits a snapshot of the working document whenever a record closes. Records
// are the children of the boundary element named by the mapped paths; other
// children of the boundary are passed over.
package xmlseg

import (
	"bufio"
	"context"
	"encoding/xml"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html/charset"

	"github.com/kulturgut/ingest/errors"
	"github.com/kulturgut/ingest/ixgest/mapping"
	"github.com/kulturgut/ingest/ixgest/pipeline"
	"github.com/kulturgut/ingest/ixgest/types"
	"github.com/kulturgut/ingest/ixgest/valueparse"
)

// Segmenter holds the compiled form of an XML mapping. It is immutable and
// may serve several files concurrently; each Segment call has its own state.
type Segmenter struct {
	name     string
	boundary string
	depth    int
	records  map[string]bool
	byPath   map[string][]*valueparse.Factory
	required []mapping.AttributeMapping
	logger   *zap.SugaredLogger
}

// New compiles an XML mapping
func New(m *mapping.EntityMapping, deps valueparse.Deps, logger *zap.SugaredLogger) (*Segmenter, error) {
	if m.Format != mapping.FormatXML {
		return nil, errors.NewInvalidConfigError("mapping %s is %s, not XML", m.Name, m.Format)
	}
	boundary, err := m.Boundary()
	if err != nil {
		return nil, err
	}
	factories, err := valueparse.CompileAll(m, deps)
	if err != nil {
		return nil, err
	}

	s := &Segmenter{
		name:     m.Name,
		boundary: boundary,
		records:  make(map[string]bool),
		byPath:   make(map[string][]*valueparse.Factory),
		required: m.Required(),
		logger:   logger,
	}
	if boundary != "" {
		s.depth = strings.Count(boundary, "/") + 1
	}
	for _, f := range factories {
		src := f.Attribute().Source
		s.byPath[src] = append(s.byPath[src], f)
		if segs := strings.Split(src, "/"); len(segs) > s.depth && !strings.HasPrefix(segs[s.depth], "@") {
			s.records[segs[s.depth]] = true
		}
	}
	return s, nil
}

// Boundary returns the path whose children are records
func (s *Segmenter) Boundary() string {
	return s.boundary
}

// FileSource returns a pipeline source segmenting the file at path
func (s *Segmenter) FileSource(path string) pipeline.Source {
	return s.ReaderSource(path, func() (io.ReadCloser, error) {
		return os.Open(path)
	})
}

// ReaderSource returns a pipeline source segmenting whatever open yields
func (s *Segmenter) ReaderSource(name string, open func() (io.ReadCloser, error)) pipeline.Source {
	return pipeline.SourceFunc(func(ctx context.Context, pctx *types.ProcessingContext, emit pipeline.Emit) error {
		rc, err := open()
		if err != nil {
			return errors.Wrapf(err, "open %s", name)
		}
		defer rc.Close()
		if err := s.Segment(ctx, rc, pctx, emit); err != nil {
			return errors.Wrapf(err, "segment %s", name)
		}
		return nil
	})
}

// Segment reads XML from r and emits one document per complete record.
// Malformed input discards only the record it occurs in.
func (s *Segmenter) Segment(ctx context.Context, r io.Reader, pctx *types.ProcessingContext, emit pipeline.Emit) error {
	run := &run{
		s:    s,
		pctx: pctx,
		emit: emit,
		rec:  newRecord(),
	}
	if len(s.records) == 1 {
		for name := range s.records {
			run.recordName = name
		}
	}
	run.reset(bufio.NewReader(r))
	return run.loop(ctx)
}

type active struct {
	factory *valueparse.Factory
	parser  valueparse.Parser
}

type frame struct {
	path    string
	record  bool
	parsers []active
}

type record struct {
	*valueparse.Record
	broken bool
}

func newRecord() record {
	return record{Record: valueparse.NewRecord()}
}

// run is the state of one Segment call
type run struct {
	s    *Segmenter
	pctx *types.ProcessingContext
	emit pipeline.Emit

	br     *bufio.Reader
	dec    *xml.Decoder
	frames []frame
	rec    record

	count      int
	recordName string
	transcoded bool
	resynced   bool
}

func (r *run) reset(br *bufio.Reader) {
	r.br = br
	r.dec = xml.NewDecoder(br)
	r.dec.Entity = xml.HTMLEntity
	r.dec.CharsetReader = func(label string, input io.Reader) (io.Reader, error) {
		r.transcoded = true
		return charset.NewReaderLabel(label, input)
	}
	r.frames = r.frames[:0]
}

func (r *run) path() string {
	if len(r.frames) == 0 {
		return ""
	}
	return r.frames[len(r.frames)-1].path
}

// inRecord reports whether the decoder is inside a record element
func (r *run) inRecord() bool {
	return len(r.frames) > r.s.depth && r.frames[r.s.depth].record
}

// inSibling reports whether the decoder is inside a boundary child that
// is not a record
func (r *run) inSibling() bool {
	return len(r.frames) > r.s.depth && !r.frames[r.s.depth].record
}

func (r *run) loop(ctx context.Context) error {
	for {
		tok, err := r.dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			resumed, rerr := r.recover(err)
			if rerr != nil || !resumed {
				return rerr
			}
			continue
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if err := ctx.Err(); err != nil {
				return err
			}
			r.start(t)
		case xml.CharData:
			if len(r.frames) > 0 {
				top := r.frames[len(r.frames)-1]
				if len(top.parsers) > 0 {
					text := string(t)
					for _, a := range top.parsers {
						a.parser.Parse(text)
					}
				}
			}
		case xml.EndElement:
			if err := r.end(); err != nil {
				return err
			}
		}
	}
}

func (r *run) start(t xml.StartElement) {
	parent := r.path()
	local := t.Name.Local
	path := local
	if len(r.frames) > 0 {
		path = parent + "/" + local
	}

	fr := frame{path: path}
	if len(r.frames) == r.s.depth && parent == r.s.boundary && r.s.records[local] {
		fr.record = true
		r.count++
		r.rec.Doc.Seq = r.count
		if r.recordName == "" {
			r.recordName = local
		}
	}

	for _, a := range t.Attr {
		for _, f := range r.s.byPath[path+"/@"+a.Name.Local] {
			p := f.New()
			p.Parse(a.Value)
			r.store(f, p)
		}
	}

	for _, f := range r.s.byPath[path] {
		fr.parsers = append(fr.parsers, active{factory: f, parser: f.New()})
	}
	r.frames = append(r.frames, fr)
}

func (r *run) end() error {
	if len(r.frames) == 0 {
		return nil
	}
	top := r.frames[len(r.frames)-1]
	for _, a := range top.parsers {
		r.store(a.factory, a.parser)
	}
	r.frames = r.frames[:len(r.frames)-1]

	if top.record && len(r.frames) == r.s.depth {
		return r.finish()
	}
	return nil
}

// store flushes one parser into the working record
func (r *run) store(f *valueparse.Factory, p valueparse.Parser) {
	r.rec.Store(f, p)
}

// finish decides the fate of the record whose element just closed
func (r *run) finish() error {
	rec := r.rec
	r.rec = newRecord()

	if rec.broken {
		r.pctx.Logf(rec.Doc.Ref(), types.ContextSystem, types.LevelWarning, "record discarded: malformed XML")
		r.pctx.Skipped()
		return nil
	}
	if !rec.Accept(r.s.required, r.pctx) {
		return nil
	}
	return r.emit(rec.Doc.Snapshot())
}

// recover handles a decoder error. Inside a record it discards the record
// and resumes at the next sibling record; elsewhere it ends the input.
func (r *run) recover(cause error) (bool, error) {
	line, _ := r.dec.InputPos()

	if r.inSibling() && r.recordName != "" && !r.transcoded {
		r.s.logger.Debugw("Malformed element between records", "mapping", r.s.name, "line", line, "error", cause)
		return r.resync()
	}
	if !r.inRecord() {
		if r.resynced {
			// leftovers of the ancestors closed before the resync point
			r.s.logger.Debugw("XML ended after resynchronisation", "mapping", r.s.name, "error", cause)
			return false, nil
		}
		r.pctx.Logf("", types.ContextSystem, types.LevelWarning,
			"malformed XML at line %d outside any record, remaining input skipped: %v", line, cause)
		return false, nil
	}

	r.rec.broken = true
	r.s.logger.Debugw("Malformed record", "mapping", r.s.name, "line", line, "error", cause)
	if err := r.finish(); err != nil {
		return false, err
	}

	if r.transcoded || r.recordName == "" {
		r.pctx.Logf("", types.ContextSystem, types.LevelWarning,
			"cannot resume after malformed XML at line %d, remaining input skipped", line)
		return false, nil
	}
	return r.resync()
}

// resync restarts decoding at the next record start tag
func (r *run) resync() (bool, error) {
	raw, err := scanToElement(r.br, r.recordName)
	if err == io.EOF {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "resynchronise")
	}

	// Replay the ancestor start tags so the fresh decoder sees a balanced document
	var prefix strings.Builder
	if r.s.boundary != "" {
		for _, seg := range strings.Split(r.s.boundary, "/") {
			prefix.WriteString("<" + seg + ">")
		}
	}
	prefix.WriteString("<" + raw)

	r.reset(bufio.NewReader(io.MultiReader(strings.NewReader(prefix.String()), r.br)))
	r.resynced = true
	return true, nil
}

// scanToElement advances br to just after "<name" where name's local part
// equals local, returning the raw (possibly prefixed) name.
func scanToElement(br *bufio.Reader, local string) (string, error) {
	for {
		c, err := br.ReadByte()
		if err != nil {
			return "", err
		}
		if c != '<' {
			continue
		}
		var name strings.Builder
		for {
			c, err = br.ReadByte()
			if err != nil {
				return "", err
			}
			if !isNameByte(c) {
				break
			}
			name.WriteByte(c)
		}
		raw := name.String()
		loc := raw
		if i := strings.LastIndexByte(raw, ':'); i >= 0 {
			loc = raw[i+1:]
		}
		if loc == local && (c == '>' || c == '/' || c == ' ' || c == '\t' || c == '\n' || c == '\r') {
			if err := br.UnreadByte(); err != nil {
				return "", err
			}
			return raw, nil
		}
		if c == '<' {
			_ = br.UnreadByte()
		}
	}
}

func isNameByte(c byte) bool {
	return c == ':' || c == '_' || c == '-' || c == '.' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c >= 0x80
}
