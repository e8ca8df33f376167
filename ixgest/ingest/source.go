package ingest

import (
	"go.uber.org/zap"

	"github.com/kulturgut/ingest/catalog"
	"github.com/kulturgut/ingest/errors"
	"github.com/kulturgut/ingest/ixgest/archive"
	"github.com/kulturgut/ingest/ixgest/excel"
	"github.com/kulturgut/ingest/ixgest/jsonmap"
	"github.com/kulturgut/ingest/ixgest/mapping"
	"github.com/kulturgut/ingest/ixgest/pipeline"
	"github.com/kulturgut/ingest/ixgest/valueparse"
	"github.com/kulturgut/ingest/ixgest/xmlseg"
)

// source builds the record source of a template. The returned close
// function releases an open archive once the run is over.
func (h *Handler) source(res *catalog.Resolved, log *zap.SugaredLogger) (pipeline.Source, func() error, error) {
	input := res.Template.Input
	deps := h.deps(input.Path)
	noop := func() error { return nil }

	if !res.Template.IsArchive() {
		src, err := h.entries(res.Mapping, deps, input.Sheet, log)
		if err != nil {
			return nil, nil, err
		}
		return src.file(input.Path), noop, nil
	}

	a, err := archive.Open(input.Path, log)
	if err != nil {
		return nil, nil, err
	}
	deps.Resources = a
	src, err := h.entries(res.Mapping, deps, input.Sheet, log)
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	if len(a.Metadata()) == 0 {
		log.Warnw("Archive has no metadata entries", "archive", input.Path)
	}
	return a.Source(res.Mapping.Format, src.entry), a.Close, nil
}

// builders turns a file or an archive entry into a source
type builders struct {
	file  func(path string) pipeline.Source
	entry archive.EntrySource
}

func (h *Handler) entries(m *mapping.EntityMapping, deps valueparse.Deps, sheet string, log *zap.SugaredLogger) (*builders, error) {
	switch m.Format {
	case mapping.FormatXML:
		seg, err := xmlseg.New(m, deps, log)
		if err != nil {
			return nil, err
		}
		return &builders{file: seg.FileSource, entry: seg.ReaderSource}, nil
	case mapping.FormatJSON:
		mapper, err := jsonmap.NewMapper(m, deps)
		if err != nil {
			return nil, err
		}
		return &builders{file: mapper.FileSource, entry: mapper.ReaderSource}, nil
	case mapping.FormatExcel:
		reader, err := excel.NewReader(m, deps, sheet)
		if err != nil {
			return nil, err
		}
		return &builders{file: reader.FileSource, entry: reader.ReaderSource}, nil
	}
	return nil, errors.NewInvalidConfigError("mapping %s: unsupported format %q", m.Name, m.Format)
}
