// Package excel reads spreadsheet exports: the header row names the columns,
// every following row is one record.
package excel

import (
	"context"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/kulturgut/ingest/errors"
	"github.com/kulturgut/ingest/ixgest/mapping"
	"github.com/kulturgut/ingest/ixgest/pipeline"
	"github.com/kulturgut/ingest/ixgest/types"
	"github.com/kulturgut/ingest/ixgest/valueparse"
)

// Reader maps worksheet rows through an EXCEL mapping
type Reader struct {
	name      string
	sheet     string
	factories []*valueparse.Factory
	required  []mapping.AttributeMapping
}

// NewReader compiles m. An empty sheet selects the first worksheet.
func NewReader(m *mapping.EntityMapping, deps valueparse.Deps, sheet string) (*Reader, error) {
	if m.Format != mapping.FormatExcel {
		return nil, errors.NewInvalidConfigError("mapping %s is %s, not EXCEL", m.Name, m.Format)
	}
	factories, err := valueparse.CompileAll(m, deps)
	if err != nil {
		return nil, err
	}
	return &Reader{name: m.Name, sheet: sheet, factories: factories, required: m.Required()}, nil
}

// FileSource reads the workbook at path
func (r *Reader) FileSource(path string) pipeline.Source {
	return pipeline.SourceFunc(func(ctx context.Context, pctx *types.ProcessingContext, emit pipeline.Emit) error {
		f, err := excelize.OpenFile(path)
		if err != nil {
			return errors.Wrapf(err, "open workbook %s", path)
		}
		defer f.Close()
		return errors.Wrapf(r.Read(ctx, f, pctx, emit), "read workbook %s", path)
	})
}

// ReaderSource reads a workbook from an arbitrary stream, e.g. an archive entry
func (r *Reader) ReaderSource(name string, open func() (io.ReadCloser, error)) pipeline.Source {
	return pipeline.SourceFunc(func(ctx context.Context, pctx *types.ProcessingContext, emit pipeline.Emit) error {
		rc, err := open()
		if err != nil {
			return errors.Wrapf(err, "open %s", name)
		}
		defer rc.Close()
		f, err := excelize.OpenReader(rc)
		if err != nil {
			return errors.Wrapf(err, "open workbook %s", name)
		}
		defer f.Close()
		return errors.Wrapf(r.Read(ctx, f, pctx, emit), "read workbook %s", name)
	})
}

// Read streams the rows of the selected sheet
func (r *Reader) Read(ctx context.Context, f *excelize.File, pctx *types.ProcessingContext, emit pipeline.Emit) error {
	sheet := r.sheet
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return errors.New("workbook has no sheets")
		}
		sheet = sheets[0]
	}

	rows, err := f.Rows(sheet)
	if err != nil {
		return errors.Wrapf(err, "sheet %s", sheet)
	}
	defer rows.Close()

	if !rows.Next() {
		return rows.Error()
	}
	header, err := rows.Columns()
	if err != nil {
		return errors.Wrap(err, "header row")
	}
	columns := r.columns(header, pctx)

	seq := 0
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		cells, err := rows.Columns()
		if err != nil {
			return errors.Wrapf(err, "row %d", seq+2)
		}
		if blank(cells) {
			continue
		}
		seq++

		rec := valueparse.NewRecord()
		rec.Doc.Seq = seq
		for i, f := range r.factories {
			p := f.New()
			if col := columns[i]; col >= 0 && col < len(cells) {
				p.Parse(cells[col])
			}
			rec.Store(f, p)
		}
		if !rec.Accept(r.required, pctx) {
			continue
		}
		if err := emit(rec.Doc); err != nil {
			return err
		}
	}
	return rows.Error()
}

// columns resolves every attribute source to a column index, -1 when absent
func (r *Reader) columns(header []string, pctx *types.ProcessingContext) []int {
	index := make(map[string]int, len(header))
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(h))
		if _, dup := index[key]; !dup && key != "" {
			index[key] = i
		}
	}
	out := make([]int, len(r.factories))
	for i, f := range r.factories {
		src := f.Attribute().Source
		col, ok := index[strings.ToLower(src)]
		if !ok {
			col = -1
			pctx.Logf("", types.ContextSystem, types.LevelWarning, "column %q not found in sheet header", src)
		}
		out[i] = col
	}
	return out
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
