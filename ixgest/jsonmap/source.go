package jsonmap

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/kulturgut/ingest/errors"
	"github.com/kulturgut/ingest/ixgest/pipeline"
	"github.com/kulturgut/ingest/ixgest/types"
)

// FileSource streams the JSON file at path through m
func (m *Mapper) FileSource(path string) pipeline.Source {
	return m.ReaderSource(path, func() (io.ReadCloser, error) {
		return os.Open(path)
	})
}

// ReaderSource maps the JSON yielded by open. A top-level array is streamed
// element by element; any other top-level value is one record.
func (m *Mapper) ReaderSource(name string, open func() (io.ReadCloser, error)) pipeline.Source {
	return pipeline.SourceFunc(func(ctx context.Context, pctx *types.ProcessingContext, emit pipeline.Emit) error {
		rc, err := open()
		if err != nil {
			return errors.Wrapf(err, "open %s", name)
		}
		defer rc.Close()
		if err := m.Stream(ctx, rc, pctx, emit); err != nil {
			return errors.Wrapf(err, "map %s", name)
		}
		return nil
	})
}

// Stream decodes r and emits one document per record
func (m *Mapper) Stream(ctx context.Context, r io.Reader, pctx *types.ProcessingContext, emit pipeline.Emit) error {
	br := bufio.NewReader(r)
	dec := json.NewDecoder(br)
	dec.UseNumber()

	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return err
	}

	seq := 0
	one := func(value any) error {
		seq++
		doc, ok := m.mapRecord(ctx, value, seq, pctx)
		if !ok {
			return nil
		}
		return emit(doc)
	}

	if first != '[' {
		var value any
		if err := dec.Decode(&value); err != nil {
			pctx.Logf("", types.ContextSystem, types.LevelWarning, "malformed JSON: %v", err)
			pctx.Skipped()
			return nil
		}
		return one(value)
	}

	if _, err := dec.Token(); err != nil {
		return errors.Wrap(err, "read array start")
	}
	for dec.More() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			// the decoder cannot resume after a syntax error
			pctx.Logf("", types.ContextSystem, types.LevelWarning,
				"malformed JSON after record %d, remaining input skipped: %v", seq, err)
			pctx.Skipped()
			return nil
		}
		if err := one(value); err != nil {
			return err
		}
	}
	return nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return 0, err
		}
		switch b[0] {
		case ' ', '\t', '\n', '\r':
			_, _ = br.Discard(1)
			continue
		case 0xEF:
			// UTF-8 byte order mark
			if bom, err := br.Peek(3); err == nil && bom[1] == 0xBB && bom[2] == 0xBF {
				_, _ = br.Discard(3)
				continue
			}
		}
		return b[0], nil
	}
}
