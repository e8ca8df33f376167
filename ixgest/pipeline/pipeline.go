// Package pipeline connects document sources, transformers and the sink.
//
// A Source pushes documents in parse order through an Emit callback. Chain
// wraps a source with transformers; Open runs a source on its own goroutine
// behind a bounded channel so the consumer (the index sink) drives the pace:
// the producer blocks while the buffer is full.
package pipeline

import (
	"context"

	"github.com/kulturgut/ingest/errors"
	"github.com/kulturgut/ingest/ixgest/types"
)

// Emit hands one completed document downstream. It returns an error when the
// consumer is gone; sources must stop producing on error.
type Emit func(doc *types.Document) error

// Source produces documents in order until exhausted or ctx is done
type Source interface {
	Produce(ctx context.Context, pctx *types.ProcessingContext, emit Emit) error
}

// SourceFunc adapts a function to Source
type SourceFunc func(ctx context.Context, pctx *types.ProcessingContext, emit Emit) error

// Produce implements Source
func (f SourceFunc) Produce(ctx context.Context, pctx *types.ProcessingContext, emit Emit) error {
	return f(ctx, pctx, emit)
}

// Transformer rewrites or enriches one document. Returning a nil document
// drops it. A returned error is a record-level failure unless it is a
// context error.
type Transformer interface {
	Name() string
	Transform(ctx context.Context, doc *types.Document, pctx *types.ProcessingContext) (*types.Document, error)
}

// Chain returns a Source whose documents pass through ts in the given order
func Chain(src Source, ts ...Transformer) Source {
	if len(ts) == 0 {
		return src
	}
	return &chained{src: src, transformers: ts}
}

type chained struct {
	src          Source
	transformers []Transformer
}

func (c *chained) Produce(ctx context.Context, pctx *types.ProcessingContext, emit Emit) error {
	return c.src.Produce(ctx, pctx, func(doc *types.Document) error {
		for _, t := range c.transformers {
			ref := doc.Ref()
			out, err := t.Transform(ctx, doc, pctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				pctx.Logf(ref, types.ContextSystem, types.LevelError, "transformer %s: %v", t.Name(), err)
				pctx.Error()
				return nil
			}
			if out == nil {
				pctx.Skipped()
				return nil
			}
			doc = out
		}
		return emit(doc)
	})
}

// Collect runs a source to completion and returns every document. Intended
// for small inputs and tests.
func Collect(ctx context.Context, src Source, pctx *types.ProcessingContext) ([]*types.Document, error) {
	var docs []*types.Document
	err := src.Produce(ctx, pctx, func(doc *types.Document) error {
		docs = append(docs, doc)
		return nil
	})
	if err != nil {
		return docs, errors.Wrap(err, "collect")
	}
	return docs, nil
}

// Concat produces the documents of each source in turn
func Concat(sources ...Source) Source {
	return SourceFunc(func(ctx context.Context, pctx *types.ProcessingContext, emit Emit) error {
		for _, s := range sources {
			if err := s.Produce(ctx, pctx, emit); err != nil {
				return err
			}
		}
		return nil
	})
}
