package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/kulturgut/ingest/errors"
	"github.com/kulturgut/ingest/ixgest/types"
)

// DefaultBuffer is the channel capacity used when Open is given zero
const DefaultBuffer = 64

// Stream is the consumer side of a running source
type Stream struct {
	docs   chan *types.Document
	cancel context.CancelFunc
	group  *errgroup.Group
	err    error
	done   bool
}

// Open starts src on a producer goroutine. The caller must drain the stream
// with Next and then call Close (also on early exit).
func Open(ctx context.Context, src Source, pctx *types.ProcessingContext, buffer int) *Stream {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)
	docs := make(chan *types.Document, buffer)

	group.Go(func() error {
		defer close(docs)
		return src.Produce(gctx, pctx, func(doc *types.Document) error {
			select {
			case docs <- doc:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	})

	return &Stream{docs: docs, cancel: cancel, group: group}
}

// Next returns the next document, blocking until one is available. It
// returns false when the source is exhausted, failed, or ctx is done.
func (s *Stream) Next(ctx context.Context) (*types.Document, bool) {
	if s.done {
		return nil, false
	}
	select {
	case doc, ok := <-s.docs:
		if !ok {
			s.finish()
			return nil, false
		}
		return doc, true
	case <-ctx.Done():
		s.err = ctx.Err()
		s.done = true
		return nil, false
	}
}

// Err reports why the stream ended; nil after a clean drain
func (s *Stream) Err() error {
	return s.err
}

// Close stops the producer and waits for it to exit
func (s *Stream) Close() error {
	s.cancel()
	if !s.done {
		// unblock a producer waiting on a full channel
		for range s.docs {
		}
		s.finish()
	} else {
		_ = s.group.Wait()
	}
	return s.err
}

func (s *Stream) finish() {
	if err := s.group.Wait(); err != nil && s.err == nil {
		s.err = errors.Wrap(err, "source")
	}
	s.done = true
}
