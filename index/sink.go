package index

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kulturgut/ingest/errors"
	"github.com/kulturgut/ingest/internal/metrics"
	"github.com/kulturgut/ingest/ixgest/pipeline"
	"github.com/kulturgut/ingest/ixgest/types"
	"github.com/kulturgut/ingest/logger"
)

var (
	// ErrPreDelete marks a failed purge before ingestion; nothing was written
	ErrPreDelete = errors.New("pre-ingest delete failed")
	// ErrCommit marks a run where at least one collection was rolled back
	ErrCommit = errors.New("commit failed")
)

// finalizeTimeout bounds rollbacks issued after the job context is gone
const finalizeTimeout = 30 * time.Second

// Sink drains a document stream into the collections of a target
type Sink struct {
	cache   *ClientCache
	buffer  int
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger
}

// NewSink creates a sink. buffer is the stream depth between source and sink.
func NewSink(cache *ClientCache, buffer int, m *metrics.Metrics, log *zap.SugaredLogger) *Sink {
	return &Sink{cache: cache, buffer: buffer, metrics: m, logger: log}
}

type item struct {
	id     string
	fields map[string]any
}

// batcher owns the pending documents of one collection
type batcher struct {
	collection string
	in         chan item
}

// run is the state of one Ingest call
type run struct {
	s      *Sink
	target *TargetConfig
	client Indexer
	pctx   *types.ProcessingContext
	logger *zap.SugaredLogger

	mu       sync.Mutex
	touched  map[string]bool
	batchers map[string]*batcher
	group    errgroup.Group
}

// Ingest purges, streams, submits and commits. src is opened only after the
// purge succeeded, and nothing is committed before it is fully drained.
func (s *Sink) Ingest(ctx context.Context, target *TargetConfig, src pipeline.Source, pctx *types.ProcessingContext) error {
	r := &run{
		s:        s,
		target:   target,
		client:   s.cache.Get(target.EndpointOf()),
		pctx:     pctx,
		logger:   s.logger.With(logger.FieldJobID, pctx.JobID, logger.FieldParticipant, pctx.Participant),
		touched:  make(map[string]bool),
		batchers: make(map[string]*batcher),
	}

	if err := r.preDelete(ctx); err != nil {
		return err
	}

	stream := pipeline.Open(ctx, src, pctx, s.buffer)
	streamErr := r.drain(ctx, stream)
	r.closeBatchers()

	if streamErr != nil || ctx.Err() != nil {
		if streamErr == nil {
			streamErr = ctx.Err()
		}
		if ctx.Err() == nil {
			pctx.Logf("", types.ContextSystem, types.LevelSevere, "source failed: %v", streamErr)
		}
		r.rollbackAll(ctx)
		return streamErr
	}
	return r.commitAll(ctx)
}

// ParticipantQuery selects every document of a participant
func ParticipantQuery(field, participant string) string {
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(participant)
	return field + `:"` + esc + `"`
}

func (r *run) preDelete(ctx context.Context) error {
	query := ParticipantQuery(r.target.ParticipantField, r.pctx.Participant)
	var deleted []string
	for _, c := range r.target.Collections {
		if !c.DeleteBeforeIngest {
			continue
		}
		if err := r.client.DeleteByQuery(ctx, c.Name, query); err != nil {
			r.pctx.CollectionLogf("", c.Name, types.ContextSystem, types.LevelSevere,
				"delete before ingest failed: %v", err)
			r.logger.Errorw("Pre-ingest delete failed", logger.FieldCollection, c.Name, logger.FieldError, err)
			for _, name := range deleted {
				r.rollback(ctx, name)
			}
			return errors.Mark(errors.Wrapf(err, "delete %s from %s", query, c.Name), ErrPreDelete)
		}
		deleted = append(deleted, c.Name)
		r.touched[c.Name] = true
		r.logger.Infow("Participant purged", logger.FieldCollection, c.Name)
	}
	return nil
}

func (r *run) drain(ctx context.Context, stream *pipeline.Stream) error {
	defer stream.Close()
	for {
		doc, ok := stream.Next(ctx)
		if !ok {
			return stream.Err()
		}
		routes := r.target.Route(doc)
		if len(routes) == 0 {
			r.pctx.Skipped()
			r.s.metrics.Document(r.pctx.Participant, metrics.OutcomeSkipped)
			r.logger.Debugw("Document matches no collection", logger.FieldDocumentID, doc.Ref())
			continue
		}
		r.pctx.Processed()
		r.s.metrics.Document(r.pctx.Participant, metrics.OutcomeProcessed)

		it := item{id: doc.Ref(), fields: Encode(doc)}
		for _, c := range routes {
			b := r.batcher(ctx, c.Name)
			select {
			case b.in <- it:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (r *run) batcher(ctx context.Context, collection string) *batcher {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.batchers[collection]; ok {
		return b
	}
	b := &batcher{collection: collection, in: make(chan item, r.target.BatchSize)}
	r.batchers[collection] = b
	r.touched[collection] = true
	r.group.Go(func() error {
		r.consume(ctx, b)
		return nil
	})
	return b
}

func (r *run) closeBatchers() {
	r.mu.Lock()
	for _, b := range r.batchers {
		close(b.in)
	}
	r.mu.Unlock()
	_ = r.group.Wait()
}

// consume groups incoming documents into batches until the input closes
func (r *run) consume(ctx context.Context, b *batcher) {
	size := r.target.BatchSize
	batch := make([]item, 0, size)
	for it := range b.in {
		batch = append(batch, it)
		if len(batch) >= size {
			r.flush(ctx, b.collection, batch)
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		r.flush(ctx, b.collection, batch)
	}
}

// flush submits a batch; a rejected batch is retried document by document
// so one bad record does not sink its neighbours.
func (r *run) flush(ctx context.Context, collection string, batch []item) {
	docs := make([]map[string]any, len(batch))
	for i, it := range batch {
		docs[i] = it.fields
	}
	err := r.client.Add(ctx, collection, docs)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		return
	}
	r.logger.Warnw("Batch rejected, retrying per document",
		logger.FieldCollection, collection,
		logger.FieldBatchSize, len(batch),
		logger.FieldError, err)

	for _, it := range batch {
		if ctx.Err() != nil {
			return
		}
		if err := r.client.Add(ctx, collection, []map[string]any{it.fields}); err != nil {
			r.pctx.CollectionLogf(it.id, collection, types.ContextMetadata, types.LevelError,
				"index rejected document: %v", err)
			r.pctx.Error()
			r.s.metrics.Document(r.pctx.Participant, metrics.OutcomeError)
		}
	}
}

func (r *run) touchedCollections() []string {
	var out []string
	for _, c := range r.target.Collections {
		if r.touched[c.Name] {
			out = append(out, c.Name)
		}
	}
	return out
}

// commitAll commits every touched collection concurrently. A failed commit
// rolls back that collection only.
func (r *run) commitAll(ctx context.Context) error {
	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed []string
	)
	for _, name := range r.touchedCollections() {
		name := name
		g.Go(func() error {
			if err := r.client.Commit(ctx, name); err != nil {
				r.pctx.CollectionLogf("", name, types.ContextSystem, types.LevelSevere, "commit failed: %v", err)
				r.logger.Errorw("Commit failed", logger.FieldCollection, name, logger.FieldError, err)
				r.rollback(ctx, name)
				mu.Lock()
				failed = append(failed, name)
				mu.Unlock()
				return nil
			}
			r.logger.Infow("Collection committed", logger.FieldCollection, name)
			return nil
		})
	}
	_ = g.Wait()
	if len(failed) > 0 {
		return errors.Mark(errors.Newf("collections rolled back: %s", strings.Join(failed, ", ")), ErrCommit)
	}
	return nil
}

func (r *run) rollbackAll(ctx context.Context) {
	for _, name := range r.touchedCollections() {
		r.rollback(ctx, name)
	}
}

func (r *run) rollback(ctx context.Context, collection string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := r.client.Rollback(rctx, collection); err != nil {
		r.pctx.CollectionLogf("", collection, types.ContextSystem, types.LevelSevere, "rollback failed: %v", err)
		r.logger.Errorw("Rollback failed", logger.FieldCollection, collection, logger.FieldError, err)
	}
}
