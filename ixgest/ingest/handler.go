// Package ingest is the job handler that turns a template into an
// ingestion run: source, transformers and index sink.
package ingest

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kulturgut/ingest/catalog"
	"github.com/kulturgut/ingest/errors"
	"github.com/kulturgut/ingest/index"
	"github.com/kulturgut/ingest/ixgest/pipeline"
	"github.com/kulturgut/ingest/ixgest/transform"
	"github.com/kulturgut/ingest/ixgest/types"
	"github.com/kulturgut/ingest/ixgest/valueparse"
	"github.com/kulturgut/ingest/logger"
	"github.com/kulturgut/ingest/pulse/async"
)

// HandlerName identifies ingest jobs in the queue
const HandlerName = "ixgest.ingest"

// Resolver loads a template and everything it references
type Resolver interface {
	Resolve(name string) (*catalog.Resolved, error)
}

// Options are the process-wide settings of ingest runs
type Options struct {
	Images           transform.ImageOptions // DeployDir empty disables image deployment
	DeployCache      *transform.DeployCache // may be nil
	Fetcher          valueparse.Fetcher     // remote media for IMAGE_URL and IMAGE_MPLUS
	MPlusURL         string
	ProgressInterval time.Duration
}

// Handler implements async.JobHandler for ingest jobs
type Handler struct {
	resolver Resolver
	sink     *index.Sink
	queue    *async.Queue
	opts     Options
	logger   *zap.SugaredLogger
}

var _ async.JobHandler = (*Handler)(nil)

// NewHandler creates the ingest handler. queue receives progress updates and
// the job log.
func NewHandler(resolver Resolver, sink *index.Sink, queue *async.Queue, opts Options, log *zap.SugaredLogger) *Handler {
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 2 * time.Second
	}
	return &Handler{
		resolver: resolver,
		sink:     sink,
		queue:    queue,
		opts:     opts,
		logger:   log.Named("ingest"),
	}
}

// Name returns the handler identifier
func (h *Handler) Name() string {
	return HandlerName
}

// Harvest checks that the job's template resolves and its input exists.
// It runs before the job is scheduled.
func (h *Handler) Harvest(ctx context.Context, job *async.Job) error {
	res, err := h.resolver.Resolve(job.TemplateRef)
	if err != nil {
		return err
	}
	if res.Template.Disabled {
		return errors.NewInvalidConfigError("template %s is disabled", job.TemplateRef)
	}
	if _, err := os.Stat(res.Template.Input.Path); err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(errors.ErrNotFound, "input %s", res.Template.Input.Path)
		}
		return errors.Wrapf(err, "input %s", res.Template.Input.Path)
	}
	return nil
}

// Execute runs one ingestion. Counters are copied into job and the
// processing log is stored with the job whatever the outcome.
func (h *Handler) Execute(ctx context.Context, job *async.Job) error {
	res, err := h.resolver.Resolve(job.TemplateRef)
	if err != nil {
		return err
	}
	tmpl := res.Template
	ctx = logger.WithParticipant(ctx, tmpl.Participant)
	log := logger.LoggerFromContext(ctx, h.logger).With(logger.FieldTemplate, tmpl.Name)

	pctx := types.NewProcessingContext(job.ID, tmpl.Participant)
	pctx.Observe(func(e types.LogEntry) {
		if e.Level == types.LevelSevere {
			log.Warnw("Severe processing entry",
				logger.FieldDocumentID, e.DocumentID,
				logger.FieldCollection, e.CollectionID,
				"description", e.Description)
		}
	})

	start := time.Now()
	err = h.run(ctx, job, res, pctx, log)

	c := pctx.Counts()
	job.SetCounts(c.Processed, c.Skipped, c.Errors)
	if logErr := h.queue.Logs().Append(job.ID, pctx.Entries()); logErr != nil {
		log.Errorw("Failed to store job log", logger.FieldError, logErr)
	}

	log.Infow("Ingestion finished",
		logger.FieldProcessed, c.Processed,
		logger.FieldSkipped, c.Skipped,
		logger.FieldErrors, c.Errors,
		logger.FieldDurationMS, time.Since(start).Milliseconds(),
		logger.FieldError, err)

	if errors.Is(err, index.ErrPreDelete) {
		return errors.Mark(err, async.ErrAborted)
	}
	return err
}

func (h *Handler) run(ctx context.Context, job *async.Job, res *catalog.Resolved, pctx *types.ProcessingContext, log *zap.SugaredLogger) error {
	src, closeSource, err := h.source(res, log)
	if err != nil {
		pctx.Logf("", types.ContextSystem, types.LevelSevere, "cannot open input: %v", err)
		return err
	}
	defer func() {
		if err := closeSource(); err != nil {
			log.Warnw("Failed to close input", logger.FieldError, err)
		}
	}()

	transformers, err := h.transformers(res, log)
	if err != nil {
		pctx.Logf("", types.ContextSystem, types.LevelSevere, "invalid transformer configuration: %v", err)
		return err
	}

	// Progress runs until the sink returns; the final counts are set by Execute
	snapshot := *job
	emitter := async.NewJobProgressEmitter(&snapshot, h.queue, h.opts.ProgressInterval, log)
	progressCtx, stopProgress := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		emitter.Run(progressCtx, func() (int64, int64, int64) {
			c := pctx.Counts()
			return c.Processed, c.Skipped, c.Errors
		})
	}()

	err = h.sink.Ingest(ctx, res.Target, pipeline.Chain(src, transformers...), pctx)
	stopProgress()
	wg.Wait()
	if err != nil {
		emitter.EmitError("ingest", err)
	}
	return err
}

func (h *Handler) transformers(res *catalog.Resolved, log *zap.SugaredLogger) ([]pipeline.Transformer, error) {
	tmpl := res.Template
	var out []pipeline.Transformer
	for _, name := range tmpl.Chain() {
		switch name {
		case catalog.TransformImages:
			if h.opts.Images.DeployDir == "" {
				log.Debugw("Image deployment not configured, media values are indexed by name")
				continue
			}
			images, err := transform.NewImages(h.opts.Images, h.opts.DeployCache, log)
			if err != nil {
				return nil, err
			}
			out = append(out, images)
		case catalog.TransformSystem:
			out = append(out, transform.NewSystem(transform.SystemOptions{
				ParticipantField: res.Target.ParticipantField,
				CategoryField:    res.Target.CategoryField,
				Canton:           tmpl.Canton,
				Rules:            tmpl.Categories,
				DefaultCategory:  tmpl.DefaultCategory,
			}))
		default:
			return nil, errors.NewInvalidConfigError("unknown transformer %q", name)
		}
	}
	return out, nil
}

func (h *Handler) deps(input string) valueparse.Deps {
	return valueparse.Deps{
		Fetcher:  h.opts.Fetcher,
		BaseDir:  filepath.Dir(input),
		MPlusURL: h.opts.MPlusURL,
	}
}
