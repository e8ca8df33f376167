package index

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/kulturgut/ingest/errors"
	"github.com/kulturgut/ingest/internal/metrics"
	"github.com/kulturgut/ingest/logger"
)

// Index operations, also used as metric labels
const (
	OpAdd      = "add"
	OpDelete   = "delete"
	OpCommit   = "commit"
	OpRollback = "rollback"
)

// Endpoint identifies an index server and the account used to reach it
type Endpoint struct {
	URL      string
	Username string
	Password string
}

// Key is the cache identity of the endpoint. The password is not part of it.
func (e Endpoint) Key() string {
	return e.URL + "|" + e.Username
}

// Indexer is the subset of the Solr update API the sink needs
type Indexer interface {
	Add(ctx context.Context, collection string, docs []map[string]any) error
	DeleteByQuery(ctx context.Context, collection, query string) error
	Commit(ctx context.Context, collection string) error
	Rollback(ctx context.Context, collection string) error
	Close()
}

// ClientOptions tune the HTTP transport
type ClientOptions struct {
	Timeout  time.Duration
	RetryMax int
}

// Client talks the Solr JSON update protocol
type Client struct {
	endpoint Endpoint
	http     *retryablehttp.Client
	metrics  *metrics.Metrics
	logger   *zap.SugaredLogger
}

var _ Indexer = (*Client)(nil)

// NewClient creates a client for ep. m may be nil.
func NewClient(ep Endpoint, opts ClientOptions, m *metrics.Metrics, log *zap.SugaredLogger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.RetryMax
	rc.RetryWaitMin = 250 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = opts.Timeout
	rc.Logger = leveledLogger{log}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{endpoint: ep, http: rc, metrics: m, logger: log}
}

// Add submits documents to a collection without committing
func (c *Client) Add(ctx context.Context, collection string, docs []map[string]any) error {
	return c.update(ctx, OpAdd, collection, docs)
}

// DeleteByQuery removes every document matching query
func (c *Client) DeleteByQuery(ctx context.Context, collection, query string) error {
	return c.update(ctx, OpDelete, collection, map[string]any{"delete": map[string]any{"query": query}})
}

// Commit makes pending changes visible
func (c *Client) Commit(ctx context.Context, collection string) error {
	return c.update(ctx, OpCommit, collection, map[string]any{"commit": map[string]any{}})
}

// Rollback discards uncommitted changes
func (c *Client) Rollback(ctx context.Context, collection string) error {
	return c.update(ctx, OpRollback, collection, map[string]any{"rollback": map[string]any{}})
}

// Close drops idle connections
func (c *Client) Close() {
	c.http.HTTPClient.CloseIdleConnections()
}

type solrError struct {
	Error struct {
		Msg  string `json:"msg"`
		Code int    `json:"code"`
	} `json:"error"`
}

func (c *Client) update(ctx context.Context, op, collection string, payload any) (err error) {
	defer func() { c.metrics.IndexRequest(op, err) }()

	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "%s %s: encode", op, collection)
	}
	target := c.endpoint.URL + "/" + url.PathEscape(collection) + "/update?wt=json"

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return errors.Wrapf(err, "%s %s", op, collection)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.endpoint.Username != "" {
		req.SetBasicAuth(c.endpoint.Username, c.endpoint.Password)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", op, collection)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	c.logger.Debugw("Index request",
		logger.FieldOperation, op,
		logger.FieldCollection, collection,
		logger.FieldStatus, resp.StatusCode,
		logger.FieldDurationMS, time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var se solrError
		if json.Unmarshal(raw, &se) == nil && se.Error.Msg != "" {
			return errors.Newf("%s %s: HTTP %d: %s", op, collection, resp.StatusCode, se.Error.Msg)
		}
		return errors.Newf("%s %s: HTTP %d: %s", op, collection, resp.StatusCode, string(bytes.TrimSpace(raw)))
	}
	return nil
}

// leveledLogger adapts zap to retryablehttp.LeveledLogger
type leveledLogger struct {
	l *zap.SugaredLogger
}

var _ retryablehttp.LeveledLogger = leveledLogger{}

func (z leveledLogger) Error(msg string, kv ...interface{}) { z.l.Errorw(msg, kv...) }
func (z leveledLogger) Info(msg string, kv ...interface{})  { z.l.Debugw(msg, kv...) }
func (z leveledLogger) Debug(msg string, kv ...interface{}) { z.l.Debugw(msg, kv...) }
func (z leveledLogger) Warn(msg string, kv ...interface{})  { z.l.Warnw(msg, kv...) }
