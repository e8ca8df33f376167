package ingest

import (
	"archive/zip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kulturgut/ingest/catalog"
	"github.com/kulturgut/ingest/errors"
	"github.com/kulturgut/ingest/index"
	ingesttest "github.com/kulturgut/ingest/internal/testing"
	"github.com/kulturgut/ingest/ixgest/types"
	"github.com/kulturgut/ingest/pulse/async"
)

// solrStub keeps added documents pending until a commit
type solrStub struct {
	mu        sync.Mutex
	ops       []string
	pending   map[string][]map[string]any
	committed map[string][]map[string]any
	failOp    string
	server    *httptest.Server
}

func newSolrStub(t *testing.T) *solrStub {
	s := &solrStub{
		pending:   make(map[string][]map[string]any),
		committed: make(map[string][]map[string]any),
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.server.Close)
	return s
}

func (s *solrStub) handle(w http.ResponseWriter, r *http.Request) {
	collection := strings.Split(strings.Trim(r.URL.Path, "/"), "/")[0]
	body, _ := io.ReadAll(r.Body)

	op := "add"
	var docs []map[string]any
	if err := json.Unmarshal(body, &docs); err != nil {
		var cmd map[string]any
		_ = json.Unmarshal(body, &cmd)
		for k := range cmd {
			op = k
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op+" "+collection)
	if op == s.failOp {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"msg":"injected"}}`))
		return
	}
	switch op {
	case "add":
		s.pending[collection] = append(s.pending[collection], docs...)
	case "commit":
		s.committed[collection] = append(s.committed[collection], s.pending[collection]...)
		delete(s.pending, collection)
	case "rollback":
		delete(s.pending, collection)
	}
	_, _ = w.Write([]byte(`{"responseHeader":{"status":0}}`))
}

func (s *solrStub) failOn(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOp = op
}

func (s *solrStub) docs(collection string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed[collection]
}

const objectsXML = `<?xml version="1.0" encoding="UTF-8"?>
<export>
  <objects>
    <object uuid="1b9d6bcd-bbfd-4b2d-9b5d-ab8dfbbd4bed"><title>Alpenglühen</title></object>
    <object uuid="6ec0bd7f-11c0-43da-975e-2a8ad9ebae0b"><title>Bergsee</title></object>
    <object uuid="c9bf9e57-1685-4c89-bafb-ff5af830be8a"><title>Gletscher</title></object>
  </objects>
</export>
`

const objectsMapping = `
name: objects
format: XML
attributes:
  - source: export/objects/object/@uuid
    destination: id
    parser: UUID
    required: true
  - source: export/objects/object/title
    destination: title
    parser: STRING
`

const photosMapping = `
name: photos
format: JSON
attributes:
  - source: $.id
    destination: id
    parser: UUID
    required: true
  - source: $.caption
    destination: title
    parser: STRING
`

type harness struct {
	dir   string
	solr  *solrStub
	queue *async.Queue
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{dir: t.TempDir(), solr: newSolrStub(t)}
	h.write(t, "mappings/objects.yaml", objectsMapping)
	h.write(t, "mappings/photos.yaml", photosMapping)
	h.write(t, "targets/solr.toml", "endpoint = \""+h.solr.server.URL+"\"\n"+
		"[[collections]]\nname = \"objects\"\nfilter_keywords = [\"object\"]\ndelete_before_ingest = true\n")

	c, err := catalog.Open(h.dir, 2)
	require.NoError(t, err)

	log := zaptest.NewLogger(t).Sugar()
	cache := index.NewClientCache(4, time.Hour, func(ep index.Endpoint) index.Indexer {
		return index.NewClient(ep, index.ClientOptions{Timeout: 5 * time.Second}, nil, log)
	}, log)
	t.Cleanup(cache.Purge)

	h.queue = async.NewQueue(ingesttest.CreateTestDB(t))
	handler := NewHandler(c, index.NewSink(cache, 4, nil, log), h.queue, Options{ProgressInterval: 5 * time.Millisecond}, log)
	h.queue.SetHarvester(handler)

	pool := async.NewWorkerPool(context.Background(), h.queue, async.WorkerPoolConfig{
		PollInterval: 10 * time.Millisecond,
		StopGrace:    2 * time.Second,
	}, nil, log)
	pool.Registry().Register(handler)
	pool.Start()
	t.Cleanup(pool.Stop)
	return h
}

func (h *harness) write(t *testing.T, name, content string) {
	t.Helper()
	path := filepath.Join(h.dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func (h *harness) template(t *testing.T, name, mappingName, input string) {
	h.write(t, "templates/"+name+".toml", "participant = \"museum-x\"\nmapping = \""+mappingName+"\"\n"+
		"target = \"solr\"\ndefault_category = \"object\"\ncanton = \"GR\"\n[input]\npath = \""+input+"\"\n")
}

func (h *harness) run(t *testing.T, name string) *async.Job {
	t.Helper()
	job, err := async.NewJob(HandlerName, name, async.SourceWeb, "tester")
	require.NoError(t, err)
	job, err = h.queue.Enqueue(context.Background(), job)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done, err := h.queue.Await(ctx, job.ID)
	require.NoError(t, err)
	return done
}

func TestHandler_ThreeRecordsEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.write(t, "incoming/objects.xml", objectsXML)
	h.template(t, "objects", "objects", "incoming/objects.xml")

	job := h.run(t, "objects")

	assert.Equal(t, async.JobStatusIngested, job.Status)
	assert.Equal(t, int64(3), job.Processed)
	assert.Zero(t, job.Skipped)
	assert.Zero(t, job.Errors)
	assert.Empty(t, job.Error)

	docs := h.solr.docs("objects")
	require.Len(t, docs, 3)
	assert.Equal(t, "1b9d6bcd-bbfd-4b2d-9b5d-ab8dfbbd4bed", docs[0]["id"])
	assert.Equal(t, "Alpenglühen", docs[0]["title"])
	assert.Equal(t, "Gletscher", docs[2]["title"])
	for _, d := range docs {
		assert.Equal(t, "museum-x", d["participant"])
		assert.Equal(t, "object", d["output"])
		assert.Equal(t, "GR", d["canton"])
		assert.Equal(t, job.ID, d["job_id"])
	}

	h.solr.mu.Lock()
	ops := append([]string(nil), h.solr.ops...)
	h.solr.mu.Unlock()
	require.NotEmpty(t, ops)
	assert.Equal(t, "delete objects", ops[0], "purge comes before any write")
	assert.Equal(t, "commit objects", ops[len(ops)-1])
}

func TestHandler_RecordErrorsReachJobLog(t *testing.T) {
	h := newHarness(t)
	h.write(t, "incoming/objects.xml", strings.Replace(objectsXML, "6ec0bd7f-11c0-43da-975e-2a8ad9ebae0b", "not-a-uuid", 1))
	h.template(t, "objects", "objects", "incoming/objects.xml")

	job := h.run(t, "objects")

	assert.Equal(t, async.JobStatusIngested, job.Status)
	assert.Equal(t, int64(2), job.Processed)
	assert.Equal(t, int64(1), job.Errors)
	assert.Len(t, h.solr.docs("objects"), 2)

	entries, err := h.queue.Logs().ListForJob(job.ID, types.LevelError)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.ContextMetadata, entries[0].Context)
}

func TestHandler_PreDeleteFailureAborts(t *testing.T) {
	h := newHarness(t)
	h.solr.failOn("delete")
	h.write(t, "incoming/objects.xml", objectsXML)
	h.template(t, "objects", "objects", "incoming/objects.xml")

	job := h.run(t, "objects")

	assert.Equal(t, async.JobStatusAborted, job.Status)
	assert.NotEmpty(t, job.Error)
	assert.Zero(t, job.Processed)

	h.solr.mu.Lock()
	defer h.solr.mu.Unlock()
	for _, op := range h.solr.ops {
		assert.NotEqual(t, "add objects", op, "nothing is written after a failed purge")
	}
}

func TestHandler_CommitFailureFails(t *testing.T) {
	h := newHarness(t)
	h.solr.failOn("commit")
	h.write(t, "incoming/objects.xml", objectsXML)
	h.template(t, "objects", "objects", "incoming/objects.xml")

	job := h.run(t, "objects")

	assert.Equal(t, async.JobStatusFailed, job.Status)
	assert.Empty(t, h.solr.docs("objects"))

	severe, err := h.queue.Logs().ListForJob(job.ID, types.LevelSevere)
	require.NoError(t, err)
	assert.NotEmpty(t, severe)
}

func TestHandler_HarvestRejectsMissingInput(t *testing.T) {
	h := newHarness(t)
	h.template(t, "objects", "objects", "incoming/missing.xml")

	job, err := async.NewJob(HandlerName, "objects", async.SourceWeb, "tester")
	require.NoError(t, err)
	got, err := h.queue.Enqueue(context.Background(), job)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	require.NotNil(t, got)
	assert.Equal(t, async.JobStatusFailed, got.Status)
}

func TestHandler_ArchiveWithJSONMetadata(t *testing.T) {
	h := newHarness(t)

	path := filepath.Join(h.dir, "incoming", "photos.zip")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	entries := map[string]string{
		"metadata/a.json":    `[{"id":"1b9d6bcd-bbfd-4b2d-9b5d-ab8dfbbd4bed","caption":"Dorfplatz"}]`,
		"metadata/b.json":    `{"id":"6ec0bd7f-11c0-43da-975e-2a8ad9ebae0b","caption":"Brücke"}`,
		"metadata/notes.txt": "ignored",
	}
	for _, name := range []string{"metadata/a.json", "metadata/b.json", "metadata/notes.txt"} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(entries[name]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	h.template(t, "photos", "photos", "incoming/photos.zip")
	job := h.run(t, "photos")

	assert.Equal(t, async.JobStatusIngested, job.Status)
	assert.Equal(t, int64(2), job.Processed)
	docs := h.solr.docs("objects")
	require.Len(t, docs, 2)
	assert.Equal(t, "Dorfplatz", docs[0]["title"])
	assert.Equal(t, "Brücke", docs[1]["title"])
}
