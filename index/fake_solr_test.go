package index

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type pendingOp struct {
	kind  string
	docs  []map[string]any
	query string
}

// fakeSolr keeps uncommitted operations per collection and applies them on
// commit, which is enough to observe purge, commit and rollback semantics.
type fakeSolr struct {
	mu        sync.Mutex
	committed map[string]map[string]map[string]any
	pending   map[string][]pendingOp
	requests  []string
	fail      map[string]int
	server    *httptest.Server
}

func newFakeSolr(t *testing.T) *fakeSolr {
	f := &fakeSolr{
		committed: make(map[string]map[string]map[string]any),
		pending:   make(map[string][]pendingOp),
		fail:      make(map[string]int),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeSolr) failOn(op, collection string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op+" "+collection] = status
}

func (f *fakeSolr) handle(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 2 || parts[1] != "update" {
		http.NotFound(w, r)
		return
	}
	collection := parts[0]
	body, _ := io.ReadAll(r.Body)

	var op pendingOp
	if strings.HasPrefix(strings.TrimSpace(string(body)), "[") {
		op.kind = OpAdd
		_ = json.Unmarshal(body, &op.docs)
	} else {
		var cmd map[string]map[string]any
		_ = json.Unmarshal(body, &cmd)
		for k, v := range cmd {
			op.kind = k
			if q, ok := v["query"].(string); ok {
				op.query = q
			}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, op.kind+" "+collection)

	if status, ok := f.fail[op.kind+" "+collection]; ok {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":{"msg":"injected failure"}}`))
		return
	}
	if op.kind == OpAdd {
		for _, d := range op.docs {
			if _, bad := d["bad"]; bad {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":{"msg":"unknown field 'bad'","code":400}}`))
				return
			}
		}
	}

	switch op.kind {
	case OpCommit:
		f.apply(collection)
	case OpRollback:
		delete(f.pending, collection)
	default:
		f.pending[collection] = append(f.pending[collection], op)
	}
	_, _ = w.Write([]byte(`{"responseHeader":{"status":0}}`))
}

func (f *fakeSolr) apply(collection string) {
	docs := f.committed[collection]
	if docs == nil {
		docs = make(map[string]map[string]any)
		f.committed[collection] = docs
	}
	for _, op := range f.pending[collection] {
		switch op.kind {
		case OpAdd:
			for _, d := range op.docs {
				id, _ := d["id"].(string)
				docs[id] = d
			}
		case OpDelete:
			field, value, _ := strings.Cut(op.query, ":")
			value = strings.Trim(value, `"`)
			for id, d := range docs {
				if v, _ := d[field].(string); v == value {
					delete(docs, id)
				}
			}
		}
	}
	delete(f.pending, collection)
}

func (f *fakeSolr) docs(collection string) map[string]map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]map[string]any)
	for k, v := range f.committed[collection] {
		out[k] = v
	}
	return out
}

func (f *fakeSolr) count(request string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r == request {
			n++
		}
	}
	return n
}
