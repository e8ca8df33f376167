package async

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kulturgut/ingest/errors"
	ingesttest "github.com/kulturgut/ingest/internal/testing"
)

func newTestPool(t *testing.T, handler JobHandler) (*WorkerPool, *Queue) {
	t.Helper()
	q := NewQueue(ingesttest.CreateTestDB(t))
	pool := NewWorkerPool(context.Background(), q, WorkerPoolConfig{
		PollInterval: 10 * time.Millisecond,
		StopGrace:    2 * time.Second,
	}, nil, zaptest.NewLogger(t).Sugar())
	pool.Registry().Register(handler)
	return pool, q
}

func awaitJob(t *testing.T, q *Queue, id string) *Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := q.Await(ctx, id)
	require.NoError(t, err)
	return job
}

func TestWorkerPool_RunsJobToIngested(t *testing.T) {
	handler := &stubHandler{name: "ixgest.ingest", run: func(job *Job) {
		job.SetCounts(3, 0, 0)
	}}
	pool, q := newTestPool(t, handler)
	pool.Start()
	defer pool.Stop()

	job := enqueueTemplate(t, q, "objects")
	done := awaitJob(t, q, job.ID)

	assert.Equal(t, JobStatusIngested, done.Status)
	assert.Equal(t, int64(3), done.Processed)
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, []string{job.ID}, handler.ran())
}

func TestWorkerPool_TerminalStatusFromError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status JobStatus
	}{
		{"commit failure", errors.New("commit failed for objects"), JobStatusFailed},
		{"pre-delete failure", errors.Mark(errors.New("delete by query: 500"), ErrAborted), JobStatusAborted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pool, q := newTestPool(t, &stubHandler{name: "ixgest.ingest", err: tc.err})
			pool.Start()
			defer pool.Stop()

			job := enqueueTemplate(t, q, "objects")
			done := awaitJob(t, q, job.ID)
			assert.Equal(t, tc.status, done.Status)
			assert.Equal(t, tc.err.Error(), done.Error)
		})
	}
}

func TestWorkerPool_Serialized(t *testing.T) {
	release := make(chan struct{})
	handler := &stubHandler{name: "ixgest.ingest", block: release}
	pool, q := newTestPool(t, handler)
	pool.Start()
	defer pool.Stop()

	a := enqueueTemplate(t, q, "a")
	b := enqueueTemplate(t, q, "b")

	require.Eventually(t, func() bool { return pool.Running() == a.ID }, 5*time.Second, 5*time.Millisecond)

	stillScheduled, err := q.GetJob(b.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusScheduled, stillScheduled.Status, "second job waits for the first")

	close(release)
	awaitJob(t, q, a.ID)
	awaitJob(t, q, b.ID)
	assert.Equal(t, []string{a.ID, b.ID}, handler.ran())
}

func TestWorkerPool_StopInterruptsRunningJob(t *testing.T) {
	t.Log("❀ Closing while a job is in flight")

	handler := &stubHandler{name: "ixgest.ingest", block: make(chan struct{})}
	pool, q := newTestPool(t, handler)
	pool.Start()

	job := enqueueTemplate(t, q, "objects")
	require.Eventually(t, func() bool { return pool.Running() == job.ID }, 5*time.Second, 5*time.Millisecond)

	pool.Stop()

	got, err := q.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusInterrupted, got.Status)
	assert.Empty(t, pool.Running())
}

func TestWorkerPool_StartInterruptsOrphans(t *testing.T) {
	handler := &stubHandler{name: "ixgest.ingest"}
	pool, q := newTestPool(t, handler)

	enqueueTemplate(t, q, "objects")
	orphan, err := q.Dequeue()
	require.NoError(t, err)

	pool.Start()
	defer pool.Stop()

	got, err := q.GetJob(orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusInterrupted, got.Status)
	assert.Empty(t, handler.ran())
}

func TestWorkerPool_RestartAfterStop(t *testing.T) {
	handler := &stubHandler{name: "ixgest.ingest"}
	pool, q := newTestPool(t, handler)

	pool.Start()
	pool.Stop()
	pool.Start()
	defer pool.Stop()

	job := enqueueTemplate(t, q, "objects")
	assert.Equal(t, JobStatusIngested, awaitJob(t, q, job.ID).Status)
}

// Two processes on one ledger: a daemon and a foreground run.
func TestWorkerPool_SharedLedgerHasOneWorker(t *testing.T) {
	database := ingesttest.CreateTestDB(t)
	newPool := func(h JobHandler) (*WorkerPool, *Queue) {
		q := NewQueue(database)
		q.SetAwaitPoll(10 * time.Millisecond)
		pool := NewWorkerPool(context.Background(), q, WorkerPoolConfig{
			PollInterval: 10 * time.Millisecond,
			StopGrace:    2 * time.Second,
		}, nil, zaptest.NewLogger(t).Sugar())
		pool.Registry().Register(h)
		return pool, q
	}

	release := make(chan struct{})
	daemonHandler := &stubHandler{name: "ixgest.ingest", block: release}
	daemon, daemonQ := newPool(daemonHandler)
	daemon.Start()
	defer daemon.Stop()
	require.True(t, daemon.HoldsLease())

	first := enqueueTemplate(t, daemonQ, "objects")
	require.Eventually(t, func() bool { return daemon.Running() == first.ID }, 5*time.Second, 5*time.Millisecond)

	runHandler := &stubHandler{name: "ixgest.ingest"}
	runner, runQ := newPool(runHandler)
	runner.Start()
	defer runner.Stop()
	assert.False(t, runner.HoldsLease())

	got, err := runQ.GetJob(first.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRunning, got.Status, "a second pool leaves the running job alone")

	second := enqueueTemplate(t, runQ, "photos")
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, runHandler.ran())
	got, err = runQ.GetJob(second.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusScheduled, got.Status, "only the lease holder dequeues")

	close(release)
	assert.Equal(t, JobStatusIngested, awaitJob(t, runQ, first.ID).Status)
	assert.Equal(t, JobStatusIngested, awaitJob(t, runQ, second.ID).Status)
	assert.Equal(t, []string{first.ID, second.ID}, daemonHandler.ran())
	assert.Empty(t, runHandler.ran())
}

func TestWorkerPool_LeaseHandsOverOnStop(t *testing.T) {
	database := ingesttest.CreateTestDB(t)
	cfg := WorkerPoolConfig{PollInterval: 10 * time.Millisecond, StopGrace: 2 * time.Second}

	first := NewWorkerPool(context.Background(), NewQueue(database), cfg, nil, zaptest.NewLogger(t).Sugar())
	first.Registry().Register(&stubHandler{name: "ixgest.ingest"})
	first.Start()
	require.True(t, first.HoldsLease())

	handler := &stubHandler{name: "ixgest.ingest"}
	q := NewQueue(database)
	second := NewWorkerPool(context.Background(), q, cfg, nil, zaptest.NewLogger(t).Sugar())
	second.Registry().Register(handler)
	second.Start()
	defer second.Stop()
	require.False(t, second.HoldsLease())

	first.Stop()
	assert.False(t, first.HoldsLease())

	job := enqueueTemplate(t, q, "objects")
	assert.Equal(t, JobStatusIngested, awaitJob(t, q, job.ID).Status)
	assert.True(t, second.HoldsLease())
	assert.Equal(t, []string{job.ID}, handler.ran())
}

func TestJobProgressEmitter(t *testing.T) {
	q := NewQueue(ingesttest.CreateTestDB(t))
	enqueueTemplate(t, q, "objects")
	job, err := q.Dequeue()
	require.NoError(t, err)

	emitter := NewJobProgressEmitter(job, q, 5*time.Millisecond, zaptest.NewLogger(t).Sugar())

	emitter.Emit(4, 1, 0)
	stored, err := q.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stored.Processed)
	assert.Equal(t, JobStatusRunning, stored.Status)

	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	done := make(chan struct{})
	go func() {
		emitter.Run(ctx, func() (int64, int64, int64) {
			calls++
			return 9, 1, 2
		})
		close(done)
	}()

	require.Eventually(t, func() bool {
		got, err := q.GetJob(job.ID)
		return err == nil && got.Processed == 9
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Positive(t, calls)

	emitter.EmitError("drain", errors.New("XML syntax error"))
}
