package async

import (
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kulturgut/ingest/errors"
	ingesttest "github.com/kulturgut/ingest/internal/testing"
	"github.com/kulturgut/ingest/ixgest/types"
)

func newTestJob(t *testing.T, template string, created time.Time) *Job {
	t.Helper()
	job, err := NewJob("ixgest.ingest", template, SourceWeb, "tester")
	require.NoError(t, err)
	job.ID = NewJobID(created)
	job.CreatedAt = created
	job.UpdatedAt = created
	return job
}

func TestStore_CreateAndGet(t *testing.T) {
	db := ingesttest.CreateTestDB(t)
	store := NewStore(db)

	created := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	job := newTestJob(t, "museum-objects", created)
	require.NoError(t, store.CreateJob(job))

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "ixgest.ingest", got.HandlerName)
	assert.Equal(t, "museum-objects", got.Name)
	assert.Equal(t, SourceWeb, got.Source)
	assert.Equal(t, JobStatusCreated, got.Status)
	assert.Equal(t, "tester", got.CreatedBy)
	assert.True(t, created.Equal(got.CreatedAt))
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
	assert.Empty(t, got.Error)

	_, err = store.GetJob("missing")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestStore_UpdateRoundTrip(t *testing.T) {
	db := ingesttest.CreateTestDB(t)
	store := NewStore(db)

	job := newTestJob(t, "t", time.Now().UTC())
	require.NoError(t, store.CreateJob(job))

	require.NoError(t, job.Harvest())
	require.NoError(t, job.Schedule())
	require.NoError(t, job.Start())
	job.SetCounts(10, 2, 1)
	require.NoError(t, job.Finish(JobStatusFailed, errors.New("commit failed")))
	require.NoError(t, store.UpdateJob(job))

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Equal(t, int64(10), got.Processed)
	assert.Equal(t, int64(2), got.Skipped)
	assert.Equal(t, int64(1), got.Errors)
	assert.Equal(t, "commit failed", got.Error)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	assert.WithinDuration(t, *job.CompletedAt, *got.CompletedAt, time.Millisecond)

	err = store.UpdateJob(&Job{ID: "missing", Status: JobStatusFailed})
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestStore_NextScheduledIsOldest(t *testing.T) {
	db := ingesttest.CreateTestDB(t)
	store := NewStore(db)

	none, err := store.NextScheduled()
	require.NoError(t, err)
	assert.Nil(t, none)

	base := time.Now().UTC().Add(-time.Hour)
	var ids []string
	for i, name := range []string{"a", "b", "c"} {
		job := newTestJob(t, name, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, job.Harvest())
		require.NoError(t, job.Schedule())
		require.NoError(t, store.CreateJob(job))
		ids = append(ids, job.ID)
	}

	next, err := store.NextScheduled()
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, ids[0], next.ID)

	all, err := store.ListJobs(nil, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].ID, "list is newest first")
}

func TestStore_FindActiveJobByName(t *testing.T) {
	db := ingesttest.CreateTestDB(t)
	store := NewStore(db)

	done := newTestJob(t, "objects", time.Now().UTC().Add(-time.Hour))
	done.Status = JobStatusIngested
	require.NoError(t, store.CreateJob(done))

	active, err := store.FindActiveJobByName("objects")
	require.NoError(t, err)
	assert.Nil(t, active)

	running := newTestJob(t, "objects", time.Now().UTC())
	running.Status = JobStatusRunning
	require.NoError(t, store.CreateJob(running))

	active, err = store.FindActiveJobByName("objects")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, running.ID, active.ID)

	list, err := store.ListActiveJobs(10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestStore_CleanupAndDelete(t *testing.T) {
	db := ingesttest.CreateTestDB(t)
	store := NewStore(db)

	old := newTestJob(t, "old", time.Now().UTC().Add(-72*time.Hour))
	old.Status = JobStatusIngested
	require.NoError(t, store.CreateJob(old))

	oldActive := newTestJob(t, "old-active", time.Now().UTC().Add(-72*time.Hour))
	oldActive.Status = JobStatusScheduled
	require.NoError(t, store.CreateJob(oldActive))

	require.NoError(t, NewJobLogStore(db).Append(old.ID, []types.LogEntry{
		{Seq: 1, DocumentID: "1", Context: types.ContextSystem, Level: types.LevelWarning, Description: "x", Time: time.Now().UTC()},
	}))

	n, err := store.CleanupOldJobs(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.GetJob(old.ID)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	entries, err := NewJobLogStore(db).ListForJob(old.ID, "")
	require.NoError(t, err)
	assert.Empty(t, entries, "log rows cascade with their job")

	require.NoError(t, store.DeleteJob(oldActive.ID))
	assert.True(t, errors.Is(store.DeleteJob(oldActive.ID), errors.ErrNotFound))

	counts, err := store.CountByStatus()
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestStore_Sqlmock_Errors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)

	mock.ExpectExec(`INSERT INTO ingest_jobs`).WillReturnError(sql.ErrConnDone)
	err = store.CreateJob(&Job{ID: "j1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, sql.ErrConnDone))
	assert.Contains(t, err.Error(), "failed to create job")

	mock.ExpectQuery(`SELECT .* FROM ingest_jobs WHERE id = \?`).
		WithArgs("j2").
		WillReturnError(errors.New("disk I/O error"))
	_, err = store.GetJob("j2")
	assert.ErrorContains(t, err, "failed to get job")

	mock.ExpectExec(`UPDATE ingest_jobs`).WillReturnResult(sqlmock.NewErrorResult(errors.New("no rows info")))
	err = store.UpdateJob(&Job{ID: "j3"})
	assert.ErrorContains(t, err, "rows affected")

	mock.ExpectQuery(`SELECT .* FROM ingest_jobs\s+WHERE status = 'scheduled'`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("j4"))
	_, err = store.NextScheduled()
	assert.ErrorContains(t, err, "failed to get next scheduled job")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobLogStore(t *testing.T) {
	db := ingesttest.CreateTestDB(t)
	job := newTestJob(t, "t", time.Now().UTC())
	require.NoError(t, NewStore(db).CreateJob(job))

	logs := NewJobLogStore(db)
	require.NoError(t, logs.Append(job.ID, nil))

	pctx := types.NewProcessingContext(job.ID, "museum-x")
	pctx.Logf("2", types.ContextMetadata, types.LevelError, "field %s: bad date", "created")
	pctx.CollectionLogf("2", "objects", types.ContextSystem, types.LevelError, "rejected")
	pctx.Logf("", types.ContextSystem, types.LevelSevere, "commit failed")
	require.NoError(t, logs.Append(job.ID, pctx.Entries()))

	all, err := logs.ListForJob(job.ID, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, 1, all[0].Seq)
	assert.Equal(t, "field created: bad date", all[0].Description)
	assert.Equal(t, types.ContextMetadata, all[0].Context)
	assert.Empty(t, all[0].CollectionID)
	assert.Equal(t, "objects", all[1].CollectionID)

	severe, err := logs.ListForJob(job.ID, types.LevelSevere)
	require.NoError(t, err)
	require.Len(t, severe, 1)
	assert.Equal(t, "commit failed", severe[0].Description)

	counts, err := logs.CountByLevel(job.ID)
	require.NoError(t, err)
	assert.Equal(t, map[types.LogLevel]int{types.LevelError: 2, types.LevelSevere: 1}, counts)
}

func TestJobLogStore_Sqlmock_RollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO job_log`)
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WillReturnError(errors.New("constraint failed"))
	mock.ExpectRollback()

	err = NewJobLogStore(db).Append("j1", []types.LogEntry{
		{Seq: 1, Context: types.ContextSystem, Level: types.LevelWarning, Time: time.Now()},
		{Seq: 2, Context: types.ContextSystem, Level: types.LevelWarning, Time: time.Now()},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entry 2")
	require.NoError(t, mock.ExpectationsWereMet())
}
