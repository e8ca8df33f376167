package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kulturgut/ingest/errors"
)

func TestNilMetricsIsNoop(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	m.Document("museum-a", OutcomeProcessed)
	m.IndexRequest("update", nil)
	m.ImageFetch(errors.New("timeout"))
	m.JobStarted()
	m.JobFinished("ingested", time.Second)
	m.WatcherStarted()
	m.WatcherStopped()
}

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.Document("museum-a", OutcomeProcessed)
	m.Document("museum-a", OutcomeProcessed)
	m.Document("museum-a", OutcomeError)
	m.IndexRequest("commit", errors.New("500"))
	m.JobStarted()
	m.JobFinished("failed", 3*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.documents.WithLabelValues("museum-a", OutcomeProcessed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.indexRequests.WithLabelValues("commit", "error")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeJobs))

	_, err = New(reg)
	assert.Error(t, err, "double registration")
}
